package storage

import (
	"sync"

	"github.com/google/uuid"
)

// FaultOp names the VFS operation a FaultRule matches.
type FaultOp int

const (
	FaultOpOpen FaultOp = iota
	FaultOpRead
	FaultOpWrite
	FaultOpFsync
	FaultOpTruncate
)

// FaultAction is what a matching rule does to the call.
type FaultAction int

const (
	// ActionError fails the call with an IO error.
	ActionError FaultAction = iota
	// ActionDropFsync reports success without the bytes having
	// actually reached durable storage.
	ActionDropFsync
	// ActionPartialWrite reports fewer bytes written/read than
	// requested.
	ActionPartialWrite
	// ActionReplay is accepted as a rule action, but no operation acts
	// on it: a matching call is counted against the rule and then runs
	// the underlying operation unchanged. FaultRule.Replay is never
	// called.
	ActionReplay
)

// FaultRule is one interposed rule: Action fires on each of the next
// RemainingCount matching calls, then the rule goes inert
// (RemainingCount == -1 means it fires on every matching call).
type FaultRule struct {
	ID             string
	Op             FaultOp
	RemainingCount int
	Action         FaultAction
	Replay         func(args ...any) (any, error)
}

// LoggedCall records one intercepted VFS call for test assertions.
type LoggedCall struct {
	Op     FaultOp
	Path   string
	Offset int64
	Len    int
}

// FaultVFS wraps a concrete VFS and interposes FaultRules on every
// operation, logging each call for test assertions.
type FaultVFS struct {
	mu    sync.Mutex
	inner VFS
	rules []*FaultRule
	calls []LoggedCall
}

// NewFaultVFS wraps inner with fault injection disabled by default.
func NewFaultVFS(inner VFS) *FaultVFS {
	return &FaultVFS{inner: inner}
}

// AddRule registers a fault rule and returns its generated ID.
func (f *FaultVFS) AddRule(op FaultOp, remainingCount int, action FaultAction) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.rules = append(f.rules, &FaultRule{ID: id, Op: op, RemainingCount: remainingCount, Action: action})
	return id
}

// ClearRules removes every registered rule.
func (f *FaultVFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// Calls returns a copy of the logged call history.
func (f *FaultVFS) Calls() []LoggedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LoggedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FaultVFS) matchAndConsume(op FaultOp) *FaultRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.Op != op || r.RemainingCount == 0 {
			continue
		}
		if r.RemainingCount > 0 {
			r.RemainingCount--
		}
		return r
	}
	return nil
}

func (f *FaultVFS) log(op FaultOp, path string, offset int64, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, LoggedCall{Op: op, Path: path, Offset: offset, Len: n})
}

func (f *FaultVFS) Open(path string, createIfMissing bool) (Handle, error) {
	f.log(FaultOpOpen, path, 0, 0)
	if r := f.matchAndConsume(FaultOpOpen); r != nil && r.Action == ActionError {
		return nil, ioErr("open", path, errInjected)
	}
	h, err := f.inner.Open(path, createIfMissing)
	if err != nil {
		return nil, err
	}
	return &faultHandle{parent: f, path: path, inner: h}, nil
}

func (f *FaultVFS) Remove(path string) error { return f.inner.Remove(path) }

type faultHandle struct {
	parent *FaultVFS
	path   string
	inner  Handle
}

func (h *faultHandle) ReadAt(buf []byte, offset int64) (int, error) {
	h.parent.log(FaultOpRead, h.path, offset, len(buf))
	if r := h.parent.matchAndConsume(FaultOpRead); r != nil {
		switch r.Action {
		case ActionError:
			return 0, ioErr("read", h.path, errInjected)
		case ActionPartialWrite:
			half := len(buf) / 2
			n, err := h.inner.ReadAt(buf[:half], offset)
			return n, err
		}
	}
	return h.inner.ReadAt(buf, offset)
}

func (h *faultHandle) WriteAt(buf []byte, offset int64) (int, error) {
	h.parent.log(FaultOpWrite, h.path, offset, len(buf))
	if r := h.parent.matchAndConsume(FaultOpWrite); r != nil {
		switch r.Action {
		case ActionError:
			return 0, ioErr("write", h.path, errInjected)
		case ActionPartialWrite:
			half := len(buf) / 2
			if half == 0 {
				return 0, nil
			}
			n, err := h.inner.WriteAt(buf[:half], offset)
			return n, err
		}
	}
	return h.inner.WriteAt(buf, offset)
}

func (h *faultHandle) Fsync() error {
	h.parent.log(FaultOpFsync, h.path, 0, 0)
	if r := h.parent.matchAndConsume(FaultOpFsync); r != nil {
		switch r.Action {
		case ActionError:
			return ioErr("fsync", h.path, errInjected)
		case ActionDropFsync:
			return nil // report success without syncing
		}
	}
	return h.inner.Fsync()
}

func (h *faultHandle) Truncate(size int64) error {
	h.parent.log(FaultOpTruncate, h.path, size, 0)
	if r := h.parent.matchAndConsume(FaultOpTruncate); r != nil && r.Action == ActionError {
		return ioErr("truncate", h.path, errInjected)
	}
	return h.inner.Truncate(size)
}

func (h *faultHandle) Size() (int64, error) { return h.inner.Size() }
func (h *faultHandle) Close() error         { return h.inner.Close() }

type injectedError struct{}

func (injectedError) Error() string { return "injected fault" }

var errInjected = injectedError{}
