package checkpointer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	calls   int32
	failing bool
}

func (f *fakeDB) Checkpoint() error {
	atomic.AddInt32(&f.calls, 1)
	if f.failing {
		return errors.New("checkpoint failed")
	}
	return nil
}

func TestStartZeroIntervalIsNoOp(t *testing.T) {
	db := &fakeDB{}
	cp := New(db, nil)
	require.NoError(t, cp.Start(0))
	defer cp.Stop()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&db.calls))
}

func TestRunsOnSchedule(t *testing.T) {
	db := &fakeDB{}
	cp := New(db, nil)
	require.NoError(t, cp.Start(20))
	defer cp.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&db.calls) >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestFailedCheckpointDoesNotPanic(t *testing.T) {
	db := &fakeDB{failing: true}
	cp := New(db, nil)
	require.NoError(t, cp.Start(20))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&db.calls) >= 1
	}, time.Second, 10*time.Millisecond)
	cp.Stop()
}
