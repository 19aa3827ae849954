// Package checkpointer drives the wall-clock leg of the engine's
// checkpoint policy: the byte-count and memory-estimate triggers fire
// synchronously after each auto-committed statement (db.ExecSQL calls
// Pager.MaybeCheckpoint), but the "at least every N milliseconds"
// trigger needs a background scheduler.
package checkpointer

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/corvusdb/corvus/corvuslog"
)

// Checkpointable is the one method the scheduler needs; *db.DB
// implements it (draining trigram deltas before the pager checkpoint).
type Checkpointable interface {
	Checkpoint() error
}

// Checkpointer runs Checkpoint on db at a fixed interval until Stop.
type Checkpointer struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	db      Checkpointable
	log     *corvuslog.Logger
}

// New creates a Checkpointer; it does not start running until Start.
func New(db Checkpointable, log *corvuslog.Logger) *Checkpointer {
	if log == nil {
		log = corvuslog.GetGlobalLogger()
	}
	return &Checkpointer{
		cron: cron.New(cron.WithSeconds()),
		db:   db,
		log:  log,
	}
}

// Start registers the periodic checkpoint job at everyMs and begins
// running it. everyMs of 0 disables the background trigger entirely.
func (c *Checkpointer) Start(everyMs uint64) error {
	if everyMs == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	spec := fmt.Sprintf("@every %dms", everyMs)
	id, err := c.cron.AddFunc(spec, c.runCheckpoint)
	if err != nil {
		return fmt.Errorf("checkpointer: %w", err)
	}
	c.entryID = id
	c.cron.Start()
	return nil
}

// Stop halts the background scheduler, waiting for any in-flight
// checkpoint to finish.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := c.cron.Stop()
	<-ctx.Done()
}

func (c *Checkpointer) runCheckpoint() {
	if err := c.db.Checkpoint(); err != nil {
		c.log.CheckpointLogger().Warn().Err(err).Msg("scheduled checkpoint failed")
		return
	}
	c.log.LogWALCheckpoint(0, 0)
}
