// Package db is the top-level embedding API: OpenDB/CloseDB/
// CheckpointDB/BeginTx/Commit/Rollback/ExecSQL, wrapping the catalog,
// row store, and SQL executor around one pager and owning the WAL
// writer-transaction boundary around each statement.
package db

import (
	"github.com/corvusdb/corvus/catalog"
	"github.com/corvusdb/corvus/checkpointer"
	"github.com/corvusdb/corvus/concurrency"
	"github.com/corvusdb/corvus/config"
	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/corvuslog"
	"github.com/corvusdb/corvus/rowstore"
	"github.com/corvusdb/corvus/sql"
	"github.com/corvusdb/corvus/storage"
)

// DB is one open database file plus its WAL, catalog, and row store.
type DB struct {
	path  string
	vfs   storage.VFS
	pager *storage.Pager
	cat   *catalog.Catalog
	rows  *rowstore.RowStore
	locks *concurrency.LockManager
	exec  *sql.Executor
	log   *corvuslog.Logger
	cp    *checkpointer.Checkpointer
	cfg   *config.EngineConfig

	txOpen bool // true between an explicit BEGIN and its COMMIT/ROLLBACK
}

// OpenDB opens (creating if needed) the database file at path. A nil
// cfg falls back to config.DefaultConfig().
func OpenDB(path string, cfg *config.EngineConfig) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	log := corvuslog.NewLogger(corvuslog.Config{Level: cfg.LogLevel})

	vfs := storage.NewOSVFS()
	pager, err := storage.OpenPager(vfs, path)
	if err != nil {
		return nil, err
	}
	pager.SetLogger(log)

	cat := catalog.Open(pager, pager.Header().RootCatalog)
	locks := concurrency.NewLockManager(concurrency.LockPolicyWait)
	rows := rowstore.Open(pager, cat, locks)

	d := &DB{
		path:  path,
		vfs:   vfs,
		pager: pager,
		cat:   cat,
		rows:  rows,
		locks: locks,
		exec:  sql.NewExecutor(pager, cat, rows),
		log:   log,
		cfg:   cfg,
	}

	d.cp = checkpointer.New(d, log)
	if err := d.cp.Start(cfg.Checkpoint.EveryMs); err != nil {
		return nil, err
	}
	return d, nil
}

// CloseDB stops the background checkpointer, flushes dirty pages, and
// closes the underlying file handles.
func CloseDB(d *DB) error {
	if d.cp != nil {
		d.cp.Stop()
	}
	return d.pager.ClosePager()
}

// Checkpoint implements checkpointer.Checkpointable.
func (d *DB) Checkpoint() error {
	if err := d.cat.Deltas().Drain(d.pager, d.indexRoot); err != nil {
		return err
	}
	return d.pager.Checkpoint()
}

// CheckpointDB runs a checkpoint immediately.
func CheckpointDB(d *DB) error {
	return d.Checkpoint()
}

// indexRoot resolves a trigram index's posting B-tree root by name, for
// trigramDeltas.Drain to rewrite the affected postings at checkpoint time.
func (d *DB) indexRoot(indexName string) (storage.PageID, error) {
	idx, found, err := d.cat.GetIndexByName(indexName)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, corvuserr.New(corvuserr.CORRUPTION, "checkpoint: trigram index %q no longer in catalog", indexName)
	}
	return idx.RootPage, nil
}

// SetCheckpointConfig reregisters the background checkpoint trigger
// and updates the inline byte/memory thresholds maybeCheckpoint
// checks after each write.
func (d *DB) SetCheckpointConfig(everyBytes, everyMs uint64, memoryThreshold int) {
	d.cfg.Checkpoint = config.CheckpointConfig{EveryBytes: everyBytes, EveryMs: everyMs, MemoryThreshold: uint64(memoryThreshold)}
	if d.cp != nil {
		d.cp.Stop()
	}
	d.cp = checkpointer.New(d, d.log)
	_ = d.cp.Start(everyMs)
}

// BeginTx opens an explicit writer transaction; statements run via
// ExecSQL until Commit/Rollback all share it instead of each getting
// their own.
func (d *DB) BeginTx() error {
	if d.txOpen {
		return corvuserr.New(corvuserr.TRANSACTION, "begin: a transaction is already open")
	}
	if err := d.pager.BeginWrite(); err != nil {
		return err
	}
	d.txOpen = true
	return nil
}

// Commit commits the open explicit transaction.
func (d *DB) Commit() error {
	if !d.txOpen {
		return corvuserr.New(corvuserr.TRANSACTION, "commit: no transaction is open")
	}
	_, err := d.pager.CommitWrite()
	d.txOpen = false
	return err
}

// Rollback discards the open explicit transaction.
func (d *DB) Rollback() error {
	if !d.txOpen {
		return corvuserr.New(corvuserr.TRANSACTION, "rollback: no transaction is open")
	}
	err := d.pager.RollbackWrite()
	d.txOpen = false
	return err
}

// isMutating reports whether stmt needs a writer transaction around
// it (SELECT reads the live cache directly and needs none).
func isMutating(stmt sql.Statement) bool {
	switch stmt.(type) {
	case *sql.SelectStmt:
		return false
	default:
		return true
	}
}

// ExecSQL parses and executes one statement, returning its result rows
// formatted "col|col|..." per the embedded API surface. BEGIN/COMMIT/
// ROLLBACK/VACUUM are handled here directly; everything else goes
// through the sql.Executor wrapped in its own writer transaction
// unless an explicit one (via BeginTx) is already open.
func (d *DB) ExecSQL(sqlText string, params ...storage.Value) ([]string, error) {
	stmt, err := sql.Parse(sqlText)
	if err != nil {
		return nil, err
	}

	switch stmt.(type) {
	case *sql.BeginStmt:
		return nil, d.BeginTx()
	case *sql.CommitStmt:
		return nil, d.Commit()
	case *sql.RollbackStmt:
		return nil, d.Rollback()
	}

	if v, ok := stmt.(*sql.VacuumStmt); ok {
		return nil, d.vacuumInto(v.DestPath)
	}

	if !isMutating(stmt) {
		return d.exec.Exec(stmt, params)
	}

	autoTx := !d.txOpen
	if autoTx {
		if err := d.pager.BeginWrite(); err != nil {
			return nil, err
		}
	}
	rows, err := d.exec.Exec(stmt, params)
	if err != nil {
		if autoTx {
			_ = d.pager.RollbackWrite()
		}
		return nil, err
	}
	if autoTx {
		if _, err := d.pager.CommitWrite(); err != nil {
			return nil, err
		}
		if err := d.pager.MaybeCheckpoint(int64(d.cfg.Checkpoint.EveryBytes), int64(d.cfg.Checkpoint.MemoryThreshold)); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Tables lists the tables currently registered in the catalog.
func (d *DB) Tables() []string {
	var names []string
	_ = d.cat.ForEachTable(func(t catalog.TableMeta) error {
		names = append(names, t.Name)
		return nil
	})
	return names
}

// vacuumInto rebuilds the database into a fresh file at destPath.
func (d *DB) vacuumInto(destPath string) error {
	dst, err := OpenDB(destPath, d.cfg)
	if err != nil {
		return err
	}
	defer CloseDB(dst)
	return d.rows.VacuumInto(dst.rows)
}
