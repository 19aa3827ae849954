package db

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvusdb/corvus/config"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "corvus_test_*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })
	return path
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Checkpoint.EveryMs = 0 // no background ticker during tests
	d, err := OpenDB(tempDBPath(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, CloseDB(d)) })
	return d
}

func TestInsertAndSelect(t *testing.T) {
	d := openTestDB(t)

	_, err := d.ExecSQL(`CREATE TABLE jobs (id INT PRIMARY KEY, kind TEXT NOT NULL, retry INT)`)
	require.NoError(t, err)

	_, err = d.ExecSQL(`INSERT INTO jobs VALUES (1, 'oracle', 5)`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`INSERT INTO jobs VALUES (2, 'mysql', 2)`)
	require.NoError(t, err)

	rows, err := d.ExecSQL(`SELECT * FROM jobs`)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = d.ExecSQL(`SELECT * FROM jobs WHERE retry > 3`)
	require.NoError(t, err)
	require.Equal(t, []string{"1|oracle|5"}, rows)
}

func TestRowidPrimaryKeyLookupSkipsSecondaryIndex(t *testing.T) {
	d := openTestDB(t)

	_, err := d.ExecSQL(`CREATE TABLE users (id INT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`INSERT INTO users VALUES (7, 'ada')`)
	require.NoError(t, err)

	_, ok, err := d.cat.GetBtreeIndexForColumn("users", "id")
	require.NoError(t, err)
	require.False(t, ok, "an INT64 PRIMARY KEY must not get a secondary unique index")

	rows, err := d.ExecSQL(`SELECT name FROM users WHERE id = 7`)
	require.NoError(t, err)
	require.Equal(t, []string{"ada"}, rows)
}

func TestTrigramLikeLookup(t *testing.T) {
	d := openTestDB(t)

	_, err := d.ExecSQL(`CREATE TABLE books (id INT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`CREATE INDEX title_trgm ON books(title) USING TRIGRAM`)
	require.NoError(t, err)

	_, err = d.ExecSQL(`INSERT INTO books VALUES (1, 'black magic')`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`INSERT INTO books VALUES (2, 'plain arithmetic')`)
	require.NoError(t, err)

	rows, err := d.ExecSQL(`SELECT title FROM books WHERE title LIKE '%mag%'`)
	require.NoError(t, err)
	require.Equal(t, []string{"black magic"}, rows)
}

func TestUpdateAndDelete(t *testing.T) {
	d := openTestDB(t)

	_, err := d.ExecSQL(`CREATE TABLE counters (id INT PRIMARY KEY, n INT)`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`INSERT INTO counters VALUES (1, 10)`)
	require.NoError(t, err)

	_, err = d.ExecSQL(`UPDATE counters SET n = 20 WHERE id = 1`)
	require.NoError(t, err)

	rows, err := d.ExecSQL(`SELECT n FROM counters WHERE id = 1`)
	require.NoError(t, err)
	require.Equal(t, []string{"20"}, rows)

	_, err = d.ExecSQL(`DELETE FROM counters WHERE id = 1`)
	require.NoError(t, err)

	rows, err = d.ExecSQL(`SELECT * FROM counters`)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestExplicitTransactionRollback(t *testing.T) {
	d := openTestDB(t)

	_, err := d.ExecSQL(`CREATE TABLE accounts (id INT PRIMARY KEY, balance INT)`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`INSERT INTO accounts VALUES (1, 100)`)
	require.NoError(t, err)

	_, err = d.ExecSQL(`BEGIN`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`UPDATE accounts SET balance = 0 WHERE id = 1`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`ROLLBACK`)
	require.NoError(t, err)

	rows, err := d.ExecSQL(`SELECT balance FROM accounts WHERE id = 1`)
	require.NoError(t, err)
	require.Equal(t, []string{"100"}, rows)
}

func TestDoubleBeginRejected(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.BeginTx())
	defer d.Rollback()

	err := d.BeginTx()
	require.Error(t, err)
}

func TestCreateViewStoresMetadataOnly(t *testing.T) {
	d := openTestDB(t)

	_, err := d.ExecSQL(`CREATE TABLE users (id INT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`CREATE VIEW all_users AS SELECT * FROM users`)
	require.NoError(t, err)

	vm, ok, err := d.cat.GetViewByName("all_users")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"id", "name"}, vm.ColumnNames)
}

func TestUniqueIndexEnforced(t *testing.T) {
	d := openTestDB(t)

	_, err := d.ExecSQL(`CREATE TABLE accounts (id INT PRIMARY KEY, email TEXT UNIQUE)`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`INSERT INTO accounts VALUES (1, 'a@example.com')`)
	require.NoError(t, err)

	_, err = d.ExecSQL(`INSERT INTO accounts VALUES (2, 'a@example.com')`)
	require.Error(t, err)
}

func TestVacuumIntoPreservesRows(t *testing.T) {
	d := openTestDB(t)

	_, err := d.ExecSQL(`CREATE TABLE widgets (id INT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`INSERT INTO widgets VALUES (1, 'sprocket')`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`DELETE FROM widgets WHERE id = 1`)
	require.NoError(t, err)
	_, err = d.ExecSQL(`INSERT INTO widgets VALUES (2, 'cog')`)
	require.NoError(t, err)

	dest := tempDBPath(t)
	_, err = d.ExecSQL(`VACUUM INTO '` + dest + `'`)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Checkpoint.EveryMs = 0
	dst, err := OpenDB(dest, cfg)
	require.NoError(t, err)
	defer CloseDB(dst)

	rows, err := dst.ExecSQL(`SELECT * FROM widgets`)
	require.NoError(t, err)
	require.Equal(t, []string{"2|cog"}, rows)
}
