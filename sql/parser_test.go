package sql

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvusdb/corvus/storage"
)

func TestParseCreateTable(t *testing.T) {
	stmt, err := Parse(`CREATE TABLE users (id INT PRIMARY KEY, name VARCHAR(64) NOT NULL, email TEXT UNIQUE)`)
	require.NoError(t, err)

	ct, ok := stmt.(*CreateTableStmt)
	require.True(t, ok)
	require.Equal(t, "users", ct.Table)
	require.Len(t, ct.Columns, 3)

	require.Equal(t, "id", ct.Columns[0].Name)
	require.True(t, ct.Columns[0].PrimaryKey)
	require.True(t, ct.Columns[0].NotNull)

	require.Equal(t, "name", ct.Columns[1].Name)
	require.Equal(t, "VARCHAR", ct.Columns[1].TypeName)
	require.True(t, ct.Columns[1].NotNull)

	require.True(t, ct.Columns[2].Unique)
}

func TestParseCreateIndexTrigram(t *testing.T) {
	stmt, err := Parse(`CREATE INDEX title_trgm ON books(title) USING TRIGRAM`)
	require.NoError(t, err)

	ci, ok := stmt.(*CreateIndexStmt)
	require.True(t, ok)
	require.Equal(t, "title_trgm", ci.Name)
	require.Equal(t, "books", ci.Table)
	require.Equal(t, []string{"title"}, ci.Columns)
	require.True(t, ci.Trigram)
	require.False(t, ci.Unique)
}

func TestParseCreateUniqueIndex(t *testing.T) {
	stmt, err := Parse(`CREATE UNIQUE INDEX u_email ON users(email)`)
	require.NoError(t, err)
	ci := stmt.(*CreateIndexStmt)
	require.True(t, ci.Unique)
	require.False(t, ci.Trigram)
}

func TestParseCreateView(t *testing.T) {
	stmt, err := Parse(`CREATE VIEW active_users AS SELECT id, name FROM users WHERE id > 0`)
	require.NoError(t, err)
	cv := stmt.(*CreateViewStmt)
	require.Equal(t, "active_users", cv.Name)
	require.Equal(t, "SELECT id, name FROM users WHERE id > 0", cv.SQLText)
}

func TestParseInsertWithParams(t *testing.T) {
	stmt, err := Parse(`INSERT INTO jobs (id, kind) VALUES (?, ?)`)
	require.NoError(t, err)
	ins := stmt.(*InsertStmt)
	require.Equal(t, "jobs", ins.Table)
	require.Equal(t, []string{"id", "kind"}, ins.Columns)
	require.Len(t, ins.Rows, 1)
	require.True(t, ins.Rows[0][0].IsParam)
	require.Equal(t, 0, ins.Rows[0][0].ParamIndex)
	require.Equal(t, 1, ins.Rows[0][1].ParamIndex)
}

func TestParseInsertMultiRow(t *testing.T) {
	stmt, err := Parse(`INSERT INTO t VALUES (1, 'a'), (2, 'b')`)
	require.NoError(t, err)
	ins := stmt.(*InsertStmt)
	require.Len(t, ins.Rows, 2)
	require.Equal(t, storage.Int64Value(1), ins.Rows[0][0].Value)
	require.Equal(t, storage.Int64Value(2), ins.Rows[1][0].Value)
}

func TestParseSelectWhereOrderLimit(t *testing.T) {
	stmt, err := Parse(`SELECT id, title FROM books WHERE title LIKE '%mag%' ORDER BY id DESC LIMIT 5`)
	require.NoError(t, err)
	sel := stmt.(*SelectStmt)
	require.Equal(t, []string{"id", "title"}, sel.Columns)
	require.Equal(t, "books", sel.Table)
	require.Len(t, sel.Where, 1)
	require.Equal(t, TokenLike, sel.Where[0].Op)
	require.Len(t, sel.OrderBy, 1)
	require.True(t, sel.OrderBy[0].Desc)
	require.True(t, sel.HasLimit)
	require.Equal(t, 5, sel.Limit)
}

func TestParseSelectStar(t *testing.T) {
	stmt, err := Parse(`SELECT * FROM books`)
	require.NoError(t, err)
	sel := stmt.(*SelectStmt)
	require.Empty(t, sel.Columns)
}

func TestParseUpdate(t *testing.T) {
	stmt, err := Parse(`UPDATE accounts SET balance = 0, active = false WHERE id = 1`)
	require.NoError(t, err)
	upd := stmt.(*UpdateStmt)
	require.Equal(t, "accounts", upd.Table)
	require.Len(t, upd.Set, 2)
	require.Equal(t, "balance", upd.Set[0].Column)
	require.Len(t, upd.Where, 1)
}

func TestParseDelete(t *testing.T) {
	stmt, err := Parse(`DELETE FROM accounts WHERE id = 1`)
	require.NoError(t, err)
	del := stmt.(*DeleteStmt)
	require.Equal(t, "accounts", del.Table)
	require.Len(t, del.Where, 1)
}

func TestParseTransactionKeywords(t *testing.T) {
	for input, want := range map[string]Statement{
		"BEGIN":    &BeginStmt{},
		"COMMIT":   &CommitStmt{},
		"ROLLBACK": &RollbackStmt{},
	} {
		stmt, err := Parse(input)
		require.NoError(t, err)
		require.IsType(t, want, stmt)
	}
}

func TestParseVacuumInto(t *testing.T) {
	stmt, err := Parse(`VACUUM INTO 'backup.db'`)
	require.NoError(t, err)
	vac := stmt.(*VacuumStmt)
	require.Equal(t, "backup.db", vac.DestPath)
}

func TestParseUnexpectedTokenErrors(t *testing.T) {
	_, err := Parse(`FROM users`)
	require.Error(t, err)
}

func TestParseNegativeLiteral(t *testing.T) {
	stmt, err := Parse(`INSERT INTO t VALUES (-5, -1.5)`)
	require.NoError(t, err)
	ins := stmt.(*InsertStmt)
	require.Equal(t, storage.Int64Value(-5), ins.Rows[0][0].Value)
	require.Equal(t, storage.Float64Value(-1.5), ins.Rows[0][1].Value)
}
