package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const blogSchemas = `
schemas:
  - name: Record
    abstract: true
    primary: id
    columns:
      - name: created
        type: Datetime
  - name: Author
    inherits: Record
    columns:
      - name: name
        type: String
        max_length: 64
        flags: Required|Unique
  - name: Post
    table: blog_post
    inherits: Record
    columns:
      - name: author
        type: Reference
        references: Author
      - name: title
        type: String
        flags: I18n
    indexes:
      - name: by_author
        columns: [author]
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(&rootOptions{logger: zaptest.NewLogger(t)})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCompile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blogSchemas), 0o644))

	out, err := run(t, "--dialect", "sqlite", "compile", path)
	require.NoError(t, err)
	assert.Contains(t, out, `CREATE TABLE IF NOT EXISTS "author"`)
	assert.Contains(t, out, `CREATE TABLE IF NOT EXISTS "blog_post_i18n"`)
	assert.Contains(t, out, `"blog_post_by_author_idx"`)
	assert.NotContains(t, out, `"record"`, "abstract schemas have no table")

	out, err = run(t, "--dialect", "sqlite", "compile", "--drop", "--no-indexes", path)
	require.NoError(t, err)
	assert.Contains(t, out, `DROP TABLE IF EXISTS "blog_post"`)
	assert.NotContains(t, out, "INDEX")

	out, err = run(t, "--dialect", "postgres", "compile", path)
	require.NoError(t, err)
	assert.Contains(t, out, `CREATE TABLE IF NOT EXISTS "blog_post"`)

	_, err = run(t, "compile", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDatabaseCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "orb.db")
	base := []string{"--dialect", "sqlite", "--database", db}
	orb := func(args ...string) string {
		t.Helper()
		out, err := run(t, append(append([]string{}, base...), args...)...)
		require.NoError(t, err)
		return out
	}

	assert.Contains(t, orb("ping"), "connected to sqlite://")

	assert.Equal(t, "0 rows affected\n", orb("exec", `CREATE TABLE "note" ("id" INTEGER PRIMARY KEY, "title" TEXT)`))
	assert.Equal(t, "1 rows affected\n", orb("exec", `INSERT INTO "note" ("title") VALUES (?)`, "hello"))
	assert.Contains(t, orb("--format", "json", "exec", `SELECT "title" FROM "note"`), `"title": "hello"`)

	assert.Equal(t, "true\n", orb("exists", "note"))
	assert.Equal(t, "false\n", orb("exists", "nope"))
	assert.JSONEq(t, `["id", "title"]`, orb("--format", "json", "columns", "note"))
	assert.Contains(t, orb("info"), "name: note")

	_, err := run(t, append(append([]string{}, base...), "exec", `SELECT * FROM "nope"`)...)
	assert.ErrorIs(t, err, core.ErrQueryFailed)
}

func TestRootErrors(t *testing.T) {
	_, err := run(t, "--format", "xml", "info")
	assert.ErrorContains(t, err, "invalid format")

	_, err = run(t, "--dialect", "oracle", "ping")
	assert.ErrorIs(t, err, core.ErrBackendNotFound)
}

func TestReturnsRows(t *testing.T) {
	tests := map[string]bool{
		`SELECT 1`:                               true,
		`  with x as (select 1) select * from x`: true,
		`PRAGMA table_info("note")`:              true,
		`INSERT INTO "note" DEFAULT VALUES`:      false,
		`DELETE FROM "note" RETURNING "id"`:      true,
		``:                                       false,
	}
	for text, want := range tests {
		assert.Equal(t, want, returnsRows(text), text)
	}
}
