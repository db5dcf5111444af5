package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blogFile = `
schemas:
  - name: Record
    abstract: true
    primary: id
    columns:
      - name: created
        type: Datetime
  - name: Author
    inherits: Record
    preload: true
    cache_timeout: 5m
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
      - name: published
        type: Boolean
        default: false
    indexes:
      - name: by_author
        columns: [author]
`

func TestParseFile(t *testing.T) {
	schemas, err := ParseFile([]byte(blogFile))
	require.NoError(t, err)
	require.Len(t, schemas, 3)
	assert.Equal(t, "Record", schemas[0].Name)
	assert.Equal(t, "Post", schemas[2].Name)
	reg := schemas[0].Registry()
	require.NotNil(t, reg)

	author, err := reg.Schema("Author")
	require.NoError(t, err)
	assert.True(t, author.Preload)
	assert.Equal(t, 5*time.Minute, author.CacheTimeout)
	name, err := author.Column("name")
	require.NoError(t, err)
	assert.Equal(t, 64, name.MaxLength)
	assert.True(t, name.Test(FlagRequired|FlagUnique))
	pk, err := author.PrimaryColumn()
	require.NoError(t, err)
	assert.Equal(t, "id", pk.Name)

	post, err := reg.Schema("Post")
	require.NoError(t, err)
	assert.Equal(t, "blog_post", post.DBName)
	ref, err := post.Column("author")
	require.NoError(t, err)
	assert.Equal(t, "author_id", ref.Field)
	assert.Equal(t, "Author", ref.Reference)
	assert.Len(t, post.TranslatableColumns(), 1)
	published, err := post.Column("published")
	require.NoError(t, err)
	assert.Equal(t, false, published.Default)
	require.Len(t, post.Indexes(), 1)
	assert.Equal(t, []string{"author"}, post.Indexes()[0].Columns)
}

func TestParseFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", `schemas: []`, "no schemas"},
		{"nameless", "schemas:\n  - columns: []", "without a name"},
		{"type", "schemas:\n  - name: A\n    columns:\n      - {name: x, type: Blob}", `unknown type "Blob"`},
		{"flag", "schemas:\n  - name: A\n    columns:\n      - {name: x, type: String, flags: Loud}", "Loud"},
		{"timeout", "schemas:\n  - name: A\n    cache_timeout: soon\n    columns: []", "cache_timeout"},
		{"yaml", "schemas: [", "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile([]byte(tt.data))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blogFile), 0o644))
	schemas, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, schemas, 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
