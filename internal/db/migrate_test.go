package db

import (
	"testing"
	"testing/fstest"

	"github.com/crossledger/settlement/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingFiles_Order(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("select 2")},
		"0001_a.up.sql":   {Data: []byte("select 1")},
		"0001_a.down.sql": {Data: []byte("drop")},
		"README.md":       {Data: []byte("x")},
	}
	files, err := PendingFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_a.up.sql", "0002_b.up.sql"}, files)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := PendingFiles(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "0001_settlement.up.sql", files[0])
}
