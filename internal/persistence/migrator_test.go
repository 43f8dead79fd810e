package persistence

import (
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiLedger/migrations"
)

func TestMigrator_ListsFilesInVersionOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_requests.up.sql":    {Data: []byte("SELECT 2")},
		"000001_positions.up.sql":   {Data: []byte("SELECT 1")},
		"000001_positions.down.sql": {Data: []byte("SELECT -1")},
		"README.md":                 {Data: []byte("docs")},
	}
	m := NewMigrator(nil, fsys, zerolog.Nop())

	up, err := m.listMigrationFiles(".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_positions.up.sql", "000002_requests.up.sql"}, up)

	down, err := m.listMigrationFiles(".down.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_positions.down.sql"}, down)
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "000001", extractVersion("000001_positions.up.sql"))
	assert.Equal(t, "000042", extractVersion("000042_x.down.sql"))
}

func TestMigrations_EveryUpHasDown(t *testing.T) {
	m := NewMigrator(nil, migrations.FS, zerolog.Nop())

	up, err := m.listMigrationFiles(".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, up)

	down, err := m.listMigrationFiles(".down.sql")
	require.NoError(t, err)
	require.Len(t, down, len(up))
	for i := range up {
		assert.Equal(t, extractVersion(up[i]), extractVersion(down[i]))
	}
}
