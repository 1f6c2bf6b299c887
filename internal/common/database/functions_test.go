package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConnectionString(t *testing.T) {
	result := CreateConnectionString(map[string]string{
		"host":     "localhost",
		"password": `it's\secret`,
		"dbname":   "hub",
	})
	assert.Equal(t, `dbname='hub' host='localhost' password='it\'s\\secret'`, result)
}

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_add_index.sql": {Data: []byte("CREATE INDEX a ON b (c);")},
		"migrations/001_init.sql":      {Data: []byte("CREATE TABLE b (c int);")},
		"migrations/README.md":         {Data: []byte("not a migration")},
	}

	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, NewMigration(1, "001_init.sql", "CREATE TABLE b (c int);"), migrations[0])
	assert.Equal(t, NewMigration(2, "002_add_index.sql", "CREATE INDEX a ON b (c);"), migrations[1])
}

func TestReadMigrations_RejectsNonNumericPrefix(t *testing.T) {
	_, err := ReadMigrations(fstest.MapFS{"init.sql": {Data: []byte("SELECT 1;")}}, ".")
	assert.Error(t, err)
}
