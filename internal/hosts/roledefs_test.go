package hosts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRoleDefsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roledefs.yaml")
	content := "roles:\n  web:\n    - web1\n    - web2\n  db:\n    - db1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	defs, err := LoadRoleDefsYAML(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"web1", "web2"}, defs["web"])
	assert.Equal(t, []string{"db1"}, defs["db"])
}

func TestLoadRoleDefsYAMLMissingFile(t *testing.T) {
	_, err := LoadRoleDefsYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInventoryYAMLAllGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	content := "web:\n  hosts:\n    - web1\n    - web2\ndb:\n  hosts:\n    - db1\n    - web1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := LoadInventoryYAML(path, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"web1", "web2", "db1"}, got)
}

func TestLoadInventoryYAMLFiltersGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	content := "web:\n  hosts:\n    - web1\ndb:\n  hosts:\n    - db1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := LoadInventoryYAML(path, []string{"db"})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, got)
}
