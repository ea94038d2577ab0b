package lock

import (
	"testing"
	"time"

	"revfs/internal/errors"
	"revfs/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTable(t *testing.T) *Table {
	db, err := storage.OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTable(db)
}

func TestLockAndUnlock(t *testing.T) {
	table := setupTable(t)

	l, err := table.Lock("/a", "alice", "editing", time.Time{})
	require.NoError(t, err)
	assert.Contains(t, l.Token, "opaquelocktoken:")

	_, err = table.Lock("/a", "bob", "", time.Time{})
	assert.Error(t, err)

	got, err := table.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)

	err = table.Unlock("/a", "wrong", false)
	assert.True(t, errors.IsType(err, errors.ErrorTypeLockNotHeld))
	require.NoError(t, table.Unlock("/a", l.Token, false))

	got, err = table.Get("/a")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.True(t, errors.IsType(table.Unlock("/a", "", true), errors.ErrorTypeNotFound))
}

func TestExpiredLocksAreIgnored(t *testing.T) {
	table := setupTable(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return now }

	_, err := table.Lock("/a", "alice", "", now.Add(time.Minute))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	got, err := table.Get("/a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, table.Allow("/a", true, Access{}))
}

func TestAllow(t *testing.T) {
	table := setupTable(t)
	top, err := table.Lock("/d", "alice", "", time.Time{})
	require.NoError(t, err)
	deep, err := table.Lock("/d/e/f", "alice", "", time.Time{})
	require.NoError(t, err)
	_, err = table.Lock("/d-sibling", "bob", "", time.Time{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		recurse bool
		access  Access
		ok      bool
	}{
		{"no username", "/d", false, Access{Tokens: []string{top.Token}}, false},
		{"wrong owner", "/d", false, Access{Username: "bob", Tokens: []string{top.Token}}, false},
		{"missing token", "/d", false, Access{Username: "alice"}, false},
		{"owner with token", "/d", false, Access{Username: "alice", Tokens: []string{top.Token}}, true},
		{"recursive needs descendant token", "/d", true, Access{Username: "alice", Tokens: []string{top.Token}}, false},
		{"recursive with all tokens", "/d", true, Access{Username: "alice", Tokens: []string{top.Token, deep.Token}}, true},
		{"unlocked path", "/x", true, Access{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := table.Allow(tt.path, tt.recurse, tt.access)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsType(err, errors.ErrorTypeLockNotHeld), "got %v", err)
			}
		})
	}
}

func TestDescendants(t *testing.T) {
	table := setupTable(t)
	for _, p := range []string{"/a", "/a/b", "/a/b/c", "/ab"} {
		_, err := table.Lock(p, "alice", "", time.Time{})
		require.NoError(t, err)
	}

	locks, err := table.Descendants("/a")
	require.NoError(t, err)
	var paths []string
	for _, l := range locks {
		paths = append(paths, l.Path)
	}
	assert.ElementsMatch(t, []string{"/a/b", "/a/b/c"}, paths)

	all, err := table.Descendants("/")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
