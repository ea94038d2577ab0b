package fs

import (
	"context"
	"os"
	"testing"

	"revfs/internal/index"
	"revfs/internal/lock"
	"revfs/internal/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertItemsIndexed checks that every item of rev has a p2l entry of
// its own that claims it.
func assertItemsIndexed(t *testing.T, repo *FS, rev node.Revnum) {
	t.Helper()
	info, err := repo.RevFileInfo(rev)
	require.NoError(t, err)

	seen := map[int64]uint64{}
	for item, offset := range info.L2P.Offsets[rev-info.FirstRevision] {
		if offset < 0 {
			continue
		}
		if prev, ok := seen[offset]; ok {
			t.Errorf("items %d and %d share offset %d", prev, item, offset)
		}
		seen[offset] = uint64(item)

		entry, ok := info.P2L.EntryAt(offset)
		require.True(t, ok, "no p2l entry for item %d", item)
		assert.Contains(t, entry.Items, index.Item{ChangeSet: node.ByRevision(rev), Number: uint64(item)})
	}
}

func TestWriteFileRollsBackIndexes(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	txn := begin(t, repo)
	putFile(t, txn, "/a", "first file")
	require.NoError(t, txn.MakeFile("/b"))

	l2pPath, p2lPath := txn.file(txnL2P), txn.file(txnP2L)
	l2pSize, err := fileSize(l2pPath)
	require.NoError(t, err)
	protoSize, err := fileSize(repo.pathProtoRev(txn.Name()))
	require.NoError(t, err)

	// Appending to the proto p2l fails after the l2p entry is written.
	require.NoError(t, os.Rename(p2lPath, p2lPath+".saved"))
	require.NoError(t, os.Mkdir(p2lPath, 0755))

	err = txn.WriteFile("/b", []byte("second file"))
	require.Error(t, err)

	size, err := fileSize(l2pPath)
	require.NoError(t, err)
	assert.Equal(t, l2pSize, size)
	size, err = fileSize(repo.pathProtoRev(txn.Name()))
	require.NoError(t, err)
	assert.Equal(t, protoSize, size)

	require.NoError(t, os.Remove(p2lPath))
	require.NoError(t, os.Rename(p2lPath+".saved", p2lPath))

	require.NoError(t, txn.WriteFile("/b", []byte("second file")))
	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)

	assert.Equal(t, "first file", readFile(t, repo, rev, "/a"))
	assert.Equal(t, "second file", readFile(t, repo, rev, "/b"))
	assertItemsIndexed(t, repo, rev)
}

func TestDirectoryRepsAreNotShared(t *testing.T) {
	repo := newTestFS(t, 0, nil)

	// An empty property list and, one revision later, an empty listing
	// have identical text.
	txn := begin(t, repo)
	putFile(t, txn, "/d/x", "x")
	putFile(t, txn, "/f", "f")
	require.NoError(t, txn.SetNodeProp("/f", "p", "v"))
	require.NoError(t, txn.DeleteNodeProp("/f", "p"))
	first, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)

	root, err := repo.Root(first)
	require.NoError(t, err)
	f, err := root.Node("/f")
	require.NoError(t, err)
	require.NotNil(t, f.PropRep)

	txn = begin(t, repo)
	require.NoError(t, txn.Delete("/d/x"))
	second, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)

	root, err = repo.Root(second)
	require.NoError(t, err)
	d, err := root.Node("/d")
	require.NoError(t, err)
	require.NotNil(t, d.DataRep)
	assert.Equal(t, node.ByRevision(second), d.DataRep.ID.ChangeSet)

	info, err := repo.RevFileInfo(second)
	require.NoError(t, err)
	offset, err := info.L2P.Offset(second, d.DataRep.ID.Number)
	require.NoError(t, err)
	entry, ok := info.P2L.EntryAt(offset)
	require.True(t, ok)
	assert.Equal(t, index.TypeDirRep, entry.Type)

	entries, err := root.ListDir("/d")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assertItemsIndexed(t, repo, second)
}
