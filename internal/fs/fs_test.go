package fs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"revfs/internal/change"
	"revfs/internal/config"
	"revfs/internal/errors"
	"revfs/internal/flock"
	"revfs/internal/lock"
	"revfs/internal/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T, shard int64, configure func(*config.Config)) *FS {
	cfg := config.Default()
	if configure != nil {
		configure(cfg)
	}
	repo, err := Create(filepath.Join(t.TempDir(), "repo"), Options{Config: cfg, MaxFilesPerDir: shard})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func begin(t *testing.T, repo *FS) *Txn {
	youngest, err := repo.Youngest()
	require.NoError(t, err)
	txn, err := repo.BeginTxn(context.Background(), youngest, 0)
	require.NoError(t, err)
	return txn
}

// putFile creates path and any missing parents, then sets its contents.
func putFile(t *testing.T, txn *Txn, path, contents string) {
	dirs := node.Components(node.Parent(path))
	cur := "/"
	for _, name := range dirs {
		cur = node.Join(cur, name)
		if _, err := txn.Node(cur); err != nil {
			require.True(t, errors.IsType(err, errors.ErrorTypeNotFound), "%v", err)
			require.NoError(t, txn.MakeDir(cur))
		}
	}
	if _, err := txn.Node(path); err != nil {
		require.NoError(t, txn.MakeFile(path))
	}
	require.NoError(t, txn.WriteFile(path, []byte(contents)))
}

func commitFiles(t *testing.T, repo *FS, files map[string]string) node.Revnum {
	txn := begin(t, repo)
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		putFile(t, txn, p, files[p])
	}
	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)
	return rev
}

func readFile(t *testing.T, repo *FS, rev node.Revnum, path string) string {
	root, err := repo.Root(rev)
	require.NoError(t, err)
	data, err := root.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCreateAndOpen(t *testing.T) {
	repo := newTestFS(t, 0, nil)

	youngest, err := repo.Youngest()
	require.NoError(t, err)
	assert.Equal(t, node.Revnum(0), youngest)

	root, err := repo.Root(0)
	require.NoError(t, err)
	entries, err := root.ListDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	changes, err := root.Changes()
	require.NoError(t, err)
	assert.Empty(t, changes)

	date, ok, err := repo.RevisionProp(0, PropRevDate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, date)

	reopened, err := Open(repo.Path(), Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, repo.UUID(), reopened.UUID())
	assert.Equal(t, int64(DefaultMaxFilesPerDir), reopened.MaxFilesPerDir())

	_, err = Create(repo.Path(), Options{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = repo.Root(1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoSuchRevision))
}

func TestBeginListAbort(t *testing.T) {
	repo := newTestFS(t, 0, nil)

	a := begin(t, repo)
	b := begin(t, repo)
	assert.NotEqual(t, a.Name(), b.Name())

	names, err := repo.ListTxns()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.Name(), b.Name()}, names)

	opened, err := repo.OpenTxn(a.Name())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), opened.ID())
	assert.Equal(t, node.Revnum(0), opened.Base())

	require.NoError(t, a.Abort())
	require.NoError(t, repo.PurgeTxn(a.Name()))
	names, err = repo.ListTxns()
	require.NoError(t, err)
	assert.Equal(t, []string{b.Name()}, names)

	_, err = repo.OpenTxn(a.Name())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoSuchTxn))

	_, err = repo.BeginTxn(context.Background(), 5, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoSuchRevision))
}

func TestCommitAndReadBack(t *testing.T) {
	repo := newTestFS(t, 0, nil)

	txn := begin(t, repo)
	require.NoError(t, txn.MakeDir("/a"))
	require.NoError(t, txn.MakeFile("/a/f"))
	require.NoError(t, txn.WriteFile("/a/f", []byte("first contents")))

	data, err := txn.ReadFile("/a/f")
	require.NoError(t, err)
	assert.Equal(t, "first contents", string(data))

	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)
	assert.Equal(t, node.Revnum(1), rev)

	names, err := repo.ListTxns()
	require.NoError(t, err)
	assert.Empty(t, names)

	assert.Equal(t, "first contents", readFile(t, repo, 1, "/a/f"))

	root, err := repo.Root(1)
	require.NoError(t, err)
	entries, err := root.ListDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, node.KindDir, entries[0].Kind)

	changes, err := root.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "/a", changes[0].Path)
	assert.Equal(t, change.Add, changes[0].Kind)
	assert.Equal(t, "/a/f", changes[1].Path)
	assert.Equal(t, change.Add, changes[1].Kind)
	assert.True(t, changes[1].TextMod)
	assert.Equal(t, node.ByRevision(1), changes[1].NodeRevID.ChangeSet)

	nr, err := root.Node("/a/f")
	require.NoError(t, err)
	assert.Equal(t, "/a/f", nr.CreatedPath)
	assert.Equal(t, node.Revnum(1), nr.CopyRootRev)
	assert.Equal(t, 0, nr.PredecessorCount)

	rootNode, err := root.Node("/")
	require.NoError(t, err)
	assert.Equal(t, 1, rootNode.PredecessorCount)

	// Nothing changed in r0.
	old, err := repo.Root(0)
	require.NoError(t, err)
	_, err = old.Node("/a")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	// A reopened repository sees the same data.
	reopened, err := Open(repo.Path(), Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, "first contents", readFile(t, reopened, 1, "/a/f"))
}

func TestDeltaChainsReadBack(t *testing.T) {
	repo := newTestFS(t, 0, func(c *config.Config) {
		c.Deltification.MaxLinearDeltification = 2
	})

	contents := []string{"base content of the file\n"}
	commitFiles(t, repo, map[string]string{"/f": contents[0]})
	for i := 1; i < 20; i++ {
		next := contents[i-1] + "line " + string(rune('a'+i)) + "\n"
		contents = append(contents, next)
		commitFiles(t, repo, map[string]string{"/f": next})
	}

	for i, want := range contents {
		assert.Equal(t, want, readFile(t, repo, node.Revnum(i+1), "/f"))
	}

	root, err := repo.Root(20)
	require.NoError(t, err)
	nr, err := root.Node("/f")
	require.NoError(t, err)
	assert.Equal(t, 19, nr.PredecessorCount)

	length, err := repo.repChainLength(nr.DataRep)
	require.NoError(t, err)
	assert.Less(t, length, 10)
}

func TestTxnEditsFold(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	commitFiles(t, repo, map[string]string{"/keep": "k"})

	txn := begin(t, repo)
	putFile(t, txn, "/new", "one")
	require.NoError(t, txn.WriteFile("/new", []byte("two")))
	putFile(t, txn, "/gone", "x")
	require.NoError(t, txn.Delete("/gone"))
	require.NoError(t, txn.WriteFile("/keep", []byte("changed")))

	set, err := txn.Changes()
	require.NoError(t, err)
	assert.Equal(t, []string{"/keep", "/new"}, set.Paths())
	c, ok := set.Get("/new")
	require.True(t, ok)
	assert.Equal(t, change.Add, c.Kind)
	assert.True(t, c.TextMod)
	c, ok = set.Get("/keep")
	require.True(t, ok)
	assert.Equal(t, change.Modify, c.Kind)

	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)
	assert.Equal(t, "two", readFile(t, repo, rev, "/new"))
	assert.Equal(t, "changed", readFile(t, repo, rev, "/keep"))
	assert.Equal(t, "k", readFile(t, repo, rev-1, "/keep"))
}

func TestTxnOutOfDate(t *testing.T) {
	repo := newTestFS(t, 0, nil)

	first := begin(t, repo)
	second := begin(t, repo)
	putFile(t, first, "/a", "a")
	putFile(t, second, "/b", "b")

	_, err := first.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)

	_, err = second.Commit(context.Background(), lock.Access{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeTxnOutOfDate))

	// The failed transaction stays staged.
	names, err := repo.ListTxns()
	require.NoError(t, err)
	assert.Equal(t, []string{second.Name()}, names)
	data, err := second.ReadFile("/b")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestCommitCancelled(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	txn := begin(t, repo)
	putFile(t, txn, "/a", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := txn.Commit(ctx, lock.Access{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))

	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)
	assert.Equal(t, "a", readFile(t, repo, rev, "/a"))
}

func TestLockForWriteContention(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	txn := begin(t, repo)

	guard, err := txn.LockForWrite()
	require.NoError(t, err)

	_, err = txn.LockForWrite()
	require.True(t, errors.IsType(err, errors.ErrorTypeRepBeingWritten))
	assert.Contains(t, err.Error(), "in this process")

	require.NoError(t, txn.MakeFile("/f"))
	err = txn.WriteFile("/f", []byte("blocked"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeRepBeingWritten))

	require.NoError(t, guard.Unlock())
	require.NoError(t, guard.Unlock())

	guard, err = txn.LockForWrite()
	require.NoError(t, err)
	require.NoError(t, guard.Unlock())
	require.NoError(t, txn.WriteFile("/f", []byte("written")))
}

func TestRepSharing(t *testing.T) {
	repo := newTestFS(t, 0, nil)

	txn := begin(t, repo)
	putFile(t, txn, "/a", "hello")
	putFile(t, txn, "/b", "hello")
	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)

	root, err := repo.Root(rev)
	require.NoError(t, err)
	a, err := root.Node("/a")
	require.NoError(t, err)
	b, err := root.Node("/b")
	require.NoError(t, err)
	assert.Equal(t, a.DataRep.ID, b.DataRep.ID)
	assert.Equal(t, node.ByRevision(rev), a.DataRep.ID.ChangeSet)

	// A later revision finds the rep through the rep cache.
	rev = commitFiles(t, repo, map[string]string{"/c": "hello"})
	root, err = repo.Root(rev)
	require.NoError(t, err)
	c, err := root.Node("/c")
	require.NoError(t, err)
	assert.Equal(t, a.DataRep.ID, c.DataRep.ID)
	assert.Equal(t, "hello", readFile(t, repo, rev, "/c"))

	cache, err := repo.RepCache()
	require.NoError(t, err)
	cached, err := cache.Get(a.DataRep.SHA1, rev)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, a.DataRep.ID, cached.ID)
}

func TestRepSharingDisabled(t *testing.T) {
	repo := newTestFS(t, 0, func(c *config.Config) {
		c.RepSharing.Enabled = false
	})

	rev := commitFiles(t, repo, map[string]string{"/a": "hello", "/b": "hello"})
	root, err := repo.Root(rev)
	require.NoError(t, err)
	a, err := root.Node("/a")
	require.NoError(t, err)
	b, err := root.Node("/b")
	require.NoError(t, err)
	assert.NotEqual(t, a.DataRep.ID, b.DataRep.ID)
}

func TestCopyAndMove(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	commitFiles(t, repo, map[string]string{"/src/f": "data", "/old": "moved"})

	txn := begin(t, repo)
	require.NoError(t, txn.Copy(1, "/src", "/dst"))
	require.NoError(t, txn.Move("/old", "/new"))
	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)

	assert.Equal(t, "data", readFile(t, repo, rev, "/dst/f"))
	assert.Equal(t, "moved", readFile(t, repo, rev, "/new"))

	root, err := repo.Root(rev)
	require.NoError(t, err)
	_, err = root.Node("/old")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	dst, err := root.Node("/dst")
	require.NoError(t, err)
	src, err := root.Node("/src")
	require.NoError(t, err)
	assert.Equal(t, src.NodeID, dst.NodeID)
	assert.NotEqual(t, src.CopyID, dst.CopyID)
	assert.Equal(t, "/dst", dst.CopyRootPath)
	assert.Equal(t, rev, dst.CopyRootRev)

	changes, err := root.Changes()
	require.NoError(t, err)
	byPath := map[string]*change.Change{}
	for _, c := range changes {
		byPath[c.Path] = c
	}
	require.Contains(t, byPath, "/new")
	assert.Equal(t, change.Move, byPath["/new"].Kind)
	assert.Equal(t, rev-1, byPath["/new"].CopyFromRev)
	assert.Equal(t, "/old", byPath["/new"].CopyFromPath)
	assert.Equal(t, change.Delete, byPath["/old"].Kind)
	assert.Equal(t, change.Add, byPath["/dst"].Kind)
	assert.Equal(t, "/src", byPath["/dst"].CopyFromPath)

	// Editing below the copy makes the copied child mutable on the new
	// branch.
	txn = begin(t, repo)
	require.NoError(t, txn.WriteFile("/dst/f", []byte("edited")))
	rev, err = txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)
	root, err = repo.Root(rev)
	require.NoError(t, err)
	f, err := root.Node("/dst/f")
	require.NoError(t, err)
	assert.Equal(t, "/dst/f", f.CreatedPath)
	assert.Equal(t, "/dst", f.CopyRootPath)
	assert.Equal(t, "data", readFile(t, repo, rev, "/src/f"))
}

func TestMoveVerification(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	commitFiles(t, repo, map[string]string{"/a": "a", "/dir/x": "x"})

	t.Run("incomplete", func(t *testing.T) {
		txn := begin(t, repo)
		require.NoError(t, txn.copy(txn.Base(), "/a", "/b", change.Move, change.MoveReplace))
		_, err := txn.Commit(context.Background(), lock.Access{})
		assert.True(t, errors.IsType(err, errors.ErrorTypeIncompleteMove))
		require.NoError(t, txn.Abort())
	})

	t.Run("ambiguous", func(t *testing.T) {
		txn := begin(t, repo)
		require.NoError(t, txn.copy(txn.Base(), "/a", "/b", change.Move, change.MoveReplace))
		require.NoError(t, txn.copy(txn.Base(), "/a", "/c", change.Move, change.MoveReplace))
		require.NoError(t, txn.Delete("/a"))
		_, err := txn.Commit(context.Background(), lock.Access{})
		assert.True(t, errors.IsType(err, errors.ErrorTypeAmbiguousMove))
		require.NoError(t, txn.Abort())
	})

	t.Run("deletion of a parent covers the source", func(t *testing.T) {
		txn := begin(t, repo)
		require.NoError(t, txn.copy(txn.Base(), "/dir/x", "/y", change.Move, change.MoveReplace))
		require.NoError(t, txn.Delete("/dir"))
		_, err := txn.Commit(context.Background(), lock.Access{})
		require.NoError(t, err)
	})
}

func TestPathLocks(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	commitFiles(t, repo, map[string]string{"/d/f": "v1", "/other": "o"})
	ctx := context.Background()

	l, err := repo.LockPath(ctx, "/d/f", "alice", "", time.Time{})
	require.NoError(t, err)

	_, err = repo.LockPath(ctx, "/d", "alice", "", time.Time{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	txn := begin(t, repo)
	require.NoError(t, txn.WriteFile("/d/f", []byte("v2")))
	_, err = txn.Commit(ctx, lock.Access{Username: "bob"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeLockNotHeld))
	_, err = txn.Commit(ctx, lock.Access{Username: "alice"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeLockNotHeld))
	_, err = txn.Commit(ctx, lock.Access{Username: "alice", Tokens: []string{l.Token}})
	require.NoError(t, err)

	// Deleting a parent checks the locks below it.
	txn = begin(t, repo)
	require.NoError(t, txn.Delete("/d"))
	_, err = txn.Commit(ctx, lock.Access{Username: "bob"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeLockNotHeld))
	require.NoError(t, txn.Abort())

	// Unlocked paths need nothing.
	commitFiles(t, repo, map[string]string{"/other": "o2"})

	require.NoError(t, repo.UnlockPath(ctx, "/d/f", l.Token, false))
	got, err := repo.GetLock("/d/f")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNodeProps(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	commitFiles(t, repo, map[string]string{"/f": "x"})

	txn := begin(t, repo)
	require.NoError(t, txn.SetNodeProp("/f", "color", "blue"))
	require.NoError(t, txn.SetNodeProp("/", "root-prop", "1"))
	require.NoError(t, txn.SetNodeProp("/f", "shape", "round"))
	require.NoError(t, txn.DeleteNodeProp("/f", "shape"))
	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)

	root, err := repo.Root(rev)
	require.NoError(t, err)
	props, err := root.NodeProps("/f")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"color": "blue"}, props)
	props, err = root.NodeProps("/")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"root-prop": "1"}, props)

	changes, err := root.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.True(t, changes[1].PropMod)
	assert.False(t, changes[1].TextMod)
}

func TestRevisionProps(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	ctx := context.Background()

	txn, err := repo.BeginTxn(ctx, 0, TxnCheckOOD|TxnCheckLocks|TxnClientDate)
	require.NoError(t, err)
	props, err := txn.Props()
	require.NoError(t, err)
	assert.Equal(t, "0", props[PropClientDate])
	assert.Equal(t, "true", props[PropCheckOOD])

	require.NoError(t, txn.SetProp(PropRevDate, "2001-01-01T00:00:00.000000Z"))
	require.NoError(t, txn.SetProp(PropRevLog, "message"))
	v, _, err := txn.Prop(PropClientDate)
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	putFile(t, txn, "/f", "x")
	rev, err := txn.Commit(ctx, lock.Access{})
	require.NoError(t, err)

	props, err = repo.RevisionProps(rev)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		PropRevDate: "2001-01-01T00:00:00.000000Z",
		PropRevLog:  "message",
	}, props)

	// Without a client date the commit time wins.
	txn = begin(t, repo)
	require.NoError(t, txn.SetProp(PropRevDate, "2001-01-01T00:00:00.000000Z"))
	putFile(t, txn, "/g", "y")
	rev, err = txn.Commit(ctx, lock.Access{})
	require.NoError(t, err)
	date, _, err := repo.RevisionProp(rev, PropRevDate)
	require.NoError(t, err)
	assert.NotEqual(t, "2001-01-01T00:00:00.000000Z", date)

	msg := "edited"
	require.NoError(t, repo.SetRevisionProp(ctx, rev, PropRevLog, &msg))
	require.NoError(t, repo.SetRevisionProp(ctx, rev, PropRevDate, nil))
	props, err = repo.RevisionProps(rev)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{PropRevLog: "edited"}, props)
}

func TestCheckRootPredecessor(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	c := &committer{fs: repo, rev: 1}

	require.NoError(t, c.checkRootPredecessor(&node.NodeRev{PredecessorCount: 1}))
	err := c.checkRootPredecessor(&node.NodeRev{PredecessorCount: 3})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCorruptPredecessorCount))
}

func TestPack(t *testing.T) {
	repo := newTestFS(t, 4, nil)
	for i := 1; i <= 5; i++ {
		commitFiles(t, repo, map[string]string{"/f": string(rune('a'+i)) + " contents of the file"})
	}

	var events []PackAction
	require.NoError(t, repo.Pack(context.Background(), func(shard int64, action PackAction) {
		assert.Equal(t, int64(0), shard)
		events = append(events, action)
	}))
	assert.Equal(t, []PackAction{PackStart, PackEnd}, events)

	assert.Equal(t, node.Revnum(4), repo.MinUnpackedRev())
	assert.True(t, repo.IsPacked(3))
	assert.False(t, repo.IsPacked(4))
	assert.Equal(t, node.Revnum(0), repo.PackedBaseRev(2))

	_, err := os.Stat(repo.pathRevShard(0))
	assert.True(t, os.IsNotExist(err))

	for i := 1; i <= 5; i++ {
		assert.Equal(t, string(rune('a'+i))+" contents of the file", readFile(t, repo, node.Revnum(i), "/f"))
	}

	info, err := repo.RevFileInfo(2)
	require.NoError(t, err)
	assert.True(t, info.Packed)
	assert.Equal(t, node.Revnum(0), info.FirstRevision)
	assert.Equal(t, 4, info.Revisions)

	// Packing again is a no-op; commits continue in the next shard.
	require.NoError(t, repo.Pack(context.Background(), nil))
	rev := commitFiles(t, repo, map[string]string{"/g": "after pack"})
	assert.Equal(t, "after pack", readFile(t, repo, rev, "/g"))

	// Another handle that still believes r2 is unpacked follows the pack.
	other, err := Open(repo.Path(), Options{})
	require.NoError(t, err)
	defer other.Close()
	other.minUnpacked = 0
	assert.Equal(t, "c contents of the file", readFile(t, other, 2, "/f"))
	assert.True(t, other.IsPacked(2))
}

func TestLockForWriteHeldElsewhere(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	txn := begin(t, repo)

	held, err := flock.TryLock(repo.pathProtoRevLock(txn.Name()), false)
	require.NoError(t, err)

	_, err = txn.LockForWrite()
	require.True(t, errors.IsType(err, errors.ErrorTypeRepBeingWritten))
	assert.Contains(t, err.Error(), "another process")

	require.NoError(t, held.Unlock())
	guard, err := txn.LockForWrite()
	require.NoError(t, err)
	require.NoError(t, guard.Unlock())
}

func TestWatchYoungest(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan node.Revnum, 4)
	done := make(chan error, 1)
	go func() {
		done <- repo.WatchYoungest(ctx, func(rev node.Revnum) { seen <- rev })
	}()

	// Give the watcher time to register before committing.
	time.Sleep(100 * time.Millisecond)
	commitFiles(t, repo, map[string]string{"/f": "x"})

	select {
	case rev := <-seen:
		assert.Equal(t, node.Revnum(1), rev)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification for r1")
	}

	cancel()
	require.NoError(t, <-done)
}
