package fs

import (
	"context"
	"os"
	"sync"
	"testing"

	"revfs/internal/change"
	"revfs/internal/config"
	"revfs/internal/errors"
	"revfs/internal/lock"
	"revfs/internal/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentCommitsOnSameBase(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	base := commitFiles(t, repo, map[string]string{"/a": "base"})

	contents := []string{"first", "second"}
	txns := make([]*Txn, len(contents))
	for i, c := range contents {
		txns[i] = begin(t, repo)
		putFile(t, txns[i], "/a", c)
	}

	start := make(chan struct{})
	revs := make([]node.Revnum, len(txns))
	errs := make([]error, len(txns))
	var wg sync.WaitGroup
	for i, txn := range txns {
		wg.Add(1)
		go func(i int, txn *Txn) {
			defer wg.Done()
			<-start
			revs[i], errs[i] = txn.Commit(context.Background(), lock.Access{})
		}(i, txn)
	}
	close(start)
	wg.Wait()

	committed, outOfDate := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			committed++
			assert.Equal(t, base+1, revs[i])
			assert.Equal(t, contents[i], readFile(t, repo, revs[i], "/a"))
		case errors.IsType(err, errors.ErrorTypeTxnOutOfDate):
			outOfDate++
		default:
			t.Errorf("commit of %s: %v", txns[i].Name(), err)
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, outOfDate)

	youngest, err := repo.Youngest()
	require.NoError(t, err)
	assert.Equal(t, base+1, youngest)
	assertItemsIndexed(t, repo, youngest)
}

func TestCommitAfterInterruptedCommit(t *testing.T) {
	repo := newTestFS(t, 0, func(c *config.Config) {
		c.RepSharing.Enabled = false
	})
	prior := commitFiles(t, repo, map[string]string{"/a": "before the crash"})
	orphan := commitFiles(t, repo, map[string]string{"/a": "never published"})
	require.NoError(t, repo.Close())

	// The rev file and its indexes were written but current was not.
	require.NoError(t, writeFileAtomic(repo.join(fileCurrent), []byte("1\n")))
	for _, suffix := range []string{"", ".l2p", ".p2l"} {
		_, err := os.Stat(repo.pathRev(orphan) + suffix)
		require.NoError(t, err)
	}

	reopened, err := Open(repo.Path(), Options{})
	require.NoError(t, err)
	defer reopened.Close()

	youngest, err := reopened.Youngest()
	require.NoError(t, err)
	assert.Equal(t, prior, youngest)
	_, err = reopened.Root(orphan)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoSuchRevision), "%v", err)
	assert.Equal(t, "before the crash", readFile(t, reopened, prior, "/a"))

	rev := commitFiles(t, reopened, map[string]string{"/a": "after recovery", "/b": "new file"})
	assert.Equal(t, orphan, rev)
	assert.Equal(t, "after recovery", readFile(t, reopened, rev, "/a"))
	assert.Equal(t, "new file", readFile(t, reopened, rev, "/b"))
	assertItemsIndexed(t, reopened, rev)

	// A published revision survives without any in-process state.
	require.NoError(t, reopened.Close())
	again, err := Open(repo.Path(), Options{})
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, "after recovery", readFile(t, again, rev, "/a"))
	assert.Equal(t, "before the crash", readFile(t, again, prior, "/a"))
}

func TestMoveVerificationSinceBase(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	ctx := context.Background()
	base := commitFiles(t, repo, map[string]string{"/a": "a", "/b": "b"})

	mover := begin(t, repo)
	require.NoError(t, mover.Move("/a", "/moved"))
	youngest, err := mover.Commit(ctx, lock.Access{})
	require.NoError(t, err)

	stale, err := repo.BeginTxn(ctx, base, 0)
	require.NoError(t, err)
	require.NoError(t, stale.Move("/a", "/elsewhere"))
	changes, err := stale.Changes()
	require.NoError(t, err)
	err = repo.verifyMoves(base, youngest, changes)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAmbiguousMove), "%v", err)

	unrelated, err := repo.BeginTxn(ctx, base, 0)
	require.NoError(t, err)
	require.NoError(t, unrelated.Move("/b", "/b2"))
	changes, err = unrelated.Changes()
	require.NoError(t, err)
	assert.NoError(t, repo.verifyMoves(base, youngest, changes))
}

func TestMoveCopyFromIsPreviousRevision(t *testing.T) {
	repo := newTestFS(t, 0, nil)
	first := commitFiles(t, repo, map[string]string{"/a": "a"})
	commitFiles(t, repo, map[string]string{"/b": "b"})

	txn := begin(t, repo)
	require.NoError(t, txn.copy(first, "/a", "/m", change.Move, change.MoveReplace))
	require.NoError(t, txn.Delete("/a"))
	staged, err := txn.Changes()
	require.NoError(t, err)
	c, ok := staged.Get("/m")
	require.True(t, ok)
	require.Equal(t, first, c.CopyFromRev)

	rev, err := txn.Commit(context.Background(), lock.Access{})
	require.NoError(t, err)

	changes, err := repo.RevisionChanges(rev)
	require.NoError(t, err)
	var moved *change.Change
	for _, c := range changes {
		if c.Path == "/m" {
			moved = c
		}
	}
	require.NotNil(t, moved)
	assert.Equal(t, change.Move, moved.Kind)
	assert.Equal(t, rev-1, moved.CopyFromRev)
	assert.Equal(t, "/a", moved.CopyFromPath)
	assert.Equal(t, "a", readFile(t, repo, rev, "/m"))
}
