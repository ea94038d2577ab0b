package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"revfs/internal/errors"
	"revfs/internal/flock"
	"revfs/internal/node"
)

// withWriteLock runs body while holding the repository-wide commit lock,
// both against other goroutines and against other processes.
func (fs *FS) withWriteLock(ctx context.Context, body func() error) error {
	return fs.withLockFile(ctx, &fs.writeMu, fs.join(fileWriteLock), body)
}

func (fs *FS) withTxnCurrentLock(ctx context.Context, body func() error) error {
	return fs.withLockFile(ctx, &fs.txnCurrentMu, fs.join(fileTxnCurrentLock), body)
}

func (fs *FS) withLockFile(ctx context.Context, mu *sync.Mutex, path string, body func() error) error {
	if err := ctx.Err(); err != nil {
		return errors.Cancelled(err)
	}

	mu.Lock()
	defer mu.Unlock()

	guard, err := flock.Lock(path, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Unlock(); err != nil {
			fs.logger.Warn("releasing lock file", zap.String("path", path), zap.Error(err))
		}
	}()

	return body()
}

// sharedTxnLocked returns the registry entry for id, creating it when
// create is set. txnMu must be held.
func (fs *FS) sharedTxnLocked(id node.TxnID, name string, create bool) *sharedTxn {
	if st, ok := fs.txns[id]; ok {
		return st
	}
	if !create {
		return nil
	}
	st := &sharedTxn{name: name}
	fs.txns[id] = st
	return st
}

func (fs *FS) registerTxn(id node.TxnID, name string) {
	fs.txnMu.Lock()
	defer fs.txnMu.Unlock()
	fs.sharedTxnLocked(id, name, true)
}

func (fs *FS) freeSharedTxn(id node.TxnID) {
	fs.txnMu.Lock()
	defer fs.txnMu.Unlock()
	delete(fs.txns, id)
}

// WriteGuard is exclusive write access to a transaction's proto-rev file.
type WriteGuard struct {
	fs   *FS
	txn  node.TxnID
	name string
	file *os.File
	lock *flock.Guard
	once sync.Once
	err  error
}

// LockForWrite acquires exclusive write access to the transaction's
// proto-rev file and opens it positioned at its end. Contention within
// this process or with another process fails immediately with
// REP_BEING_WRITTEN.
func (t *Txn) LockForWrite() (*WriteGuard, error) {
	fs := t.fs

	fs.txnMu.Lock()
	st := fs.sharedTxnLocked(t.id, t.name, true)
	if st.beingWritten {
		fs.txnMu.Unlock()
		return nil, errors.RepBeingWritten(t.name, true)
	}

	guard, err := flock.TryLock(fs.pathProtoRevLock(t.name), false)
	if err != nil {
		fs.txnMu.Unlock()
		if errors.Is(err, flock.ErrWouldBlock) {
			return nil, errors.RepBeingWritten(t.name, false)
		}
		return nil, fmt.Errorf("locking prototype revision of '%s': %w", t.name, err)
	}
	st.beingWritten = true
	fs.txnMu.Unlock()

	g := &WriteGuard{fs: fs, txn: t.id, name: t.name, lock: guard}

	file, err := os.OpenFile(fs.pathProtoRev(t.name), os.O_RDWR, 0644)
	if err == nil {
		_, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
		}
	}
	if err != nil {
		g.Unlock()
		return nil, fmt.Errorf("opening prototype revision of '%s': %w", t.name, err)
	}
	g.file = file

	fs.logger.Debug("locked prototype revision", zap.String("txn", t.name))
	return g, nil
}

func (g *WriteGuard) File() *os.File { return g.file }

// Offset is the current end of the proto-rev file.
func (g *WriteGuard) Offset() (int64, error) {
	return g.file.Seek(0, io.SeekCurrent)
}

// Truncate cuts the proto-rev back to offset and continues writing there.
func (g *WriteGuard) Truncate(offset int64) error {
	if err := g.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncating prototype revision of '%s': %w", g.name, err)
	}
	_, err := g.file.Seek(offset, io.SeekStart)
	return err
}

// Unlock closes the file and releases both the file lock and the
// in-process flag. Only the first call has any effect.
func (g *WriteGuard) Unlock() error {
	g.once.Do(func() {
		if g.file != nil {
			g.err = g.file.Close()
		}
		if err := g.lock.Unlock(); g.err == nil {
			g.err = err
		}

		g.fs.txnMu.Lock()
		if st := g.fs.sharedTxnLocked(g.txn, g.name, false); st != nil {
			st.beingWritten = false
		}
		g.fs.txnMu.Unlock()
	})
	return g.err
}
