package fs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"revfs/internal/change"
	"revfs/internal/errors"
	"revfs/internal/lock"
	"revfs/internal/node"
)

// verifyLocks checks every changed path against the lock table. Paths are
// visited in depth-first order so that a recursive check of a directory
// covers everything below it.
func (fs *FS) verifyLocks(changes *change.Set, access lock.Access) error {
	if changes.Len() == 0 {
		return nil
	}
	table, err := fs.LockTable()
	if err != nil {
		return err
	}

	lastRecursed := ""
	for _, path := range changes.Paths() {
		if lastRecursed != "" && node.IsChild(lastRecursed, path) {
			continue
		}
		c, _ := changes.Get(path)
		recurse := c.Kind != change.Modify
		if err := table.Allow(path, recurse, access); err != nil {
			return err
		}
		if recurse {
			lastRecursed = path
		}
	}
	return nil
}

// LockPath locks an existing file in the youngest revision.
func (fs *FS) LockPath(ctx context.Context, path, owner, comment string, expires time.Time) (*lock.Lock, error) {
	path = node.Canonicalize(path)
	var l *lock.Lock
	err := fs.withWriteLock(ctx, func() error {
		youngest, err := fs.Youngest()
		if err != nil {
			return err
		}
		root, err := fs.Root(youngest)
		if err != nil {
			return err
		}
		nr, err := root.Node(path)
		if err != nil {
			return err
		}
		if nr.Kind != node.KindFile {
			return errors.ValidationError(fmt.Sprintf("'%s' is not a file", path), nil)
		}

		table, err := fs.LockTable()
		if err != nil {
			return err
		}
		l, err = table.Lock(path, owner, comment, expires)
		return err
	})
	if err != nil {
		return nil, err
	}
	fs.logger.Info("locked path", zap.String("path", path), zap.String("owner", owner))
	return l, nil
}

// UnlockPath releases the lock on path. Without force, token must be the
// lock's token.
func (fs *FS) UnlockPath(ctx context.Context, path, token string, force bool) error {
	path = node.Canonicalize(path)
	return fs.withWriteLock(ctx, func() error {
		table, err := fs.LockTable()
		if err != nil {
			return err
		}
		return table.Unlock(path, token, force)
	})
}

// GetLock returns the live lock on path, or nil.
func (fs *FS) GetLock(path string) (*lock.Lock, error) {
	table, err := fs.LockTable()
	if err != nil {
		return nil, err
	}
	return table.Get(node.Canonicalize(path))
}
