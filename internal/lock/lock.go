// Package lock keeps the table of path locks that commits are checked
// against.
package lock

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"revfs/internal/errors"
	"revfs/internal/storage"
)

const prefix = "lock"

type Lock struct {
	Path    string    `json:"path"`
	Token   string    `json:"token"`
	Owner   string    `json:"owner"`
	Comment string    `json:"comment,omitempty"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires,omitempty"`
}

func (l *Lock) GetID() string { return l.Path }

func (l *Lock) Expired(now time.Time) bool {
	return !l.Expires.IsZero() && !now.Before(l.Expires)
}

// Access is what a committer presents to get past locks.
type Access struct {
	Username string
	Tokens   []string
}

func (a Access) hasToken(token string) bool {
	for _, t := range a.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

type Table struct {
	store *storage.BadgerStore
	now   func() time.Time
}

func NewTable(db *badger.DB) *Table {
	return &Table{
		store: storage.NewBadgerStore(db, prefix),
		now:   time.Now,
	}
}

// Get returns the live lock on path, or nil.
func (t *Table) Get(path string) (*Lock, error) {
	var l Lock
	err := t.store.Get(path, &l)
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock for '%s': %w", path, err)
	}
	if l.Expired(t.now()) {
		return nil, nil
	}
	return &l, nil
}

// Lock takes a new lock on path for owner. A zero expires never expires.
func (t *Table) Lock(path, owner, comment string, expires time.Time) (*Lock, error) {
	if owner == "" {
		return nil, errors.ValidationError("cannot lock without an owner", map[string]string{"path": path})
	}
	existing, err := t.Get(path)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.New(errors.ErrorTypeValidation, "path '%s' is already locked by user '%s'", path, existing.Owner)
	}

	l := &Lock{
		Path:    path,
		Token:   "opaquelocktoken:" + uuid.New().String(),
		Owner:   owner,
		Comment: comment,
		Created: t.now().UTC(),
		Expires: expires,
	}
	if err := t.store.Put(l); err != nil {
		return nil, fmt.Errorf("storing lock for '%s': %w", path, err)
	}
	return l, nil
}

// Unlock removes the lock on path. Without force the token must match.
func (t *Table) Unlock(path, token string, force bool) error {
	existing, err := t.Get(path)
	if err != nil {
		return err
	}
	if existing == nil {
		return errors.NotFound(fmt.Sprintf("no lock on path '%s'", path))
	}
	if !force && existing.Token != token {
		return errors.LockNotHeld("cannot unlock path '%s', token mismatch", path)
	}
	return t.store.Delete(path)
}

// Descendants returns the live locks strictly below path.
func (t *Table) Descendants(path string) ([]*Lock, error) {
	scan := path + "/"
	if path == "/" {
		scan = "/"
	}

	now := t.now()
	var locks []*Lock
	err := t.store.Scan(scan, func(id string, val []byte) error {
		var l Lock
		if err := json.Unmarshal(val, &l); err != nil {
			return errors.Wrap(errors.ErrorTypeCorrupt, err, "malformed lock entry '%s'", id)
		}
		if !l.Expired(now) && l.Path != path {
			locks = append(locks, &l)
		}
		return nil
	})
	return locks, err
}

// Allow checks that access may change path, and with recurse everything
// below it.
func (t *Table) Allow(path string, recurse bool, access Access) error {
	l, err := t.Get(path)
	if err != nil {
		return err
	}
	if l != nil {
		if err := verify(l, access); err != nil {
			return err
		}
	}
	if !recurse {
		return nil
	}

	below, err := t.Descendants(path)
	if err != nil {
		return err
	}
	for _, l := range below {
		if err := verify(l, access); err != nil {
			return err
		}
	}
	return nil
}

func verify(l *Lock, access Access) error {
	if access.Username == "" {
		return errors.LockNotHeld("cannot verify lock on path '%s'; no username available", l.Path)
	}
	if access.Username != l.Owner {
		return errors.LockNotHeld("user '%s' does not own lock on path '%s' (currently locked by '%s')",
			access.Username, l.Path, l.Owner)
	}
	if !access.hasToken(l.Token) {
		return errors.LockNotHeld("cannot verify lock on path '%s'; no matching lock-token available", l.Path)
	}
	return nil
}
