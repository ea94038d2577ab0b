// Package repcache maps the SHA-1 of representation contents to a
// committed representation that holds them.
package repcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"revfs/internal/checksum"
	"revfs/internal/errors"
	"revfs/internal/node"
	"revfs/internal/storage"
)

const prefix = "rep"

type Entry struct {
	SHA1         string      `json:"sha1"`
	Revision     node.Revnum `json:"rev"`
	Item         uint64      `json:"item"`
	Size         int64       `json:"size"`
	ExpandedSize int64       `json:"expanded_size"`
}

func (e *Entry) GetID() string { return e.SHA1 }

func (e *Entry) Rep() (*node.Rep, error) {
	sha, err := checksum.ParseHex(checksum.SHA1, e.SHA1)
	if err != nil {
		return nil, err
	}
	return &node.Rep{
		ID:           node.IDPart{ChangeSet: node.ByRevision(e.Revision), Number: e.Item},
		Size:         e.Size,
		ExpandedSize: e.ExpandedSize,
		SHA1:         sha,
	}, nil
}

func entryFor(rep *node.Rep) (*Entry, error) {
	if rep.SHA1 == nil || !rep.ID.ChangeSet.IsRevision() {
		return nil, fmt.Errorf("representation %s cannot be cached", rep.ID)
	}
	return &Entry{
		SHA1:         rep.SHA1.Hex(),
		Revision:     rep.ID.ChangeSet.Revision(),
		Item:         rep.ID.Number,
		Size:         rep.Size,
		ExpandedSize: rep.ExpandedSize,
	}, nil
}

type Cache struct {
	store *storage.BadgerStore
}

func New(db *badger.DB) *Cache {
	return &Cache{store: storage.NewBadgerStore(db, prefix)}
}

// Get returns the cached rep for sha1, or nil when there is none. An
// entry pointing past youngest is corruption.
func (c *Cache) Get(sha1 *checksum.Digest, youngest node.Revnum) (*node.Rep, error) {
	if sha1 == nil {
		return nil, nil
	}

	var e Entry
	err := c.store.Get(sha1.Hex(), &e)
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading rep-cache: %w", err)
	}
	if e.Revision > youngest {
		return nil, errors.Corrupt("youngest revision is r%d, but SHA1 cache refers to r%d", youngest, e.Revision)
	}
	return e.Rep()
}

// SetBatch records reps in a single transaction.
func (c *Cache) SetBatch(reps []*node.Rep) error {
	entities := make([]storage.Entity, 0, len(reps))
	for _, rep := range reps {
		e, err := entryFor(rep)
		if err != nil {
			return err
		}
		entities = append(entities, e)
	}
	if len(entities) == 0 {
		return nil
	}
	return c.store.PutBatch(entities)
}

// Walk calls fn for every entry referring to a revision in [start, end],
// ordered by revision and item.
func (c *Cache) Walk(ctx context.Context, start, end node.Revnum, fn func(*node.Rep) error) error {
	var entries []*Entry
	err := c.store.Scan("", func(id string, val []byte) error {
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return errors.Wrap(errors.ErrorTypeCorrupt, err, "malformed rep-cache entry '%s'", id)
		}
		if e.Revision >= start && e.Revision <= end {
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Revision != entries[j].Revision {
			return entries[i].Revision < entries[j].Revision
		}
		return entries[i].Item < entries[j].Item
	})

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return errors.Cancelled(err)
		}
		rep, err := e.Rep()
		if err != nil {
			return err
		}
		if err := fn(rep); err != nil {
			return err
		}
	}
	return nil
}
