package fs

import (
	"sort"

	"revfs/internal/change"
	"revfs/internal/errors"
	"revfs/internal/node"
)

// verifyMoves checks that no path is moved twice since base and that
// every move source is deleted by the transaction.
func (fs *FS) verifyMoves(base, youngest node.Revnum, changes *change.Set) error {
	var (
		moves     []*change.Change
		deletions []string
	)
	changes.Ascend(func(c *change.Change) bool {
		if c.Kind.IsMove() && c.CopyFromPath != "" {
			moves = append(moves, c)
		}
		if c.Kind.Deletes() {
			deletions = append(deletions, c.Path)
		}
		return true
	})
	if len(moves) == 0 {
		return nil
	}

	// A deletion below a move target really deletes something below the
	// move source.
	for i, deleted := range deletions {
		var closest *change.Change
		for _, m := range moves {
			if node.IsChild(m.Path, deleted) && (closest == nil || len(m.Path) > len(closest.Path)) {
				closest = m
			}
		}
		if closest != nil {
			rel, _ := node.SkipAncestor(closest.Path, deleted)
			deletions[i] = node.Join(closest.CopyFromPath, rel)
		}
	}

	sources := make(map[string]bool, len(moves))
	addSource := func(c *change.Change) error {
		if sources[c.CopyFromPath] {
			return errors.AmbiguousMove(c.CopyFromPath)
		}
		sources[c.CopyFromPath] = true
		return nil
	}
	for _, m := range moves {
		if err := addSource(m); err != nil {
			return err
		}
	}
	for rev := base + 1; rev <= youngest; rev++ {
		committed, err := fs.RevisionChanges(rev)
		if err != nil {
			return err
		}
		for _, c := range committed {
			if c.Kind.IsMove() && c.CopyFromPath != "" {
				if err := addSource(c); err != nil {
					return err
				}
			}
		}
	}

	deleted := make(map[string]bool, len(deletions))
	for _, p := range deletions {
		deleted[p] = true
	}
	sort.Slice(moves, func(i, j int) bool { return node.Less(moves[i].Path, moves[j].Path) })
	for _, m := range moves {
		if !coveredByDeletion(deleted, m.CopyFromPath) {
			return errors.IncompleteMove(m.CopyFromPath)
		}
	}
	return nil
}

func coveredByDeletion(deleted map[string]bool, path string) bool {
	for p := path; ; p = node.Parent(p) {
		if deleted[p] {
			return true
		}
		if p == "/" {
			return false
		}
	}
}
