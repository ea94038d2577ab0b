package change

import (
	"fmt"
	"io"

	"github.com/google/btree"

	"revfs/internal/errors"
	"revfs/internal/hashdump"
	"revfs/internal/node"
)

// Set is the net change per path of a transaction, ordered so that each
// path directly precedes its descendants.
type Set struct {
	tree *btree.BTreeG[*Change]
}

func lessChange(a, b *Change) bool {
	return node.Less(a.Path, b.Path)
}

func NewSet() *Set {
	return &Set{tree: btree.NewG(16, lessChange)}
}

func (s *Set) Len() int {
	return s.tree.Len()
}

func (s *Set) Get(path string) (*Change, bool) {
	return s.tree.Get(&Change{Path: path})
}

// Ascend calls fn for each change in path order until fn returns false.
func (s *Set) Ascend(fn func(*Change) bool) {
	s.tree.Ascend(fn)
}

func (s *Set) Paths() []string {
	paths := make([]string, 0, s.tree.Len())
	s.tree.Ascend(func(c *Change) bool {
		paths = append(paths, c.Path)
		return true
	})
	return paths
}

// Fold merges c into the set.
func (s *Set) Fold(c *Change) error {
	if old, ok := s.Get(c.Path); ok {
		if err := s.merge(old, c); err != nil {
			return err
		}
	} else {
		s.tree.ReplaceOrInsert(c.Clone())
	}

	if c.Kind.Deletes() {
		s.dropDescendants(c.Path)
	}
	return nil
}

func (s *Set) merge(old, c *Change) error {
	if c.NodeRevID == nil && c.Kind != Reset {
		return errors.Corrupt("missing required node revision ID for '%s'", c.Path)
	}
	if c.NodeRevID != nil && !sameID(old.NodeRevID, c.NodeRevID) && old.Kind != Delete {
		return errors.CorruptChangeOrder("new node revision ID without delete at '%s'", c.Path)
	}
	if old.Kind == Delete {
		switch c.Kind {
		case Add, Replace, Reset, Move, MoveReplace:
		default:
			return errors.CorruptChangeOrder("non-add change on deleted path '%s'", c.Path)
		}
	}
	if c.Kind == Add && old.Kind != Delete && old.Kind != Reset {
		return errors.CorruptChangeOrder("add change on preexisting path '%s'", c.Path)
	}

	switch c.Kind {
	case Reset:
		s.tree.Delete(old)

	case Delete:
		if old.Kind == Add || old.Kind == Move {
			s.tree.Delete(old)
			return nil
		}
		old.Kind = Delete
		old.TextMod = c.TextMod
		old.PropMod = c.PropMod
		old.CopyFromRev = node.InvalidRev
		old.CopyFromPath = ""

	case Add, Replace:
		s.tree.ReplaceOrInsert(replaced(c, Replace))

	case Move, MoveReplace:
		s.tree.ReplaceOrInsert(replaced(c, MoveReplace))

	case Modify:
		old.TextMod = old.TextMod || c.TextMod
		old.PropMod = old.PropMod || c.PropMod

	default:
		panic(fmt.Sprintf("unknown change kind %d", int(c.Kind)))
	}
	return nil
}

func replaced(c *Change, kind Kind) *Change {
	r := c.Clone()
	r.Kind = kind
	if !r.CopyFromRev.Valid() {
		r.CopyFromPath = ""
	}
	return r
}

func (s *Set) dropDescendants(path string) {
	var doomed []*Change
	s.tree.AscendGreaterOrEqual(&Change{Path: path}, func(c *Change) bool {
		if c.Path == path {
			return true
		}
		if !node.IsChild(path, c.Path) {
			return false
		}
		doomed = append(doomed, c)
		return true
	})
	for _, c := range doomed {
		s.tree.Delete(c)
	}
}

func sameID(a, b *node.IDPart) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AppendLog appends c to a raw changes log.
func AppendLog(w io.Writer, c *Change) error {
	return hashdump.WriteEntry(w, c.Path, c.EncodeValue())
}

// ReadLog folds a raw changes log into a Set.
func ReadLog(r io.Reader) (*Set, error) {
	set := NewSet()
	hr := hashdump.NewReader(r)
	for {
		rec, err := hr.Next()
		if err == io.EOF {
			return set, nil
		}
		if err != nil {
			return nil, err
		}
		if rec.Deleted {
			return nil, errors.Corrupt("unexpected removal record for '%s' in changes", rec.Key)
		}
		c, err := DecodeValue(rec.Key, rec.Value)
		if err != nil {
			return nil, err
		}
		if err := set.Fold(c); err != nil {
			return nil, err
		}
	}
}

// WriteList writes set as a final changes list: one record per path in
// path order followed by the terminator.
func WriteList(w io.Writer, set *Set) error {
	var err error
	set.Ascend(func(c *Change) bool {
		err = hashdump.WriteEntry(w, c.Path, c.EncodeValue())
		return err == nil
	})
	if err != nil {
		return err
	}
	return hashdump.WriteEnd(w)
}

// ReadList reads a final changes list in file order.
func ReadList(r io.Reader) ([]*Change, error) {
	var changes []*Change
	hr := hashdump.NewReader(r)
	for {
		rec, err := hr.Next()
		if err == io.EOF {
			return changes, nil
		}
		if err != nil {
			return nil, err
		}
		c, err := DecodeValue(rec.Key, rec.Value)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
}
