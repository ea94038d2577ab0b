// internal/change/types.go
package change

import (
	"fmt"
	"strconv"
	"strings"

	"revfs/internal/errors"
	"revfs/internal/node"
)

// Kind is the action recorded for a changed path.
type Kind int

const (
	Modify Kind = iota
	Add
	Delete
	Replace
	Reset
	Move
	MoveReplace
)

var kindNames = map[Kind]string{
	Modify:      "modify",
	Add:         "add",
	Delete:      "delete",
	Replace:     "replace",
	Reset:       "reset",
	Move:        "move",
	MoveReplace: "movereplace",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if !ok {
		panic(fmt.Sprintf("unknown change kind %d", int(k)))
	}
	return name
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, errors.Corrupt("invalid change kind '%s'", s)
}

// Deletes reports whether the action removes whatever was at the path
// before, and with it every descendant.
func (k Kind) Deletes() bool {
	switch k {
	case Delete, Replace, MoveReplace:
		return true
	case Modify, Add, Reset, Move:
		return false
	default:
		panic(fmt.Sprintf("unknown change kind %d", int(k)))
	}
}

// IsMove reports whether the action carries a move source.
func (k Kind) IsMove() bool {
	return k == Move || k == MoveReplace
}

// Change is a single entry of a changes log or list.
type Change struct {
	Path         string
	NodeRevID    *node.IDPart
	Kind         Kind
	NodeKind     node.Kind
	TextMod      bool
	PropMod      bool
	CopyFromRev  node.Revnum
	CopyFromPath string
}

func (c *Change) Clone() *Change {
	cp := *c
	if c.NodeRevID != nil {
		id := *c.NodeRevID
		cp.NodeRevID = &id
	}
	return &cp
}

// HasCopyFrom reports whether the change names a copy or move source.
func (c *Change) HasCopyFrom() bool {
	return c.CopyFromPath != "" && c.CopyFromRev.Valid()
}

// EncodeValue renders the record value:
//
//	<action> <node kind> <text mod> <prop mod> <noderev id>[\n<rev> <path>]
func (c *Change) EncodeValue() string {
	id := "-"
	if c.NodeRevID != nil {
		id = c.NodeRevID.String()
	}
	kind := string(c.NodeKind)
	if kind == "" {
		kind = "none"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %t %t %s", c.Kind, kind, c.TextMod, c.PropMod, id)
	if c.HasCopyFrom() {
		fmt.Fprintf(&sb, "\n%d %s", c.CopyFromRev, c.CopyFromPath)
	}
	return sb.String()
}

// DecodeValue parses a record value for path.
func DecodeValue(path, value string) (*Change, error) {
	line, copyFrom, hasCopyFrom := strings.Cut(value, "\n")
	fields := strings.Split(line, " ")
	if len(fields) != 5 {
		return nil, errors.Corrupt("invalid changes line for '%s': '%s'", path, line)
	}

	kind, err := ParseKind(fields[0])
	if err != nil {
		return nil, err
	}
	c := &Change{
		Path:        path,
		Kind:        kind,
		CopyFromRev: node.InvalidRev,
	}

	switch fields[1] {
	case "file":
		c.NodeKind = node.KindFile
	case "dir":
		c.NodeKind = node.KindDir
	case "none":
		c.NodeKind = node.KindNone
	default:
		return nil, errors.Corrupt("invalid node kind in changes line for '%s'", path)
	}

	if c.TextMod, err = strconv.ParseBool(fields[2]); err != nil {
		return nil, errors.Corrupt("invalid text-mod flag in changes line for '%s'", path)
	}
	if c.PropMod, err = strconv.ParseBool(fields[3]); err != nil {
		return nil, errors.Corrupt("invalid prop-mod flag in changes line for '%s'", path)
	}

	if fields[4] != "-" {
		id, err := node.ParseIDPart(fields[4])
		if err != nil {
			return nil, err
		}
		c.NodeRevID = &id
	}

	if hasCopyFrom {
		rev, from, ok := strings.Cut(copyFrom, " ")
		if !ok {
			return nil, errors.Corrupt("invalid copy-from line for '%s'", path)
		}
		r, err := strconv.ParseInt(rev, 10, 64)
		if err != nil {
			return nil, errors.Corrupt("invalid copy-from revision for '%s'", path)
		}
		c.CopyFromRev = node.Revnum(r)
		c.CopyFromPath = from
	}
	return c, nil
}
