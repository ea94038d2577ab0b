package node

import (
	"fmt"
	"strconv"
	"strings"

	"revfs/internal/checksum"
	"revfs/internal/errors"
)

type Revnum int64

const InvalidRev Revnum = -1

func (r Revnum) Valid() bool { return r >= 0 }

type TxnID uint64

// ChangeSet identifies where an item lives: revision R is encoded as R,
// transaction T as -(T+2). -1 is invalid.
type ChangeSet int64

const InvalidChangeSet ChangeSet = -1

func ByRevision(r Revnum) ChangeSet { return ChangeSet(r) }

func ByTxn(t TxnID) ChangeSet { return ChangeSet(-int64(t) - 2) }

func (c ChangeSet) IsRevision() bool { return c >= 0 }

func (c ChangeSet) IsTxn() bool { return c < -1 }

func (c ChangeSet) Revision() Revnum {
	if !c.IsRevision() {
		return InvalidRev
	}
	return Revnum(c)
}

func (c ChangeSet) Txn() TxnID {
	return TxnID(-int64(c) - 2)
}

func (c ChangeSet) String() string {
	switch {
	case c.IsRevision():
		return "r" + strconv.FormatInt(int64(c), 10)
	case c.IsTxn():
		return "t" + strconv.FormatUint(uint64(c.Txn()), 36)
	}
	return "-"
}

// Reserved item numbers within a revision.
const (
	ItemUnused    uint64 = 0
	ItemChanges   uint64 = 1
	ItemRootNode  uint64 = 2
	ItemFirstUser uint64 = 3
)

// IDPart is a (change set, number) pair. Node ids, copy ids, noderev ids
// and representation ids all use it.
type IDPart struct {
	ChangeSet ChangeSet
	Number    uint64
}

func (p IDPart) String() string {
	return p.ChangeSet.String() + "/" + strconv.FormatUint(p.Number, 10)
}

func ParseIDPart(s string) (IDPart, error) {
	cs, num, ok := strings.Cut(s, "/")
	if !ok || len(cs) < 2 {
		return IDPart{}, errors.Corrupt("malformed id '%s'", s)
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return IDPart{}, errors.Corrupt("malformed id number in '%s'", s)
	}

	switch cs[0] {
	case 'r':
		r, err := strconv.ParseInt(cs[1:], 10, 64)
		if err != nil || r < 0 {
			return IDPart{}, errors.Corrupt("malformed revision in id '%s'", s)
		}
		return IDPart{ChangeSet: ChangeSet(r), Number: n}, nil
	case 't':
		t, err := strconv.ParseUint(cs[1:], 36, 64)
		if err != nil {
			return IDPart{}, errors.Corrupt("malformed txn in id '%s'", s)
		}
		return IDPart{ChangeSet: ByTxn(TxnID(t)), Number: n}, nil
	}
	return IDPart{}, errors.Corrupt("malformed id '%s'", s)
}

func (p IDPart) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *IDPart) UnmarshalText(text []byte) error {
	parsed, err := ParseIDPart(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TxnRoot is the noderev id of a transaction's root directory.
func TxnRoot(t TxnID) IDPart {
	return IDPart{ChangeSet: ByTxn(t), Number: ItemRootNode}
}

// FormatTxnName renders "<base rev>-<base36 counter>".
func FormatTxnName(base Revnum, id TxnID) string {
	return fmt.Sprintf("%d-%s", base, strconv.FormatUint(uint64(id), 36))
}

func ParseTxnName(name string) (TxnID, Revnum, error) {
	rev, id, ok := strings.Cut(name, "-")
	if !ok {
		return 0, InvalidRev, errors.NoSuchTxn(name)
	}
	r, err := strconv.ParseInt(rev, 10, 64)
	if err != nil || r < 0 {
		return 0, InvalidRev, errors.NoSuchTxn(name)
	}
	t, err := strconv.ParseUint(id, 36, 64)
	if err != nil {
		return 0, InvalidRev, errors.NoSuchTxn(name)
	}
	return TxnID(t), Revnum(r), nil
}

type Kind string

const (
	KindNone Kind = ""
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Rep describes a stored representation. ID locates it: the change set
// that physically holds it and its item number there.
type Rep struct {
	ID           IDPart           `json:"id"`
	Size         int64            `json:"size"`
	ExpandedSize int64            `json:"expanded_size"`
	MD5          *checksum.Digest `json:"md5,omitempty"`
	SHA1         *checksum.Digest `json:"sha1,omitempty"`
}

func (r *Rep) Clone() *Rep {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func (r *Rep) String() string {
	if r == nil {
		return "<no rep>"
	}
	return fmt.Sprintf("%s size=%d expanded=%d", r.ID, r.Size, r.ExpandedSize)
}

// Equal compares two reps by location.
func (r *Rep) Equal(o *Rep) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID
}

type NodeRev struct {
	ID               IDPart  `json:"id"`
	NodeID           IDPart  `json:"node"`
	CopyID           IDPart  `json:"copy"`
	Kind             Kind    `json:"type"`
	Predecessor      *IDPart `json:"pred,omitempty"`
	PredecessorCount int     `json:"count"`
	DataRep          *Rep    `json:"text,omitempty"`
	PropRep          *Rep    `json:"props,omitempty"`
	CreatedPath      string  `json:"cpath"`
	CopyFromPath     string  `json:"copyfrom_path,omitempty"`
	CopyFromRev      Revnum  `json:"copyfrom_rev"`
	CopyRootPath     string  `json:"copyroot_path"`
	CopyRootRev      Revnum  `json:"copyroot_rev"`
}

func (n *NodeRev) Clone() *NodeRev {
	c := *n
	if n.Predecessor != nil {
		p := *n.Predecessor
		c.Predecessor = &p
	}
	c.DataRep = n.DataRep.Clone()
	c.PropRep = n.PropRep.Clone()
	return &c
}

// Mutable reports whether the noderev still belongs to a transaction.
func (n *NodeRev) Mutable() bool {
	return n.ID.ChangeSet.IsTxn()
}

type DirEntry struct {
	Name string
	Kind Kind
	ID   IDPart
}

// EncodeValue renders the hash-dump value of a directory entry.
func (e DirEntry) EncodeValue() string {
	return string(e.Kind) + " " + e.ID.String()
}

func DecodeDirEntry(name, value string) (DirEntry, error) {
	kind, id, ok := strings.Cut(value, " ")
	if !ok || (Kind(kind) != KindFile && Kind(kind) != KindDir) {
		return DirEntry{}, errors.Corrupt("malformed directory entry '%s' for '%s'", value, name)
	}
	part, err := ParseIDPart(id)
	if err != nil {
		return DirEntry{}, err
	}
	return DirEntry{Name: name, Kind: Kind(kind), ID: part}, nil
}
