// Package index maintains the log-to-phys (l2p) and phys-to-log (p2l)
// indexes of revision and pack files.
//
// While a transaction is open both indexes are append-only sequences of
// CBOR items next to the proto-rev file. Committing turns them into the
// final per-revision index files; packing merges the final indexes of a
// whole shard.
package index

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"revfs/internal/errors"
	"revfs/internal/node"
)

type ItemType uint8

const (
	TypeUnused ItemType = iota
	TypeFileRep
	TypeDirRep
	TypeFileProps
	TypeDirProps
	TypeNodeRev
	TypeChanges
)

func (t ItemType) String() string {
	switch t {
	case TypeUnused:
		return "unused"
	case TypeFileRep:
		return "file-rep"
	case TypeDirRep:
		return "dir-rep"
	case TypeFileProps:
		return "file-props"
	case TypeDirProps:
		return "dir-props"
	case TypeNodeRev:
		return "noderev"
	case TypeChanges:
		return "changes"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

type Item struct {
	_         struct{} `cbor:",toarray"`
	ChangeSet node.ChangeSet
	Number    uint64
}

// P2LEntry describes the item(s) stored in [Offset, Offset+Size).
type P2LEntry struct {
	_      struct{} `cbor:",toarray"`
	Offset int64
	Size   int64
	Type   ItemType
	FNV1   uint32
	Items  []Item
}

// L2PEntry maps a txn-local item number to its proto-rev offset.
type L2PEntry struct {
	_      struct{} `cbor:",toarray"`
	Offset int64
	Item   uint64
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

func appendItem(path string, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding index entry: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return file.Close()
}

func readItems[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var items []T
	dec := decMode.NewDecoder(file)
	for {
		var v T
		err := dec.Decode(&v)
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrorTypeIndexCorruption, err, "reading proto index %s", path)
		}
		items = append(items, v)
	}
}

// AppendL2P records that txn-local item lives at offset.
func AppendL2P(path string, offset int64, item uint64) error {
	return appendItem(path, L2PEntry{Offset: offset, Item: item})
}

func AppendP2L(path string, entry P2LEntry) error {
	return appendItem(path, entry)
}

func ReadProtoL2P(path string) ([]L2PEntry, error) {
	return readItems[L2PEntry](path)
}

func ReadProtoP2L(path string) ([]P2LEntry, error) {
	return readItems[P2LEntry](path)
}

// L2P maps (revision, item number) to a file offset for one revision
// or for every revision of a pack.
type L2P struct {
	FirstRevision node.Revnum `cbor:"1,keyasint"`
	Offsets       [][]int64   `cbor:"2,keyasint"`
}

// BuildL2P turns the proto entries of a transaction into the final index
// of rev.
func BuildL2P(proto []L2PEntry, rev node.Revnum) *L2P {
	var max uint64
	for _, e := range proto {
		if e.Item+1 > max {
			max = e.Item + 1
		}
	}
	offsets := make([]int64, max)
	for i := range offsets {
		offsets[i] = -1
	}
	for _, e := range proto {
		offsets[e.Item] = e.Offset
	}
	return &L2P{FirstRevision: rev, Offsets: [][]int64{offsets}}
}

func (l *L2P) Revisions() int {
	return len(l.Offsets)
}

func (l *L2P) covers(rev node.Revnum) bool {
	return rev >= l.FirstRevision && rev < l.FirstRevision+node.Revnum(len(l.Offsets))
}

// Offset returns the offset of item in rev, or -1 when the item number
// is unused.
func (l *L2P) Offset(rev node.Revnum, item uint64) (int64, error) {
	if !l.covers(rev) {
		return -1, errors.IndexCorruption("revision %d not covered by l2p index starting at r%d", rev, l.FirstRevision)
	}
	offsets := l.Offsets[rev-l.FirstRevision]
	if item >= uint64(len(offsets)) {
		return -1, errors.IndexCorruption("item index %d too large in revision %d", item, rev)
	}
	return offsets[item], nil
}

// MaxIDs returns, per revision starting at start, one past the largest
// item number.
func (l *L2P) MaxIDs(start node.Revnum, count int) ([]uint64, error) {
	ids := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		rev := start + node.Revnum(i)
		if !l.covers(rev) {
			return nil, errors.IndexCorruption("revision %d not covered by l2p index starting at r%d", rev, l.FirstRevision)
		}
		ids = append(ids, uint64(len(l.Offsets[rev-l.FirstRevision])))
	}
	return ids, nil
}

// P2L lists the entries of a revision or pack file in offset order. The
// entries tile [0, FileSize) and a final unused entry pads FileSize up
// to the next block boundary.
type P2L struct {
	FirstRevision node.Revnum `cbor:"1,keyasint"`
	FileSize      int64       `cbor:"2,keyasint"`
	BlockSize     int64       `cbor:"3,keyasint"`
	Entries       []P2LEntry  `cbor:"4,keyasint"`
}

// BuildP2L turns the proto entries of a transaction into the final index
// of rev. Txn-local change sets become rev and gaps become unused
// entries.
func BuildP2L(proto []P2LEntry, rev node.Revnum, fileSize, blockSize int64) *P2L {
	entries := make([]P2LEntry, 0, len(proto)+1)
	for _, e := range proto {
		items := make([]Item, len(e.Items))
		for i, item := range e.Items {
			if item.ChangeSet.IsTxn() {
				item.ChangeSet = node.ByRevision(rev)
			}
			items[i] = item
		}
		e.Items = items
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })

	return &P2L{
		FirstRevision: rev,
		FileSize:      fileSize,
		BlockSize:     blockSize,
		Entries:       tile(entries, fileSize, blockSize),
	}
}

// tile fills gaps with unused entries and appends the block padding.
func tile(entries []P2LEntry, fileSize, blockSize int64) []P2LEntry {
	out := make([]P2LEntry, 0, len(entries)+1)
	var next int64
	for _, e := range entries {
		if e.Offset > next {
			out = append(out, P2LEntry{Offset: next, Size: e.Offset - next, Type: TypeUnused})
		}
		out = append(out, e)
		next = e.Offset + e.Size
	}
	if fileSize > next {
		out = append(out, P2LEntry{Offset: next, Size: fileSize - next, Type: TypeUnused})
		next = fileSize
	}
	if pad := roundUp(next, blockSize) - next; pad > 0 {
		out = append(out, P2LEntry{Offset: next, Size: pad, Type: TypeUnused})
	}
	return out
}

func roundUp(n, block int64) int64 {
	if block <= 0 {
		return n
	}
	return (n + block - 1) / block * block
}

// MaxOffset is the size of the file the index describes.
func (p *P2L) MaxOffset() int64 {
	return p.FileSize
}

// EntryAt returns the entry starting exactly at offset.
func (p *P2L) EntryAt(offset int64) (*P2LEntry, bool) {
	i := sort.Search(len(p.Entries), func(i int) bool { return p.Entries[i].Offset >= offset })
	if i < len(p.Entries) && p.Entries[i].Offset == offset {
		return &p.Entries[i], true
	}
	return nil, false
}

// Block returns the entries overlapping the index block that contains
// offset.
func (p *P2L) Block(offset int64) []P2LEntry {
	start := offset
	if p.BlockSize > 0 {
		start = offset / p.BlockSize * p.BlockSize
	}
	end := start + p.BlockSize

	i := sort.Search(len(p.Entries), func(i int) bool {
		return p.Entries[i].Offset+p.Entries[i].Size > start
	})
	var block []P2LEntry
	for ; i < len(p.Entries) && p.Entries[i].Offset < end; i++ {
		block = append(block, p.Entries[i])
	}
	return block
}

// BlockEnd returns the first offset after the block holding offset.
func (p *P2L) BlockEnd(offset int64) int64 {
	if p.BlockSize <= 0 {
		return p.FileSize
	}
	return (offset/p.BlockSize + 1) * p.BlockSize
}

// Merge concatenates consecutive per-revision indexes into the indexes
// of a pack file.
func Merge(l2ps []*L2P, p2ls []*P2L, blockSize int64) (*L2P, *P2L, error) {
	if len(l2ps) == 0 || len(l2ps) != len(p2ls) {
		return nil, nil, fmt.Errorf("merging %d l2p and %d p2l indexes", len(l2ps), len(p2ls))
	}

	l2p := &L2P{FirstRevision: l2ps[0].FirstRevision}
	var entries []P2LEntry
	var base int64
	for i := range l2ps {
		want := l2ps[0].FirstRevision + node.Revnum(i)
		if l2ps[i].FirstRevision != want || p2ls[i].FirstRevision != want {
			return nil, nil, errors.IndexInconsistent("index for r%d out of sequence while merging", want)
		}

		for _, offsets := range l2ps[i].Offsets {
			shifted := make([]int64, len(offsets))
			for k, off := range offsets {
				if off >= 0 {
					off += base
				}
				shifted[k] = off
			}
			l2p.Offsets = append(l2p.Offsets, shifted)
		}

		for _, e := range p2ls[i].Entries {
			if e.Offset >= p2ls[i].FileSize {
				continue
			}
			e.Offset += base
			entries = append(entries, e)
		}
		base += p2ls[i].FileSize
	}

	p2l := &P2L{
		FirstRevision: l2ps[0].FirstRevision,
		FileSize:      base,
		BlockSize:     blockSize,
		Entries:       tile(entries, base, blockSize),
	}
	return l2p, p2l, nil
}

func writeFile(path string, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return errors.Wrap(errors.ErrorTypeIndexCorruption, err, "decoding index %s", path)
	}
	return nil
}

func WriteL2P(path string, l *L2P) error { return writeFile(path, l) }

func WriteP2L(path string, p *P2L) error { return writeFile(path, p) }

func ReadL2P(path string) (*L2P, error) {
	var l L2P
	if err := readFile(path, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func ReadP2L(path string) (*P2L, error) {
	var p P2L
	if err := readFile(path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
