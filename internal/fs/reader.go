package fs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"revfs/internal/change"
	"revfs/internal/checksum"
	"revfs/internal/errors"
	"revfs/internal/hashdump"
	"revfs/internal/index"
	"revfs/internal/node"
)

// maxRepChain bounds delta chain reconstruction; longer chains can only
// come from a cycle.
const maxRepChain = 1 << 16

// revFile is an open revision or pack file together with its indexes.
// Readers hold a reference for the duration of a read; the file is closed
// once it has left the handle cache and the last reference is released.
type revFile struct {
	path   string
	packed bool
	file   *os.File
	l2p    *index.L2P
	p2l    *index.P2L

	mu      sync.Mutex
	refs    int
	evicted bool
	closed  bool
}

// acquire takes a reference. It fails once the file has been closed.
func (f *revFile) acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.refs++
	return true
}

func (f *revFile) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
	if f.refs == 0 && f.evicted {
		f.closeLocked()
	}
}

// evict is called when the handle cache drops f.
func (f *revFile) evict() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = true
	if f.refs == 0 {
		f.closeLocked()
	}
}

func (f *revFile) closeLocked() {
	if !f.closed {
		f.closed = true
		f.file.Close()
	}
}

func (f *revFile) read(e *index.P2LEntry) ([]byte, error) {
	buf := make([]byte, e.Size)
	if _, err := f.file.ReadAt(buf, e.Offset); err != nil {
		return nil, fmt.Errorf("reading %d bytes at offset %d of %s: %w", e.Size, e.Offset, f.path, err)
	}
	return buf, nil
}

func loadRevFile(path string, packed bool) (*revFile, error) {
	l2p, err := index.ReadL2P(path + ".l2p")
	if err != nil {
		return nil, err
	}
	p2l, err := index.ReadP2L(path + ".p2l")
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &revFile{path: path, packed: packed, file: file, l2p: l2p, p2l: p2l}, nil
}

func (fs *FS) revFilePath(rev node.Revnum, packed bool) string {
	if packed {
		return fs.pathPack(fs.shard(rev))
	}
	return fs.pathRev(rev)
}

// openRev returns the file holding rev with a reference taken, following
// a concurrent pack. The caller must release it.
func (fs *FS) openRev(rev node.Revnum) (*revFile, error) {
	if rev < 0 {
		return nil, errors.NoSuchRevision(int64(rev))
	}
	for attempt := 0; ; {
		packed := fs.IsPacked(rev)
		path := fs.revFilePath(rev, packed)
		if f, ok := fs.files.Get(path); ok {
			if f.acquire() {
				return f, nil
			}
			// Evicted between lookup and acquire.
			continue
		}

		f, err := loadRevFile(path, packed)
		if errors.Is(err, os.ErrNotExist) {
			if attempt == 0 && !packed {
				attempt++
				if _, err := fs.RefreshMinUnpackedRev(); err != nil {
					return nil, err
				}
				continue
			}
			return nil, errors.NoSuchRevision(int64(rev))
		}
		if err != nil {
			return nil, err
		}
		f.acquire()
		if prev, found, _ := fs.files.PeekOrAdd(path, f); found {
			// Another reader loaded it first.
			f.file.Close()
			if prev.acquire() {
				return prev, nil
			}
			continue
		}
		return f, nil
	}
}

// RevFileInfo describes the file currently holding a revision, with its
// indexes freshly read from disk.
type RevFileInfo struct {
	Path          string
	Packed        bool
	FirstRevision node.Revnum
	Revisions     int
	L2P           *index.L2P
	P2L           *index.P2L
}

func (fs *FS) RevFileInfo(rev node.Revnum) (*RevFileInfo, error) {
	packed := fs.IsPacked(rev)
	path := fs.revFilePath(rev, packed)
	l2p, err := index.ReadL2P(path + ".l2p")
	if err != nil {
		return nil, err
	}
	p2l, err := index.ReadP2L(path + ".p2l")
	if err != nil {
		return nil, err
	}
	if l2p.FirstRevision != p2l.FirstRevision {
		return nil, errors.IndexInconsistent("l2p starts at r%d but p2l at r%d in %s",
			l2p.FirstRevision, p2l.FirstRevision, path)
	}
	return &RevFileInfo{
		Path:          path,
		Packed:        packed,
		FirstRevision: l2p.FirstRevision,
		Revisions:     l2p.Revisions(),
		L2P:           l2p,
		P2L:           p2l,
	}, nil
}

// readItem returns the raw bytes and type of an item.
func (fs *FS) readItem(id node.IDPart) ([]byte, index.ItemType, error) {
	if id.ChangeSet.IsTxn() {
		return fs.readTxnItem(id.ChangeSet.Txn(), id.Number)
	}
	rev := id.ChangeSet.Revision()
	f, err := fs.openRev(rev)
	if err != nil {
		return nil, 0, err
	}
	defer f.release()
	offset, err := f.l2p.Offset(rev, id.Number)
	if err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		return nil, 0, errors.Corrupt("item %d of r%d is not in use", id.Number, rev)
	}
	entry, ok := f.p2l.EntryAt(offset)
	if !ok {
		return nil, 0, errors.IndexInconsistent("no p2l entry for item %d of r%d at offset %d", id.Number, rev, offset)
	}
	data, err := f.read(entry)
	return data, entry.Type, err
}

func (fs *FS) readTxnItem(txn node.TxnID, item uint64) ([]byte, index.ItemType, error) {
	name, err := fs.txnName(txn)
	if err != nil {
		return nil, 0, err
	}
	l2p, err := index.ReadProtoL2P(fs.pathTxnFile(name, txnL2P))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, 0, err
	}
	offset := int64(-1)
	for _, e := range l2p {
		if e.Item == item {
			offset = e.Offset
		}
	}
	if offset < 0 {
		return nil, 0, errors.Corrupt("item %d not found in transaction '%s'", item, name)
	}

	p2l, err := index.ReadProtoP2L(fs.pathTxnFile(name, txnP2L))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, 0, err
	}
	for i := range p2l {
		if p2l[i].Offset != offset {
			continue
		}
		file, err := os.Open(fs.pathProtoRev(name))
		if err != nil {
			return nil, 0, err
		}
		defer file.Close()
		f := &revFile{path: file.Name(), file: file}
		data, err := f.read(&p2l[i])
		return data, p2l[i].Type, err
	}
	return nil, 0, errors.IndexInconsistent("no p2l entry for item %d of transaction '%s'", item, name)
}

func (fs *FS) getNodeRev(id node.IDPart) (*node.NodeRev, error) {
	if id.ChangeSet.IsTxn() {
		name, err := fs.txnName(id.ChangeSet.Txn())
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(fs.pathTxnFile(name, txnNodeFile(id)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Corrupt("missing node revision %s", id)
			}
			return nil, err
		}
		var nr node.NodeRev
		if err := json.Unmarshal(data, &nr); err != nil {
			return nil, errors.Wrap(errors.ErrorTypeCorrupt, err, "malformed node revision %s", id)
		}
		return &nr, nil
	}

	if nr, ok := fs.nodeCache.Get(id); ok {
		return nr.Clone(), nil
	}
	data, typ, err := fs.readItem(id)
	if err != nil {
		return nil, err
	}
	if typ != index.TypeNodeRev {
		return nil, errors.Corrupt("item %s is a %s, not a node revision", id, typ)
	}
	var nr node.NodeRev
	if err := json.Unmarshal(data, &nr); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeCorrupt, err, "malformed node revision %s", id)
	}
	if nr.ID != id {
		return nil, errors.Corrupt("node revision %s found where %s was expected", nr.ID, id)
	}
	fs.nodeCache.Add(id, &nr)
	return nr.Clone(), nil
}

func (fs *FS) putNodeRev(txnName string, nr *node.NodeRev) error {
	if !nr.Mutable() {
		return errors.Corrupt("attempted to write immutable node revision %s", nr.ID)
	}
	data, err := json.Marshal(nr)
	if err != nil {
		return fmt.Errorf("encoding node revision: %w", err)
	}
	return os.WriteFile(fs.pathTxnFile(txnName, txnNodeFile(nr.ID)), data, 0644)
}

type repKind int

const (
	repPlain repKind = iota
	repSelfDelta
	repDelta
)

type repHeader struct {
	kind    repKind
	base    node.IDPart
	baseLen int64
}

func (h repHeader) String() string {
	switch h.kind {
	case repPlain:
		return "PLAIN\n"
	case repSelfDelta:
		return "DELTA\n"
	}
	return fmt.Sprintf("DELTA %d %d %d\n", h.base.ChangeSet.Revision(), h.base.Number, h.baseLen)
}

func parseRepHeader(line string) (repHeader, error) {
	switch line {
	case "PLAIN":
		return repHeader{kind: repPlain}, nil
	case "DELTA":
		return repHeader{kind: repSelfDelta}, nil
	}
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "DELTA" {
		return repHeader{}, errors.Corrupt("malformed representation header '%s'", line)
	}
	rev, err1 := strconv.ParseInt(fields[1], 10, 64)
	item, err2 := strconv.ParseUint(fields[2], 10, 64)
	size, err3 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || rev < 0 {
		return repHeader{}, errors.Corrupt("malformed representation header '%s'", line)
	}
	return repHeader{
		kind:    repDelta,
		base:    node.IDPart{ChangeSet: node.ByRevision(node.Revnum(rev)), Number: item},
		baseLen: size,
	}, nil
}

const repTrailer = "ENDREP\n"

// splitRep separates a stored rep item into header and payload.
func splitRep(id node.IDPart, item []byte) (repHeader, []byte, error) {
	nl := bytes.IndexByte(item, '\n')
	if nl < 0 || !bytes.HasSuffix(item, []byte(repTrailer)) || nl+1 > len(item)-len(repTrailer) {
		return repHeader{}, nil, errors.Corrupt("malformed representation %s", id)
	}
	h, err := parseRepHeader(string(item[:nl]))
	if err != nil {
		return repHeader{}, nil, err
	}
	return h, item[nl+1 : len(item)-len(repTrailer)], nil
}

func (fs *FS) readRepHeader(id node.IDPart) (repHeader, []byte, error) {
	item, typ, err := fs.readItem(id)
	if err != nil {
		return repHeader{}, nil, err
	}
	switch typ {
	case index.TypeFileRep, index.TypeDirRep, index.TypeFileProps, index.TypeDirProps:
	default:
		return repHeader{}, nil, errors.Corrupt("item %s is a %s, not a representation", id, typ)
	}
	return splitRep(id, item)
}

// expandRep reconstructs the plain text stored at id.
func (fs *FS) expandRep(id node.IDPart) ([]byte, error) {
	var chain [][]byte
	var kinds []repKind
	for cur := id; ; {
		if len(chain) > maxRepChain {
			return nil, errors.Corrupt("delta chain of %s does not terminate", id)
		}
		h, data, err := fs.readRepHeader(cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, data)
		kinds = append(kinds, h.kind)
		if h.kind != repDelta {
			break
		}
		cur = h.base
	}

	// Apply from the oldest base forward.
	var text []byte
	for i := len(chain) - 1; i >= 0; i-- {
		var err error
		switch kinds[i] {
		case repPlain:
			text = chain[i]
		case repSelfDelta:
			text, err = fs.codec.Apply(nil, chain[i])
		case repDelta:
			text, err = fs.codec.Apply(text, chain[i])
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrorTypeCorrupt, err, "reconstructing representation %s", id)
		}
	}
	return text, nil
}

// readRep returns the verified contents of rep.
func (fs *FS) readRep(rep *node.Rep) ([]byte, error) {
	text, err := fs.expandRep(rep.ID)
	if err != nil {
		return nil, err
	}
	if int64(len(text)) != rep.ExpandedSize {
		return nil, errors.Corrupt("representation %s expands to %d bytes, expected %d",
			rep.ID, len(text), rep.ExpandedSize)
	}
	for _, want := range []*checksum.Digest{rep.MD5, rep.SHA1} {
		if want == nil {
			continue
		}
		got, err := checksum.Sum(want.Kind, text)
		if err != nil {
			return nil, err
		}
		if !checksum.Match(want, got) {
			return nil, checksum.Mismatch(want, got, "representation %s", rep.ID)
		}
	}
	return text, nil
}

// ReadRepresentation returns the verified contents of rep.
func (fs *FS) ReadRepresentation(rep *node.Rep) ([]byte, error) {
	return fs.readRep(rep)
}

// repChainLength counts the reps along the delta chain starting at rep.
func (fs *FS) repChainLength(rep *node.Rep) (int, error) {
	length := 0
	for cur := rep.ID; ; {
		length++
		if length > maxRepChain {
			return 0, errors.Corrupt("delta chain of %s does not terminate", rep.ID)
		}
		h, _, err := fs.readRepHeader(cur)
		if err != nil {
			return 0, err
		}
		if h.kind != repDelta {
			return length, nil
		}
		cur = h.base
	}
}

// checkRep verifies that rep can be located.
func (fs *FS) checkRep(rep *node.Rep) error {
	_, _, err := fs.readRepHeader(rep.ID)
	return err
}

func mutableContainer(rep *node.Rep) bool {
	return rep != nil && rep.ID.ChangeSet.IsTxn() && rep.ID.Number == node.ItemUnused
}

// readDirMap returns the entries of a directory noderev.
func (fs *FS) readDirMap(nr *node.NodeRev) (map[string]node.DirEntry, error) {
	if nr.Kind != node.KindDir {
		return nil, errors.ValidationError(fmt.Sprintf("'%s' is not a directory", nr.CreatedPath), nil)
	}

	var raw map[string]string
	switch {
	case nr.DataRep == nil:
		raw = map[string]string{}
	case mutableContainer(nr.DataRep):
		name, err := fs.txnName(nr.ID.ChangeSet.Txn())
		if err != nil {
			return nil, err
		}
		file, err := os.Open(fs.pathTxnFile(name, txnNodeFile(nr.ID)+".children"))
		if err != nil {
			return nil, err
		}
		defer file.Close()
		if raw, err = hashdump.Read(file); err != nil {
			return nil, err
		}
	default:
		text, err := fs.readRep(nr.DataRep)
		if err != nil {
			return nil, err
		}
		if raw, err = hashdump.Decode(text); err != nil {
			return nil, err
		}
	}

	entries := make(map[string]node.DirEntry, len(raw))
	for name, value := range raw {
		e, err := node.DecodeDirEntry(name, value)
		if err != nil {
			return nil, err
		}
		entries[name] = e
	}
	return entries, nil
}

func sortedEntries(m map[string]node.DirEntry) []node.DirEntry {
	entries := make([]node.DirEntry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func encodeDir(entries map[string]node.DirEntry) map[string]string {
	raw := make(map[string]string, len(entries))
	for name, e := range entries {
		raw[name] = e.EncodeValue()
	}
	return raw
}

func (fs *FS) readProps(nr *node.NodeRev) (map[string]string, error) {
	switch {
	case nr.PropRep == nil:
		return map[string]string{}, nil
	case mutableContainer(nr.PropRep):
		name, err := fs.txnName(nr.ID.ChangeSet.Txn())
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(fs.pathTxnFile(name, txnNodeFile(nr.ID)+".props"))
		if err != nil {
			return nil, err
		}
		return hashdump.Decode(data)
	}
	text, err := fs.readRep(nr.PropRep)
	if err != nil {
		return nil, err
	}
	return hashdump.Decode(text)
}

func (fs *FS) readFile(nr *node.NodeRev) ([]byte, error) {
	if nr.Kind != node.KindFile {
		return nil, errors.ValidationError(fmt.Sprintf("'%s' is not a file", nr.CreatedPath), nil)
	}
	if nr.DataRep == nil {
		return []byte{}, nil
	}
	return fs.readRep(nr.DataRep)
}

// lookup walks path down from the directory root.
func (fs *FS) lookup(root node.IDPart, path string) (*node.NodeRev, error) {
	nr, err := fs.getNodeRev(root)
	if err != nil {
		return nil, err
	}
	path = node.Canonicalize(path)
	for _, name := range node.Components(path) {
		if nr.Kind != node.KindDir {
			return nil, errors.NotFound(fmt.Sprintf("path '%s' not found", path))
		}
		entries, err := fs.readDirMap(nr)
		if err != nil {
			return nil, err
		}
		e, ok := entries[name]
		if !ok {
			return nil, errors.NotFound(fmt.Sprintf("path '%s' not found", path))
		}
		if nr, err = fs.getNodeRev(e.ID); err != nil {
			return nil, err
		}
	}
	return nr, nil
}

// Root is a read-only view of one revision.
type Root struct {
	fs  *FS
	rev node.Revnum
}

func (fs *FS) Root(rev node.Revnum) (*Root, error) {
	if err := fs.ensureRevisionExists(rev); err != nil {
		return nil, err
	}
	return &Root{fs: fs, rev: rev}, nil
}

func (r *Root) Revision() node.Revnum { return r.rev }

func (r *Root) rootID() node.IDPart {
	return node.IDPart{ChangeSet: node.ByRevision(r.rev), Number: node.ItemRootNode}
}

func (r *Root) Node(path string) (*node.NodeRev, error) {
	return r.fs.lookup(r.rootID(), path)
}

func (r *Root) ReadFile(path string) ([]byte, error) {
	nr, err := r.Node(path)
	if err != nil {
		return nil, err
	}
	return r.fs.readFile(nr)
}

func (r *Root) ListDir(path string) ([]node.DirEntry, error) {
	nr, err := r.Node(path)
	if err != nil {
		return nil, err
	}
	entries, err := r.fs.readDirMap(nr)
	if err != nil {
		return nil, err
	}
	return sortedEntries(entries), nil
}

func (r *Root) NodeProps(path string) (map[string]string, error) {
	nr, err := r.Node(path)
	if err != nil {
		return nil, err
	}
	return r.fs.readProps(nr)
}

func (r *Root) Changes() ([]*change.Change, error) {
	return r.fs.RevisionChanges(r.rev)
}

// RevisionChanges reads the changed-paths list of rev.
func (fs *FS) RevisionChanges(rev node.Revnum) ([]*change.Change, error) {
	data, typ, err := fs.readItem(node.IDPart{ChangeSet: node.ByRevision(rev), Number: node.ItemChanges})
	if err != nil {
		return nil, err
	}
	if typ != index.TypeChanges {
		return nil, errors.Corrupt("changes item of r%d has type %s", rev, typ)
	}
	return change.ReadList(bytes.NewReader(data))
}
