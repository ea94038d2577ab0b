package fs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"revfs/internal/change"
	"revfs/internal/checksum"
	"revfs/internal/hashdump"
	"revfs/internal/index"
	"revfs/internal/node"
)

// itemWriter appends items to a revision or proto-rev file, tracking the
// current offset and the FNV-1a checksum of the item being written.
type itemWriter struct {
	w      io.Writer
	offset int64
	start  int64
	fnv    *checksum.Context
}

func newItemWriter(w io.Writer, offset int64) *itemWriter {
	fnv, _ := checksum.NewContext(checksum.FNV1a32x4)
	return &itemWriter{w: w, offset: offset, start: offset, fnv: fnv}
}

func (iw *itemWriter) Write(p []byte) (int, error) {
	n, err := iw.w.Write(p)
	iw.offset += int64(n)
	iw.fnv.Write(p[:n])
	return n, err
}

// begin starts a new item at the current offset.
func (iw *itemWriter) begin() {
	iw.start = iw.offset
	iw.fnv.Reset()
}

// entry describes the item written since begin.
func (iw *itemWriter) entry(typ index.ItemType, items ...index.Item) index.P2LEntry {
	return index.P2LEntry{
		Offset: iw.start,
		Size:   iw.offset - iw.start,
		Type:   typ,
		FNV1:   iw.fnv.Sum().Uint32(),
		Items:  items,
	}
}

// writeRepItem writes a complete representation item.
func (iw *itemWriter) writeRepItem(h repHeader, payload []byte) error {
	if _, err := io.WriteString(iw, h.String()); err != nil {
		return err
	}
	if _, err := iw.Write(payload); err != nil {
		return err
	}
	_, err := io.WriteString(iw, repTrailer)
	return err
}

func (iw *itemWriter) writeNodeRev(nr *node.NodeRev) error {
	data, err := json.Marshal(nr)
	if err != nil {
		return fmt.Errorf("encoding node revision %s: %w", nr.ID, err)
	}
	_, err = iw.Write(append(data, '\n'))
	return err
}

// writeRevisionZero writes the initial revision: an empty root directory
// and no changes.
func (fs *FS) writeRevisionZero() error {
	var (
		buf bytes.Buffer
		l2p []index.L2PEntry
		p2l []index.P2LEntry
	)
	w := newItemWriter(&buf, 0)
	r0 := node.ByRevision(0)

	dirText := hashdump.Encode(nil)
	md5, _ := checksum.Sum(checksum.MD5, dirText)
	dirRep := &node.Rep{
		ID:           node.IDPart{ChangeSet: r0, Number: node.ItemFirstUser},
		Size:         int64(len(dirText)),
		ExpandedSize: int64(len(dirText)),
		MD5:          md5,
	}
	w.begin()
	if err := w.writeRepItem(repHeader{kind: repPlain}, dirText); err != nil {
		return err
	}
	l2p = append(l2p, index.L2PEntry{Offset: w.start, Item: node.ItemFirstUser})
	p2l = append(p2l, w.entry(index.TypeDirRep, index.Item{ChangeSet: r0, Number: node.ItemFirstUser}))

	root := &node.NodeRev{
		ID:           node.IDPart{ChangeSet: r0, Number: node.ItemRootNode},
		NodeID:       node.IDPart{ChangeSet: r0},
		CopyID:       node.IDPart{ChangeSet: r0},
		Kind:         node.KindDir,
		DataRep:      dirRep,
		CreatedPath:  "/",
		CopyFromRev:  node.InvalidRev,
		CopyRootPath: "/",
		CopyRootRev:  0,
	}
	w.begin()
	if err := w.writeNodeRev(root); err != nil {
		return err
	}
	l2p = append(l2p, index.L2PEntry{Offset: w.start, Item: node.ItemRootNode})
	p2l = append(p2l, w.entry(index.TypeNodeRev, index.Item{ChangeSet: r0, Number: node.ItemRootNode}))

	w.begin()
	if err := change.WriteList(w, change.NewSet()); err != nil {
		return err
	}
	l2p = append(l2p, index.L2PEntry{Offset: w.start, Item: node.ItemChanges})
	p2l = append(p2l, w.entry(index.TypeChanges, index.Item{ChangeSet: r0, Number: node.ItemChanges}))

	path := fs.pathRev(0)
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	if err := index.WriteL2P(path+".l2p", index.BuildL2P(l2p, 0)); err != nil {
		return err
	}
	if err := index.WriteP2L(path+".p2l", index.BuildP2L(p2l, 0, w.offset, fs.cfg.IO.BlockSize)); err != nil {
		return err
	}

	props := hashdump.Encode(map[string]string{PropRevDate: revDate(time.Now())})
	return os.WriteFile(fs.pathRevprops(0), props, 0644)
}
