package fs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"revfs/internal/checksum"
	"revfs/internal/delta"
	"revfs/internal/errors"
	"revfs/internal/index"
	"revfs/internal/node"
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// newRep returns a rep for data with both content digests filled in.
func newRep(id node.IDPart, data []byte) *node.Rep {
	md5, _ := checksum.Sum(checksum.MD5, data)
	sha1, _ := checksum.Sum(checksum.SHA1, data)
	return &node.Rep{ID: id, ExpandedSize: int64(len(data)), MD5: md5, SHA1: sha1}
}

// getSharedRep looks for an existing representation with the same
// contents as rep: first among the reps written by the current commit,
// then in the rep cache, then among the reps of the same transaction.
func (fs *FS) getSharedRep(rep *node.Rep, txnName string, repsHash map[string]*node.Rep) (*node.Rep, error) {
	if !fs.cfg.RepSharing.Enabled || rep.SHA1 == nil {
		return nil, nil
	}
	key := rep.SHA1.Hex()

	found := repsHash[key]
	if found == nil {
		var err error
		if found, err = fs.lookupRepCache(rep.SHA1); err != nil {
			return nil, err
		}
	}
	if found == nil && txnName != "" && rep.ID.ChangeSet.IsTxn() {
		var err error
		if found, err = fs.readTxnSHA1Rep(txnName, key); err != nil {
			return nil, err
		}
	}
	if found == nil {
		return nil, nil
	}

	if found.ExpandedSize != rep.ExpandedSize {
		fs.logger.Warn("rep sharing candidate has a different size; not sharing",
			zap.String("sha1", key),
			zap.Stringer("candidate", found.ID),
			zap.Int64("candidate_size", found.ExpandedSize),
			zap.Int64("size", rep.ExpandedSize))
		return nil, nil
	}

	shared := found.Clone()
	shared.MD5 = rep.MD5
	shared.SHA1 = rep.SHA1
	return shared, nil
}

func (fs *FS) lookupRepCache(sha1 *checksum.Digest) (*node.Rep, error) {
	cache, err := fs.RepCache()
	if err != nil {
		fs.logger.Warn("rep cache unavailable", zap.Error(err))
		return nil, nil
	}
	youngest, err := fs.Youngest()
	if err != nil {
		return nil, err
	}

	found, err := cache.Get(sha1, youngest)
	if err != nil {
		if errors.IsCorruption(err) {
			return nil, err
		}
		fs.logger.Warn("rep cache lookup failed", zap.String("sha1", sha1.Hex()), zap.Error(err))
		return nil, nil
	}
	if found == nil {
		return nil, nil
	}
	if err := fs.checkRep(found); err != nil {
		return nil, fmt.Errorf("rep cache entry for %s: %w", sha1.Hex(), err)
	}
	return found, nil
}

func (fs *FS) readTxnSHA1Rep(txnName, sha1 string) (*node.Rep, error) {
	data, err := os.ReadFile(fs.pathTxnFile(txnName, sha1))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rep node.Rep
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeCorrupt, err, "malformed rep reference '%s' in transaction '%s'", sha1, txnName)
	}
	return &rep, nil
}

func (t *Txn) storeSHA1Rep(rep *node.Rep) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return os.WriteFile(t.file(rep.SHA1.Hex()), data, 0644)
}

// deltaBaseText loads the text to deltify against, or nil for a
// self-delta.
func (fs *FS) deltaBaseText(nr *node.NodeRev, props bool) (repHeader, []byte, error) {
	self := repHeader{kind: repSelfDelta}
	base, err := fs.chooseDeltaBase(nr, props)
	if err != nil || base == nil {
		return self, nil, err
	}
	text, err := fs.readRep(base)
	if err != nil {
		return self, nil, err
	}
	if !delta.UsableBase(text) {
		return self, nil, nil
	}
	return repHeader{kind: repDelta, base: base.ID, baseLen: base.Size}, text, nil
}

// writeDeltaItem writes header, the encoded data and the trailer, and
// returns the size of the encoded payload.
func (fs *FS) writeDeltaItem(w *itemWriter, h repHeader, base, data []byte) (int64, error) {
	if _, err := io.WriteString(w, h.String()); err != nil {
		return 0, err
	}
	payload := &countingWriter{w: w}
	enc, err := fs.codec.NewEncoder(payload, base)
	if err != nil {
		return 0, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(w, repTrailer); err != nil {
		return 0, err
	}
	return payload.n, nil
}

// protoMark is the end of the proto-rev file and of both proto indexes
// at some point during a write.
type protoMark struct {
	offset int64
	l2p    int64
	p2l    int64
}

func (t *Txn) mark(guard *WriteGuard) (protoMark, error) {
	var m protoMark
	var err error
	if m.offset, err = guard.Offset(); err != nil {
		return m, err
	}
	if m.l2p, err = fileSize(t.file(txnL2P)); err != nil {
		return m, err
	}
	if m.p2l, err = fileSize(t.file(txnP2L)); err != nil {
		return m, err
	}
	return m, nil
}

// rollback truncates the proto-rev file and proto indexes back to m.
func (t *Txn) rollback(guard *WriteGuard, m protoMark) error {
	errs := []error{guard.Truncate(m.offset)}
	for _, f := range []struct {
		name string
		size int64
	}{{txnL2P, m.l2p}, {txnP2L, m.p2l}} {
		if err := os.Truncate(t.file(f.name), f.size); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeFileRep stores data as a new file representation in the
// transaction's proto-rev file, or returns an existing rep with the same
// contents.
func (t *Txn) writeFileRep(nr *node.NodeRev, data []byte) (*node.Rep, error) {
	fs := t.fs
	rep := newRep(node.IDPart{ChangeSet: node.ByTxn(t.id)}, data)

	guard, err := t.LockForWrite()
	if err != nil {
		return nil, err
	}
	defer guard.Unlock()

	shared, err := fs.getSharedRep(rep, t.name, nil)
	if err != nil {
		return nil, err
	}
	if shared != nil {
		t.logger.Debug("sharing representation",
			zap.String("path", nr.CreatedPath), zap.Stringer("rep", shared.ID))
		return shared, nil
	}

	h, base, err := fs.deltaBaseText(nr, false)
	if err != nil {
		return nil, err
	}
	item, err := t.allocateItemIndex()
	if err != nil {
		return nil, err
	}
	rep.ID.Number = item

	mark, err := t.mark(guard)
	if err != nil {
		return nil, err
	}
	w := newItemWriter(guard.File(), mark.offset)
	w.begin()
	size, err := fs.writeDeltaItem(w, h, base, data)
	if err == nil {
		err = index.AppendL2P(t.file(txnL2P), w.start, item)
	}
	if err == nil {
		err = index.AppendP2L(t.file(txnP2L), w.entry(index.TypeFileRep, index.Item{ChangeSet: rep.ID.ChangeSet, Number: item}))
	}
	if err != nil {
		if terr := t.rollback(guard, mark); terr != nil {
			t.logger.Error("rolling back prototype revision", zap.Error(terr))
		}
		return nil, fmt.Errorf("writing representation of '%s': %w", nr.CreatedPath, err)
	}
	rep.Size = size

	if err := t.storeSHA1Rep(rep); err != nil {
		return nil, err
	}
	return rep, nil
}
