package fs

import (
	"context"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"revfs/internal/change"
	"revfs/internal/errors"
	"revfs/internal/hashdump"
	"revfs/internal/index"
	"revfs/internal/lock"
	"revfs/internal/node"
)

// committer turns a transaction into revision rev.
type committer struct {
	fs     *FS
	txn    *Txn
	rev    node.Revnum
	w      *itemWriter
	logger *zap.Logger

	repsHash    map[string]*node.Rep
	repsToCache []*node.Rep
}

// Commit publishes the transaction as the next revision. The transaction
// must be based on the youngest revision. On success the transaction is
// gone; on failure it is left in place.
func (t *Txn) Commit(ctx context.Context, access lock.Access) (node.Revnum, error) {
	fs := t.fs
	newRev := node.InvalidRev
	var toCache []*node.Rep

	err := fs.withWriteLock(ctx, func() error {
		youngest, err := fs.Youngest()
		if err != nil {
			return err
		}
		if t.base != youngest {
			return errors.TxnOutOfDate(int64(t.base), int64(youngest))
		}

		changes, err := t.Changes()
		if err != nil {
			return err
		}
		if err := fs.verifyLocks(changes, access); err != nil {
			return err
		}
		if err := fs.verifyMoves(t.base, youngest, changes); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return errors.Cancelled(err)
		}

		c := &committer{
			fs:       fs,
			txn:      t,
			rev:      youngest + 1,
			logger:   t.logger.ForRevision(int64(youngest + 1)).Logger,
			repsHash: make(map[string]*node.Rep),
		}
		if err := c.run(ctx, changes); err != nil {
			return err
		}
		newRev = c.rev
		toCache = c.repsToCache
		return nil
	})
	if err != nil {
		return node.InvalidRev, err
	}

	fs.cacheReps(toCache)
	fs.logger.Info("committed revision",
		zap.Int64("revision", int64(newRev)), zap.String("txn", t.name))
	return newRev, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (c *committer) run(ctx context.Context, changes *change.Set) error {
	t := c.txn
	guard, err := t.LockForWrite()
	if err != nil {
		return err
	}
	defer guard.Unlock()

	mark, err := t.mark(guard)
	if err != nil {
		return err
	}
	c.w = newItemWriter(guard.File(), mark.offset)

	published := false
	defer func() {
		if published {
			return
		}
		if err := c.rollback(guard, mark); err != nil {
			c.logger.Error("rolling back failed commit", zap.Error(err))
		}
	}()

	root, err := c.writeFinalRev(ctx)
	if err != nil {
		return err
	}
	if err := c.checkRootPredecessor(root); err != nil {
		return err
	}
	if err := c.writeFinalChanges(changes); err != nil {
		return err
	}
	if err := c.writeIndexes(guard); err != nil {
		return err
	}

	// Past this rename the revision exists on disk.
	final := c.fs.pathRev(c.rev)
	if err := os.Rename(c.fs.pathProtoRev(t.name), final); err != nil {
		return err
	}
	published = true
	if err := guard.Unlock(); err != nil {
		c.logger.Warn("releasing prototype revision", zap.Error(err))
	}

	return c.publish()
}

func (c *committer) rollback(guard *WriteGuard, mark protoMark) error {
	final := c.fs.pathRev(c.rev)
	os.Remove(final + ".l2p")
	os.Remove(final + ".p2l")
	return c.txn.rollback(guard, mark)
}

// frame is one directory level of the post-order walk over the mutable
// part of the transaction tree.
type frame struct {
	nr       *node.NodeRev
	name     string
	entries  map[string]node.DirEntry
	children []string
	next     int
}

func (c *committer) loadChildren(f *frame) error {
	entries, err := c.fs.readDirMap(f.nr)
	if err != nil {
		return err
	}
	f.entries = entries
	txnCS := node.ByTxn(c.txn.id)
	for _, e := range sortedEntries(entries) {
		if e.ID.ChangeSet == txnCS {
			f.children = append(f.children, e.Name)
		}
	}
	return nil
}

// writeFinalRev writes every mutable node, children before parents, and
// returns the new root.
func (c *committer) writeFinalRev(ctx context.Context) (*node.NodeRev, error) {
	root, err := c.fs.getNodeRev(node.TxnRoot(c.txn.id))
	if err != nil {
		return nil, err
	}
	stack := []*frame{{nr: root}}

	for {
		top := stack[len(stack)-1]
		if top.nr.Kind == node.KindDir && top.entries == nil {
			if err := c.loadChildren(top); err != nil {
				return nil, err
			}
		}
		if top.next < len(top.children) {
			name := top.children[top.next]
			top.next++
			child, err := c.fs.getNodeRev(top.entries[name].ID)
			if err != nil {
				return nil, err
			}
			stack = append(stack, &frame{nr: child, name: name})
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, errors.Cancelled(err)
		}
		if err := c.writeNode(top); err != nil {
			return nil, err
		}
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			return top.nr, nil
		}
		parent := stack[len(stack)-1]
		e := parent.entries[top.name]
		e.ID = top.nr.ID
		parent.entries[top.name] = e
	}
}

func (c *committer) toRev(id node.IDPart) node.IDPart {
	if id.ChangeSet.IsTxn() {
		id.ChangeSet = node.ByRevision(c.rev)
	}
	return id
}

func (c *committer) inRev(rep *node.Rep) bool {
	return rep != nil && rep.ID.ChangeSet == node.ByRevision(c.rev)
}

func (c *committer) writeNode(f *frame) error {
	nr := f.nr
	if nr.Kind == node.KindDir {
		if mutableContainer(nr.DataRep) {
			rep, err := c.writeContainerRep(nr, encodeDir(f.entries), index.TypeDirRep, nil)
			if err != nil {
				return err
			}
			nr.DataRep = rep
		}
	} else if nr.DataRep != nil {
		nr.DataRep.ID = c.toRev(nr.DataRep.ID)
	}

	if mutableContainer(nr.PropRep) {
		props, err := c.fs.readProps(nr)
		if err != nil {
			return err
		}
		typ := index.TypeFileProps
		if nr.Kind == node.KindDir {
			typ = index.TypeDirProps
		}
		rep, err := c.writeContainerRep(nr, props, typ, c.repsHash)
		if err != nil {
			return err
		}
		nr.PropRep = rep
	}

	if nr.Kind == node.KindFile && c.inRev(nr.DataRep) {
		c.repsToCache = append(c.repsToCache, nr.DataRep.Clone())
	}
	if c.inRev(nr.PropRep) && nr.PropRep.SHA1 != nil {
		rep := nr.PropRep.Clone()
		c.repsToCache = append(c.repsToCache, rep)
		c.repsHash[rep.SHA1.Hex()] = rep
	}

	nr.ID = c.toRev(nr.ID)
	nr.NodeID = c.toRev(nr.NodeID)
	nr.CopyID = c.toRev(nr.CopyID)
	if !nr.CopyRootRev.Valid() {
		nr.CopyRootRev = c.rev
	}
	if nr.Kind == node.KindDir && c.inRev(nr.DataRep) {
		nr.DataRep.SHA1 = nil
	}
	if c.inRev(nr.PropRep) {
		nr.PropRep.SHA1 = nil
	}

	c.w.begin()
	if err := c.w.writeNodeRev(nr); err != nil {
		return err
	}
	return c.appendIndex(nr.ID.Number, index.TypeNodeRev)
}

func (c *committer) appendIndex(item uint64, typ index.ItemType) error {
	if err := index.AppendL2P(c.txn.file(txnL2P), c.w.start, item); err != nil {
		return err
	}
	entry := c.w.entry(typ, index.Item{ChangeSet: node.ByRevision(c.rev), Number: item})
	return index.AppendP2L(c.txn.file(txnP2L), entry)
}

// writeContainerRep stores a directory listing or property list of nr.
func (c *committer) writeContainerRep(nr *node.NodeRev, contents map[string]string,
	typ index.ItemType, repsHash map[string]*node.Rep) (*node.Rep, error) {

	text := hashdump.Encode(contents)
	rep := newRep(node.IDPart{ChangeSet: node.ByRevision(c.rev)}, text)
	var err error
	// Directory listings are never shared.
	if typ != index.TypeDirRep {
		shared, err := c.fs.getSharedRep(rep, "", repsHash)
		if err != nil {
			return nil, err
		}
		if shared != nil {
			return shared, nil
		}
	}

	if rep.ID.Number, err = c.txn.allocateItemIndex(); err != nil {
		return nil, err
	}

	d := c.fs.cfg.Deltification
	deltify := d.EnablePropsDeltification
	if typ == index.TypeDirRep {
		deltify = d.EnableDirDeltification
	}

	c.w.begin()
	if deltify {
		h, base, err := c.fs.deltaBaseText(nr, typ != index.TypeDirRep)
		if err != nil {
			return nil, err
		}
		if rep.Size, err = c.fs.writeDeltaItem(c.w, h, base, text); err != nil {
			return nil, err
		}
	} else {
		if err := c.w.writeRepItem(repHeader{kind: repPlain}, text); err != nil {
			return nil, err
		}
		rep.Size = int64(len(text))
	}
	return rep, c.appendIndex(rep.ID.Number, typ)
}

func (c *committer) checkRootPredecessor(root *node.NodeRev) error {
	head, err := c.fs.getNodeRev(node.IDPart{ChangeSet: node.ByRevision(c.rev - 1), Number: node.ItemRootNode})
	if err != nil {
		return err
	}
	if root.PredecessorCount-head.PredecessorCount != 1 {
		return errors.CorruptPredecessorCount(int64(c.rev), root.PredecessorCount, head.PredecessorCount)
	}
	return nil
}

// writeFinalChanges writes the changed-paths list with every id resolved
// to the new revision. Moves are always relative to the previous
// revision.
func (c *committer) writeFinalChanges(changes *change.Set) error {
	final := change.NewSet()
	var err error
	changes.Ascend(func(ch *change.Change) bool {
		ch = ch.Clone()
		if ch.Kind.IsMove() {
			ch.CopyFromRev = c.rev - 1
		}
		if ch.NodeRevID != nil {
			id := c.toRev(*ch.NodeRevID)
			ch.NodeRevID = &id
		}
		err = final.Fold(ch)
		return err == nil
	})
	if err != nil {
		return err
	}

	c.w.begin()
	if err := change.WriteList(c.w, final); err != nil {
		return err
	}
	return c.appendIndex(node.ItemChanges, index.TypeChanges)
}

func (c *committer) writeIndexes(guard *WriteGuard) error {
	if err := guard.File().Sync(); err != nil {
		return err
	}
	fs := c.fs
	if int64(c.rev)%fs.maxFilesPerDir == 0 {
		for _, dir := range []string{fs.pathRevShard(fs.shard(c.rev)), fs.pathRevpropsShard(fs.shard(c.rev))} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
	}

	l2p, err := index.ReadProtoL2P(c.txn.file(txnL2P))
	if err != nil {
		return err
	}
	p2l, err := index.ReadProtoP2L(c.txn.file(txnP2L))
	if err != nil {
		return err
	}
	final := fs.pathRev(c.rev)
	if err := index.WriteL2P(final+".l2p", index.BuildL2P(l2p, c.rev)); err != nil {
		return err
	}
	return index.WriteP2L(final+".p2l", index.BuildP2L(p2l, c.rev, c.w.offset, fs.cfg.IO.BlockSize))
}

// publish writes the revision properties, bumps current and removes the
// transaction.
func (c *committer) publish() error {
	t := c.txn
	props, err := t.Props()
	if err != nil {
		return err
	}
	clientDate := props[PropClientDate]
	delete(props, PropCheckOOD)
	delete(props, PropCheckLocks)
	delete(props, PropClientDate)
	if clientDate != "1" {
		props[PropRevDate] = revDate(time.Now())
	}

	propsFinal := t.file(txnPropsFinal)
	if err := writeFileAtomic(propsFinal, hashdump.Encode(props)); err != nil {
		return err
	}
	if err := os.Rename(propsFinal, c.fs.pathRevprops(c.rev)); err != nil {
		return err
	}

	current := strconv.FormatInt(int64(c.rev), 10) + "\n"
	if err := writeFileAtomic(c.fs.join(fileCurrent), []byte(current)); err != nil {
		return err
	}

	if err := c.fs.PurgeTxn(t.name); err != nil {
		c.logger.Warn("removing committed transaction", zap.Error(err))
	}
	return nil
}

// cacheReps records the new reps in the rep cache. The revision is
// already published, so failures only cost future sharing.
func (fs *FS) cacheReps(reps []*node.Rep) {
	if len(reps) == 0 || !fs.cfg.RepSharing.Enabled {
		return
	}
	cache, err := fs.RepCache()
	if err == nil {
		err = cache.SetBatch(reps)
	}
	if err != nil {
		fs.logger.Warn("updating rep cache", zap.Int("reps", len(reps)), zap.Error(err))
	}
}
