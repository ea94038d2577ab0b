package fs

import (
	"fmt"
	"os"

	"revfs/internal/change"
	"revfs/internal/errors"
	"revfs/internal/hashdump"
	"revfs/internal/node"
)

// parentPath is one step of a path walked down from the txn root.
type parentPath struct {
	nr     *node.NodeRev
	name   string
	path   string
	parent *parentPath
}

func (t *Txn) openPath(path string) (*parentPath, error) {
	path = node.Canonicalize(path)
	root, err := t.fs.getNodeRev(node.TxnRoot(t.id))
	if err != nil {
		return nil, err
	}
	pp := &parentPath{nr: root, path: "/"}
	for _, name := range node.Components(path) {
		if pp.nr.Kind != node.KindDir {
			return nil, errors.NotFound(fmt.Sprintf("path '%s' not found in transaction '%s'", path, t.name))
		}
		entries, err := t.fs.readDirMap(pp.nr)
		if err != nil {
			return nil, err
		}
		e, ok := entries[name]
		if !ok {
			return nil, errors.NotFound(fmt.Sprintf("path '%s' not found in transaction '%s'", path, t.name))
		}
		nr, err := t.fs.getNodeRev(e.ID)
		if err != nil {
			return nil, err
		}
		pp = &parentPath{nr: nr, name: name, path: node.Join(pp.path, name), parent: pp}
	}
	return pp, nil
}

// openParent opens the directory that is to contain path and reports
// whether path already exists.
func (t *Txn) openParent(path string) (*parentPath, string, bool, error) {
	path = node.Canonicalize(path)
	if path == "/" {
		return nil, "", false, errors.ValidationError("the root directory cannot be replaced", nil)
	}
	parent, err := t.openPath(node.Parent(path))
	if err != nil {
		return nil, "", false, err
	}
	if parent.nr.Kind != node.KindDir {
		return nil, "", false, errors.ValidationError(fmt.Sprintf("'%s' is not a directory", parent.path), nil)
	}
	entries, err := t.fs.readDirMap(parent.nr)
	if err != nil {
		return nil, "", false, err
	}
	name := node.Basename(path)
	_, exists := entries[name]
	return parent, name, exists, nil
}

// makeMutable clones pp and every immutable ancestor into the
// transaction.
func (t *Txn) makeMutable(pp *parentPath) error {
	if pp.nr.Mutable() {
		return nil
	}
	if pp.parent == nil {
		return errors.Corrupt("root of transaction '%s' is not mutable", t.name)
	}
	if err := t.makeMutable(pp.parent); err != nil {
		return err
	}

	parent := pp.parent.nr
	clone := pp.nr.Clone()
	pred := pp.nr.ID
	clone.Predecessor = &pred
	clone.PredecessorCount++
	clone.CopyFromPath = ""
	clone.CopyFromRev = node.InvalidRev

	switch {
	case clone.CopyID == parent.CopyID, isRootCopy(clone.CopyID):
		clone.CopyID = parent.CopyID
	case clone.CreatedPath == pp.path:
		// still on its own branch
	default:
		// Reached through a copied parent: the node joins a new branch.
		copyID, err := t.newCopyID()
		if err != nil {
			return err
		}
		clone.CopyID = copyID
	}
	if clone.CreatedPath != pp.path {
		clone.CopyRootPath = parent.CopyRootPath
		clone.CopyRootRev = parent.CopyRootRev
	}
	clone.CreatedPath = pp.path

	item, err := t.allocateItemIndex()
	if err != nil {
		return err
	}
	clone.ID = node.IDPart{ChangeSet: node.ByTxn(t.id), Number: item}
	if err := t.fs.putNodeRev(t.name, clone); err != nil {
		return err
	}
	if err := t.setEntry(parent, pp.name, &node.DirEntry{Name: pp.name, Kind: clone.Kind, ID: clone.ID}); err != nil {
		return err
	}
	pp.nr = clone
	return nil
}

func isRootCopy(id node.IDPart) bool {
	return id.ChangeSet == node.ByRevision(0) && id.Number == 0
}

// setEntry adds, replaces or (with a nil entry) removes one entry of a
// mutable directory. The first edit turns the directory's listing into
// an append-only children file.
func (t *Txn) setEntry(dir *node.NodeRev, name string, entry *node.DirEntry) error {
	path := t.file(txnNodeFile(dir.ID) + ".children")

	if !mutableContainer(dir.DataRep) {
		entries, err := t.fs.readDirMap(dir)
		if err != nil {
			return err
		}
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		for _, e := range sortedEntries(entries) {
			if err := hashdump.WriteEntry(file, e.Name, e.EncodeValue()); err != nil {
				file.Close()
				return err
			}
		}
		if err := file.Close(); err != nil {
			return err
		}
		dir.DataRep = &node.Rep{ID: node.IDPart{ChangeSet: node.ByTxn(t.id), Number: node.ItemUnused}}
		if err := t.fs.putNodeRev(t.name, dir); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if entry == nil {
		err = hashdump.WriteDelete(file, name)
	} else {
		err = hashdump.WriteEntry(file, name, entry.EncodeValue())
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *Txn) setProps(nr *node.NodeRev, props map[string]string) error {
	if err := os.WriteFile(t.file(txnNodeFile(nr.ID)+".props"), hashdump.Encode(props), 0644); err != nil {
		return err
	}
	if !mutableContainer(nr.PropRep) {
		nr.PropRep = &node.Rep{ID: node.IDPart{ChangeSet: node.ByTxn(t.id), Number: node.ItemUnused}}
		return t.fs.putNodeRev(t.name, nr)
	}
	return nil
}

func (t *Txn) makeNode(path string, kind node.Kind) error {
	parent, name, exists, err := t.openParent(path)
	if err != nil {
		return err
	}
	if exists {
		return errors.ValidationError(fmt.Sprintf("path '%s' already exists", node.Canonicalize(path)), nil)
	}
	if err := t.makeMutable(parent); err != nil {
		return err
	}

	nodeID, err := t.newNodeID()
	if err != nil {
		return err
	}
	item, err := t.allocateItemIndex()
	if err != nil {
		return err
	}
	nr := &node.NodeRev{
		ID:           node.IDPart{ChangeSet: node.ByTxn(t.id), Number: item},
		NodeID:       nodeID,
		CopyID:       parent.nr.CopyID,
		Kind:         kind,
		CreatedPath:  node.Join(parent.path, name),
		CopyFromRev:  node.InvalidRev,
		CopyRootPath: parent.nr.CopyRootPath,
		CopyRootRev:  parent.nr.CopyRootRev,
	}
	if err := t.fs.putNodeRev(t.name, nr); err != nil {
		return err
	}
	if err := t.setEntry(parent.nr, name, &node.DirEntry{Name: name, Kind: kind, ID: nr.ID}); err != nil {
		return err
	}
	return t.AddChange(nr.CreatedPath, &nr.ID, change.Add, kind, false, false, node.InvalidRev, "")
}

// MakeDir creates an empty directory.
func (t *Txn) MakeDir(path string) error {
	return t.makeNode(path, node.KindDir)
}

// MakeFile creates an empty file.
func (t *Txn) MakeFile(path string) error {
	return t.makeNode(path, node.KindFile)
}

// WriteFile replaces the contents of an existing file.
func (t *Txn) WriteFile(path string, data []byte) error {
	pp, err := t.openPath(path)
	if err != nil {
		return err
	}
	if pp.nr.Kind != node.KindFile {
		return errors.ValidationError(fmt.Sprintf("'%s' is not a file", pp.path), nil)
	}
	if err := t.makeMutable(pp); err != nil {
		return err
	}

	rep, err := t.writeFileRep(pp.nr, data)
	if err != nil {
		return err
	}
	pp.nr.DataRep = rep
	if err := t.fs.putNodeRev(t.name, pp.nr); err != nil {
		return err
	}
	return t.AddChange(pp.path, &pp.nr.ID, change.Modify, node.KindFile, true, false, node.InvalidRev, "")
}

// Delete removes path and everything below it.
func (t *Txn) Delete(path string) error {
	pp, err := t.openPath(path)
	if err != nil {
		return err
	}
	if pp.parent == nil {
		return errors.ValidationError("the root directory cannot be deleted", nil)
	}
	if err := t.makeMutable(pp.parent); err != nil {
		return err
	}
	if err := t.setEntry(pp.parent.nr, pp.name, nil); err != nil {
		return err
	}
	return t.AddChange(pp.path, &pp.nr.ID, change.Delete, pp.nr.Kind, false, false, node.InvalidRev, "")
}

// Copy copies fromPath as of revision fromRev to to, replacing anything
// already at to.
func (t *Txn) Copy(fromRev node.Revnum, fromPath, to string) error {
	return t.copy(fromRev, fromPath, to, change.Add, change.Replace)
}

// Move moves from to to. The source is taken from the transaction's base
// revision and is deleted from the transaction.
func (t *Txn) Move(from, to string) error {
	from = node.Canonicalize(from)
	to = node.Canonicalize(to)
	if node.IsAncestor(from, to) || node.IsAncestor(to, from) {
		return errors.ValidationError(fmt.Sprintf("cannot move '%s' to '%s'", from, to), nil)
	}
	if _, err := t.openPath(from); err != nil {
		return err
	}
	if err := t.copy(t.base, from, to, change.Move, change.MoveReplace); err != nil {
		return err
	}
	return t.Delete(from)
}

func (t *Txn) copy(fromRev node.Revnum, fromPath, to string, add, replace change.Kind) error {
	root, err := t.fs.Root(fromRev)
	if err != nil {
		return err
	}
	src, err := root.Node(fromPath)
	if err != nil {
		return err
	}

	parent, name, exists, err := t.openParent(to)
	if err != nil {
		return err
	}
	if err := t.makeMutable(parent); err != nil {
		return err
	}
	kind := add
	if exists {
		kind = replace
	}

	copyID, err := t.newCopyID()
	if err != nil {
		return err
	}
	item, err := t.allocateItemIndex()
	if err != nil {
		return err
	}
	to = node.Join(parent.path, name)
	fromPath = node.Canonicalize(fromPath)

	nr := src.Clone()
	pred := src.ID
	nr.ID = node.IDPart{ChangeSet: node.ByTxn(t.id), Number: item}
	nr.Predecessor = &pred
	nr.PredecessorCount = src.PredecessorCount + 1
	nr.CopyID = copyID
	nr.CopyFromPath = fromPath
	nr.CopyFromRev = fromRev
	nr.CopyRootPath = to
	nr.CopyRootRev = node.InvalidRev
	nr.CreatedPath = to
	if err := t.fs.putNodeRev(t.name, nr); err != nil {
		return err
	}
	if err := t.setEntry(parent.nr, name, &node.DirEntry{Name: name, Kind: nr.Kind, ID: nr.ID}); err != nil {
		return err
	}
	return t.AddChange(to, &nr.ID, kind, nr.Kind, false, false, fromRev, fromPath)
}

func (t *Txn) changeNodeProp(path, name string, value *string) error {
	pp, err := t.openPath(path)
	if err != nil {
		return err
	}
	if err := t.makeMutable(pp); err != nil {
		return err
	}
	props, err := t.fs.readProps(pp.nr)
	if err != nil {
		return err
	}
	if value == nil {
		delete(props, name)
	} else {
		props[name] = *value
	}
	if err := t.setProps(pp.nr, props); err != nil {
		return err
	}
	return t.AddChange(pp.path, &pp.nr.ID, change.Modify, pp.nr.Kind, false, true, node.InvalidRev, "")
}

func (t *Txn) SetNodeProp(path, name, value string) error {
	return t.changeNodeProp(path, name, &value)
}

func (t *Txn) DeleteNodeProp(path, name string) error {
	return t.changeNodeProp(path, name, nil)
}

// Node returns the noderev at path in the transaction tree.
func (t *Txn) Node(path string) (*node.NodeRev, error) {
	pp, err := t.openPath(path)
	if err != nil {
		return nil, err
	}
	return pp.nr, nil
}

func (t *Txn) ReadFile(path string) ([]byte, error) {
	nr, err := t.Node(path)
	if err != nil {
		return nil, err
	}
	return t.fs.readFile(nr)
}

func (t *Txn) ListDir(path string) ([]node.DirEntry, error) {
	nr, err := t.Node(path)
	if err != nil {
		return nil, err
	}
	entries, err := t.fs.readDirMap(nr)
	if err != nil {
		return nil, err
	}
	return sortedEntries(entries), nil
}

func (t *Txn) NodeProps(path string) (map[string]string, error) {
	nr, err := t.Node(path)
	if err != nil {
		return nil, err
	}
	return t.fs.readProps(nr)
}
