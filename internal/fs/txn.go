package fs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"revfs/internal/change"
	"revfs/internal/errors"
	"revfs/internal/hashdump"
	"revfs/internal/logging"
	"revfs/internal/node"
)

// Revision and transaction property names with special meaning.
const (
	PropRevDate    = "svn:date"
	PropRevAuthor  = "svn:author"
	PropRevLog     = "svn:log"
	PropCheckOOD   = "svn:check-ood"
	PropCheckLocks = "svn:check-locks"
	PropClientDate = "svn:client-date"
)

// TxnFlags select the flag properties set on a new transaction.
type TxnFlags int

const (
	TxnCheckOOD TxnFlags = 1 << iota
	TxnCheckLocks
	TxnClientDate
)

type Txn struct {
	fs     *FS
	id     node.TxnID
	name   string
	base   node.Revnum
	logger *logging.Logger
}

func (t *Txn) Name() string { return t.name }

func (t *Txn) ID() node.TxnID { return t.id }

func (t *Txn) Base() node.Revnum { return t.base }

func (t *Txn) file(name string) string {
	return t.fs.pathTxnFile(t.name, name)
}

// allocateTxnID reads the txn-current counter and advances it.
func (fs *FS) allocateTxnID(ctx context.Context) (node.TxnID, error) {
	var id node.TxnID
	err := fs.withTxnCurrentLock(ctx, func() error {
		data, err := os.ReadFile(fs.join(fileTxnCurrent))
		if err != nil {
			return fmt.Errorf("reading txn-current: %w", err)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 36, 64)
		if err != nil {
			return errors.Corrupt("malformed txn-current '%s'", strings.TrimSpace(string(data)))
		}
		id = node.TxnID(n)
		next := strconv.FormatUint(n+1, 36) + "\n"
		return writeFileAtomic(fs.join(fileTxnCurrent), []byte(next))
	})
	return id, err
}

// BeginTxn starts a transaction based on revision base.
func (fs *FS) BeginTxn(ctx context.Context, base node.Revnum, flags TxnFlags) (*Txn, error) {
	if err := fs.ensureRevisionExists(base); err != nil {
		return nil, err
	}
	baseRoot, err := fs.getNodeRev(node.IDPart{ChangeSet: node.ByRevision(base), Number: node.ItemRootNode})
	if err != nil {
		return nil, fmt.Errorf("reading root of r%d: %w", base, err)
	}

	id, err := fs.allocateTxnID(ctx)
	if err != nil {
		return nil, err
	}
	t := &Txn{fs: fs, id: id, name: node.FormatTxnName(base, id), base: base}
	t.logger = fs.logger.ForTxn(t.name)

	if err := os.Mkdir(fs.pathTxnDir(t.name), 0755); err != nil {
		return nil, fmt.Errorf("creating transaction directory: %w", err)
	}
	fs.registerTxn(id, t.name)

	if err := t.init(baseRoot); err != nil {
		fs.PurgeTxn(t.name)
		return nil, err
	}

	props := map[string]string{PropRevDate: revDate(time.Now())}
	if flags&TxnCheckOOD != 0 {
		props[PropCheckOOD] = "true"
	}
	if flags&TxnCheckLocks != 0 {
		props[PropCheckLocks] = "true"
	}
	if flags&TxnClientDate != 0 {
		props[PropClientDate] = "0"
	}
	if err := t.writeProps(props); err != nil {
		fs.PurgeTxn(t.name)
		return nil, err
	}

	t.logger.Debug("began transaction", zap.Int64("base", int64(base)))
	return t, nil
}

func (t *Txn) init(baseRoot *node.NodeRev) error {
	root := baseRoot.Clone()
	pred := baseRoot.ID
	root.ID = node.TxnRoot(t.id)
	root.Predecessor = &pred
	root.PredecessorCount = baseRoot.PredecessorCount + 1
	root.CopyFromPath = ""
	root.CopyFromRev = node.InvalidRev
	if err := t.fs.putNodeRev(t.name, root); err != nil {
		return err
	}

	empty := []string{
		t.fs.pathProtoRev(t.name),
		t.fs.pathProtoRevLock(t.name),
		t.file(txnChanges),
	}
	for _, path := range empty {
		if err := os.WriteFile(path, nil, 0644); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
		}
	}
	if err := os.WriteFile(t.file(txnNextIDs), []byte("0 0\n"), 0644); err != nil {
		return err
	}
	return os.WriteFile(t.file(txnItemIndex), []byte(strconv.FormatUint(node.ItemFirstUser, 10)+"\n"), 0644)
}

// OpenTxn opens an existing transaction by name.
func (fs *FS) OpenTxn(name string) (*Txn, error) {
	id, base, err := node.ParseTxnName(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(fs.pathTxnDir(name)); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NoSuchTxn(name)
		}
		return nil, err
	}
	fs.registerTxn(id, name)
	return &Txn{fs: fs, id: id, name: name, base: base, logger: fs.logger.ForTxn(name)}, nil
}

// ListTxns returns the names of all open transactions.
func (fs *FS) ListTxns() ([]string, error) {
	entries, err := os.ReadDir(fs.join(dirTxns))
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), txnDirSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), txnDirSuffix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// PurgeTxn removes every trace of the named transaction. Purging a
// transaction that does not exist is not an error.
func (fs *FS) PurgeTxn(name string) error {
	if id, _, err := node.ParseTxnName(name); err == nil {
		fs.freeSharedTxn(id)
	}

	var errs []error
	for _, path := range []string{fs.pathTxnDir(name), fs.pathProtoRev(name), fs.pathProtoRevLock(name)} {
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("purging transaction '%s': %w", name, err)
	}
	return nil
}

func (t *Txn) Abort() error {
	return t.fs.PurgeTxn(t.name)
}

// txnName finds the name of a transaction from its id alone.
func (fs *FS) txnName(id node.TxnID) (string, error) {
	fs.txnMu.Lock()
	st := fs.sharedTxnLocked(id, "", false)
	fs.txnMu.Unlock()
	if st != nil {
		return st.name, nil
	}

	pattern := fs.join(dirTxns, "*-"+strconv.FormatUint(uint64(id), 36)+txnDirSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) != 1 {
		return "", errors.NoSuchTxn(strconv.FormatUint(uint64(id), 36))
	}
	return strings.TrimSuffix(filepath.Base(matches[0]), txnDirSuffix), nil
}

func (t *Txn) Props() (map[string]string, error) {
	data, err := os.ReadFile(t.file(txnProps))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NoSuchTxn(t.name)
		}
		return nil, err
	}
	return hashdump.Decode(data)
}

func (t *Txn) Prop(name string) (string, bool, error) {
	props, err := t.Props()
	if err != nil {
		return "", false, err
	}
	v, ok := props[name]
	return v, ok, nil
}

func (t *Txn) writeProps(props map[string]string) error {
	return writeFileAtomic(t.file(txnProps), hashdump.Encode(props))
}

// ChangeProps applies changes to the transaction properties; a nil value
// removes the property. Setting svn:date on a transaction that tracks a
// client date marks the date as client supplied.
func (t *Txn) ChangeProps(changes map[string]*string) error {
	props, err := t.Props()
	if err != nil {
		return err
	}

	for name, value := range changes {
		if name == PropRevDate && value != nil {
			if _, ok := props[PropClientDate]; ok {
				props[PropClientDate] = "1"
			}
		}
		if value == nil {
			delete(props, name)
		} else {
			props[name] = *value
		}
	}
	return t.writeProps(props)
}

func (t *Txn) SetProp(name, value string) error {
	return t.ChangeProps(map[string]*string{name: &value})
}

// nextIDs reads the node and copy id counters.
func (t *Txn) nextIDs() (uint64, uint64, error) {
	data, err := os.ReadFile(t.file(txnNextIDs))
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, 0, errors.Corrupt("next-id file corrupt")
	}
	nodeID, err1 := strconv.ParseUint(fields[0], 36, 64)
	copyID, err2 := strconv.ParseUint(fields[1], 36, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, errors.Corrupt("next-id file corrupt")
	}
	return nodeID, copyID, nil
}

func (t *Txn) writeNextIDs(nodeID, copyID uint64) error {
	line := strconv.FormatUint(nodeID, 36) + " " + strconv.FormatUint(copyID, 36) + "\n"
	return os.WriteFile(t.file(txnNextIDs), []byte(line), 0644)
}

func (t *Txn) newNodeID() (node.IDPart, error) {
	nodeID, copyID, err := t.nextIDs()
	if err != nil {
		return node.IDPart{}, err
	}
	if err := t.writeNextIDs(nodeID+1, copyID); err != nil {
		return node.IDPart{}, err
	}
	return node.IDPart{ChangeSet: node.ByTxn(t.id), Number: nodeID}, nil
}

func (t *Txn) newCopyID() (node.IDPart, error) {
	nodeID, copyID, err := t.nextIDs()
	if err != nil {
		return node.IDPart{}, err
	}
	if err := t.writeNextIDs(nodeID, copyID+1); err != nil {
		return node.IDPart{}, err
	}
	return node.IDPart{ChangeSet: node.ByTxn(t.id), Number: copyID}, nil
}

// allocateItemIndex hands out the next item number of the future
// revision.
func (t *Txn) allocateItemIndex() (uint64, error) {
	path := t.file(txnItemIndex)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading item index counter: %w", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Corrupt("item index counter of '%s' corrupt", t.name)
	}
	if err := os.WriteFile(path, []byte(strconv.FormatUint(n+1, 10)+"\n"), 0644); err != nil {
		return 0, err
	}
	return n, nil
}

// AddChange appends one change to the transaction's change log.
func (t *Txn) AddChange(path string, id *node.IDPart, kind change.Kind, nodeKind node.Kind,
	textMod, propMod bool, copyFromRev node.Revnum, copyFromPath string) error {

	c := &change.Change{
		Path:         node.Canonicalize(path),
		NodeRevID:    id,
		Kind:         kind,
		NodeKind:     nodeKind,
		TextMod:      textMod,
		PropMod:      propMod,
		CopyFromRev:  copyFromRev,
		CopyFromPath: copyFromPath,
	}
	if copyFromPath == "" {
		c.CopyFromRev = node.InvalidRev
	}

	var buf bytes.Buffer
	if err := change.AppendLog(&buf, c); err != nil {
		return err
	}
	file, err := os.OpenFile(t.file(txnChanges), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NoSuchTxn(t.name)
		}
		return err
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("appending change: %w", err)
	}
	return file.Close()
}

// Changes returns the folded net change per path.
func (t *Txn) Changes() (*change.Set, error) {
	file, err := os.Open(t.file(txnChanges))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NoSuchTxn(t.name)
		}
		return nil, err
	}
	defer file.Close()
	return change.ReadLog(file)
}
