package fs

import (
	"fmt"
	"path/filepath"
	"strconv"

	"revfs/internal/node"
)

const (
	fileFormat         = "format"
	fileUUID           = "uuid"
	fileCurrent        = "current"
	fileWriteLock      = "write-lock"
	fileTxnCurrent     = "txn-current"
	fileTxnCurrentLock = "txn-current-lock"
	fileMinUnpacked    = "min-unpacked-rev"

	dirRevs       = "revs"
	dirRevprops   = "revprops"
	dirTxns       = "txns"
	dirProtorevs  = "txn-protorevs"
	dirRepCache   = "rep-cache"
	txnDirSuffix  = ".txn"
	packDirSuffix = ".pack"
)

func (fs *FS) join(elem ...string) string {
	return filepath.Join(append([]string{fs.path}, elem...)...)
}

func (fs *FS) shard(rev node.Revnum) int64 {
	return int64(rev) / fs.maxFilesPerDir
}

func (fs *FS) pathRevShard(shard int64) string {
	return fs.join(dirRevs, strconv.FormatInt(shard, 10))
}

func (fs *FS) pathRev(rev node.Revnum) string {
	return filepath.Join(fs.pathRevShard(fs.shard(rev)), strconv.FormatInt(int64(rev), 10))
}

func (fs *FS) pathPackDir(shard int64) string {
	return fs.join(dirRevs, strconv.FormatInt(shard, 10)+packDirSuffix)
}

func (fs *FS) pathPack(shard int64) string {
	return filepath.Join(fs.pathPackDir(shard), "pack")
}

func (fs *FS) pathRevpropsShard(shard int64) string {
	return fs.join(dirRevprops, strconv.FormatInt(shard, 10))
}

func (fs *FS) pathRevprops(rev node.Revnum) string {
	return filepath.Join(fs.pathRevpropsShard(fs.shard(rev)), strconv.FormatInt(int64(rev), 10))
}

func (fs *FS) pathTxnDir(name string) string {
	return fs.join(dirTxns, name+txnDirSuffix)
}

func (fs *FS) pathTxnFile(name, file string) string {
	return filepath.Join(fs.pathTxnDir(name), file)
}

func txnNodeFile(id node.IDPart) string {
	return fmt.Sprintf("node.%s.%d", id.ChangeSet, id.Number)
}

func (fs *FS) pathProtoRev(name string) string {
	return fs.join(dirProtorevs, name+".rev")
}

func (fs *FS) pathProtoRevLock(name string) string {
	return fs.join(dirProtorevs, name+".rev-lock")
}

// Files inside a transaction directory.
const (
	txnProps      = "props"
	txnPropsFinal = "props-final"
	txnChanges    = "changes"
	txnNextIDs    = "next-ids"
	txnItemIndex  = "item-index"
	txnL2P        = "index.l2p"
	txnP2L        = "index.p2l"
)
