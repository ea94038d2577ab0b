// Package fs implements a transactional, append-only store of versioned
// trees. Each commit publishes one immutable revision; changes are staged
// in transactions until then.
package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"revfs/internal/config"
	"revfs/internal/delta"
	"revfs/internal/errors"
	"revfs/internal/lock"
	"revfs/internal/logging"
	"revfs/internal/node"
	"revfs/internal/repcache"
	"revfs/internal/storage"
)

const (
	FormatNumber          = 1
	DefaultMaxFilesPerDir = 1000
)

type Options struct {
	Logger *logging.Logger
	// Config is written to fsx.conf by Create. Open reads the file instead.
	Config *config.Config
	// MaxFilesPerDir is the shard size; only used by Create.
	MaxFilesPerDir int64
}

// sharedTxn is the per-process state of an open transaction.
type sharedTxn struct {
	name         string
	beingWritten bool
}

type FS struct {
	path           string
	uuid           string
	maxFilesPerDir int64
	cfg            *config.Config
	logger         *logging.Logger
	codec          *delta.Codec

	// In-process halves of the write-lock and txn-current-lock files.
	writeMu      sync.Mutex
	txnCurrentMu sync.Mutex

	txnMu sync.Mutex
	txns  map[node.TxnID]*sharedTxn

	minUnpackedMu sync.RWMutex
	minUnpacked   node.Revnum

	nodeCache *lru.Cache[node.IDPart, *node.NodeRev]
	files     *lru.Cache[string, *revFile]

	dbMu sync.Mutex
	db   *badger.DB
}

type Info struct {
	Path           string
	UUID           string
	Format         int
	MaxFilesPerDir int64
	MinUnpackedRev node.Revnum
	Youngest       node.Revnum
}

// Create initializes a new repository at path with an empty revision 0.
func Create(path string, opts Options) (*FS, error) {
	if entries, err := os.ReadDir(path); err == nil && len(entries) > 0 {
		return nil, errors.ValidationError(fmt.Sprintf("'%s' exists and is not empty", path), nil)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	shardSize := opts.MaxFilesPerDir
	if shardSize <= 0 {
		shardSize = DefaultMaxFilesPerDir
	}

	fs := &FS{path: path, maxFilesPerDir: shardSize}
	for _, dir := range []string{
		fs.pathRevShard(0),
		fs.pathRevpropsShard(0),
		fs.join(dirTxns),
		fs.join(dirProtorevs),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating repository layout: %w", err)
		}
	}

	files := map[string]string{
		fileUUID:           uuid.New().String() + "\n",
		fileWriteLock:      "",
		fileTxnCurrent:     "0\n",
		fileTxnCurrentLock: "",
		fileMinUnpacked:    "0\n",
	}
	for name, content := range files {
		if err := os.WriteFile(fs.join(name), []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
	}
	if err := cfg.Write(fs.join(config.FileName)); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}

	fs.cfg = cfg
	if err := fs.writeRevisionZero(); err != nil {
		return nil, fmt.Errorf("creating revision 0: %w", err)
	}
	if err := writeFileAtomic(fs.join(fileCurrent), []byte("0\n")); err != nil {
		return nil, err
	}

	// The format file goes last; its presence marks a complete repository.
	format := fmt.Sprintf("%d\nlayout sharded %d\n", FormatNumber, shardSize)
	if err := writeFileAtomic(fs.join(fileFormat), []byte(format)); err != nil {
		return nil, err
	}

	return Open(path, Options{Logger: opts.Logger})
}

// Open opens an existing repository.
func Open(path string, opts Options) (*FS, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	fs := &FS{
		path:   path,
		logger: logger,
		txns:   make(map[node.TxnID]*sharedTxn),
	}
	if err := fs.readFormat(); err != nil {
		return nil, err
	}

	id, err := os.ReadFile(fs.join(fileUUID))
	if err != nil {
		return nil, fmt.Errorf("reading uuid: %w", err)
	}
	fs.uuid = strings.TrimSpace(string(id))

	if fs.cfg, err = config.LoadDir(path); err != nil {
		return nil, err
	}
	if _, err := fs.RefreshMinUnpackedRev(); err != nil {
		return nil, err
	}

	if fs.codec, err = delta.New(fs.cfg.Deltification.CompressionLevel); err != nil {
		return nil, err
	}
	if fs.nodeCache, err = lru.New[node.IDPart, *node.NodeRev](fs.cfg.Caches.NodeRevs); err != nil {
		return nil, err
	}
	fs.files, err = lru.NewWithEvict[string, *revFile](fs.cfg.Caches.FileHandles, func(_ string, f *revFile) {
		f.evict()
	})
	if err != nil {
		return nil, err
	}

	fs.logger.Debug("opened repository",
		zap.String("path", path),
		zap.String("uuid", fs.uuid),
		zap.Int64("shard_size", fs.maxFilesPerDir))
	return fs, nil
}

func (fs *FS) readFormat() error {
	file, err := os.Open(fs.join(fileFormat))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound(fmt.Sprintf("'%s' is not a repository", fs.path))
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return errors.Corrupt("empty format file")
	}
	format, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return errors.Corrupt("malformed format number '%s'", scanner.Text())
	}
	if format != FormatNumber {
		return errors.ValidationError(fmt.Sprintf("unsupported repository format %d", format), nil)
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 3 && fields[0] == "layout" && fields[1] == "sharded" {
			n, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil || n <= 0 {
				return errors.Corrupt("malformed shard size '%s'", fields[2])
			}
			fs.maxFilesPerDir = n
		}
	}
	if fs.maxFilesPerDir == 0 {
		return errors.Corrupt("format file has no layout line")
	}
	return scanner.Err()
}

func (fs *FS) Close() error {
	fs.files.Purge()
	fs.codec.Close()

	fs.dbMu.Lock()
	defer fs.dbMu.Unlock()
	if fs.db != nil {
		err := fs.db.Close()
		fs.db = nil
		return err
	}
	return nil
}

func (fs *FS) Path() string { return fs.path }

func (fs *FS) UUID() string { return fs.uuid }

func (fs *FS) Config() *config.Config { return fs.cfg }

func (fs *FS) Logger() *logging.Logger { return fs.logger }

func (fs *FS) MaxFilesPerDir() int64 { return fs.maxFilesPerDir }

// Youngest reads the newest published revision.
func (fs *FS) Youngest() (node.Revnum, error) {
	return readRevnumFile(fs.join(fileCurrent))
}

func (fs *FS) Info() (*Info, error) {
	youngest, err := fs.Youngest()
	if err != nil {
		return nil, err
	}
	return &Info{
		Path:           fs.path,
		UUID:           fs.uuid,
		Format:         FormatNumber,
		MaxFilesPerDir: fs.maxFilesPerDir,
		MinUnpackedRev: fs.MinUnpackedRev(),
		Youngest:       youngest,
	}, nil
}

func (fs *FS) MinUnpackedRev() node.Revnum {
	fs.minUnpackedMu.RLock()
	defer fs.minUnpackedMu.RUnlock()
	return fs.minUnpacked
}

// RefreshMinUnpackedRev re-reads the packing watermark from disk.
func (fs *FS) RefreshMinUnpackedRev() (node.Revnum, error) {
	rev, err := readRevnumFile(fs.join(fileMinUnpacked))
	if err != nil {
		return node.InvalidRev, err
	}
	fs.minUnpackedMu.Lock()
	fs.minUnpacked = rev
	fs.minUnpackedMu.Unlock()
	return rev, nil
}

// IsPacked reports whether rev lives in a pack file.
func (fs *FS) IsPacked(rev node.Revnum) bool {
	return rev < fs.MinUnpackedRev()
}

// PackedBaseRev is the first revision of the file holding rev.
func (fs *FS) PackedBaseRev(rev node.Revnum) node.Revnum {
	if fs.IsPacked(rev) {
		return node.Revnum(fs.shard(rev) * fs.maxFilesPerDir)
	}
	return rev
}

// ensureRevisionExists fails with NO_SUCH_REVISION unless rev has been
// published.
func (fs *FS) ensureRevisionExists(rev node.Revnum) error {
	youngest, err := fs.Youngest()
	if err != nil {
		return err
	}
	if rev < 0 || rev > youngest {
		return errors.NoSuchRevision(int64(rev))
	}
	return nil
}

// database opens the rep-cache database on first use.
func (fs *FS) database() (*badger.DB, error) {
	fs.dbMu.Lock()
	defer fs.dbMu.Unlock()
	if fs.db != nil {
		return fs.db, nil
	}
	db, err := storage.OpenDB(fs.join(dirRepCache), fs.logger.Logger)
	if err != nil {
		return nil, err
	}
	fs.db = db
	return db, nil
}

// HasRepCache reports whether the rep-cache database has been created.
func (fs *FS) HasRepCache() bool {
	_, err := os.Stat(fs.join(dirRepCache))
	return err == nil
}

func (fs *FS) RepCache() (*repcache.Cache, error) {
	db, err := fs.database()
	if err != nil {
		return nil, err
	}
	return repcache.New(db), nil
}

func (fs *FS) LockTable() (*lock.Table, error) {
	db, err := fs.database()
	if err != nil {
		return nil, err
	}
	return lock.NewTable(db), nil
}

// DropCaches releases cached file handles and forgets cached noderevs.
// Handles still in use by a reader stay open until that read finishes.
func (fs *FS) DropCaches() {
	fs.files.Purge()
	fs.nodeCache.Purge()
}

func readRevnumFile(path string) (node.Revnum, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return node.InvalidRev, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	rev, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || rev < 0 {
		return node.InvalidRev, errors.Corrupt("malformed revision number in %s", filepath.Base(path))
	}
	return node.Revnum(rev), nil
}

// writeFileAtomic replaces path with data through a synced temp file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func revDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
