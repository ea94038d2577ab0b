package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"

	"revfs/internal/errors"
	"revfs/internal/index"
	"revfs/internal/node"
)

type PackAction int

const (
	PackStart PackAction = iota
	PackEnd
)

func (a PackAction) String() string {
	if a == PackStart {
		return "start"
	}
	return "end"
}

// PackNotify is told when each shard starts and finishes packing.
type PackNotify func(shard int64, action PackAction)

// Pack concatenates every complete, unpacked shard into a single pack
// file with merged indexes.
func (fs *FS) Pack(ctx context.Context, notify PackNotify) error {
	return fs.withWriteLock(ctx, func() error {
		youngest, err := fs.Youngest()
		if err != nil {
			return err
		}
		minUnpacked, err := fs.RefreshMinUnpackedRev()
		if err != nil {
			return err
		}

		complete := (int64(youngest) + 1) / fs.maxFilesPerDir
		for shard := int64(minUnpacked) / fs.maxFilesPerDir; shard < complete; shard++ {
			if err := ctx.Err(); err != nil {
				return errors.Cancelled(err)
			}
			if notify != nil {
				notify(shard, PackStart)
			}
			if err := fs.packShard(shard); err != nil {
				return fmt.Errorf("packing shard %d: %w", shard, err)
			}
			if notify != nil {
				notify(shard, PackEnd)
			}
		}
		return nil
	})
}

func (fs *FS) packShard(shard int64) error {
	first := node.Revnum(shard * fs.maxFilesPerDir)
	dir := fs.pathPackDir(shard)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return err
	}

	packPath := fs.pathPack(shard)
	pack, err := os.Create(packPath)
	if err != nil {
		return err
	}
	defer pack.Close()

	var (
		l2ps []*index.L2P
		p2ls []*index.P2L
	)
	for i := int64(0); i < fs.maxFilesPerDir; i++ {
		rev := first + node.Revnum(i)
		f, err := loadRevFile(fs.pathRev(rev), false)
		if err != nil {
			return err
		}
		_, err = io.Copy(pack, io.NewSectionReader(f.file, 0, f.p2l.FileSize))
		f.file.Close()
		if err != nil {
			return fmt.Errorf("copying r%d: %w", rev, err)
		}
		l2ps = append(l2ps, f.l2p)
		p2ls = append(p2ls, f.p2l)
	}
	if err := pack.Sync(); err != nil {
		return err
	}

	l2p, p2l, err := index.Merge(l2ps, p2ls, fs.cfg.IO.BlockSize)
	if err != nil {
		return err
	}
	if err := index.WriteL2P(packPath+".l2p", l2p); err != nil {
		return err
	}
	if err := index.WriteP2L(packPath+".p2l", p2l); err != nil {
		return err
	}

	next := strconv.FormatInt(int64(first)+fs.maxFilesPerDir, 10) + "\n"
	if err := writeFileAtomic(fs.join(fileMinUnpacked), []byte(next)); err != nil {
		return err
	}
	if _, err := fs.RefreshMinUnpackedRev(); err != nil {
		return err
	}

	fs.files.Purge()
	if err := os.RemoveAll(fs.pathRevShard(shard)); err != nil {
		fs.logger.Warn("removing packed shard", zap.Int64("shard", shard), zap.Error(err))
	}
	fs.logger.Info("packed shard", zap.Int64("shard", shard), zap.Int64("size", p2l.FileSize))
	return nil
}
