// Package verify checks the on-disk consistency of a repository: the
// l2p and p2l indexes against each other and against the rev and pack
// files they describe, and the rep-cache against the representations it
// points to.
package verify

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"revfs/internal/checksum"
	"revfs/internal/errors"
	"revfs/internal/fs"
	"revfs/internal/index"
	"revfs/internal/node"
)

// streamThreshold separates items checksummed from a single buffer from
// those streamed through a checksum context.
const streamThreshold = 4096

// Rep-cache audit batches: notify and drop cached handles after this
// many entries or after touching this many distinct files.
const (
	auditBatchEntries = 1000
	auditBatchFiles   = 16
)

type Options struct {
	// Notify is called with the first revision of every shard checked,
	// with InvalidRev when the rep-cache audit starts, and periodically
	// during the audit.
	Notify func(rev node.Revnum)
	// KeepGoing continues with the next file after a failure and
	// returns all failures joined.
	KeepGoing bool
}

func (o Options) notify(rev node.Revnum) {
	if o.Notify != nil {
		o.Notify(rev)
	}
}

// Verify checks revisions start through end. InvalidRev selects 0 for
// start and the youngest revision for end.
func Verify(ctx context.Context, repo *fs.FS, start, end node.Revnum, opts Options) error {
	youngest, err := repo.Youngest()
	if err != nil {
		return err
	}
	if start == node.InvalidRev {
		start = 0
	}
	if end == node.InvalidRev {
		end = youngest
	}
	for _, rev := range []node.Revnum{start, end} {
		if rev < 0 || rev > youngest {
			return errors.NoSuchRevision(int64(rev))
		}
	}
	if start > end {
		return errors.ValidationError(fmt.Sprintf("invalid revision range %d:%d", start, end), nil)
	}

	logger := repo.Logger().With(zap.Int64("start", int64(start)), zap.Int64("end", int64(end)))

	var failures []error
	for rev, next := start, start; rev <= end; rev = next {
		packed := repo.IsPacked(rev)
		base := repo.PackedBaseRev(rev)
		count := node.Revnum(1)
		if packed {
			count = node.Revnum(repo.MaxFilesPerDir())
		}

		if base%node.Revnum(repo.MaxFilesPerDir()) == 0 {
			opts.notify(base)
		}

		err := checkFile(ctx, repo, base, int(count))
		if err == nil {
			next = base + count
			continue
		}
		if errors.IsType(err, errors.ErrorTypeCancelled) {
			return err
		}

		// A concurrent pack moves revisions between files.
		if _, rerr := repo.RefreshMinUnpackedRev(); rerr != nil {
			return rerr
		}
		if repo.IsPacked(rev) != packed {
			logger.Debug("revision packed during verification, retrying shard",
				zap.Int64("revision", int64(rev)))
			next = repo.PackedBaseRev(rev)
			continue
		}

		err = fmt.Errorf("verifying r%d: %w", base, err)
		if !opts.KeepGoing {
			return err
		}
		logger.Warn("verification failed", zap.Int64("revision", int64(base)), zap.Error(err))
		failures = append(failures, err)
		next = base + count
	}

	if err := auditRepCache(ctx, repo, start, end, opts); err != nil {
		if !opts.KeepGoing || errors.IsType(err, errors.ErrorTypeCancelled) {
			return err
		}
		failures = append(failures, err)
	}
	return errors.Join(failures...)
}

// checkFile runs the index and content checks on the file holding
// revisions [start, start+count).
func checkFile(ctx context.Context, repo *fs.FS, start node.Revnum, count int) error {
	info, err := repo.RevFileInfo(start)
	if err != nil {
		return err
	}
	if info.FirstRevision != start || info.Revisions != count {
		return errors.IndexInconsistent("%s holds r%d..r%d, expected r%d..r%d", info.Path,
			info.FirstRevision, info.FirstRevision+node.Revnum(info.Revisions)-1,
			start, start+node.Revnum(count)-1)
	}

	if err := compareL2PToP2L(ctx, info.L2P, info.P2L, start, count); err != nil {
		return err
	}
	if err := compareP2LToL2P(ctx, info.L2P, info.P2L, start); err != nil {
		return err
	}

	file, err := os.Open(info.Path)
	if err != nil {
		return err
	}
	defer file.Close()
	return compareP2LToRev(ctx, file, info.P2L, start)
}

func checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Cancelled(err)
	}
	return nil
}

// compareL2PToP2L checks that every used l2p entry points at a p2l entry
// claiming the same item.
func compareL2PToP2L(ctx context.Context, l2p *index.L2P, p2l *index.P2L, start node.Revnum, count int) error {
	maxIDs, err := l2p.MaxIDs(start, count)
	if err != nil {
		return err
	}
	for i, max := range maxIDs {
		rev := start + node.Revnum(i)
		for item := uint64(0); item < max; item++ {
			offset, err := l2p.Offset(rev, item)
			if err != nil {
				return err
			}
			if offset == -1 {
				continue
			}

			entry, ok := p2l.EntryAt(offset)
			if !ok {
				return errors.IndexInconsistent(
					"p2l index entry not found for offset %d returned by l2p index for r%d:i%d",
					offset, rev, item)
			}
			if !claims(entry, rev, item) {
				return errors.IndexInconsistent(
					"p2l index entry at offset %d (%s) does not match l2p index for r%d:i%d",
					offset, entry.Type, rev, item)
			}
		}
		if err := checkCancel(ctx); err != nil {
			return err
		}
	}
	return nil
}

func claims(entry *index.P2LEntry, rev node.Revnum, item uint64) bool {
	for _, it := range entry.Items {
		if it.ChangeSet == node.ByRevision(rev) && it.Number == item {
			return true
		}
	}
	return false
}

// compareP2LToL2P checks that every item a p2l entry names maps back to
// the entry's offset.
func compareP2LToL2P(ctx context.Context, l2p *index.L2P, p2l *index.P2L, start node.Revnum) error {
	max := p2l.MaxOffset()
	for offset := int64(0); offset < max; {
		block := p2l.Block(offset)
		if len(block) == 0 {
			return errors.IndexCorruption("p2l does not cover offset %d for revision %d", offset, start)
		}

		for _, entry := range block {
			if entry.Type == index.TypeUnused {
				continue
			}
			for _, it := range entry.Items {
				if !it.ChangeSet.IsRevision() {
					return errors.IndexCorruption("p2l entry at offset %d names uncommitted item %s:i%d",
						entry.Offset, it.ChangeSet, it.Number)
				}
				got, err := l2p.Offset(it.ChangeSet.Revision(), it.Number)
				if err != nil {
					return err
				}
				if got != entry.Offset {
					return errors.IndexInconsistent(
						"l2p index entry offset %d does not match p2l index value r%d:i%d at offset %d",
						got, it.ChangeSet.Revision(), it.Number, entry.Offset)
				}
			}
		}

		last := block[len(block)-1]
		next := last.Offset + last.Size
		if next <= offset {
			return errors.IndexCorruption("p2l index does not advance past offset %d for revision %d", offset, start)
		}
		offset = next

		if err := checkCancel(ctx); err != nil {
			return err
		}
	}
	return nil
}

// compareP2LToRev checks the p2l entries against the file contents:
// exact tiling of the file, NUL bytes in unused ranges and the FNV-1a
// checksum of every item.
func compareP2LToRev(ctx context.Context, file *os.File, p2l *index.P2L, start node.Revnum) error {
	stat, err := file.Stat()
	if err != nil {
		return err
	}
	max := p2l.MaxOffset()
	if stat.Size() != max {
		return errors.IndexInconsistent("file size %d of %s for revision r%d does not match p2l index size %d",
			stat.Size(), file.Name(), start, max)
	}

	buf := make([]byte, streamThreshold)
	for offset := int64(0); offset < max; {
		block := p2l.Block(offset)
		if len(block) == 0 {
			return errors.IndexCorruption("p2l does not cover offset %d for revision %d", offset, start)
		}

		for i := range block {
			entry := &block[i]
			if i == 0 && entry.Offset < offset {
				continue
			}
			if entry.Size == 0 {
				continue
			}
			if entry.Offset != offset {
				return errors.IndexInconsistent("p2l index entry for revision r%d is non-contiguous between offsets %d and %d",
					start, offset, entry.Offset)
			}

			section := io.NewSectionReader(file, entry.Offset, entry.Size)
			switch {
			case entry.Type == index.TypeUnused:
				// The block padding after the end of the file is not stored.
				if entry.Offset != max {
					if err := expectNUL(section, file.Name(), entry.Offset, buf); err != nil {
						return err
					}
				}
			default:
				if err := expectChecksum(section, file.Name(), entry, buf); err != nil {
					return err
				}
			}
			offset += entry.Size
		}

		if err := checkCancel(ctx); err != nil {
			return err
		}
	}
	return nil
}

func expectNUL(r io.Reader, name string, offset int64, buf []byte) error {
	for {
		n, err := r.Read(buf)
		for i, b := range buf[:n] {
			if b != 0 {
				return errors.Corrupt("empty section in file %s contains non-NUL data at offset %d",
					name, offset+int64(i))
			}
		}
		offset += int64(n)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func expectChecksum(r io.Reader, name string, entry *index.P2LEntry, buf []byte) error {
	var actual uint32
	if entry.Size < streamThreshold {
		data := buf[:entry.Size]
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("reading item at offset %d of %s: %w", entry.Offset, name, err)
		}
		actual = checksum.FNV1a32x4Sum(data)
	} else {
		ctx, err := checksum.NewContext(checksum.FNV1a32x4)
		if err != nil {
			return err
		}
		n, err := io.CopyBuffer(ctx, r, buf)
		if err != nil {
			return fmt.Errorf("reading item at offset %d of %s: %w", entry.Offset, name, err)
		}
		if n != entry.Size {
			return errors.Corrupt("item at offset %d of %s is truncated", entry.Offset, name)
		}
		actual = ctx.Sum().Uint32()
	}

	if actual != entry.FNV1 {
		return errors.Corrupt("checksum mismatch for item at offset %d of length %d bytes in file %s",
			entry.Offset, entry.Size, name)
	}
	return nil
}
