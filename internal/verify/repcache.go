package verify

import (
	"context"
	"fmt"

	"revfs/internal/fs"
	"revfs/internal/node"
)

// auditRepCache re-reads every rep-cache entry referring to start..end
// and checks its size and SHA-1 against the stored representation. A
// repository that never created the database is skipped.
func auditRepCache(ctx context.Context, repo *fs.FS, start, end node.Revnum, opts Options) error {
	if !repo.HasRepCache() {
		return nil
	}
	cache, err := repo.RepCache()
	if err != nil {
		return err
	}

	opts.notify(node.InvalidRev)

	var (
		entries  int
		files    int
		lastFile = node.InvalidRev
		notified = node.InvalidRev
	)
	return cache.Walk(ctx, start, end, func(rep *node.Rep) error {
		rev := rep.ID.ChangeSet.Revision()
		if entries > auditBatchEntries || files > auditBatchFiles {
			if rev != notified {
				opts.notify(rev)
				notified = rev
			}
			repo.DropCaches()
			entries, files = 0, 0
			lastFile = node.InvalidRev
		}

		if _, err := repo.ReadRepresentation(rep); err != nil {
			return fmt.Errorf("rep-cache entry %s for %s: %w", rep.SHA1.Hex(), rep.ID, err)
		}

		entries++
		if file := repo.PackedBaseRev(rev); file != lastFile {
			files++
			lastFile = file
		}
		return nil
	})
}
