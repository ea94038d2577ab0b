package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"revfs/internal/config"
	"revfs/internal/index"
	"revfs/internal/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevFileOutlivesEviction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rev")
	require.NoError(t, os.WriteFile(path, []byte("item"), 0644))
	file, err := os.Open(path)
	require.NoError(t, err)

	f := &revFile{path: path, file: file}
	entry := &index.P2LEntry{Offset: 0, Size: 4}

	require.True(t, f.acquire())
	f.evict()
	data, err := f.read(entry)
	require.NoError(t, err)
	assert.Equal(t, "item", string(data))

	f.release()
	assert.False(t, f.acquire())
	_, err = f.read(entry)
	assert.Error(t, err)
}

func TestRevFileEvictedWhileIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rev")
	require.NoError(t, os.WriteFile(path, []byte("item"), 0644))
	file, err := os.Open(path)
	require.NoError(t, err)

	f := &revFile{path: path, file: file}
	require.True(t, f.acquire())
	f.release()
	f.evict()
	assert.False(t, f.acquire())
}

func TestConcurrentReadsWithFewHandles(t *testing.T) {
	repo := newTestFS(t, 0, func(c *config.Config) {
		c.Caches.FileHandles = 2
	})
	const revisions = 12
	for i := 1; i <= revisions; i++ {
		commitFiles(t, repo, map[string]string{"/f": fmt.Sprintf("contents of revision %d", i)})
	}

	const readers = 8
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for g := 0; g < readers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				if g == 0 && i%25 == 0 {
					repo.DropCaches()
				}
				rev := node.Revnum(1 + (g+i)%revisions)
				root, err := repo.Root(rev)
				if err != nil {
					errs <- err
					return
				}
				data, err := root.ReadFile("/f")
				if err != nil {
					errs <- err
					return
				}
				if want := fmt.Sprintf("contents of revision %d", rev); string(data) != want {
					errs <- fmt.Errorf("r%d: read %q, want %q", rev, data, want)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
