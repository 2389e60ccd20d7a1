package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/petrijr/boardflow/pkg/api"
)

// ErrNotFound is returned by Read for paths that were never written.
var ErrNotFound = errors.New("sandbox: file not found")

// MemoryFS is the default run-scoped file system. Values are copied on the
// way in and out so modules cannot share mutable state through it.
type MemoryFS struct {
	mu    sync.RWMutex
	files map[string]api.NodeValue
}

var _ api.FileSystem = (*MemoryFS)(nil)

// NewMemoryFS creates an empty file system.
func NewMemoryFS() *MemoryFS {
	return &MemoryFS{files: make(map[string]api.NodeValue)}
}

func normalize(p string) (string, error) {
	if p == "" {
		return "", errors.New("sandbox: empty path")
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("sandbox: %q is not a file path", p)
	}
	return clean, nil
}

func (fs *MemoryFS) Read(ctx context.Context, p string) (api.NodeValue, error) {
	key, err := normalize(p)
	if err != nil {
		return nil, err
	}
	fs.mu.RLock()
	v, ok := fs.files[key]
	fs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return copyValue(v)
}

func (fs *MemoryFS) Write(ctx context.Context, p string, v api.NodeValue) error {
	key, err := normalize(p)
	if err != nil {
		return err
	}
	cp, err := copyValue(v)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if cp == nil {
		delete(fs.files, key)
		return nil
	}
	fs.files[key] = cp
	return nil
}

// Query lists the paths under prefix in sorted order.
func (fs *MemoryFS) Query(ctx context.Context, prefix string) ([]string, error) {
	dir := path.Clean("/" + prefix)
	if dir != "/" {
		dir += "/"
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []string
	for key := range fs.files {
		if strings.HasPrefix(key, dir) {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out, nil
}

func copyValue(v api.NodeValue) (api.NodeValue, error) {
	if v == nil {
		return nil, nil
	}
	wrapped, err := api.CloneValues(map[string]api.NodeValue{"v": v})
	if err != nil {
		return nil, err
	}
	return wrapped["v"], nil
}
