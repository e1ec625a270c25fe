package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir writes archives under a local directory.
type Dir struct {
	root string
}

// NewDir returns a sink rooted at root, creating it if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Location(key string) string { return filepath.Join(d.root, filepath.FromSlash(key)) }

func (d *Dir) Put(_ context.Context, key string, body io.ReadSeeker) error {
	if err := sanitizeKey(key); err != nil {
		return err
	}
	path := d.Location(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write archive %s: %w", path, err)
	}
	return f.Close()
}
