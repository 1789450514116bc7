package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"firestige.xyz/pktmask/internal/core"
)

// workspace is the scoped temporary area of one Process call.
type workspace struct {
	dir string
}

func newWorkspace(parent string) (*workspace, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("%w: work dir: %v", core.ErrIO, err)
		}
	}
	dir, err := os.MkdirTemp(parent, "pktmask-")
	if err != nil {
		return nil, fmt.Errorf("%w: work dir: %v", core.ErrIO, err)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

// commit moves src to dst, copying when a rename is impossible.
func (w *workspace) commit(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("%w: commit %s: %v", core.ErrIO, dst, err)
	}
	return nil
}

func (w *workspace) remove(logger *slog.Logger) {
	if err := os.RemoveAll(w.dir); err != nil {
		logger.Warn("failed to remove workspace", "dir", w.dir, "error", err)
	}
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			err = errors.Join(err, os.Remove(dst))
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
