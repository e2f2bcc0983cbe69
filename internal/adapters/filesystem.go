package adapters

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/fetcharr/internal/faults"
)

// FilesystemTarget delivers files into a directory tree, typically a library
// root watched by a media server. Files land via a temp file in the
// destination directory plus rename, so a watcher never sees partial content.
type FilesystemTarget struct {
	name string
	root string
}

// NewFilesystemTarget creates a target rooted at root.
func NewFilesystemTarget(name, root string) *FilesystemTarget {
	return &FilesystemTarget{name: name, root: filepath.Clean(root)}
}

// Name returns the configured target name.
func (f *FilesystemTarget) Name() string {
	return f.name
}

// Deliver copies sourcePath to relativeDest under the root and returns the
// final path. An existing file at the destination is replaced; delivery of
// the same content twice is therefore idempotent.
func (f *FilesystemTarget) Deliver(ctx context.Context, sourcePath, relativeDest string) (string, error) {
	dest, err := f.resolve(relativeDest)
	if err != nil {
		return "", err
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", faults.Newf(faults.KindNotFound, "source file %s does not exist", sourcePath)
		}
		return "", fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetcharr-*")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if err := copyWithContext(ctx, tmp, src); err != nil {
		return "", fmt.Errorf("copying to %s: %w", f.name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("flushing staging file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("setting file mode: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("placing file: %w", err)
	}
	return dest, nil
}

// resolve joins relativeDest under the root and rejects escapes.
func (f *FilesystemTarget) resolve(relativeDest string) (string, error) {
	if relativeDest == "" {
		return "", faults.Newf(faults.KindInvalid, "destination path is empty")
	}
	dest := filepath.Join(f.root, filepath.Clean("/"+relativeDest))
	if dest != f.root && !strings.HasPrefix(dest, f.root+string(filepath.Separator)) {
		return "", faults.Newf(faults.KindInvalid, "destination %q escapes target root", relativeDest)
	}
	return dest, nil
}

// copyWithContext copies in chunks, checking for cancellation between reads
// so an aborted delivery does not hold the walker for a whole file.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 1<<20)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
