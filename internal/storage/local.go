package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"backupd/internal/adapter"
)

// LocalConfig configures local-filesystem storage.
type LocalConfig struct {
	BasePath string `yaml:"base_path" json:"base_path"`
}

// Local implements adapter.Storage on a local directory tree. It is
// the only backend the runner re-verifies after upload, since local
// disks provide none of the transport integrity remote backends do.
type Local struct {
	base string
}

// NewLocal creates the base directory if needed and returns a local
// storage adapter rooted there.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local storage requires a base path")
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Local{base: cfg.BasePath}, nil
}

func (l *Local) Kind() string { return "local" }

// resolve maps a remote path onto the base directory, refusing
// traversal outside it.
func (l *Local) resolve(remotePath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(remotePath))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("remote path %q escapes the storage root", remotePath)
	}
	return filepath.Join(l.base, clean), nil
}

func (l *Local) Upload(ctx context.Context, localPath, remotePath string, onProgress adapter.ProgressFunc) error {
	dest, err := l.resolve(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(newProgressWriter(out, info.Size(), onProgress), in); err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to copy to storage: %w", err)
	}
	return out.Close()
}

func (l *Local) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	src, err := l.resolve(remotePath)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", remotePath, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(newProgressWriter(out, info.Size(), onProgress), in); err != nil {
		return fmt.Errorf("failed to copy from storage: %w", err)
	}
	return out.Close()
}

func (l *Local) Read(ctx context.Context, remotePath string) ([]byte, error) {
	src, err := l.resolve(remotePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", remotePath, err)
	}
	return data, nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]adapter.Object, error) {
	root, err := l.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var objects []adapter.Object
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.base, path)
		if err != nil {
			return err
		}
		objects = append(objects, adapter.Object{
			Name:         d.Name(),
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list storage: %w", err)
	}
	return objects, nil
}

func (l *Local) Delete(ctx context.Context, remotePath string) error {
	path, err := l.resolve(remotePath)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", remotePath, err)
	}
	return nil
}

// Test verifies the base directory is reachable and writable with a
// write-then-delete round trip.
func (l *Local) Test(ctx context.Context) error {
	probe := filepath.Join(l.base, ".write-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return fmt.Errorf("storage is not writable: %w", err)
	}
	if _, err := os.ReadFile(probe); err != nil {
		return fmt.Errorf("storage is not readable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("failed to delete probe file: %w", err)
	}
	return nil
}
