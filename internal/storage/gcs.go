package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"backupd/internal/adapter"
)

// GCSConfig configures the Google Cloud Storage adapter.
type GCSConfig struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	CredentialsPath string `yaml:"credentials_path,omitempty" json:"credentials_path,omitempty"`
	Prefix          string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// GCS implements adapter.Storage on a Google Cloud Storage bucket.
type GCS struct {
	client          *gcstorage.Client
	bucket          string
	prefix          string
	credentialsPath string
}

// NewGCS creates a GCS storage adapter. With no credentials path the
// client falls back to application default credentials.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs storage requires a bucket name")
	}

	var client *gcstorage.Client
	var err error
	if cfg.CredentialsPath != "" {
		client, err = gcstorage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsPath))
	} else {
		client, err = gcstorage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &GCS{
		client:          client,
		bucket:          cfg.Bucket,
		prefix:          strings.Trim(cfg.Prefix, "/"),
		credentialsPath: cfg.CredentialsPath,
	}, nil
}

func (g *GCS) Kind() string { return "gcs" }

func (g *GCS) objectName(remotePath string) string {
	remotePath = strings.TrimPrefix(remotePath, "/")
	if g.prefix == "" {
		return remotePath
	}
	return g.prefix + "/" + remotePath
}

func (g *GCS) sanitize(err error) error {
	return adapter.SanitizeError(err, g.credentialsPath)
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Upload(ctx context.Context, localPath, remotePath string, onProgress adapter.ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := g.client.Bucket(g.bucket).Object(g.objectName(remotePath)).NewWriter(ctx)
	if _, err := io.Copy(newProgressWriter(w, info.Size(), onProgress), f); err != nil {
		w.Close()
		return fmt.Errorf("gcs upload failed: %w", g.sanitize(err))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload failed: %w", g.sanitize(err))
	}
	return nil
}

func (g *GCS) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	r, err := g.client.Bucket(g.bucket).Object(g.objectName(remotePath)).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("gcs download failed: %w", g.sanitize(err))
	}
	defer r.Close()

	dest, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer dest.Close()

	if _, err := io.Copy(newProgressWriter(dest, r.Attrs.Size, onProgress), r); err != nil {
		return fmt.Errorf("gcs download failed: %w", g.sanitize(err))
	}
	return dest.Close()
}

func (g *GCS) Read(ctx context.Context, remotePath string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.objectName(remotePath)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("gcs read failed: %w", g.sanitize(err))
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed: %w", g.sanitize(err))
	}
	return data, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]adapter.Object, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcstorage.Query{
		Prefix: g.objectName(prefix),
	})

	var objects []adapter.Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", g.sanitize(err))
		}
		rel := attrs.Name
		if g.prefix != "" {
			rel = strings.TrimPrefix(attrs.Name, g.prefix+"/")
		}
		objects = append(objects, adapter.Object{
			Name:         path.Base(attrs.Name),
			Path:         rel,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}
	return objects, nil
}

func (g *GCS) Delete(ctx context.Context, remotePath string) error {
	if err := g.client.Bucket(g.bucket).Object(g.objectName(remotePath)).Delete(ctx); err != nil {
		return fmt.Errorf("gcs delete failed: %w", g.sanitize(err))
	}
	return nil
}

// Test performs a write-then-delete round trip.
func (g *GCS) Test(ctx context.Context) error {
	obj := g.client.Bucket(g.bucket).Object(g.objectName(".write-probe"))

	w := obj.NewWriter(ctx)
	if _, err := w.Write([]byte("probe")); err != nil {
		w.Close()
		return fmt.Errorf("gcs bucket is not writable: %w", g.sanitize(err))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs bucket is not writable: %w", g.sanitize(err))
	}

	if err := obj.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete gcs probe object: %w", g.sanitize(err))
	}
	return nil
}
