package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"backupd/internal/adapter"
)

// AzureConfig configures the Azure Blob storage adapter.
type AzureConfig struct {
	AccountName   string `yaml:"account_name" json:"account_name"`
	AccountKey    string `yaml:"account_key" json:"account_key"`
	ContainerName string `yaml:"container_name" json:"container_name"`
	Prefix        string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Azure implements adapter.Storage on an Azure Blob container.
type Azure struct {
	container  azblob.ContainerURL
	prefix     string
	accountKey string
}

// NewAzure creates an Azure Blob storage adapter.
func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.AccountName == "" || cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage requires account name and container name")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credentials: %w", err)
	}

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, fmt.Errorf("failed to build azure service url: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	return &Azure{
		container:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		prefix:     strings.Trim(cfg.Prefix, "/"),
		accountKey: cfg.AccountKey,
	}, nil
}

func (a *Azure) Kind() string { return "azure" }

func (a *Azure) blobName(remotePath string) string {
	remotePath = strings.TrimPrefix(remotePath, "/")
	if a.prefix == "" {
		return remotePath
	}
	return a.prefix + "/" + remotePath
}

func (a *Azure) sanitize(err error) error {
	return adapter.SanitizeError(err, a.accountKey)
}

func isBlobNotFound(err error) bool {
	if stgErr, ok := err.(azblob.StorageError); ok {
		return stgErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}

func (a *Azure) Upload(ctx context.Context, localPath, remotePath string, onProgress adapter.ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	total := info.Size()

	blob := a.container.NewBlockBlobURL(a.blobName(remotePath))
	_, err = azblob.UploadFileToBlockBlob(ctx, f, blob, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
		Progress: func(transferred int64) {
			if onProgress != nil {
				onProgress(transferred, total)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("azure upload failed: %w", a.sanitize(err))
	}
	return nil
}

func (a *Azure) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	blob := a.container.NewBlobURL(a.blobName(remotePath))
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return fmt.Errorf("azure download failed: %w", a.sanitize(err))
	}

	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()

	dest, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer dest.Close()

	if _, err := io.Copy(newProgressWriter(dest, resp.ContentLength(), onProgress), body); err != nil {
		return fmt.Errorf("azure download failed: %w", a.sanitize(err))
	}
	return dest.Close()
}

func (a *Azure) Read(ctx context.Context, remotePath string) ([]byte, error) {
	blob := a.container.NewBlobURL(a.blobName(remotePath))
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isBlobNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("azure read failed: %w", a.sanitize(err))
	}

	body := resp.Body(azblob.RetryReaderOptions{})
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("azure read failed: %w", a.sanitize(err))
	}
	return data, nil
}

func (a *Azure) List(ctx context.Context, prefix string) ([]adapter.Object, error) {
	var objects []adapter.Object
	listPrefix := a.blobName(prefix)

	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := a.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: listPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("azure list failed: %w", a.sanitize(err))
		}
		marker = resp.NextMarker

		for _, item := range resp.Segment.BlobItems {
			rel := item.Name
			if a.prefix != "" {
				rel = strings.TrimPrefix(item.Name, a.prefix+"/")
			}
			var size int64
			if item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			objects = append(objects, adapter.Object{
				Name:         path.Base(item.Name),
				Path:         rel,
				Size:         size,
				LastModified: item.Properties.LastModified,
			})
		}
	}
	return objects, nil
}

func (a *Azure) Delete(ctx context.Context, remotePath string) error {
	blob := a.container.NewBlobURL(a.blobName(remotePath))
	_, err := blob.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		return fmt.Errorf("azure delete failed: %w", a.sanitize(err))
	}
	return nil
}

// Test performs a write-then-delete round trip.
func (a *Azure) Test(ctx context.Context) error {
	probe := a.container.NewBlockBlobURL(a.blobName(".write-probe"))
	_, err := probe.Upload(ctx, bytes.NewReader([]byte("probe")),
		azblob.BlobHTTPHeaders{}, azblob.Metadata{}, azblob.BlobAccessConditions{},
		azblob.DefaultAccessTier, nil, azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	if err != nil {
		return fmt.Errorf("azure container is not writable: %w", a.sanitize(err))
	}

	if _, err := probe.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{}); err != nil {
		return fmt.Errorf("failed to delete azure probe blob: %w", a.sanitize(err))
	}
	return nil
}
