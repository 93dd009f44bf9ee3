package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"backupd/internal/adapter"
)

// S3Config configures the Amazon S3 storage adapter.
type S3Config struct {
	Bucket    string `yaml:"bucket" json:"bucket"`
	Region    string `yaml:"region" json:"region"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// S3 implements adapter.Storage on an S3 bucket (or any S3-compatible
// endpoint).
type S3 struct {
	client    *s3.S3
	bucket    string
	prefix    string
	secretKey string
}

// NewS3 creates an S3 storage adapter.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3 storage requires bucket and region")
	}

	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 session: %w", err)
	}

	return &S3{
		client:    s3.New(sess),
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		secretKey: cfg.SecretKey,
	}, nil
}

func (s *S3) Kind() string { return "s3" }

func (s *S3) key(remotePath string) string {
	remotePath = strings.TrimPrefix(remotePath, "/")
	if s.prefix == "" {
		return remotePath
	}
	return s.prefix + "/" + remotePath
}

func (s *S3) sanitize(err error) error {
	return adapter.SanitizeError(err, s.secretKey)
}

func (s *S3) Upload(ctx context.Context, localPath, remotePath string, onProgress adapter.ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
		Body:   aws.ReadSeekCloser(newProgressReadSeeker(f, info.Size(), onProgress)),
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", s.sanitize(err))
	}
	return nil
}

func (s *S3) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
	})
	if err != nil {
		return fmt.Errorf("s3 download failed: %w", s.sanitize(err))
	}
	defer out.Body.Close()

	total := int64(-1)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}

	dest, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer dest.Close()

	if _, err := io.Copy(newProgressWriter(dest, total, onProgress), out.Body); err != nil {
		return fmt.Errorf("s3 download failed: %w", s.sanitize(err))
	}
	return dest.Close()
}

func (s *S3) Read(ctx context.Context, remotePath string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey, "NotFound":
				return nil, nil
			}
		}
		return nil, fmt.Errorf("s3 read failed: %w", s.sanitize(err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed: %w", s.sanitize(err))
	}
	return data, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]adapter.Object, error) {
	var objects []adapter.Object
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	}

	err := s.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				key := aws.StringValue(obj.Key)
				rel := key
				if s.prefix != "" {
					rel = strings.TrimPrefix(key, s.prefix+"/")
				}
				objects = append(objects, adapter.Object{
					Name:         path.Base(key),
					Path:         rel,
					Size:         aws.Int64Value(obj.Size),
					LastModified: aws.TimeValue(obj.LastModified),
				})
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("s3 list failed: %w", s.sanitize(err))
	}
	return objects, nil
}

func (s *S3) Delete(ctx context.Context, remotePath string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", s.sanitize(err))
	}
	return nil
}

// Test performs a write-then-delete round trip to verify both
// reachability and write permission.
func (s *S3) Test(ctx context.Context) error {
	probeKey := s.key(".write-probe")
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(probeKey),
		Body:   bytes.NewReader([]byte("probe")),
	})
	if err != nil {
		return fmt.Errorf("s3 bucket is not writable: %w", s.sanitize(err))
	}

	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(probeKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3 probe object: %w", s.sanitize(err))
	}
	return nil
}
