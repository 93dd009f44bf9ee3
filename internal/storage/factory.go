package storage

import (
	"context"
	"fmt"

	"backupd/internal/adapter"
)

// Provider identifies a storage backend type.
type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderS3    Provider = "s3"
	ProviderAzure Provider = "azure"
	ProviderGCS   Provider = "gcs"
)

// Config is the discriminated-union configuration for a storage target.
// Exactly one of the provider sections must be set, matching Provider.
type Config struct {
	Provider Provider     `yaml:"provider" json:"provider"`
	Local    *LocalConfig `yaml:"local,omitempty" json:"local,omitempty"`
	S3       *S3Config    `yaml:"s3,omitempty" json:"s3,omitempty"`
	Azure    *AzureConfig `yaml:"azure,omitempty" json:"azure,omitempty"`
	GCS      *GCSConfig   `yaml:"gcs,omitempty" json:"gcs,omitempty"`
}

// Validate checks that the configuration section matching Provider is present.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderLocal:
		if c.Local == nil {
			return fmt.Errorf("local storage configuration is required")
		}
	case ProviderS3:
		if c.S3 == nil {
			return fmt.Errorf("s3 storage configuration is required")
		}
	case ProviderAzure:
		if c.Azure == nil {
			return fmt.Errorf("azure storage configuration is required")
		}
	case ProviderGCS:
		if c.GCS == nil {
			return fmt.Errorf("gcs storage configuration is required")
		}
	case "":
		return fmt.Errorf("storage provider is required")
	default:
		return fmt.Errorf("unsupported storage provider: %s", c.Provider)
	}
	return nil
}

// New builds a storage adapter from its configuration.
func New(ctx context.Context, cfg Config) (adapter.Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case ProviderLocal:
		return NewLocal(*cfg.Local)
	case ProviderS3:
		return NewS3(*cfg.S3)
	case ProviderAzure:
		return NewAzure(*cfg.Azure)
	case ProviderGCS:
		return NewGCS(ctx, *cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}

// SupportedProviders lists the storage backends this build knows about.
func SupportedProviders() []Provider {
	return []Provider{ProviderLocal, ProviderS3, ProviderAzure, ProviderGCS}
}
