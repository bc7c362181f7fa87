// Package objstore is the destination storage for raw period files and merged outputs.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Store is an object store keyed by slash-separated paths.
type Store interface {
	// Exists returns (false, nil) when the key is absent. A non-nil error means the
	// check itself failed and says nothing about the key.
	Exists(ctx context.Context, key string) (bool, error)
	// Put writes data in a single call, so an object is either fully present or absent.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns an error matching ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the sorted keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

type Backend string

const (
	BackendS3    Backend = "s3"
	BackendMinio Backend = "minio"
	BackendLocal Backend = "local"
)

type Config struct {
	Logger  *slog.Logger
	Backend Backend

	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// UsePathStyle addresses buckets as endpoint/bucket, needed by most S3-compatible
	// providers.
	UsePathStyle bool
	UseSSL       bool

	// LocalRoot is the directory used by the local backend.
	LocalRoot string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendS3
	}
	switch cfg.Backend {
	case BackendS3:
		if cfg.Bucket == "" {
			return errors.New("bucket is required")
		}
	case BackendMinio:
		if cfg.Bucket == "" {
			return errors.New("bucket is required")
		}
		if cfg.Endpoint == "" {
			return errors.New("endpoint is required")
		}
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return errors.New("access key and secret key are required")
		}
	case BackendLocal:
		if cfg.LocalRoot == "" {
			return errors.New("local root is required")
		}
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	switch cfg.Backend {
	case BackendMinio:
		return NewMinioStore(ctx, cfg)
	case BackendLocal:
		return NewLocalStore(cfg.Logger, cfg.LocalRoot)
	default:
		return NewS3Store(ctx, cfg)
	}
}

func validateKey(key string) error {
	if key == "" {
		return wrapError(CodeInvalidKey, key, false, errors.New("key is required"))
	}
	if strings.HasPrefix(key, "/") {
		return wrapError(CodeInvalidKey, key, false, errors.New("key must be relative"))
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return wrapError(CodeInvalidKey, key, false, errors.New("key must not contain relative segments"))
		}
	}
	return nil
}
