package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioStore struct {
	log    *slog.Logger
	client *minio.Client
	bucket string
}

// NewMinioStore connects to an S3-compatible endpoint and creates the bucket if it is
// missing.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, "", true, fmt.Errorf("failed to create minio client: %w", err))
	}

	s := &MinioStore{log: cfg.Logger, client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}

	cfg.Logger.Info("objstore: minio store initialized", "endpoint", endpoint, "bucket", cfg.Bucket, "ssl", useSSL)
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinioError("", err, CodeReadFailed)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return classifyMinioError("", err, CodeWriteFailed)
	}
	s.log.Info("objstore: bucket created", "bucket", s.bucket)
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	classified := classifyMinioError(key, err, CodeReadFailed)
	if classified.Code == CodeObjectNotFound {
		return false, nil
	}
	return false, classified
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return classifyMinioError(key, err, CodeWriteFailed)
	}
	s.log.Debug("objstore: object written", "backend", BackendMinio, "key", key, "bytes", len(data))
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(key, err, CodeReadFailed)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key only surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinioError(key, err, CodeReadFailed)
	}
	return data, nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classifyMinioError(prefix, obj.Err, CodeReadFailed)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func classifyMinioError(key string, err error, fallback string) *Error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		if code, retryable, ok := classifyAPICode(resp.Code); ok {
			return wrapError(code, key, retryable, err)
		}
		if code, retryable, ok := classifyStatus(resp.StatusCode); ok {
			return wrapError(code, key, retryable, err)
		}
	}
	code, retryable := classifyMessage(err, fallback)
	return wrapError(code, key, retryable, err)
}
