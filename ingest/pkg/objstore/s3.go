package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Store struct {
	log    *slog.Logger
	client S3API
	bucket string
}

// NewS3Store builds a store on the AWS SDK. Static credentials are used when both keys
// are set; otherwise the default credential chain applies.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	s := NewS3StoreWithClient(cfg.Logger, client, cfg.Bucket)
	if err := s.checkBucket(ctx); err != nil {
		return nil, err
	}

	cfg.Logger.Info("objstore: s3 store initialized", "bucket", cfg.Bucket, "region", awsCfg.Region, "endpoint", cfg.Endpoint)
	return s, nil
}

func NewS3StoreWithClient(log *slog.Logger, client S3API, bucket string) *S3Store {
	return &S3Store{log: log, client: client, bucket: bucket}
}

// checkBucket fails when the bucket is missing. HeadObject answers a missing bucket
// with the same bodiless 404 as a missing key, so Exists cannot tell them apart.
func (s *S3Store) checkBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	classified := classifyS3Error("", err, CodeReadFailed)
	if classified.Code == CodeObjectNotFound {
		classified.Code = CodeBucketNotFound
		classified.Retryable = false
	}
	return fmt.Errorf("failed to check bucket %s: %w", s.bucket, classified)
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	classified := classifyS3Error(key, err, CodeReadFailed)
	if classified.Code == CodeObjectNotFound {
		return false, nil
	}
	return false, classified
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return classifyS3Error(key, err, CodeWriteFailed)
	}
	s.log.Debug("objstore: object written", "backend", BackendS3, "key", key, "bytes", len(data))
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(key, err, CodeReadFailed)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapError(CodeReadFailed, key, true, err)
	}
	return data, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(prefix, err, CodeReadFailed)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	// S3 lists in UTF-8 binary order already, which matches sort.Strings.
	return keys, nil
}

func classifyS3Error(key string, err error, fallback string) *Error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return wrapError(CodeObjectNotFound, key, false, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if code, retryable, ok := classifyAPICode(apiErr.ErrorCode()); ok {
			return wrapError(code, key, retryable, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if code, retryable, ok := classifyStatus(respErr.HTTPStatusCode()); ok {
			return wrapError(code, key, retryable, err)
		}
	}

	code, retryable := classifyMessage(err, fallback)
	return wrapError(code, key, retryable, err)
}
