package s3kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// Store is a types.KVStore backed by an S3 bucket. Each key is one object
// under the configured prefix.
type Store struct {
	api    API
	config Config
	logger *utils.StructuredLogger
}

// Open creates a client from cfg and checks that the bucket is reachable
func Open(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := New(client, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// New wraps an existing client
func New(api API, cfg *Config, logger *utils.StructuredLogger) (*Store, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Store{
		api:    api,
		config: *cfg,
		logger: logger.WithComponent("s3kv"),
	}, nil
}

func (s *Store) objectKey(key string) string {
	return s.config.Prefix + key
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RequestTimeout)
	}
	return ctx, func() {}
}

// Get implements types.KVStore
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return nil, types.ErrKeyNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Set implements types.KVStore
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/octet-stream"),
	}
	if s.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.config.StorageClass)
	}

	if _, err := s.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// Remove implements types.KVStore. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isErrorType[*s3types.NoSuchKey](err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// ListKeys implements types.KVStore, following continuation tokens
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasPrefix(key, s.config.Prefix) {
				continue
			}
			keys = append(keys, strings.TrimPrefix(key, s.config.Prefix))
		}
	}
	return keys, nil
}

// HealthCheck verifies the bucket is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.config.Bucket)}); err != nil {
		s.logger.Warn("S3 health check failed", map[string]interface{}{
			"bucket": s.config.Bucket,
			"error":  err,
		})
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
