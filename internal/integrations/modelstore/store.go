// Package modelstore downloads model artifacts from S3-compatible object
// storage into a local cache directory.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 2

// s3API is the minimal S3 interface required by Store.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store fetches a fixed list of artifacts into cacheDir.
type Store struct {
	api         s3API
	bucket      string
	cacheDir    string
	artifacts   []string
	concurrency int
	logger      *zap.Logger
}

type Option func(*Store)

// WithConcurrency bounds the number of parallel downloads.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Store. artifacts are object keys inside bucket.
func New(api s3API, bucket, cacheDir string, artifacts []string, opts ...Option) (*Store, error) {
	if api == nil {
		return nil, errors.New("modelstore: api must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("modelstore: bucket must not be empty")
	}
	if strings.TrimSpace(cacheDir) == "" {
		return nil, errors.New("modelstore: cache dir must not be empty")
	}
	s := &Store{
		api:         api,
		bucket:      bucket,
		cacheDir:    cacheDir,
		artifacts:   artifacts,
		concurrency: defaultConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewS3API builds an S3 client. A non-empty endpoint targets an
// S3-compatible service such as DigitalOcean Spaces.
func NewS3API(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// LocalPath returns where key is cached.
func (s *Store) LocalPath(key string) string {
	return filepath.Join(s.cacheDir, filepath.Base(key))
}

// Ensure downloads every artifact that is not already cached. It is safe to
// call repeatedly; present files are left untouched.
func (s *Store) Ensure(ctx context.Context) error {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return fmt.Errorf("modelstore: create cache dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, key := range s.artifacts {
		local := s.LocalPath(key)
		if _, err := os.Stat(local); err == nil {
			s.logger.Debug("model artifact already cached", zap.String("path", local))
			continue
		}
		g.Go(func() error {
			return s.download(gctx, key, local)
		})
	}
	return g.Wait()
}

func (s *Store) download(ctx context.Context, key, local string) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("modelstore: get object %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	tmp, err := os.CreateTemp(s.cacheDir, filepath.Base(key)+".*.part")
	if err != nil {
		return fmt.Errorf("modelstore: create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, out.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("modelstore: write %q: %w", key, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("modelstore: finalize %q: %w", key, err)
	}
	s.logger.Info("downloaded model artifact", zap.String("key", key), zap.Int64("bytes", n))
	return nil
}
