package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectAPI is the part of the S3 client the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archive stores sample sequences as JSON objects in S3-compatible storage.
type S3Archive struct {
	client     objectAPI
	bucket     string
	prefix     string
	localCache string
}

var _ SampleArchive = (*S3Archive)(nil)

// S3ArchiveConfig holds S3 configuration
type S3ArchiveConfig struct {
	Bucket          string
	Prefix          string // e.g., "samples/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string
}

// NewS3Archive creates a new S3-backed sample archive.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return newS3Archive(s3.NewFromConfig(awsCfg, clientOpts...), cfg)
}

func newS3Archive(client objectAPI, cfg S3ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("sample archive: bucket is required")
	}
	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &S3Archive{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
	}, nil
}

// Store uploads samples and returns an s3:// URI.
func (s *S3Archive) Store(ctx context.Context, invocationID string, samples []int64) (string, error) {
	data, err := encodeSamples(samples)
	if err != nil {
		return "", err
	}
	key := s.buildKey(invocationID)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload samples to S3: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(filepath.Join(s.localCache, filepath.Base(key)), data, 0644)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve downloads samples, preferring the local cache.
func (s *S3Archive) Retrieve(ctx context.Context, uri string) ([]int64, error) {
	key := s.extractKey(uri)

	if s.localCache != "" {
		if data, err := os.ReadFile(filepath.Join(s.localCache, filepath.Base(key))); err == nil {
			return decodeSamples(data)
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get samples from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	if s.localCache != "" {
		_ = os.WriteFile(filepath.Join(s.localCache, filepath.Base(key)), data, 0644)
	}
	return decodeSamples(data)
}

func (s *S3Archive) buildKey(invocationID string) string {
	return fmt.Sprintf("%s%s/%s.json", s.prefix, time.Now().Format("2006/01/02"), invocationID)
}

func (s *S3Archive) extractKey(uri string) string {
	// s3://bucket/key
	if rest, ok := strings.CutPrefix(uri, "s3://"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i+1:]
		}
	}
	return uri
}

// LocalArchive stores sample sequences on the local filesystem.
type LocalArchive struct {
	basePath string
}

var _ SampleArchive = (*LocalArchive)(nil)

// NewLocalArchive creates the base directory if needed.
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

func (l *LocalArchive) Store(_ context.Context, invocationID string, samples []int64) (string, error) {
	data, err := encodeSamples(samples)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.basePath, invocationID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write samples: %w", err)
	}
	return path, nil
}

func (l *LocalArchive) Retrieve(_ context.Context, uri string) ([]int64, error) {
	data, err := os.ReadFile(uri)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeSamples(data)
}

func encodeSamples(samples []int64) ([]byte, error) {
	if samples == nil {
		samples = []int64{}
	}
	data, err := json.Marshal(samples)
	if err != nil {
		return nil, fmt.Errorf("failed to encode samples: %w", err)
	}
	return data, nil
}

func decodeSamples(data []byte) ([]int64, error) {
	var samples []int64
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("failed to decode samples: %w", err)
	}
	return samples, nil
}
