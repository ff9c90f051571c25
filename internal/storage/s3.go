package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
)

// Config selects the bucket store. Empty credentials fall back to the default AWS chain.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	DefaultBucket   string
	PartSize        int64
	Concurrency     int
}

// S3Client fetches stored documents by bucket and object name.
type S3Client struct {
	client        *s3.Client
	downloader    *manager.Downloader
	defaultBucket string
}

// NewS3Client creates a new S3 client
func NewS3Client(ctx context.Context, cfg Config) (*S3Client, error) {
	var loaders []func(*awscfg.LoadOptions) error
	if cfg.Region != "" {
		loaders = append(loaders, awscfg.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loaders = append(loaders, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awscfg.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Client{
		client: cli,
		downloader: manager.NewDownloader(cli, func(d *manager.Downloader) {
			if cfg.PartSize > 0 {
				d.PartSize = cfg.PartSize
			}
			if cfg.Concurrency > 0 {
				d.Concurrency = cfg.Concurrency
			}
		}),
		defaultBucket: cfg.DefaultBucket,
	}, nil
}

func (s *S3Client) bucket(name string) string {
	if name == "" {
		return s.defaultBucket
	}
	return name
}

// Get downloads an object fully into memory.
func (s *S3Client) Get(ctx context.Context, bucket, name string) ([]byte, error) {
	bucket = s.bucket(bucket)
	start := time.Now()

	buf := manager.NewWriteAtBuffer(nil)
	n, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, name, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, name, core.ErrEmpty)
	}

	log.Info().
		Str("bucket", bucket).
		Str("key", name).
		Int64("size", n).
		Dur("duration", time.Since(start)).
		Msg("downloaded object from S3")
	return buf.Bytes(), nil
}

// Ping checks that the default bucket is reachable.
func (s *S3Client) Ping(ctx context.Context) error {
	if s.defaultBucket == "" {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.defaultBucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.defaultBucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
