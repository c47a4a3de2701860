// Package storage copies finished archives to S3 or an S3-compatible store.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// ObjectAPI is the part of the S3 client the sink needs.
type ObjectAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the offsite sink.
type S3Config struct {
	Bucket string
	// Prefix is prepended to every object key, e.g. "backups/".
	Prefix string
	Region string
	// Endpoint selects an S3-compatible service (MinIO, Localstack) and
	// switches to path-style addressing.
	Endpoint string
}

// S3Sink uploads archives with PutObject.
type S3Sink struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewS3Sink builds a client from the default AWS credential chain and checks
// that the bucket is reachable.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(ctx, client, cfg.Bucket, cfg.Prefix)
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(ctx context.Context, client ObjectAPI, bucket, prefix string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", bucket, err)
	}
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Upload stores the file at localPath under prefix/name and returns the key.
func (s *S3Sink) Upload(ctx context.Context, name, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}

	key := path.Join(s.prefix, name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to S3: %w", name, err)
	}
	log.Info().Str("bucket", s.bucket).Str("key", key).Int64("bytes", st.Size()).Msg("Archive copied offsite")
	return key, nil
}
