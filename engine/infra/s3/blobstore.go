package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/inkflow/inkflow/pkg/config"
	"github.com/inkflow/inkflow/pkg/logger"
)

// API is the slice of the S3 client the store uses. It keeps tests off the
// network.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BlobStore holds source and signed documents in an S3-compatible bucket.
// Refs are bucket keys, optionally prefixed with a public base URL.
type BlobStore struct {
	client        API
	bucket        string
	publicBaseURL string
}

// NewBlobStore builds a store from configuration. A BaseEndpoint points it
// at MinIO or another S3-compatible service.
func NewBlobStore(ctx context.Context, cfg *config.StorageConfig) (*BlobStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	logger.FromContext(ctx).Info("Blob store ready",
		"bucket", cfg.Bucket, "region", cfg.Region)
	return &BlobStore{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

// NewBlobStoreWithClient wires a prebuilt client. Intended for tests.
func NewBlobStoreWithClient(client API, bucket, publicBaseURL string) *BlobStore {
	return &BlobStore{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

func (b *BlobStore) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	key := b.keyFromRef(ref)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}
	return data, nil
}

func (b *BlobStore) StoreBytes(ctx context.Context, data []byte, key string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("storing %q: %w", key, err)
	}
	if b.publicBaseURL != "" {
		return b.publicBaseURL + "/" + key, nil
	}
	return key, nil
}

// keyFromRef strips the public base URL so callers can pass either form.
func (b *BlobStore) keyFromRef(ref string) string {
	if b.publicBaseURL != "" {
		ref = strings.TrimPrefix(ref, b.publicBaseURL+"/")
	}
	return strings.TrimPrefix(ref, "/")
}
