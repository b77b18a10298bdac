// Package s3 stores resume blobs as objects in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
)

func init() {
	physical.Register("s3", NewFactory, Defaults)
}

// Defaults returns the default configuration for the S3 backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:         "us-east-1",
		KeyPrefix:         "resume/",
		KeyForcePathStyle: "false",
	}
}

// NewFactory builds an S3 client and checks bucket access before returning.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	opts := physical.NewOptions("s3", config)

	bucket, err := opts.Required(KeyBucket)
	if err != nil {
		return nil, err
	}
	region := opts.String(KeyRegion, "us-east-1")
	endpoint := opts.String(KeyEndpoint, "")
	prefix := opts.String(KeyPrefix, "")
	forcePathStyle, err := opts.Bool(KeyForcePathStyle, false)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	accessKeyID := opts.String(KeyAccessKeyID, "")
	secretAccessKey := opts.String(KeySecretAccessKey, "")
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &physical.ConfigError{Backend: "s3", Message: "failed to load AWS config", Cause: err}
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = forcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, opts.Invalid(KeyBucket, "bucket not accessible", err)
	}

	slog.Info("s3 resume store initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return &Backend{client: client, bucket: bucket, prefix: prefix}, nil
}

// Backend is an S3 implementation of physical.Backend. PutObject replaces
// objects whole, so readers never observe a partial blob.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	closed atomic.Bool
}

func (b *Backend) key(name string) *string {
	return aws.String(b.prefix + name)
}

// Put uploads a blob.
func (b *Backend) Put(ctx context.Context, name string, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put: %w", err)
	}
	return nil
}

// Get downloads a blob.
func (b *Backend) Get(ctx context.Context, name string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, physical.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	return data, nil
}

// Exists issues a HEAD request.
func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 exists: %w", err)
	}
	return true, nil
}

// Delete removes a blob. S3 delete is idempotent.
func (b *Backend) Delete(ctx context.Context, name string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	if err != nil {
		return fmt.Errorf("s3 delete: %w", err)
	}
	return nil
}

// List pages through objects under the prefix.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var names []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), b.prefix))
		}
	}
	return names, nil
}

// Close marks the backend closed; the SDK client holds no resources.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}
