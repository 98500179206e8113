// Package s3blob archives relay history to S3 or an S3-compatible store
// (MinIO, R2, iDrive e2).
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// minPartSize is the S3 minimum part size for multipart uploads.
const minPartSize int64 = 5 * 1024 * 1024

// ClientConfig configures the archive bucket. Endpoint is empty for AWS.
type ClientConfig struct {
	Endpoint string
	Region   string
	Bucket   string
	// AccessKey and SecretKey are optional; without them the default AWS
	// credential chain (env, shared config, instance role) is used.
	AccessKey string
	SecretKey string
	// UseSSL picks the scheme when Endpoint has none.
	UseSSL bool
	// ForcePathStyle is required by most S3-compatible providers.
	ForcePathStyle       bool
	Prefix               string
	ServerSideEncryption bool
}

// Bucket is a single archive bucket. It implements domain.BlobWriter and
// domain.BlobReader; every key is placed under the configured prefix.
type Bucket struct {
	s3     *s3.Client
	name   string
	prefix string
	sse    bool
}

// New builds a Bucket from cfg. It does not contact S3; use Health for that.
func New(ctx context.Context, cfg ClientConfig) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3blob: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Bucket{s3: client, name: cfg.Bucket, prefix: prefix, sse: cfg.ServerSideEncryption}, nil
}

// Health checks that the bucket is reachable with the configured
// credentials.
func (b *Bucket) Health(ctx context.Context) error {
	if _, err := b.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", b.name, err)
	}
	return nil
}

// Close releases nothing; the SDK client has no teardown.
func (b *Bucket) Close() error { return nil }

func (b *Bucket) key(path string) string {
	return b.prefix + strings.TrimPrefix(path, "/")
}

func (b *Bucket) putInput(path string, data io.Reader, contentType string) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(b.key(path)),
		Body:        data,
		ContentType: aws.String(contentType),
	}
	if b.sse {
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
	return in
}

// Put uploads data with a single PutObject request.
func (b *Bucket) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if _, err := b.s3.PutObject(ctx, b.putInput(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart uploads data in concurrent parts of at least 5 MiB.
func (b *Bucket) PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error {
	uploader := manager.NewUploader(b.s3, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	if _, err := uploader.Upload(ctx, b.putInput(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}

// Exists reports whether an object is stored at path.
func (b *Bucket) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(b.key(path)),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head %s: %w", path, err)
	}
}

// isNotFound matches NoSuchKey, the NotFound returned by HeadObject, and
// plain 404 responses from compatible providers.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}

// normaliseEndpoint adds a scheme to endpoint when it has none.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	// url.Parse reads "host:9000" as scheme "host", so look for "://".
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

var (
	_ domain.BlobWriter = (*Bucket)(nil)
	_ domain.BlobReader = (*Bucket)(nil)
)
