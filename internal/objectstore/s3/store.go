// Package s3 stores sweep state snapshots in S3 or an S3-compatible
// endpoint such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dray-io/sweepd/internal/objectstore"
)

// DefaultRegion is used when Config.Region is empty.
const DefaultRegion = "us-east-1"

// Config configures an S3 store.
type Config struct {
	Bucket string

	// Region is required for AWS S3 and ignored by most S3-compatible endpoints.
	Region string

	// Endpoint overrides the AWS endpoint, e.g. "http://localhost:9000" for MinIO.
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials. When either
	// is empty the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle addresses objects as http://endpoint/bucket/key, which
	// MinIO requires.
	UsePathStyle bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3: bucket name is required")
	}
	return nil
}

// Store implements objectstore.Store on S3.
type Store struct {
	client *s3.Client
	bucket string

	mu     sync.RWMutex
	closed bool
}

// New creates an S3 store. It does not contact the endpoint.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// S3 omits checksums on some responses; the SDK warns about each one.
		o.DisableLogOutputChecksumValidationSkipped = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return objectstore.ErrClosed
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, reader io.Reader, size int64, opts objectstore.PutOptions) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if opts.IfNoneMatch == "*" {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return wrapError("Put", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError("Get", key, err)
	}
	return output.Body, nil
}

func (s *Store) Head(ctx context.Context, key string) (objectstore.ObjectMeta, error) {
	if err := s.checkClosed(); err != nil {
		return objectstore.ObjectMeta{}, err
	}

	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectstore.ObjectMeta{}, wrapError("Head", key, err)
	}

	meta := objectstore.ObjectMeta{
		Key:         key,
		Size:        aws.ToInt64(output.ContentLength),
		ContentType: aws.ToString(output.ContentType),
		ETag:        aws.ToString(output.ETag),
		Metadata:    output.Metadata,
	}
	if output.LastModified != nil {
		meta.LastModified = output.LastModified.UnixMilli()
	}
	return meta, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := wrapError("Delete", key, err)
		if errors.Is(wrapped, objectstore.ErrNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectMeta, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var results []objectstore.ObjectMeta
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("List", prefix, err)
		}
		for _, obj := range page.Contents {
			meta := objectstore.ObjectMeta{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				meta.LastModified = obj.LastModified.UnixMilli()
			}
			results = append(results, meta)
		}
	}
	return results, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// wrapError maps SDK errors onto the objectstore sentinels.
func wrapError(op, key string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrNotFound}
		case http.StatusForbidden:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrAccessDenied}
		case http.StatusPreconditionFailed:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrPreconditionFailed}
		}
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrBucketNotFound}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrNotFound}
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrNotFound}
	}

	return &objectstore.ObjectError{Op: op, Key: key, Err: err}
}

var _ objectstore.Store = (*Store)(nil)
