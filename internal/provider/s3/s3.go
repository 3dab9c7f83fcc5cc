// Package s3 provides an S3-compatible remote (AWS, MinIO, R2 ...).
// Directories are key prefixes; empty directories are kept alive with a
// zero-byte "dir/" marker object.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/metrics"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// Config holds the settings for one S3 remote.
type Config struct {
	ID          string `mapstructure:"-"`
	DisplayName string `mapstructure:"display_name"`
	Endpoint    string `mapstructure:"endpoint"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	Region      string `mapstructure:"region"`
}

// Provider implements provider.Provider over an S3 bucket.
type Provider struct {
	client      *s3.Client
	id          string
	displayName string
	bucket      string
	prefix      string
}

// New creates a new S3 provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	name := cfg.DisplayName
	if name == "" {
		name = "s3://" + cfg.Bucket
	}

	return &Provider{
		client:      client,
		id:          cfg.ID,
		displayName: name,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ID returns the unique identifier for this provider instance.
func (p *Provider) ID() string {
	return p.id
}

// Type returns the provider type.
func (p *Provider) Type() string {
	return "s3"
}

// DisplayName returns the human-readable name.
func (p *Provider) DisplayName() string {
	return p.displayName
}

// Init checks that the bucket is reachable.
func (p *Provider) Init(ctx context.Context) error {
	start := time.Now()
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	})
	metrics.RecordBackendOperation("s3", "head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", p.bucket, mapError(err))
	}
	return nil
}

// objectKey maps a hierarchy path onto an object key.
func (p *Provider) objectKey(key string) string {
	rel := strings.TrimPrefix(model.CleanPath(key), "/")
	switch {
	case p.prefix == "":
		return rel
	case rel == "":
		return p.prefix
	default:
		return p.prefix + "/" + rel
	}
}

// dirPrefix returns the listing prefix for directory key.
func (p *Provider) dirPrefix(key string) string {
	k := p.objectKey(key)
	if k == "" {
		return ""
	}
	return k + "/"
}

// Stat returns the entry at key.
func (p *Provider) Stat(ctx context.Context, key string) (*model.Entry, error) {
	key = model.CleanPath(key)
	if key == "/" {
		return model.NewDirectory("/", time.Time{}), nil
	}

	start := time.Now()
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(key)),
	})
	metrics.RecordBackendOperation("s3", "head_object", time.Since(start), err == nil)
	if err == nil {
		e := model.NewFile(key, aws.ToInt64(head.ContentLength), aws.ToTime(head.LastModified))
		e.ID = p.objectKey(key)
		e.MimeType = aws.ToString(head.ContentType)
		return e, nil
	}
	if !errors.Is(mapError(err), provider.ErrNotFound) {
		return nil, fmt.Errorf("stat %s: %w", key, mapError(err))
	}

	// Not an object: a directory exists if anything lives under its prefix.
	start = time.Now()
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	metrics.RecordBackendOperation("s3", "list_objects", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, mapError(err))
	}
	if len(out.Contents) == 0 {
		return nil, fmt.Errorf("stat %s: %w", key, provider.ErrNotFound)
	}

	var modified time.Time
	if aws.ToString(out.Contents[0].Key) == p.dirPrefix(key) {
		modified = aws.ToTime(out.Contents[0].LastModified)
	}
	return model.NewDirectory(key, modified), nil
}

// List returns the direct children of directory key.
func (p *Provider) List(ctx context.Context, key string) ([]*model.Entry, error) {
	key = model.CleanPath(key)

	dir, err := p.Stat(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, unwrapTaxonomy(err))
	}
	if !dir.IsDir() {
		return nil, fmt.Errorf("list %s: %w: not a directory", key, provider.ErrConflict)
	}

	prefix := p.dirPrefix(key)
	var entries []*model.Entry

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		metrics.RecordBackendOperation("s3", "list_objects", time.Since(start), err == nil)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", key, mapError(err))
		}

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, model.NewDirectory(model.JoinPath(key, name), time.Time{}))
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			name := strings.TrimPrefix(objKey, prefix)
			// Skip this directory's own marker.
			if name == "" {
				continue
			}
			e := model.NewFile(model.JoinPath(key, name), aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified))
			e.ID = objKey
			entries = append(entries, e)
		}
	}

	model.SortEntries(entries)
	return entries, nil
}

// Get retrieves an object.
func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key = model.CleanPath(key)

	start := time.Now()
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(key)),
	})
	metrics.RecordBackendOperation("s3", "get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, mapError(err))
	}
	return out.Body, nil
}

// Put uploads content.
func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64, opts provider.PutOptions) (*model.Entry, error) {
	key = model.CleanPath(key)

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(key)),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if opts.MimeType != "" {
		input.ContentType = aws.String(opts.MimeType)
	}

	start := time.Now()
	_, err := p.client.PutObject(ctx, input)
	metrics.RecordBackendOperation("s3", "put_object", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", key, mapError(err))
	}

	logging.Debug("S3 put object", logging.String("key", p.objectKey(key)), logging.Int64("size", size))
	e := model.NewFile(key, size, time.Now())
	e.ID = p.objectKey(key)
	e.MimeType = opts.MimeType
	return e, nil
}

// MakeDir writes a directory marker. The parent must exist.
func (p *Provider) MakeDir(ctx context.Context, key string) (*model.Entry, error) {
	key = model.CleanPath(key)

	parent, err := p.Stat(ctx, model.ParentPath(key))
	if err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", key, unwrapTaxonomy(err))
	}
	if !parent.IsDir() {
		return nil, fmt.Errorf("mkdir %s: %w: parent is a file", key, provider.ErrConflict)
	}
	if _, err := p.Stat(ctx, key); err == nil {
		return nil, fmt.Errorf("mkdir %s: %w: already exists", key, provider.ErrConflict)
	}

	start := time.Now()
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.dirPrefix(key)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	metrics.RecordBackendOperation("s3", "put_object", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", key, mapError(err))
	}
	return model.NewDirectory(key, time.Now()), nil
}

// Delete removes an object or an empty directory marker.
func (p *Provider) Delete(ctx context.Context, key string) error {
	key = model.CleanPath(key)
	if key == "/" {
		return fmt.Errorf("delete %s: %w: refusing to delete the root", key, provider.ErrConflict)
	}

	entry, err := p.Stat(ctx, key)
	if err != nil {
		return err
	}

	objKey := p.objectKey(key)
	if entry.IsDir() {
		prefix := p.dirPrefix(key)
		start := time.Now()
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(p.bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(2),
		})
		metrics.RecordBackendOperation("s3", "list_objects", time.Since(start), err == nil)
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, mapError(err))
		}
		for _, obj := range out.Contents {
			if aws.ToString(obj.Key) != prefix {
				return fmt.Errorf("delete %s: %w", key, provider.ErrNotEmpty)
			}
		}
		objKey = prefix
	}

	start := time.Now()
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objKey),
	})
	metrics.RecordBackendOperation("s3", "delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, mapError(err))
	}

	logging.Debug("S3 delete object", logging.String("key", objKey))
	return nil
}

// CheckHealth returns current health state.
func (p *Provider) CheckHealth(ctx context.Context) provider.HealthState {
	if err := p.Init(ctx); err != nil {
		return provider.HealthStateUnavailable
	}
	return provider.HealthStateHealthy
}

// mapError translates S3 API errors into the provider taxonomy.
func mapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return provider.ErrNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return fmt.Errorf("%w: %s", provider.ErrPermissionDenied, apiErr.ErrorMessage())
		}
	}
	return err
}

// unwrapTaxonomy strips a wrapped message down to its taxonomy sentinel so
// the caller can re-wrap it with its own operation name.
func unwrapTaxonomy(err error) error {
	for _, sentinel := range []error{provider.ErrNotFound, provider.ErrPermissionDenied, provider.ErrConflict} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return err
}
