package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/ghostlyemg/emgdash/pkg/metrics"
)

// S3Config configures a native S3 (or S3-compatible) bucket.
type S3Config struct {
	Name          string
	Bucket        string
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
	// MetadataWorkers bounds concurrent HeadObject calls per listing.
	MetadataWorkers int
}

// s3API is the subset of *s3.Client used by S3Backend.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Backend implements Backend with the AWS SDK. Unlike the rclone backend
// it reads per-object user metadata and the owner field.
type S3Backend struct {
	cfg    S3Config
	client s3API
}

// NewS3Backend creates an S3 backend.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("backend.NewS3Backend: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("Backend created",
		"component", "backend", "bucket", cfg.Name,
		"type", "s3-native", "s3_bucket", cfg.Bucket,
	)
	return newS3Backend(cfg, client), nil
}

func newS3Backend(cfg S3Config, client s3API) *S3Backend {
	if cfg.MetadataWorkers <= 0 {
		cfg.MetadataWorkers = 8
	}
	if cfg.Bucket == "" {
		cfg.Bucket = cfg.Name
	}
	return &S3Backend{cfg: cfg, client: client}
}

func (b *S3Backend) Name() string { return b.cfg.Name }
func (b *S3Backend) Type() string { return "s3-native" }

// List returns direct children under prefix using a "/" delimiter.
// Listing is already sorted by key, so SortByName needs no extra work.
func (b *S3Backend) List(ctx context.Context, prefix string, opts ListOptions) ([]ObjectInfo, error) {
	keyPrefix := strings.Trim(prefix, "/")
	if keyPrefix != "" {
		keyPrefix += "/"
	}

	start := time.Now()
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.cfg.Bucket),
		Prefix:    aws.String(keyPrefix),
		Delimiter: aws.String("/"),
	}
	if opts.Limit > 0 {
		in.MaxKeys = aws.Int32(int32(opts.Limit))
	}

	var result []ObjectInfo
	for {
		out, err := b.client.ListObjectsV2(ctx, in)
		if err != nil {
			metrics.BackendRequestDuration.WithLabelValues(b.cfg.Name, "list").Observe(time.Since(start).Seconds())
			metrics.BackendErrors.WithLabelValues(b.cfg.Name, "list").Inc()
			return nil, fmt.Errorf("backend %s: List %q: %w", b.cfg.Name, prefix, mapS3Error(err))
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), keyPrefix), "/")
			if name == "" {
				continue
			}
			result = append(result, ObjectInfo{Path: name, IsDir: true})
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), keyPrefix)
			if name == "" {
				// The folder's own marker key.
				continue
			}
			oi := ObjectInfo{
				Path:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			}
			oi.CreatedAt = oi.ModTime
			result = append(result, oi)
		}

		if opts.Limit > 0 && len(result) >= opts.Limit {
			result = result[:opts.Limit]
			break
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}
	metrics.BackendRequestDuration.WithLabelValues(b.cfg.Name, "list").Observe(time.Since(start).Seconds())

	if err := b.fillMetadata(ctx, keyPrefix, result); err != nil {
		return nil, err
	}
	return result, nil
}

// fillMetadata issues HeadObject calls for every object entry. A failed head
// leaves that entry without metadata; only context cancellation is an error.
func (b *S3Backend) fillMetadata(ctx context.Context, keyPrefix string, entries []ObjectInfo) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.MetadataWorkers)
	for i := range entries {
		if entries[i].IsDir {
			continue
		}
		g.Go(func() error {
			key := keyPrefix + entries[i].Path
			out, err := b.client.HeadObject(gctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.cfg.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				metrics.BackendErrors.WithLabelValues(b.cfg.Name, "head").Inc()
				slog.Debug("head object failed", "component", "backend", "bucket", b.cfg.Name, "key", key, "error", err)
				return nil
			}
			if len(out.Metadata) > 0 {
				entries[i].Metadata = out.Metadata
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("backend %s: metadata: %w", b.cfg.Name, err)
	}
	return nil
}

// Download reads the whole object. An advertised Content-Length over
// opts.MaxSize fails before the body is read.
func (b *S3Backend) Download(ctx context.Context, path string, opts DownloadOptions) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(b.cfg.Name, "download").Observe(time.Since(start).Seconds())
	}()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/")),
	})
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.cfg.Name, "download").Inc()
		return nil, fmt.Errorf("backend %s: Download %q: %w", b.cfg.Name, path, mapS3Error(err))
	}
	defer out.Body.Close()

	if size := aws.ToInt64(out.ContentLength); opts.MaxSize > 0 && size > opts.MaxSize {
		return nil, fmt.Errorf("backend %s: Download %q: %d bytes: %w", b.cfg.Name, path, size, ErrTooLarge)
	}
	data, err := readLimited(out.Body, opts.MaxSize)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("backend %s: Download %q read: %w", b.cfg.Name, path, err)
		}
		metrics.BackendErrors.WithLabelValues(b.cfg.Name, "download").Inc()
		return nil, fmt.Errorf("backend %s: Download %q read: %w", b.cfg.Name, path, err)
	}
	return data, nil
}

// PublicURL joins the configured public base URL with path.
func (b *S3Backend) PublicURL(path string) string {
	return joinURL(b.cfg.PublicBaseURL, path)
}

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }

func mapS3Error(err error) error {
	var nsb *types.NoSuchBucket
	var nsk *types.NoSuchKey
	if errors.As(err, &nsb) || errors.As(err, &nsk) {
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	}
	return err
}
