// Package media resolves content media locators into signed, time-bounded
// fetch descriptors.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
	"content-publisher/internal/policy"
)

// Resolver turns a media locator into a signed descriptor.
type Resolver interface {
	GetSignedMedia(ctx context.Context, locator string) (models.MediaDescriptor, error)
}

type headObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Resolver presigns GET requests for objects in the media bucket. Locators
// are either s3://bucket/key or a bare key in the default bucket.
type S3Resolver struct {
	head    headObjectAPI
	presign presignAPI
	bucket  string
	ttl     time.Duration
	now     func() time.Time
}

// NewS3Resolver builds a resolver from the shared AWS configuration.
func NewS3Resolver(ctx context.Context, cfg config.Config) (*S3Resolver, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Resolver{
		head:    client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.MediaBucket,
		ttl:     cfg.PresignTTL,
		now:     time.Now,
	}, nil
}

// NewS3Client loads AWS config with an optional custom endpoint for
// S3-compatible stores.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// ParseLocator splits a locator into bucket and key.
func ParseLocator(locator, defaultBucket string) (string, string, error) {
	locator = strings.TrimSpace(locator)
	if rest, ok := strings.CutPrefix(locator, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", "", policy.Invalid("media_locator", "malformed s3 locator "+locator)
		}
		return bucket, key, nil
	}
	key := strings.TrimPrefix(locator, "/")
	if key == "" {
		return "", "", policy.Invalid("media_locator", "empty")
	}
	if defaultBucket == "" {
		return "", "", policy.Invalid("media_locator", "no bucket for key "+key)
	}
	return defaultBucket, key, nil
}

// GetSignedMedia reads the object's type and length and presigns a GET that
// expires after the configured TTL.
func (r *S3Resolver) GetSignedMedia(ctx context.Context, locator string) (models.MediaDescriptor, error) {
	bucket, key, err := ParseLocator(locator, r.bucket)
	if err != nil {
		return models.MediaDescriptor{}, err
	}

	head, err := r.head.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return models.MediaDescriptor{}, policy.Invalid("media", fmt.Sprintf("s3://%s/%s not found", bucket, key))
		}
		return models.MediaDescriptor{}, fmt.Errorf("head object s3://%s/%s: %w", bucket, key, err)
	}
	length := aws.ToInt64(head.ContentLength)
	if length <= 0 {
		return models.MediaDescriptor{}, policy.Invalid("media", "content length must be positive")
	}

	signed, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
		s3.WithPresignExpires(r.ttl))
	if err != nil {
		return models.MediaDescriptor{}, fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}

	contentType := aws.ToString(head.ContentType)
	if contentType == "" {
		contentType = "video/mp4"
	}
	return models.MediaDescriptor{
		URL:           signed.URL,
		ContentType:   contentType,
		ContentLength: length,
		ExpiresAt:     r.now().Add(r.ttl).UTC(),
	}, nil
}
