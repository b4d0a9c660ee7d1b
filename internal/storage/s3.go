// Package storage provides the backend operations capability issuance rests
// on: minting signed upload and download grants against the storage bucket,
// publishing landing pages create-only to the hosting bucket, checking source
// objects and installing retention. S3 is the production backend; GCS and an
// in-process memory backend implement the same surface.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/s3wire/s3wire/internal/capability"
	"github.com/s3wire/s3wire/internal/policy"
)

// S3Config configures the S3 backend. Endpoint and PathStyle exist for
// S3-compatible stores such as MinIO; when AccessKeyID is empty credentials
// come from the default AWS chain.
type S3Config struct {
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// StorageBucket receives uploaded objects and is where download sources
	// are looked up. HostingBucket holds published pages and is the one
	// served from the public domain.
	StorageBucket string
	HostingBucket string
}

// S3 signs grants and publishes pages against Amazon S3 or a compatible
// store. Signing happens locally from credentials, so minting a grant makes
// no network call and cannot leave partial state behind.
type S3 struct {
	client        *s3.Client
	presign       *s3.PresignClient
	storageBucket string
	hostingBucket string
}

// NewS3 creates an S3 backend from cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3{
		client:        client,
		presign:       s3.NewPresignClient(client),
		storageBucket: cfg.StorageBucket,
		hostingBucket: cfg.HostingBucket,
	}, nil
}

// SignUpload mints a presigned POST grant for the storage bucket. The size
// ceiling and content type condition are encoded into the signed policy
// document, so S3 itself rejects any form that violates them.
func (s *S3) SignUpload(ctx context.Context, c policy.Constraints, expiresAt time.Time) (*capability.UploadCapability, error) {
	conditions := []interface{}{
		[]interface{}{"content-length-range", int64(0), c.MaxSizeBytes},
	}
	if ct := c.ContentType; ct.Exact != "" {
		conditions = append(conditions, []interface{}{"eq", "$Content-Type", ct.Exact})
	} else {
		conditions = append(conditions, []interface{}{"starts-with", "$Content-Type", ct.Prefix})
	}

	req, err := s.presign.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.storageBucket),
		Key:    aws.String(c.Key),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = time.Until(expiresAt)
		o.Conditions = conditions
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to presign POST for %q: %w", c.Key, err)
	}

	return &capability.UploadCapability{
		URL:       req.URL,
		Fields:    req.Values,
		Bucket:    s.storageBucket,
		Key:       c.Key,
		ExpiresAt: expiresAt,
	}, nil
}

// SignDownload mints a presigned GET URL for an object in the storage bucket.
func (s *S3) SignDownload(ctx context.Context, key string, expiresAt time.Time) (*capability.DownloadCapability, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.storageBucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = time.Until(expiresAt)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to presign GET for %q: %w", key, err)
	}

	return &capability.DownloadCapability{
		URL:       req.URL,
		Bucket:    s.storageBucket,
		Key:       key,
		ExpiresAt: expiresAt,
	}, nil
}

// PutPage publishes a page to the hosting bucket. The write carries
// If-None-Match: * so an existing object turns the call into ErrPageExists
// rather than an overwrite.
func (s *S3) PutPage(ctx context.Context, p *Page) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.hostingBucket),
		Key:          aws.String(p.Key),
		Body:         bytes.NewReader(p.Body),
		ContentType:  aws.String(p.ContentType),
		CacheControl: aws.String(p.CacheControl),
		IfNoneMatch:  aws.String("*"),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("storage: put page %q: %w", p.Key, ErrPageExists)
		}
		return fmt.Errorf("storage: failed to put page %q: %w", p.Key, err)
	}
	return nil
}

// Stat looks up an object in the storage bucket.
func (s *S3) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.storageBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("storage: stat %q: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("storage: failed to stat %q: %w", key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// ApplyRetention replaces the bucket's lifecycle configuration with one
// expiration rule per retention rule.
func (s *S3) ApplyRetention(ctx context.Context, bucket string, rules []RetentionRule) error {
	cfg := &s3types.BucketLifecycleConfiguration{}
	for _, r := range rules {
		if r.MaxAge <= 0 {
			return fmt.Errorf("storage: retention age must be positive for prefix %q", r.Prefix)
		}
		cfg.Rules = append(cfg.Rules, s3types.LifecycleRule{
			ID:     aws.String("expire-" + strings.Trim(r.Prefix, "/")),
			Status: s3types.ExpirationStatusEnabled,
			Filter: &s3types.LifecycleRuleFilter{
				Prefix: aws.String(r.Prefix),
			},
			Expiration: &s3types.LifecycleExpiration{
				Days: aws.Int32(wholeDays(r.MaxAge)),
			},
		})
	}
	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 aws.String(bucket),
		LifecycleConfiguration: cfg,
	})
	if err != nil {
		return fmt.Errorf("storage: failed to apply retention on %q: %w", bucket, err)
	}
	return nil
}

// wholeDays converts an age to the day count lifecycle rules accept, rounding
// up so retention never fires early.
func wholeDays(d time.Duration) int32 {
	const day = 24 * time.Hour
	return int32((d + day - 1) / day)
}
