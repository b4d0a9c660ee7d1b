package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/s3wire/s3wire/internal/capability"
	"github.com/s3wire/s3wire/internal/policy"
)

// GCSConfig configures the Google Cloud Storage backend. GoogleAccessID and
// PrivateKey name the service account grants are signed as; when left empty
// the client attempts to derive them from its own credentials.
type GCSConfig struct {
	StorageBucket  string
	HostingBucket  string
	GoogleAccessID string
	PrivateKey     []byte
}

// GCS signs grants and publishes pages against Google Cloud Storage.
type GCS struct {
	client        *gcs.Client
	storageBucket string
	hostingBucket string
	accessID      string
	privateKey    []byte
}

// NewGCS creates a GCS backend. opts are passed through to the underlying
// client, allowing credential injection.
func NewGCS(ctx context.Context, cfg GCSConfig, opts ...option.ClientOption) (*GCS, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create GCS client: %w", err)
	}
	return &GCS{
		client:        client,
		storageBucket: cfg.StorageBucket,
		hostingBucket: cfg.HostingBucket,
		accessID:      cfg.GoogleAccessID,
		privateKey:    cfg.PrivateKey,
	}, nil
}

// SignUpload mints a signed POST policy for the storage bucket. An exact
// content type is pinned through the policy's form fields; a prefix or
// open condition is carried as a starts-with condition the bucket enforces.
func (g *GCS) SignUpload(ctx context.Context, c policy.Constraints, expiresAt time.Time) (*capability.UploadCapability, error) {
	opts := &gcs.PostPolicyV4Options{
		GoogleAccessID: g.accessID,
		PrivateKey:     g.privateKey,
		Expires:        expiresAt,
		Conditions: []gcs.PostPolicyV4Condition{
			gcs.ConditionContentLengthRange(0, uint64(c.MaxSizeBytes)),
		},
	}
	if ct := c.ContentType; ct.Exact != "" {
		opts.Fields = &gcs.PolicyV4Fields{ContentType: ct.Exact}
	} else {
		opts.Conditions = append(opts.Conditions, gcs.ConditionStartsWith("$Content-Type", ct.Prefix))
	}

	pol, err := g.client.Bucket(g.storageBucket).GenerateSignedPostPolicyV4(c.Key, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to sign post policy for %q: %w", c.Key, err)
	}

	return &capability.UploadCapability{
		URL:       pol.URL,
		Fields:    pol.Fields,
		Bucket:    g.storageBucket,
		Key:       c.Key,
		ExpiresAt: expiresAt,
	}, nil
}

// SignDownload mints a signed GET URL for an object in the storage bucket.
func (g *GCS) SignDownload(ctx context.Context, key string, expiresAt time.Time) (*capability.DownloadCapability, error) {
	url, err := g.client.Bucket(g.storageBucket).SignedURL(key, &gcs.SignedURLOptions{
		GoogleAccessID: g.accessID,
		PrivateKey:     g.privateKey,
		Method:         "GET",
		Expires:        expiresAt,
		Scheme:         gcs.SigningSchemeV4,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to sign URL for %q: %w", key, err)
	}

	return &capability.DownloadCapability{
		URL:       url,
		Bucket:    g.storageBucket,
		Key:       key,
		ExpiresAt: expiresAt,
	}, nil
}

// PutPage publishes a page to the hosting bucket, conditional on the object
// not existing yet.
func (g *GCS) PutPage(ctx context.Context, p *Page) error {
	obj := g.client.Bucket(g.hostingBucket).Object(p.Key).If(gcs.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = p.ContentType
	w.CacheControl = p.CacheControl

	if _, err := w.Write(p.Body); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: failed to write page %q: %w", p.Key, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("storage: put page %q: %w", p.Key, ErrPageExists)
		}
		return fmt.Errorf("storage: failed to write page %q: %w", p.Key, err)
	}
	return nil
}

// Stat looks up an object in the storage bucket.
func (g *GCS) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.storageBucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("storage: stat %q: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("storage: failed to stat %q: %w", key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}, nil
}

// ApplyRetention replaces the bucket's lifecycle configuration with one
// delete rule per retention rule.
func (g *GCS) ApplyRetention(ctx context.Context, bucket string, rules []RetentionRule) error {
	lifecycle := &gcs.Lifecycle{}
	for _, r := range rules {
		if r.MaxAge <= 0 {
			return fmt.Errorf("storage: retention age must be positive for prefix %q", r.Prefix)
		}
		lifecycle.Rules = append(lifecycle.Rules, gcs.LifecycleRule{
			Action: gcs.LifecycleAction{Type: gcs.DeleteAction},
			Condition: gcs.LifecycleCondition{
				AgeInDays:     int64(wholeDays(r.MaxAge)),
				MatchesPrefix: []string{r.Prefix},
			},
		})
	}
	_, err := g.client.Bucket(bucket).Update(ctx, gcs.BucketAttrsToUpdate{Lifecycle: lifecycle})
	if err != nil {
		return fmt.Errorf("storage: failed to apply retention on %q: %w", bucket, err)
	}
	return nil
}
