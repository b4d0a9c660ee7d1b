// Package issue orchestrates link issuance. An upload link is minted in a
// fixed order: validate the policy, allocate an identifier, sign the grant,
// render the landing page, publish it create-only. The issuer keeps no record
// of anything it minted: every issued link lives entirely in the storage
// backend, as a signed grant embedded in a published page.
package issue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/s3wire/s3wire/internal/capability"
	"github.com/s3wire/s3wire/internal/metrics"
	"github.com/s3wire/s3wire/internal/page"
	"github.com/s3wire/s3wire/internal/policy"
	"github.com/s3wire/s3wire/internal/shortid"
	"github.com/s3wire/s3wire/internal/storage"
)

// DefaultAttempts bounds how many identifiers are tried when publishing keeps
// hitting existing pages. At the default identifier length a single collision
// is already remarkable, so a small bound only guards against a miswired or
// full hosting bucket.
const DefaultAttempts = 3

// DefaultDownloadTTL is the validity of download links when the caller does
// not choose one.
const DefaultDownloadTTL = 6 * time.Hour

// ErrExhausted is returned when every allocation attempt landed on a taken
// identifier. It indicates a systemic problem, not bad luck.
var ErrExhausted = errors.New("issue: allocation attempts exhausted")

// Config configures an Issuer.
type Config struct {
	// Allocator draws page identifiers; nil selects the default length
	// backed by crypto/rand.
	Allocator *shortid.Allocator

	// Signer mints grants and Pages publishes landing pages. They normally
	// point at the same backend.
	Signer capability.Signer
	Pages  storage.PageStore

	// Checker looks up download sources; only needed for download links.
	Checker storage.ObjectChecker

	// BaseURL is the public root published pages are served from, e.g.
	// "https://up.example.com".
	BaseURL string

	// Attempts bounds identifier allocation retries; non-positive selects
	// DefaultAttempts.
	Attempts int

	Logger *zap.Logger
}

// Issuer mints upload and download links.
type Issuer struct {
	alloc    *shortid.Allocator
	signer   capability.Signer
	pages    storage.PageStore
	checker  storage.ObjectChecker
	baseURL  string
	attempts int
	logger   *zap.Logger

	now     func() time.Time
	backoff func() retry.Backoff
}

// New creates an Issuer from cfg.
func New(cfg Config) *Issuer {
	alloc := cfg.Allocator
	if alloc == nil {
		alloc = shortid.New(0)
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		alloc:    alloc,
		signer:   cfg.Signer,
		pages:    cfg.Pages,
		checker:  cfg.Checker,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		attempts: attempts,
		logger:   logger,
		now:      time.Now,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
		},
	}
}

// Result describes an issued link.
type Result struct {
	// URL is the public landing page address handed to the recipient.
	URL string `json:"url"`

	// ID is the page identifier the URL embeds.
	ID string `json:"id"`

	// Bucket and Key name where the object lives, or will.
	Bucket string `json:"bucket"`
	Key    string `json:"key"`

	// ExpiresAt is exactly the issuance instant plus the requested TTL.
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueUpload issues one upload link under the given policy. The policy is
// validated before anything else happens, so a rejected policy has no side
// effects anywhere: no identifier drawn, nothing signed, nothing published.
func (i *Issuer) IssueUpload(ctx context.Context, p policy.Policy) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, i.fail("policy", err)
	}

	expiresAt := i.now().Add(p.TTL).UTC()

	for attempt := 1; attempt <= i.attempts; attempt++ {
		id, err := i.alloc.Allocate()
		if err != nil {
			return nil, i.fail("allocate", fmt.Errorf("issue: allocate identifier: %w", err))
		}

		c := p.Constraints(id)
		uc, err := i.signer.SignUpload(ctx, c, expiresAt)
		if err != nil {
			return nil, i.fail("sign", fmt.Errorf("issue: sign upload grant: %w", err))
		}

		body, err := page.RenderUpload(uc, c)
		if err != nil {
			return nil, i.fail("render", fmt.Errorf("issue: render upload page: %w", err))
		}

		err = i.publish(ctx, &storage.Page{
			Key:          page.UploadKey(id),
			Body:         body,
			ContentType:  page.ContentType,
			CacheControl: page.CacheControl,
		})
		if errors.Is(err, storage.ErrPageExists) {
			metrics.AllocationCollisions.Inc()
			i.logger.Warn("identifier already taken, allocating another",
				zap.String("id", id),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, i.fail("publish", err)
		}

		metrics.LinksIssued.WithLabelValues("upload").Inc()
		i.logger.Info("upload link issued",
			zap.String("id", id),
			zap.String("key", uc.Key),
			zap.Time("expires_at", expiresAt))
		return &Result{
			URL:       i.pageURL("u", id),
			ID:        id,
			Bucket:    uc.Bucket,
			Key:       uc.Key,
			ExpiresAt: expiresAt,
		}, nil
	}

	return nil, i.fail("exhausted", fmt.Errorf("%w after %d attempts", ErrExhausted, i.attempts))
}

// DownloadRequest describes a download link to issue.
type DownloadRequest struct {
	// Key is the source object in the storage bucket.
	Key string

	// TTL is how long the link stays valid; zero selects DefaultDownloadTTL.
	TTL time.Duration
}

// IssueDownload issues a download link for an existing object. The source is
// checked first; a missing object fails issuance before anything is signed or
// published.
func (i *Issuer) IssueDownload(ctx context.Context, req DownloadRequest) (*Result, error) {
	if req.Key == "" {
		return nil, i.fail("policy", fmt.Errorf("%w: source key is required", policy.ErrInvalid))
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = DefaultDownloadTTL
	}
	if ttl < policy.MinTTL {
		return nil, i.fail("policy", fmt.Errorf("%w: ttl %s is below the minimum of %s", policy.ErrInvalid, ttl, policy.MinTTL))
	}

	if _, err := i.checker.Stat(ctx, req.Key); err != nil {
		return nil, i.fail("source", err)
	}

	expiresAt := i.now().Add(ttl).UTC()

	dc, err := i.signer.SignDownload(ctx, req.Key, expiresAt)
	if err != nil {
		return nil, i.fail("sign", fmt.Errorf("issue: sign download grant: %w", err))
	}
	body, err := page.RenderDownload(dc)
	if err != nil {
		return nil, i.fail("render", fmt.Errorf("issue: render download page: %w", err))
	}

	for attempt := 1; attempt <= i.attempts; attempt++ {
		id, err := i.alloc.Allocate()
		if err != nil {
			return nil, i.fail("allocate", fmt.Errorf("issue: allocate identifier: %w", err))
		}

		err = i.publish(ctx, &storage.Page{
			Key:          page.DownloadKey(id),
			Body:         body,
			ContentType:  page.ContentType,
			CacheControl: page.CacheControl,
		})
		if errors.Is(err, storage.ErrPageExists) {
			metrics.AllocationCollisions.Inc()
			i.logger.Warn("identifier already taken, allocating another",
				zap.String("id", id),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, i.fail("publish", err)
		}

		metrics.LinksIssued.WithLabelValues("download").Inc()
		i.logger.Info("download link issued",
			zap.String("id", id),
			zap.String("key", dc.Key),
			zap.Time("expires_at", expiresAt))
		return &Result{
			URL:       i.pageURL("s", id),
			ID:        id,
			Bucket:    dc.Bucket,
			Key:       dc.Key,
			ExpiresAt: expiresAt,
		}, nil
	}

	return nil, i.fail("exhausted", fmt.Errorf("%w after %d attempts", ErrExhausted, i.attempts))
}

// publish writes the page, retrying transient failures with the very same
// bytes. ErrPageExists on the first write means the identifier is taken.
// After a failed write it means an earlier try actually landed, which counts
// as success precisely because retries carry identical bytes.
func (i *Issuer) publish(ctx context.Context, pg *storage.Page) error {
	wrote := false
	err := retry.Do(ctx, i.backoff(), func(ctx context.Context) error {
		err := i.pages.PutPage(ctx, pg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrPageExists):
			if wrote {
				return nil
			}
			return err
		default:
			wrote = true
			i.logger.Warn("page publish failed, retrying",
				zap.String("key", pg.Key),
				zap.Error(err))
			return retry.RetryableError(err)
		}
	})
	if err != nil && !errors.Is(err, storage.ErrPageExists) {
		return fmt.Errorf("issue: publish page %q: %w", pg.Key, err)
	}
	return err
}

func (i *Issuer) pageURL(prefix, id string) string {
	return i.baseURL + "/" + prefix + "/" + id + "/"
}

func (i *Issuer) fail(stage string, err error) error {
	metrics.IssuanceFailures.WithLabelValues(stage).Inc()
	return err
}
