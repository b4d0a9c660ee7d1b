package storage

import (
	"context"
	"errors"
	"time"
)

// ErrPageExists is returned by PageStore.PutPage when the target key is
// already taken. The existing object is left untouched; callers treat this as
// an identifier collision and allocate a fresh one.
var ErrPageExists = errors.New("storage: page already exists")

// ErrObjectNotFound is returned by Stat when the requested object does not
// exist in the storage bucket.
var ErrObjectNotFound = errors.New("storage: object not found")

// Page is a rendered landing page ready to publish to the hosting bucket.
type Page struct {
	// Key is the object path within the hosting bucket, e.g. "u/Ab3xYz01/index.html".
	Key string

	// Body is the complete page content. Publishing must write these bytes
	// verbatim so a retried publish is indistinguishable from the first.
	Body []byte

	// ContentType is the MIME type the page is served with.
	ContentType string

	// CacheControl is the cache policy the page is served with. Pages carry
	// live expiry information, so they are normally published uncacheable.
	CacheControl string
}

// PageStore publishes landing pages to the hosting bucket.
type PageStore interface {
	// PutPage writes the page create-only: if the key is taken the call
	// fails with ErrPageExists and changes nothing.
	PutPage(ctx context.Context, p *Page) error
}

// ObjectInfo describes an object in the storage bucket.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ObjectChecker reports on source objects in the storage bucket. Download
// grants are only issued for objects that exist.
type ObjectChecker interface {
	// Stat returns metadata for the object at key, or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

// RetentionRule expires objects under a key prefix once they reach MaxAge.
// Both hosted providers apply lifecycle rules with whole-day granularity, so
// ages round up to the next full day.
type RetentionRule struct {
	Prefix string
	MaxAge time.Duration
}

// Provisioner installs bucket-level retention. Issuance keeps no record of
// what it published, so expiry of stale pages and unclaimed uploads is
// entirely the backend's responsibility.
type Provisioner interface {
	// ApplyRetention replaces the bucket's lifecycle configuration with the
	// given rules.
	ApplyRetention(ctx context.Context, bucket string, rules []RetentionRule) error
}
