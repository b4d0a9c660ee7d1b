// Package capability defines the signed, time-bound grants handed to upload
// and download pages, and the Signer interface storage backends implement to
// mint them. A capability is self-contained: the holder needs no further call
// to the issuer, and the issuer keeps no record of what it signed.
package capability

import (
	"context"
	"time"

	"github.com/s3wire/s3wire/internal/policy"
)

// UploadCapability authorizes exactly one kind of write: a multipart form
// POST of a single object satisfying the constraints signed into it. The
// backend verifies the signature and constraints itself when the form
// arrives; nothing here grants read, list or delete access.
type UploadCapability struct {
	// URL is the endpoint the form is posted to.
	URL string `json:"url"`

	// Fields are the form fields that must accompany the file, exactly as
	// signed. The file part must be the last part of the form; backends
	// ignore anything after it.
	Fields map[string]string `json:"fields"`

	Bucket string `json:"bucket"`
	Key    string `json:"key"`

	// ExpiresAt is the instant the grant stops being accepted.
	ExpiresAt time.Time `json:"expires_at"`
}

// DownloadCapability authorizes reads of one object until it expires.
type DownloadCapability struct {
	URL       string    `json:"url"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Signer mints capabilities against one storage backend. Implementations
// sign locally without touching backend state, so a signing failure leaves
// nothing behind to clean up. The expiry is passed as an absolute instant
// and must be honoured as signed; implementations must not extend it.
type Signer interface {
	SignUpload(ctx context.Context, c policy.Constraints, expiresAt time.Time) (*UploadCapability, error)
	SignDownload(ctx context.Context, key string, expiresAt time.Time) (*DownloadCapability, error)
}
