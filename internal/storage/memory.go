package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/s3wire/s3wire/internal/capability"
	"github.com/s3wire/s3wire/internal/policy"
)

// ErrGrantRejected is returned by Memory.Upload when a form does not satisfy
// the grant it carries: bad signature, expired, too large or a content type
// outside the signed condition.
var ErrGrantRejected = errors.New("storage: grant rejected")

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	StorageBucket string
	HostingBucket string

	// UploadURL is advertised as the form POST target. It defaults to a
	// memory scheme URL; the demo server points it at its own upload route.
	UploadURL string

	// DownloadURL is the base URL signed download links are built on. It
	// defaults to a memory scheme URL; the demo server points it at its own
	// download route.
	DownloadURL string
}

// Memory is an in-process backend with the same enforcement behaviour as the
// hosted ones: grants are HMAC signed over their constraints, and Upload
// accepts a form only while its grant verifies. It backs tests and the demo
// server; nothing it holds survives the process.
type Memory struct {
	cfg MemoryConfig
	key []byte
	now func() time.Time

	mu        sync.Mutex
	objects   map[string]*Object
	retention map[string][]RetentionRule
}

// Object is a stored object as the memory backend holds it.
type Object struct {
	Body         []byte
	ContentType  string
	CacheControl string
	CreatedAt    time.Time
}

// memoryGrant is the signed policy document carried in the grant form field.
// Expiry is held in whole seconds, matching the granularity of the hosted
// backends' policy documents.
type memoryGrant struct {
	Bucket            string `json:"bucket"`
	Key               string `json:"key"`
	MaxSizeBytes      int64  `json:"max_size_bytes"`
	ContentTypeExact  string `json:"content_type_exact,omitempty"`
	ContentTypePrefix string `json:"content_type_prefix,omitempty"`
	ExpiresUnix       int64  `json:"expires_unix"`
}

// NewMemory creates a memory backend with a fresh signing key.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.UploadURL == "" {
		cfg.UploadURL = "memory://" + cfg.StorageBucket
	}
	if cfg.DownloadURL == "" {
		cfg.DownloadURL = "memory://" + cfg.StorageBucket
	}
	key := make([]byte, 32)
	// crypto/rand never fails on supported platforms.
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return &Memory{
		cfg:       cfg,
		key:       key,
		now:       time.Now,
		objects:   make(map[string]*Object),
		retention: make(map[string][]RetentionRule),
	}
}

// SignUpload mints a grant whose constraints are signed into the form fields.
func (m *Memory) SignUpload(_ context.Context, c policy.Constraints, expiresAt time.Time) (*capability.UploadCapability, error) {
	grant := memoryGrant{
		Bucket:            m.cfg.StorageBucket,
		Key:               c.Key,
		MaxSizeBytes:      c.MaxSizeBytes,
		ContentTypeExact:  c.ContentType.Exact,
		ContentTypePrefix: c.ContentType.Prefix,
		ExpiresUnix:       expiresAt.Unix(),
	}
	doc, err := json.Marshal(grant)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to encode grant: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(doc)
	return &capability.UploadCapability{
		URL: m.cfg.UploadURL,
		Fields: map[string]string{
			"grant":     encoded,
			"signature": m.sign(encoded),
		},
		Bucket:    m.cfg.StorageBucket,
		Key:       c.Key,
		ExpiresAt: expiresAt,
	}, nil
}

// Upload replays what a hosted backend does when a signed form arrives: the
// grant's signature is verified, then every signed constraint is enforced
// against the submitted file. Acceptance stores the object; any rejection
// stores nothing. Expiry is exclusive: a form arriving in the expiry second
// is already refused.
func (m *Memory) Upload(uc *capability.UploadCapability, contentType string, body []byte) error {
	encoded := uc.Fields["grant"]
	if !hmac.Equal([]byte(m.sign(encoded)), []byte(uc.Fields["signature"])) {
		return fmt.Errorf("%w: signature mismatch", ErrGrantRejected)
	}
	doc, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: malformed grant", ErrGrantRejected)
	}
	var grant memoryGrant
	if err := json.Unmarshal(doc, &grant); err != nil {
		return fmt.Errorf("%w: malformed grant", ErrGrantRejected)
	}

	now := m.now()
	if now.Unix() >= grant.ExpiresUnix {
		return fmt.Errorf("%w: grant expired at %s", ErrGrantRejected, time.Unix(grant.ExpiresUnix, 0).UTC())
	}
	if int64(len(body)) > grant.MaxSizeBytes {
		return fmt.Errorf("%w: object exceeds %d bytes", ErrGrantRejected, grant.MaxSizeBytes)
	}
	cond := policy.TypeCondition{Exact: grant.ContentTypeExact, Prefix: grant.ContentTypePrefix}
	if !cond.Admits(contentType) {
		return fmt.Errorf("%w: content type %q not admitted", ErrGrantRejected, contentType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[grant.Bucket+"/"+grant.Key] = &Object{
		Body:        append([]byte(nil), body...),
		ContentType: contentType,
		CreatedAt:   now,
	}
	return nil
}

// SignDownload mints a signed URL for an object in the storage bucket.
func (m *Memory) SignDownload(_ context.Context, key string, expiresAt time.Time) (*capability.DownloadCapability, error) {
	token := fmt.Sprintf("%s/%s@%d", m.cfg.StorageBucket, key, expiresAt.Unix())
	return &capability.DownloadCapability{
		URL:       fmt.Sprintf("%s/%s?expires=%d&signature=%s", strings.TrimRight(m.cfg.DownloadURL, "/"), key, expiresAt.Unix(), m.sign(token)),
		Bucket:    m.cfg.StorageBucket,
		Key:       key,
		ExpiresAt: expiresAt,
	}, nil
}

// Download verifies a signed download link's token and returns the object it
// names. Expiry is exclusive, as with upload grants.
func (m *Memory) Download(key string, expiresUnix int64, signature string) (*Object, error) {
	token := fmt.Sprintf("%s/%s@%d", m.cfg.StorageBucket, key, expiresUnix)
	if !hmac.Equal([]byte(m.sign(token)), []byte(signature)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrGrantRejected)
	}
	if m.now().Unix() >= expiresUnix {
		return nil, fmt.Errorf("%w: link expired at %s", ErrGrantRejected, time.Unix(expiresUnix, 0).UTC())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[m.cfg.StorageBucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("storage: download %q: %w", key, ErrObjectNotFound)
	}
	return obj, nil
}

// PutPage publishes a page to the hosting bucket, create-only.
func (m *Memory) PutPage(_ context.Context, p *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.cfg.HostingBucket + "/" + p.Key
	if _, ok := m.objects[id]; ok {
		return fmt.Errorf("storage: put page %q: %w", p.Key, ErrPageExists)
	}
	m.objects[id] = &Object{
		Body:         append([]byte(nil), p.Body...),
		ContentType:  p.ContentType,
		CacheControl: p.CacheControl,
		CreatedAt:    m.now(),
	}
	return nil
}

// Stat looks up an object in the storage bucket.
func (m *Memory) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[m.cfg.StorageBucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("storage: stat %q: %w", key, ErrObjectNotFound)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.Body)),
		ContentType:  obj.ContentType,
		LastModified: obj.CreatedAt,
	}, nil
}

// ApplyRetention records the rules. The memory backend does not age objects
// out; tests inspect what would have been installed.
func (m *Memory) ApplyRetention(_ context.Context, bucket string, rules []RetentionRule) error {
	for _, r := range rules {
		if r.MaxAge <= 0 {
			return fmt.Errorf("storage: retention age must be positive for prefix %q", r.Prefix)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention[bucket] = append([]RetentionRule(nil), rules...)
	return nil
}

// HostingBucket returns the bucket pages publish into.
func (m *Memory) HostingBucket() string { return m.cfg.HostingBucket }

// Object returns a stored object by bucket and key.
func (m *Memory) Object(bucket, key string) (*Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	return obj, ok
}

// Retention returns the rules last applied to a bucket.
func (m *Memory) Retention(bucket string) []RetentionRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RetentionRule(nil), m.retention[bucket]...)
}

func (m *Memory) sign(payload string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
