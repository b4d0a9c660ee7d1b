package issue

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3wire/s3wire/internal/capability"
	"github.com/s3wire/s3wire/internal/page"
	"github.com/s3wire/s3wire/internal/policy"
	"github.com/s3wire/s3wire/internal/shortid"
	"github.com/s3wire/s3wire/internal/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSigner struct {
	uploads   int
	downloads int
	err       error
}

func (f *fakeSigner) SignUpload(_ context.Context, c policy.Constraints, expiresAt time.Time) (*capability.UploadCapability, error) {
	f.uploads++
	if f.err != nil {
		return nil, f.err
	}
	return &capability.UploadCapability{
		URL:       "https://uploads.example.com/",
		Fields:    map[string]string{"key": c.Key, "policy": "doc", "signature": "sig"},
		Bucket:    "uploads",
		Key:       c.Key,
		ExpiresAt: expiresAt,
	}, nil
}

func (f *fakeSigner) SignDownload(_ context.Context, key string, expiresAt time.Time) (*capability.DownloadCapability, error) {
	f.downloads++
	if f.err != nil {
		return nil, f.err
	}
	return &capability.DownloadCapability{
		URL:       "https://uploads.example.com/" + key + "?signature=sig",
		Bucket:    "uploads",
		Key:       key,
		ExpiresAt: expiresAt,
	}, nil
}

// fakePages scripts PutPage outcomes: one entry per call, nil meaning
// success. Calls beyond the script succeed.
type fakePages struct {
	errs  []error
	pages []*storage.Page
}

func (f *fakePages) PutPage(_ context.Context, p *storage.Page) error {
	body := append([]byte(nil), p.Body...)
	cp := *p
	cp.Body = body
	f.pages = append(f.pages, &cp)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type fakeChecker struct {
	calls int
	info  *storage.ObjectInfo
	err   error
}

func (f *fakeChecker) Stat(_ context.Context, key string) (*storage.ObjectInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

// countingReader fails every read but records that it was consulted at all.
type countingReader struct{ reads int }

func (r *countingReader) Read([]byte) (int, error) {
	r.reads++
	return 0, errors.New("no randomness expected here")
}

func newTestIssuer(cfg Config) *Issuer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://up.example.com"
	}
	i := New(cfg)
	i.now = func() time.Time { return testNow }
	i.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}
	return i
}

func TestIssueUploadExactExpiry(t *testing.T) {
	i := newTestIssuer(Config{Signer: &fakeSigner{}, Pages: &fakePages{}})

	p := policy.Default()
	p.TTL = 90 * time.Minute

	res, err := i.IssueUpload(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(90*time.Minute), res.ExpiresAt)
}

func TestIssueUploadDistinctIdentifiers(t *testing.T) {
	// Two draws from a scripted source with different bytes must yield two
	// different links.
	src := bytes.NewReader([]byte{
		0, 0, 0, 0, 0, 0, 0, 0,
		1, 1, 1, 1, 1, 1, 1, 1,
	})
	i := newTestIssuer(Config{
		Allocator: shortid.NewWithRand(8, src),
		Signer:    &fakeSigner{},
		Pages:     &fakePages{},
	})

	first, err := i.IssueUpload(context.Background(), policy.Default())
	require.NoError(t, err)
	second, err := i.IssueUpload(context.Background(), policy.Default())
	require.NoError(t, err)

	assert.Equal(t, "AAAAAAAA", first.ID)
	assert.Equal(t, "BBBBBBBB", second.ID)
	assert.NotEqual(t, first.URL, second.URL)
}

func TestIssueUploadResult(t *testing.T) {
	pages := &fakePages{}
	i := newTestIssuer(Config{Signer: &fakeSigner{}, Pages: pages})

	res, err := i.IssueUpload(context.Background(), policy.Default())
	require.NoError(t, err)

	assert.Equal(t, "https://up.example.com/u/"+res.ID+"/", res.URL)
	assert.Equal(t, "uploads", res.Bucket)
	assert.Equal(t, "inbox/upload-"+res.ID, res.Key)

	require.Len(t, pages.pages, 1)
	pg := pages.pages[0]
	assert.Equal(t, "u/"+res.ID+"/index.html", pg.Key)
	assert.Equal(t, page.ContentType, pg.ContentType)
	assert.Equal(t, page.CacheControl, pg.CacheControl)
}

func TestIssueUploadInvalidPolicyHasNoSideEffects(t *testing.T) {
	signer := &fakeSigner{}
	pages := &fakePages{}
	source := &countingReader{}
	i := newTestIssuer(Config{
		Allocator: shortid.NewWithRand(8, source),
		Signer:    signer,
		Pages:     pages,
	})

	p := policy.Default()
	p.TTL = 0

	_, err := i.IssueUpload(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrInvalid)
	assert.Zero(t, source.reads, "no identifier may be drawn for a rejected policy")
	assert.Zero(t, signer.uploads, "nothing may be signed for a rejected policy")
	assert.Empty(t, pages.pages, "nothing may be published for a rejected policy")
}

func TestIssueUploadCollisionAllocatesFresh(t *testing.T) {
	pages := &fakePages{errs: []error{storage.ErrPageExists}}
	i := newTestIssuer(Config{Signer: &fakeSigner{}, Pages: pages})

	res, err := i.IssueUpload(context.Background(), policy.Default())
	require.NoError(t, err)
	require.NotNil(t, res)

	require.Len(t, pages.pages, 2)
	assert.NotEqual(t, pages.pages[0].Key, pages.pages[1].Key, "a collision must move to a fresh identifier")
}

func TestIssueUploadExhaustsAttempts(t *testing.T) {
	pages := &fakePages{errs: []error{storage.ErrPageExists, storage.ErrPageExists, storage.ErrPageExists}}
	i := newTestIssuer(Config{Signer: &fakeSigner{}, Pages: pages, Attempts: 3})

	_, err := i.IssueUpload(context.Background(), policy.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Len(t, pages.pages, 3)
}

func TestIssueUploadRetriesPublishWithSameBytes(t *testing.T) {
	transient := errors.New("storage: connection reset")
	pages := &fakePages{errs: []error{transient}}
	i := newTestIssuer(Config{Signer: &fakeSigner{}, Pages: pages})

	_, err := i.IssueUpload(context.Background(), policy.Default())
	require.NoError(t, err)

	require.Len(t, pages.pages, 2)
	assert.Equal(t, pages.pages[0].Key, pages.pages[1].Key)
	assert.Equal(t, pages.pages[0].Body, pages.pages[1].Body, "a publish retry must carry identical bytes")
}

func TestIssueUploadRetryTreatsExistingPageAsLanded(t *testing.T) {
	// If the first write failed in flight but actually landed, the retry sees
	// the page in place. That is success, not a collision: the bytes match.
	transient := errors.New("storage: timeout awaiting response")
	pages := &fakePages{errs: []error{transient, storage.ErrPageExists}}
	i := newTestIssuer(Config{Signer: &fakeSigner{}, Pages: pages})

	res, err := i.IssueUpload(context.Background(), policy.Default())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, pages.pages, 2)
}

func TestIssueUploadSigningFailureIsFatal(t *testing.T) {
	boom := errors.New("storage: failed to sign post policy")
	signer := &fakeSigner{err: boom}
	pages := &fakePages{}
	i := newTestIssuer(Config{Signer: signer, Pages: pages})

	_, err := i.IssueUpload(context.Background(), policy.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, signer.uploads, "signing failures must not be retried")
	assert.Empty(t, pages.pages)
}

func TestIssueUploadPublishFailureAfterRetries(t *testing.T) {
	transient := errors.New("storage: connection reset")
	pages := &fakePages{errs: []error{transient, transient, transient}}
	i := newTestIssuer(Config{Signer: &fakeSigner{}, Pages: pages})

	_, err := i.IssueUpload(context.Background(), policy.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Len(t, pages.pages, 3)
}

func TestIssueDownload(t *testing.T) {
	signer := &fakeSigner{}
	pages := &fakePages{}
	checker := &fakeChecker{info: &storage.ObjectInfo{Key: "inbox/report.pdf", Size: 42}}
	i := newTestIssuer(Config{Signer: signer, Pages: pages, Checker: checker})

	res, err := i.IssueDownload(context.Background(), DownloadRequest{Key: "inbox/report.pdf", TTL: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, "https://up.example.com/s/"+res.ID+"/", res.URL)
	assert.Equal(t, "inbox/report.pdf", res.Key)
	assert.Equal(t, testNow.Add(time.Hour), res.ExpiresAt)
	assert.Equal(t, 1, checker.calls)

	require.Len(t, pages.pages, 1)
	assert.Equal(t, "s/"+res.ID+"/index.html", pages.pages[0].Key)
	assert.Contains(t, string(pages.pages[0].Body), "report.pdf")
}

func TestIssueDownloadDefaultTTL(t *testing.T) {
	checker := &fakeChecker{info: &storage.ObjectInfo{Key: "inbox/report.pdf"}}
	i := newTestIssuer(Config{Signer: &fakeSigner{}, Pages: &fakePages{}, Checker: checker})

	res, err := i.IssueDownload(context.Background(), DownloadRequest{Key: "inbox/report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(DefaultDownloadTTL), res.ExpiresAt)
}

func TestIssueDownloadMissingSource(t *testing.T) {
	signer := &fakeSigner{}
	pages := &fakePages{}
	checker := &fakeChecker{err: storage.ErrObjectNotFound}
	i := newTestIssuer(Config{Signer: signer, Pages: pages, Checker: checker})

	_, err := i.IssueDownload(context.Background(), DownloadRequest{Key: "inbox/missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	assert.Zero(t, signer.downloads, "nothing may be signed for a missing source")
	assert.Empty(t, pages.pages)
}

func TestIssueUploadEndToEndAgainstMemory(t *testing.T) {
	m := storage.NewMemory(storage.MemoryConfig{StorageBucket: "uploads", HostingBucket: "pages"})
	i := New(Config{Signer: m, Pages: m, Checker: m, BaseURL: "https://up.example.com"})

	p := policy.Default()
	p.MaxSizeBytes = 64
	p.AllowedTypes = []string{"text/plain"}

	res, err := i.IssueUpload(context.Background(), p)
	require.NoError(t, err)

	// The published page embeds the grant; what it grants is exactly what
	// the backend accepts.
	obj, ok := m.Object("pages", page.UploadKey(res.ID))
	require.True(t, ok, "page must be published")
	assert.Equal(t, page.ContentType, obj.ContentType)
	assert.Equal(t, page.CacheControl, obj.CacheControl)

	cfg, err := page.ParseUploadConfig(obj.Body)
	require.NoError(t, err)

	uc := &capability.UploadCapability{URL: cfg.URL, Fields: cfg.Fields, Key: res.Key}
	require.NoError(t, m.Upload(uc, "text/plain", []byte("hello")))
	assert.ErrorIs(t, m.Upload(uc, "text/plain", make([]byte, 65)), storage.ErrGrantRejected)
	assert.ErrorIs(t, m.Upload(uc, "application/json", []byte("x")), storage.ErrGrantRejected)

	info, err := m.Stat(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	dl, err := i.IssueDownload(context.Background(), DownloadRequest{Key: res.Key})
	require.NoError(t, err)
	pageObj, ok := m.Object("pages", page.DownloadKey(dl.ID))
	require.True(t, ok)
	assert.Contains(t, string(pageObj.Body), "upload-"+res.ID)
}