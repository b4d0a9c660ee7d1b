// Package page renders the self-contained landing pages published for every
// issued link. A rendered page embeds the whole grant, so the only party it
// ever talks to is the storage endpoint the grant names. Rendering is
// deterministic: the same grant always produces the same bytes, which is what
// lets a retried publish write exactly what the first attempt did.
package page

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/s3wire/s3wire/internal/capability"
	"github.com/s3wire/s3wire/internal/policy"
)

// ContentType and CacheControl are the metadata every page is published with.
// Pages carry live expiry information, so nothing may cache them.
const (
	ContentType  = "text/html; charset=utf-8"
	CacheControl = "no-cache, no-store, must-revalidate"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// ErrNoConfig is returned by ParseUploadConfig when the page carries no
// embedded grant.
var ErrNoConfig = errors.New("page: no upload config found")

// UploadKey returns the hosting bucket key the upload page for id lives at.
func UploadKey(id string) string { return "u/" + id + "/index.html" }

// DownloadKey returns the hosting bucket key the download page for id lives at.
func DownloadKey(id string) string { return "s/" + id + "/index.html" }

// UploadConfig is the machine readable grant embedded in an upload page as a
// single JSON literal. The page's script drives the form from it and nothing
// else.
type UploadConfig struct {
	URL          string            `json:"url"`
	Fields       map[string]string `json:"fields"`
	MaxSizeBytes int64             `json:"max_size_bytes"`
	AllowedTypes []string          `json:"allowed_types"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

type uploadData struct {
	Config       UploadConfig
	MaxHuman     string
	TypesHuman   string
	ExpiresHuman string
}

type downloadData struct {
	URL          string
	FileName     string
	ExpiresHuman string
}

// RenderUpload renders the upload page for one signed grant.
func RenderUpload(uc *capability.UploadCapability, c policy.Constraints) ([]byte, error) {
	data := uploadData{
		Config: UploadConfig{
			URL:          uc.URL,
			Fields:       uc.Fields,
			MaxSizeBytes: c.MaxSizeBytes,
			AllowedTypes: c.ContentType.Patterns,
			ExpiresAt:    uc.ExpiresAt.UTC(),
		},
		MaxHuman:     HumanSize(c.MaxSizeBytes),
		TypesHuman:   humanTypes(c.ContentType.Patterns),
		ExpiresHuman: uc.ExpiresAt.UTC().Format("2006-01-02 15:04:05 UTC"),
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "upload.html.tmpl", data); err != nil {
		return nil, fmt.Errorf("page: failed to render upload page: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderDownload renders the download page for one signed URL. The file name
// shown is the base name of the source key; the link itself is the signed URL.
func RenderDownload(dc *capability.DownloadCapability) ([]byte, error) {
	data := downloadData{
		URL:          dc.URL,
		FileName:     path.Base(dc.Key),
		ExpiresHuman: dc.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"),
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "download.html.tmpl", data); err != nil {
		return nil, fmt.Errorf("page: failed to render download page: %w", err)
	}
	return buf.Bytes(), nil
}

var uploadConfigRe = regexp.MustCompile(`const UPLOAD_CONFIG = (.+);`)

// ParseUploadConfig extracts the embedded grant back out of a rendered upload
// page. It is the inverse of RenderUpload's embedding; tests and tooling use
// it to verify what a page actually grants.
func ParseUploadConfig(body []byte) (*UploadConfig, error) {
	m := uploadConfigRe.FindSubmatch(body)
	if m == nil {
		return nil, ErrNoConfig
	}
	var cfg UploadConfig
	if err := json.Unmarshal(m[1], &cfg); err != nil {
		return nil, fmt.Errorf("page: failed to decode upload config: %w", err)
	}
	return &cfg, nil
}

// HumanSize formats a byte count the way the pages and the CLI display it.
func HumanSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func humanTypes(patterns []string) string {
	if len(patterns) == 1 && patterns[0] == policy.Wildcard {
		return "any file type"
	}
	return strings.Join(patterns, ", ")
}
