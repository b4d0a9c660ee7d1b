// Package server provides the HTTP API for issuing upload and download links.
//
// Endpoints:
//
//	POST /v1/upload-links    issue an upload page for a policy
//	POST /v1/download-links  issue a download page for a stored object
//	GET  /healthz            liveness probe
//	GET  /metrics            Prometheus metrics
//
// When the server fronts the memory backend it additionally serves the
// published pages and accepts the signed forms itself, so the whole loop can
// be exercised without cloud credentials.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/s3wire/s3wire/internal/capability"
	"github.com/s3wire/s3wire/internal/issue"
	"github.com/s3wire/s3wire/internal/policy"
	"github.com/s3wire/s3wire/internal/storage"
)

// maxUploadBytes bounds how much of a demo upload the server will read before
// the grant check can reject it.
const maxUploadBytes = 1 << 30

// Config wires the server's collaborators.
type Config struct {
	Issuer *issue.Issuer
	Logger *zap.Logger

	// Memory enables the demo routes when the server fronts the in-process
	// backend: published pages are served back, upload forms accepted and
	// signed download links honoured.
	Memory *storage.Memory
}

// Server holds the dependencies shared across HTTP handlers.
type Server struct {
	issuer *issue.Issuer
	memory *storage.Memory
	logger *zap.Logger
	mux    *http.ServeMux
}

// New creates a Server wired to the given issuer.
func New(cfg Config) *Server {
	s := &Server{
		issuer: cfg.Issuer,
		memory: cfg.Memory,
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /v1/upload-links", s.handleIssueUpload)
	s.mux.HandleFunc("POST /v1/download-links", s.handleIssueDownload)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	if s.memory != nil {
		s.mux.HandleFunc("GET /u/{id}/", s.handleServePage)
		s.mux.HandleFunc("GET /s/{id}/", s.handleServePage)
		s.mux.HandleFunc("POST /upload", s.handleMemoryUpload)
		s.mux.HandleFunc("GET /files/{key...}", s.handleMemoryDownload)
	}

	return s
}

// ServeHTTP tags every request with an ID and logs its outcome.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	w.Header().Set("X-Request-Id", id)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.mux.ServeHTTP(rec, r)

	s.logger.Info("request",
		zap.String("request_id", id),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", time.Since(start)),
	)
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// issueUploadRequest is the JSON body for POST /v1/upload-links. Omitted
// fields fall back to the default policy.
type issueUploadRequest struct {
	TTL          string `json:"ttl,omitempty"`
	MaxSizeBytes int64  `json:"max_size_bytes,omitempty"`
	AllowedTypes string `json:"allowed_types,omitempty"`
	ObjectName   string `json:"object_name,omitempty"`
}

// issueDownloadRequest is the JSON body for POST /v1/download-links.
type issueDownloadRequest struct {
	Key string `json:"key"`
	TTL string `json:"ttl,omitempty"`
}

func (s *Server) handleIssueUpload(w http.ResponseWriter, r *http.Request) {
	var req issueUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p := policy.Default()
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ttl %q: %s", req.TTL, err))
			return
		}
		p.TTL = d
	}
	if req.MaxSizeBytes != 0 {
		p.MaxSizeBytes = req.MaxSizeBytes
	}
	if req.AllowedTypes != "" {
		types, err := policy.ParseTypes(req.AllowedTypes)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid allowed_types %q: %s", req.AllowedTypes, err))
			return
		}
		p.AllowedTypes = types
	}
	p.ObjectName = req.ObjectName

	res, err := s.issuer.IssueUpload(r.Context(), p)
	if err != nil {
		s.writeIssueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleIssueDownload(w http.ResponseWriter, r *http.Request) {
	var req issueDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	dr := issue.DownloadRequest{Key: req.Key}
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ttl %q: %s", req.TTL, err))
			return
		}
		dr.TTL = d
	}

	res, err := s.issuer.IssueDownload(r.Context(), dr)
	if err != nil {
		s.writeIssueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeIssueError maps issuance failures onto status codes: rejected policies
// are the caller's fault, a missing source is not found, identifier
// exhaustion asks the caller to retry later and everything else is a backend
// failure.
func (s *Server) writeIssueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, issue.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("issuance failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "issuance failed: "+err.Error())
	}
}

func (s *Server) handleServePage(w http.ResponseWriter, r *http.Request) {
	kind := "u"
	if strings.HasPrefix(r.URL.Path, "/s/") {
		kind = "s"
	}
	key := kind + "/" + r.PathValue("id") + "/index.html"

	obj, ok := s.memory.Object(s.memory.HostingBucket(), key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("page %q not found", key))
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", obj.CacheControl)
	_, _ = w.Write(obj.Body)
}

// handleMemoryUpload accepts the multipart form a published page submits and
// hands it to the memory backend for grant enforcement.
func (s *Server) handleMemoryUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file part: "+err.Error())
		return
	}

	contentType := r.FormValue("Content-Type")
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}

	uc := &capability.UploadCapability{Fields: map[string]string{
		"grant":     r.FormValue("grant"),
		"signature": r.FormValue("signature"),
	}}
	if err := s.memory.Upload(uc, contentType, body); err != nil {
		if errors.Is(err, storage.ErrGrantRejected) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemoryDownload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid expires parameter")
		return
	}

	obj, err := s.memory.Download(key, expires, r.URL.Query().Get("signature"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGrantRejected):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, storage.ErrObjectNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	_, _ = w.Write(obj.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
