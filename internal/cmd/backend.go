package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/s3wire/s3wire/internal/capability"
	"github.com/s3wire/s3wire/internal/storage"
)

const (
	backendS3     = "s3"
	backendGCS    = "gcs"
	backendMemory = "memory"
)

// backend bundles the storage operations the commands need: signing
// capabilities, publishing pages, checking sources and installing retention.
type backend interface {
	capability.Signer
	storage.PageStore
	storage.ObjectChecker
	storage.Provisioner
}

// backendOptions are the provider flags shared by every command that talks
// to a storage backend. Bucket flags are registered per command because the
// commands name them differently.
type backendOptions struct {
	Backend       string
	StorageBucket string
	HostingBucket string

	Region    string
	Endpoint  string
	PathStyle bool

	GoogleAccessID string
	PrivateKeyFile string

	// The demo server points memory backed links at its own routes.
	memoryUploadURL   string
	memoryDownloadURL string
}

func (o *backendOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.Backend, "backend", backendS3, "Storage backend: s3, gcs or memory")
	f.StringVar(&o.Region, "region", "", "AWS region (defaults to the environment's configuration)")
	f.StringVar(&o.Endpoint, "endpoint", "", "Custom S3 endpoint URL, e.g. a MinIO server")
	f.BoolVar(&o.PathStyle, "path-style", false, "Use path style S3 addressing")
	f.StringVar(&o.GoogleAccessID, "google-access-id", "", "Service account email used to sign GCS policies")
	f.StringVar(&o.PrivateKeyFile, "private-key-file", "", "PEM encoded private key for GCS signing")
}

func (o *backendOptions) validate() error {
	switch o.Backend {
	case backendS3, backendGCS:
		if o.StorageBucket == "" {
			return fmt.Errorf("a storage bucket is required for the %s backend", o.Backend)
		}
		if o.HostingBucket == "" {
			return fmt.Errorf("a hosting bucket is required for the %s backend", o.Backend)
		}
	case backendMemory:
	default:
		return fmt.Errorf("unknown backend %q", o.Backend)
	}
	return nil
}

func (o *backendOptions) build(ctx context.Context) (backend, error) {
	switch o.Backend {
	case backendS3:
		return storage.NewS3(ctx, storage.S3Config{
			Region:        o.Region,
			Endpoint:      o.Endpoint,
			PathStyle:     o.PathStyle,
			StorageBucket: o.StorageBucket,
			HostingBucket: o.HostingBucket,
		})
	case backendGCS:
		var key []byte
		if o.PrivateKeyFile != "" {
			b, err := os.ReadFile(o.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key file: %w", err)
			}
			key = b
		}
		return storage.NewGCS(ctx, storage.GCSConfig{
			StorageBucket:  o.StorageBucket,
			HostingBucket:  o.HostingBucket,
			GoogleAccessID: o.GoogleAccessID,
			PrivateKey:     key,
		})
	case backendMemory:
		if o.StorageBucket == "" {
			o.StorageBucket = "uploads"
		}
		if o.HostingBucket == "" {
			o.HostingBucket = "pages"
		}
		return storage.NewMemory(storage.MemoryConfig{
			StorageBucket: o.StorageBucket,
			HostingBucket: o.HostingBucket,
			UploadURL:     o.memoryUploadURL,
			DownloadURL:   o.memoryDownloadURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", o.Backend)
	}
}

// objectURI renders a bucket and key the way each provider's tooling writes
// object addresses.
func objectURI(backend, bucket, key string) string {
	switch backend {
	case backendGCS:
		return fmt.Sprintf("gs://%s/%s", bucket, key)
	case backendMemory:
		return fmt.Sprintf("memory://%s/%s", bucket, key)
	default:
		return fmt.Sprintf("s3://%s/%s", bucket, key)
	}
}
