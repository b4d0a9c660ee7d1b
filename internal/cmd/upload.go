package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/s3wire/s3wire/internal/issue"
	"github.com/s3wire/s3wire/internal/page"
	"github.com/s3wire/s3wire/internal/policy"
	"github.com/s3wire/s3wire/internal/shortid"
)

type UploadOptions struct {
	backendOptions

	Domain       string
	Protocol     string
	TTL          time.Duration
	MaxSizeMB    int64
	AllowedTypes string
	FileName     string
	IDLength     int
	Attempts     int

	iooption.IOStreams
}

var (
	uploadLong = templates.LongDesc(`
		Issue a single use upload link.

		A fresh identifier is allocated, an upload page is rendered around a
		signed storage policy and published to the hosting bucket under
		u/<id>/index.html. Whoever opens the link can submit one file, subject
		to the size, type and expiry constraints signed into the policy. The
		storage backend enforces those constraints; nothing else has to stay
		online.`)

	uploadExample = templates.Examples(`
		# A 24 hour link accepting any file up to 100 MB
		s3wire upload --domain up.example.com --storage-bucket uploads \
			--hosting-bucket up.example.com

		# PDFs and images only, 25 MB, stored under a fixed name
		s3wire upload --domain up.example.com --storage-bucket uploads \
			--hosting-bucket up.example.com --max-size 25 \
			--allowed-types application/pdf,image/* --filename contract.pdf`)
)

func NewUploadOptions(streams iooption.IOStreams) *UploadOptions {
	return &UploadOptions{
		IOStreams: streams,
	}
}

func NewUploadCommand(o *UploadOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "upload",
		DisableFlagsInUseLine: true,
		Short:                 "Issue a single use upload link",
		Long:                  uploadLong,
		Example:               uploadExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.Domain, "domain", "", "Public domain the hosting bucket is served from (required)")
	f.StringVar(&o.Protocol, "protocol", "https", "Protocol for the published link: http or https")
	f.StringVar(&o.StorageBucket, "storage-bucket", "", "Bucket uploads land in")
	f.StringVar(&o.HostingBucket, "hosting-bucket", "", "Bucket the page is published to")
	f.DurationVar(&o.TTL, "ttl", policy.DefaultTTL, "How long the link stays valid")
	f.Int64Var(&o.MaxSizeMB, "max-size", 100, "Maximum upload size in megabytes")
	f.StringVar(&o.AllowedTypes, "allowed-types", policy.Wildcard, "Comma separated MIME types, wildcards allowed")
	f.StringVar(&o.FileName, "filename", "", "Store the upload under this name instead of the identifier")
	f.IntVar(&o.IDLength, "id-length", shortid.DefaultLength, "Length of the link identifier")
	f.IntVar(&o.Attempts, "attempts", issue.DefaultAttempts, "Allocation attempts before giving up")
	o.addFlags(cmd)

	return cmd
}

func (o *UploadOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *UploadOptions) Validate() error {
	if o.Domain == "" {
		return fmt.Errorf("a domain is required")
	}
	if o.Protocol != "http" && o.Protocol != "https" {
		return fmt.Errorf("protocol must be http or https, got %q", o.Protocol)
	}
	return o.backendOptions.validate()
}

func (o *UploadOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := o.build(ctx)
	if err != nil {
		return err
	}

	types, err := policy.ParseTypes(o.AllowedTypes)
	if err != nil {
		return err
	}
	p := policy.Policy{
		TTL:          o.TTL,
		MaxSizeBytes: o.MaxSizeMB << 20,
		AllowedTypes: types,
		ObjectName:   o.FileName,
	}

	issuer := issue.New(issue.Config{
		Allocator: shortid.New(o.IDLength),
		Signer:    be,
		Pages:     be,
		Checker:   be,
		BaseURL:   fmt.Sprintf("%s://%s", o.Protocol, o.Domain),
		Attempts:  o.Attempts,
	})

	fmt.Fprintf(o.Out, "Issuing upload link via %s...\n", o.Backend)
	res, err := issuer.IssueUpload(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to issue upload link: %w", err)
	}

	fmt.Fprintf(o.Out, "Upload link: %s\n", res.URL)
	fmt.Fprintf(o.Out, "Valid until: %s\n", res.ExpiresAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(o.Out, "ID: %s\n", res.ID)
	fmt.Fprintf(o.Out, "Destination: %s\n", objectURI(o.Backend, res.Bucket, res.Key))
	fmt.Fprintf(o.Out, "Max size: %s\n", page.HumanSize(p.MaxSizeBytes))
	fmt.Fprintf(o.Out, "Allowed types: %s\n", strings.Join(p.AllowedTypes, ", "))

	return nil
}
