package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/s3wire/s3wire/internal/issue"
	"github.com/s3wire/s3wire/internal/shortid"
)

type DownloadOptions struct {
	backendOptions

	Domain    string
	Protocol  string
	SourceKey string
	TTL       time.Duration
	IDLength  int
	Attempts  int

	iooption.IOStreams
}

var (
	downloadLong = templates.LongDesc(`
		Issue a short download link for an object that already exists.

		The object is checked first, then a download page carrying a signed
		URL is published to the hosting bucket under s/<id>/index.html. The
		signed URL stops working when the link expires.`)

	downloadExample = templates.Examples(`
		# Share a stored report for the default 6 hours
		s3wire download --domain up.example.com --source-bucket uploads \
			--source-key inbox/report.pdf --hosting-bucket up.example.com

		# A one hour link
		s3wire download --domain up.example.com --source-bucket uploads \
			--source-key inbox/report.pdf --hosting-bucket up.example.com \
			--ttl 1h`)
)

func NewDownloadOptions(streams iooption.IOStreams) *DownloadOptions {
	return &DownloadOptions{
		IOStreams: streams,
	}
}

func NewDownloadCommand(o *DownloadOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "download",
		DisableFlagsInUseLine: true,
		Short:                 "Issue a short download link for a stored object",
		Long:                  downloadLong,
		Example:               downloadExample,
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
	f.StringVar(&o.StorageBucket, "source-bucket", "", "Bucket holding the object to share")
	f.StringVar(&o.SourceKey, "source-key", "", "Key of the object to share (required)")
	f.StringVar(&o.HostingBucket, "hosting-bucket", "", "Bucket the page is published to")
	f.DurationVar(&o.TTL, "ttl", issue.DefaultDownloadTTL, "How long the link stays valid")
	f.IntVar(&o.IDLength, "id-length", shortid.DefaultLength, "Length of the link identifier")
	f.IntVar(&o.Attempts, "attempts", issue.DefaultAttempts, "Allocation attempts before giving up")
	o.addFlags(cmd)

	return cmd
}

func (o *DownloadOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *DownloadOptions) Validate() error {
	if o.Domain == "" {
		return fmt.Errorf("a domain is required")
	}
	if o.Protocol != "http" && o.Protocol != "https" {
		return fmt.Errorf("protocol must be http or https, got %q", o.Protocol)
	}
	if o.SourceKey == "" {
		return fmt.Errorf("a source key is required")
	}
	return o.backendOptions.validate()
}

func (o *DownloadOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := o.build(ctx)
	if err != nil {
		return err
	}

	issuer := issue.New(issue.Config{
		Allocator: shortid.New(o.IDLength),
		Signer:    be,
		Pages:     be,
		Checker:   be,
		BaseURL:   fmt.Sprintf("%s://%s", o.Protocol, o.Domain),
		Attempts:  o.Attempts,
	})

	fmt.Fprintf(o.Out, "Checking %s...\n", objectURI(o.Backend, o.StorageBucket, o.SourceKey))
	res, err := issuer.IssueDownload(ctx, issue.DownloadRequest{
		Key: o.SourceKey,
		TTL: o.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to issue download link: %w", err)
	}

	fmt.Fprintf(o.Out, "Short URL: %s\n", res.URL)
	fmt.Fprintf(o.Out, "File: %s\n", path.Base(res.Key))
	fmt.Fprintf(o.Out, "Expires: %s\n", res.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"))
	fmt.Fprintf(o.Out, "ID: %s\n", res.ID)
	fmt.Fprintf(o.Out, "Source: %s\n", objectURI(o.Backend, res.Bucket, res.Key))

	return nil
}
