package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/s3wire/s3wire/internal/policy"
	"github.com/s3wire/s3wire/internal/storage"
)

type ProvisionOptions struct {
	backendOptions

	PageRetention  time.Duration
	InboxRetention time.Duration

	iooption.IOStreams
}

var (
	provisionLong = templates.LongDesc(`
		Install the retention rules link hygiene depends on.

		Published pages are only reachable while they exist, so expiring them
		from the hosting bucket is what cleans up dead links. Retention is
		enforced by the bucket itself; ages are rounded up to whole days, so a
		rule never fires before a link has expired.`)

	provisionExample = templates.Examples(`
		# Expire pages a week after publication
		s3wire provision --hosting-bucket up.example.com --storage-bucket uploads

		# Also clean the upload inbox after 30 days
		s3wire provision --hosting-bucket up.example.com --storage-bucket uploads \
			--inbox-retention 720h`)
)

func NewProvisionOptions(streams iooption.IOStreams) *ProvisionOptions {
	return &ProvisionOptions{
		IOStreams: streams,
	}
}

func NewProvisionCommand(o *ProvisionOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "provision",
		DisableFlagsInUseLine: true,
		Short:                 "Install bucket retention rules for published pages",
		Long:                  provisionLong,
		Example:               provisionExample,
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
	f.StringVar(&o.StorageBucket, "storage-bucket", "", "Bucket uploads land in")
	f.StringVar(&o.HostingBucket, "hosting-bucket", "", "Bucket pages are published to")
	f.DurationVar(&o.PageRetention, "page-retention", 7*24*time.Hour, "How long published pages are kept")
	f.DurationVar(&o.InboxRetention, "inbox-retention", 0, "How long uploaded objects are kept, 0 to keep forever")
	o.addFlags(cmd)

	return cmd
}

func (o *ProvisionOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *ProvisionOptions) Validate() error {
	if o.PageRetention <= 0 {
		return fmt.Errorf("page retention must be positive")
	}
	if o.InboxRetention < 0 {
		return fmt.Errorf("inbox retention must not be negative")
	}
	return o.backendOptions.validate()
}

func (o *ProvisionOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := o.build(ctx)
	if err != nil {
		return err
	}

	pageRules := []storage.RetentionRule{
		{Prefix: "u/", MaxAge: o.PageRetention},
		{Prefix: "s/", MaxAge: o.PageRetention},
	}
	if err := be.ApplyRetention(ctx, o.HostingBucket, pageRules); err != nil {
		return fmt.Errorf("failed to apply page retention: %w", err)
	}
	fmt.Fprintf(o.Out, "Applied page retention of %s to %s\n", o.PageRetention, o.HostingBucket)

	if o.InboxRetention > 0 {
		inboxRules := []storage.RetentionRule{
			{Prefix: policy.InboxPrefix, MaxAge: o.InboxRetention},
		}
		if err := be.ApplyRetention(ctx, o.StorageBucket, inboxRules); err != nil {
			return fmt.Errorf("failed to apply inbox retention: %w", err)
		}
		fmt.Fprintf(o.Out, "Applied inbox retention of %s to %s\n", o.InboxRetention, o.StorageBucket)
	}

	return nil
}
