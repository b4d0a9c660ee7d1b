package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/s3wire/s3wire/internal/issue"
	"github.com/s3wire/s3wire/internal/metrics"
	"github.com/s3wire/s3wire/internal/server"
	"github.com/s3wire/s3wire/internal/shortid"
	"github.com/s3wire/s3wire/internal/storage"
)

type ServeOptions struct {
	backendOptions

	Port     int
	BaseURL  string
	IDLength int
	Attempts int

	iooption.IOStreams
}

var (
	serveLong = templates.LongDesc(`
		Start the link issuing HTTP server.

		With the memory backend the server also hosts the published pages and
		accepts the signed upload forms itself, so the whole loop can be tried
		without any cloud credentials.`)

	serveExample = templates.Examples(`
		# Serve the issuing API against S3
		s3wire serve --storage-bucket uploads --hosting-bucket up.example.com \
			--base-url https://up.example.com

		# A self contained demo on port 9090
		s3wire serve --backend memory --port 9090`)
)

func NewServeOptions(streams iooption.IOStreams) *ServeOptions {
	return &ServeOptions{
		IOStreams: streams,
	}
}

func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the link issuing HTTP server",
		Long:    serveLong,
		Example: serveExample,
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
	f.IntVarP(&o.Port, "port", "p", 8080, "Port to listen on")
	f.StringVar(&o.BaseURL, "base-url", "", "Public base URL for issued links (default http://localhost:<port>)")
	f.StringVar(&o.StorageBucket, "storage-bucket", "", "Bucket uploads land in")
	f.StringVar(&o.HostingBucket, "hosting-bucket", "", "Bucket pages are published to")
	f.IntVar(&o.IDLength, "id-length", shortid.DefaultLength, "Length of link identifiers")
	f.IntVar(&o.Attempts, "attempts", issue.DefaultAttempts, "Allocation attempts before giving up")
	o.addFlags(cmd)

	return cmd
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	if o.BaseURL == "" {
		o.BaseURL = fmt.Sprintf("http://localhost:%d", o.Port)
	}
	o.memoryUploadURL = "/upload"
	o.memoryDownloadURL = "/files"
	return nil
}

func (o *ServeOptions) Validate() error {
	return o.backendOptions.validate()
}

func (o *ServeOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics.Init()

	be, err := o.build(ctx)
	if err != nil {
		return err
	}

	issuer := issue.New(issue.Config{
		Allocator: shortid.New(o.IDLength),
		Signer:    be,
		Pages:     be,
		Checker:   be,
		BaseURL:   o.BaseURL,
		Attempts:  o.Attempts,
		Logger:    logger,
	})

	// The demo routes are only mounted when the server fronts the memory
	// backend.
	mem, _ := be.(*storage.Memory)

	srv := server.New(server.Config{
		Issuer: issuer,
		Logger: logger,
		Memory: mem,
	})

	addr := fmt.Sprintf(":%d", o.Port)
	fmt.Fprintf(o.Out, "Starting link server on %s\n", addr)
	return srv.ListenAndServe(addr)
}

// newLogger builds the production logger, honouring LOG_LEVEL when set.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", lvl, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise logger: %w", err)
	}
	return logger, nil
}
