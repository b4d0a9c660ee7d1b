package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		Issue single use upload and download links backed by object storage.

		Each link is a short, self contained HTML page published to a hosting
		bucket. Upload pages carry a signed policy that the storage backend
		enforces on its own; download pages carry a signed URL for an existing
		object. The issuer holds no state: once a page is published, the
		backend handles the rest.`)

	rootExamples = templates.Examples(`
		# Issue an upload link for PDFs of up to 25 MB, valid for 12 hours
		s3wire upload --domain up.example.com --storage-bucket uploads \
			--hosting-bucket up.example.com --ttl 12h --max-size 25 \
			--allowed-types application/pdf

		# Share an existing object for 6 hours
		s3wire download --domain up.example.com --source-bucket uploads \
			--source-key inbox/report.pdf --hosting-bucket up.example.com

		# Run the issuing API with the in-process demo backend
		s3wire serve --backend memory`)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// S3WireOptions defines the options for the `s3wire` command.
type S3WireOptions struct {
	iooption.IOStreams
}

// NewS3WireOptions provides an initialised S3WireOptions instance.
func NewS3WireOptions(streams iooption.IOStreams) *S3WireOptions {
	return &S3WireOptions{
		IOStreams: streams,
	}
}

// NewRootCommand creates the `s3wire` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewS3WireOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `s3wire` command and its nested
// children.
func NewRootCommandWithArgs(o *S3WireOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "s3wire [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Issue single use upload and download links",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewUploadCommand(NewUploadOptions(o.IOStreams)))
	cmd.AddCommand(NewDownloadCommand(NewDownloadOptions(o.IOStreams)))
	cmd.AddCommand(NewServeCommand(NewServeOptions(o.IOStreams)))
	cmd.AddCommand(NewProvisionCommand(NewProvisionOptions(o.IOStreams)))

	// The globlal normalisation function ensures that all flags specified meet
	// the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
