package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/ksef-fetcher/internal/config"
)

var (
	fetchRoles     string
	fetchMaxRounds int
	fetchKeepGoing bool
	fetchPDF       bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download invoices stored since the last run",
	Long: `Authenticate, export and download every invoice stored since the last
continuation point of each subject role.

New documents are written to the invoice directory as <ksefNumber>.xml. Documents
already present are skipped. The continuation point of a role only moves after
its package was fully written.

Subject roles:
  Subject1           invoices issued by the context
  Subject2           invoices received by the context
  Subject3           invoices where the context is a third party
  SubjectAuthorized  invoices of authorized entities

On failure a JSON report {error, code, count, invoices} is written to stderr and
the command exits with status 1.

Examples:
  ksef-fetcher fetch
  ksef-fetcher fetch --roles Subject1,Subject2 -f table
  ksef-fetcher fetch --max-rounds 10 --keep-going
  ksef-fetcher fetch --pdf`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchRoles, "roles", "", "Comma separated subject roles (env: KSEF_SUBJECT_ROLES)")
	fetchCmd.Flags().IntVar(&fetchMaxRounds, "max-rounds", 0, "Exports per role while packages are truncated (env: KSEF_MAX_ROUNDS)")
	fetchCmd.Flags().BoolVar(&fetchKeepGoing, "keep-going", false, "Continue with the next role after a role failure (env: KSEF_KEEP_GOING)")
	fetchCmd.Flags().BoolVar(&fetchPDF, "pdf", false, "Render the fetched invoices to PDF")
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if fetchRoles != "" {
		if cfg.Roles, err = config.ParseRoles(fetchRoles); err != nil {
			return err
		}
	}
	if fetchMaxRounds > 0 {
		cfg.MaxRounds = fetchMaxRounds
	}
	if cmd.Flags().Changed("keep-going") {
		cfg.KeepGoing = fetchKeepGoing
	}

	f, logger, err := newFetcher(cfg)
	if err != nil {
		return err
	}
	printVerbose("Platform: %s\n", f.BaseURL())
	printVerbose("Roles: %v, max rounds: %d\n", cfg.Roles, cfg.MaxRounds)

	ctx := cmd.Context()
	summary, err := f.Sync(ctx)
	if err != nil {
		if werr := writeFailure(os.Stderr, summary, err); werr != nil {
			logger.Error("failed to write failure report", "error", werr)
		}
		return &ReportedError{Err: err}
	}

	if fetchPDF && summary.Count > 0 {
		r := f.Renderer()
		for _, rec := range summary.Invoices {
			path, err := f.Documents().Path(rec.Filename)
			if err != nil {
				return err
			}
			out, err := r.Render(ctx, path)
			if err != nil {
				logger.WarnContext(ctx, "rendering failed", "file", rec.Filename, "error", err)
				continue
			}
			printVerbose("Rendered: %s\n", out)
		}
	}

	w, closeOut, err := openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	if err := writeSummary(w, summary, outputFormat); err != nil {
		return err
	}
	printVerbose("Fetched %d new invoice(s)\n", summary.Count)
	return nil
}

func openOutput() (*os.File, func(), error) {
	if outputFile == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(outputFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}
