package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/ksef-fetcher/internal/config"
	"github.com/rezonia/ksef-fetcher/internal/logging"
	"github.com/rezonia/ksef-fetcher/pkg/ksefsync"
)

var (
	version = "1.0.0"

	// Global flags
	verbose      bool
	outputFormat string
	outputFile   string
	envFile      string
	environment  string
	baseURL      string
	contextNIP   string
	stateFile    string
	stateBackend string
	invoiceDir   string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "ksef-fetcher",
	Short: "Incrementally download e-invoices from KSeF",
	Long: `KSeF Fetcher downloads invoices from the Polish National e-Invoice System.

Each run authenticates with a KSeF token, requests an encrypted export for every
subject role, stores new invoice documents as <ksefNumber>.xml and remembers where
it stopped, so the next run only fetches what arrived since.

Configuration is read from .env and the environment (KSEF_TOKEN, CONTEXT_NIP, ...);
flags override both.

Examples:
  # Fetch new invoices
  ksef-fetcher fetch

  # Fetch from the test environment, only received invoices
  ksef-fetcher fetch --env test --roles Subject2

  # Show stored continuation points
  ksef-fetcher state show

  # Render stored invoices to PDF
  ksef-fetcher render`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// ReportedError is returned when a command already wrote its failure report
type ReportedError struct {
	Err error
}

func (e *ReportedError) Error() string {
	return e.Err.Error()
}

func (e *ReportedError) Unwrap() error {
	return e.Err
}

// ExecuteContext runs the root command with a cancellable context
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "Output format (json, text, table)")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load")
	rootCmd.PersistentFlags().StringVar(&environment, "env", "", "Platform environment: prod, test, demo (env: KSEF_ENV)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Platform base URL, overrides --env (env: KSEF_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&contextNIP, "nip", "", "Context NIP the token was issued for (env: CONTEXT_NIP)")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state-file", "", "Continuation state file (env: KSEF_STATE_FILE)")
	rootCmd.PersistentFlags().StringVar(&stateBackend, "state-backend", "", "State backend: json, bbolt (env: KSEF_STATE_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&invoiceDir, "invoice-dir", "", "Invoice output directory (env: KSEF_INVOICE_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text, json (env: LOG_FORMAT)")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// loadConfig reads the environment and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	override(&cfg.Environment, environment)
	override(&cfg.BaseURL, baseURL)
	override(&cfg.ContextValue, contextNIP)
	override(&cfg.StateFile, stateFile)
	override(&cfg.StateBackend, stateBackend)
	override(&cfg.InvoiceDir, invoiceDir)
	override(&cfg.LogLevel, logLevel)
	override(&cfg.LogFormat, logFormat)
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func override(dst *string, flag string) {
	if flag != "" {
		*dst = flag
	}
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

// newFetcher builds a fetcher and its logger from the resolved configuration
func newFetcher(cfg *config.Config) (*ksefsync.Fetcher, *slog.Logger, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	f, err := ksefsync.New(cfg, ksefsync.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return f, logger, nil
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
