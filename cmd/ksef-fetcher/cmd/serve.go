package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/ksef-fetcher/internal/server"
)

var (
	serverAddr   string
	serverDebug  bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	syncTimeout  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP API server exposing the fetcher.

The API provides endpoints for:
  - GET  /api/v1/state            - Stored continuation points
  - GET  /api/v1/invoices         - Stored invoice documents
  - GET  /api/v1/invoices/:name   - One document (raw XML, or ?format=json)
  - GET  /api/v1/sync             - Status of the last run
  - POST /api/v1/sync             - Run one synchronization (409 while running)
  - GET  /health                  - Health check

Examples:
  # Start server on default address
  ksef-fetcher serve

  # Start on custom address in debug mode
  ksef-fetcher serve --address :9090 --debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (env: KSEF_SERVE_ADDR)")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
	serveCmd.Flags().DurationVar(&readTimeout, "read-timeout", 30*time.Second, "HTTP read timeout")
	serveCmd.Flags().DurationVar(&writeTimeout, "write-timeout", 30*time.Minute, "HTTP write timeout")
	serveCmd.Flags().DurationVar(&syncTimeout, "sync-timeout", 30*time.Minute, "Maximum duration of one synchronization")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	override(&cfg.ServeAddr, serverAddr)

	f, logger, err := newFetcher(cfg)
	if err != nil {
		return err
	}

	config := &server.Config{
		Address:      cfg.ServeAddr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		SyncTimeout:  syncTimeout,
		Debug:        serverDebug,
	}
	srv := server.NewServer(config, f, f.Documents(), server.WithLogger(logger))

	logger.Info("starting server", "address", cfg.ServeAddr, "platform", f.BaseURL())
	if err := srv.Run(cmd.Context()); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
