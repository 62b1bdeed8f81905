package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/processor"
	"github.com/rezonia/ksef-fetcher/internal/render"
	"github.com/rezonia/ksef-fetcher/internal/state"
)

// Service runs synchronizations and reports their persisted progress
type Service interface {
	Sync(ctx context.Context) (*model.Summary, error)
	State() ([]state.Entry, error)
}

// Documents is the read side of the invoice output directory
type Documents interface {
	List(ext string) ([]string, error)
	Read(name string) ([]byte, error)
}

// Config holds server configuration
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SyncTimeout  time.Duration
	Debug        bool
}

// Server represents the HTTP API server
type Server struct {
	config  *Config
	router  *gin.Engine
	service Service
	docs    Documents
	logger  *slog.Logger

	running sync.Mutex
	mu      sync.Mutex
	status  SyncStatus
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a new API server
func NewServer(config *Config, service Service, docs Documents, opts ...Option) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if config.Debug {
		router.Use(gin.Logger())
	}

	s := &Server{
		config:  config,
		router:  router,
		service: service,
		docs:    docs,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/state", s.handleState)

		v1.GET("/invoices", s.handleListInvoices)
		v1.GET("/invoices/:name", s.handleGetInvoice)

		v1.GET("/sync", s.handleSyncStatus)
		v1.POST("/sync", s.handleSync)
	}
}

// Run starts the HTTP server and shuts it down when ctx is done
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleState(c *gin.Context) {
	entries, err := s.service.State()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []state.Entry{}
	}
	c.JSON(http.StatusOK, StateResponse{Cursors: entries})
}

func (s *Server) handleListInvoices(c *gin.Context) {
	names, err := s.docs.List(processor.DocumentExt)
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := InvoiceListResponse{Invoices: make([]InvoiceInfo, 0, len(names))}
	for _, name := range names {
		info := InvoiceInfo{Name: name, KSeFNumber: strings.TrimSuffix(name, processor.DocumentExt)}
		if data, err := s.docs.Read(name); err != nil {
			info.Error = err.Error()
		} else if doc, err := render.Parse(data); err != nil {
			info.Error = err.Error()
		} else {
			info.Document = doc
		}
		out.Invoices = append(out.Invoices, info)
	}
	out.Count = len(out.Invoices)

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetInvoice(c *gin.Context) {
	name := c.Param("name")
	if !strings.HasSuffix(name, processor.DocumentExt) {
		name += processor.DocumentExt
	}

	data, err := s.docs.Read(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "invoice not found"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid invoice name", Details: err.Error()})
		return
	}

	if c.Query("format") != "json" {
		c.Data(http.StatusOK, "application/xml; charset=utf-8", data)
		return
	}

	doc, err := render.Parse(data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "failed to parse invoice", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, InvoiceInfo{
		Name:       name,
		KSeFNumber: strings.TrimSuffix(name, processor.DocumentExt),
		Document:   doc,
	})
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	c.JSON(http.StatusOK, st)
}

// handleSync runs one synchronization. Only one run may be active at a time.
func (s *Server) handleSync(c *gin.Context) {
	if !s.running.TryLock() {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "a synchronization is already running"})
		return
	}
	defer s.running.Unlock()

	ctx := c.Request.Context()
	if s.config.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SyncTimeout)
		defer cancel()
	}

	start := time.Now().UTC()
	s.mu.Lock()
	s.status.Running = true
	s.status.LastStart = &start
	s.mu.Unlock()

	summary, err := s.service.Sync(ctx)

	finish := time.Now().UTC()
	s.mu.Lock()
	s.status.Running = false
	s.status.LastFinish = &finish
	s.status.LastError = ""
	s.status.LastCount = 0
	if summary != nil {
		s.status.LastRunID = summary.RunID
		s.status.LastCount = summary.Count
	}
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "synchronization failed", "error", err)
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), ErrorResponse{Error: err.Error(), Code: model.CodeOf(err)})
}

func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch model.CodeOf(err) {
	case model.ErrCodeTransport,
		model.ErrCodeDecode,
		model.ErrCodeAuthChallenge,
		model.ErrCodeAuthSubmission,
		model.ErrCodeAuthRejected,
		model.ErrCodeAuthStatus,
		model.ErrCodeAuthRedeem,
		model.ErrCodeExportRejected,
		model.ErrCodePackageFormat,
		model.ErrCodeKeyNotFound:
		return http.StatusBadGateway
	case model.ErrCodeAuthPollTimeout, model.ErrCodeExportPollTimeout:
		return http.StatusGatewayTimeout
	case model.ErrCodeStateUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
