package ksefsync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/auth"
	"github.com/rezonia/ksef-fetcher/internal/export"
	"github.com/rezonia/ksef-fetcher/internal/ksef"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/processor"
	"github.com/rezonia/ksef-fetcher/internal/render"
	"github.com/rezonia/ksef-fetcher/internal/state"
	"github.com/rezonia/ksef-fetcher/internal/storage"
	"github.com/rezonia/ksef-fetcher/internal/syncer"
)

// Fetcher wires the platform client, cursor state and output directory for repeated runs
type Fetcher struct {
	cfg     *Config
	client  *ksef.Client
	docs    *storage.Directory
	logger  *slog.Logger
	now     func() time.Time
	httpCli *http.Client

	// runs and cursor edits share the state file
	mu sync.Mutex

	activeMu sync.Mutex
	active   *state.Store
}

// Option configures a fetcher
type Option func(*Fetcher)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// WithHTTPClient replaces the HTTP client used for platform calls
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpCli = c
	}
}

// WithClock overrides the clock used for certificate selection and default cursors
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// New validates cfg and prepares the client and output directory
func New(cfg *Config, opts ...Option) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Fetcher{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	baseURL, err := cfg.ResolveBaseURL()
	if err != nil {
		return nil, err
	}
	clientOpts := []ksef.ClientOption{ksef.WithBaseURL(baseURL), ksef.WithTimeout(cfg.HTTPTimeout)}
	if f.httpCli != nil {
		clientOpts = append(clientOpts, ksef.WithHTTPClient(f.httpCli))
	}
	f.client = ksef.NewClient(clientOpts...)

	f.docs, err = storage.NewDirectory(cfg.InvoiceDir)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// BaseURL returns the platform address in use
func (f *Fetcher) BaseURL() string {
	return f.client.BaseURL()
}

// Documents returns the invoice output directory
func (f *Fetcher) Documents() *storage.Directory {
	return f.docs
}

// Sync runs one synchronization over the configured subject roles
func (f *Fetcher) Sync(ctx context.Context) (*model.Summary, error) {
	if err := f.cfg.RequireCredentials(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	keys, err := auth.LoadKeySet(ctx, f.client, f.now())
	if err != nil {
		return nil, err
	}

	store, err := f.openStore()
	if err != nil {
		return nil, err
	}
	defer store.Close()
	f.setActive(store)
	defer f.setActive(nil)

	d := syncer.NewDriver(
		auth.NewSession(f.client, keys, f.cfg.Token, f.cfg.Context(),
			auth.WithPolicy(f.cfg.AuthPoll), auth.WithLogger(f.logger)),
		export.NewOrchestrator(f.client, keys,
			export.WithPolicy(f.cfg.ExportPoll), export.WithLogger(f.logger)),
		processor.NewPipeline(f.client, processor.WithLogger(f.logger)),
		store,
		f.docs,
		syncer.WithRoles(f.cfg.Roles...),
		syncer.WithMaxRounds(f.cfg.MaxRounds),
		syncer.WithKeepGoing(f.cfg.KeepGoing),
		syncer.WithLogger(f.logger),
	)
	return d.Run(ctx)
}

// State returns the stored continuation points. During a sync it reads the
// cursors of the running store instead of opening the backend again.
func (f *Fetcher) State() ([]state.Entry, error) {
	if active := f.activeStore(); active != nil {
		return active.All(), nil
	}

	store, err := f.openStore()
	if err != nil {
		return nil, err
	}
	entries := store.All()
	return entries, store.Close()
}

// SetCursor overrides the continuation point of role
func (f *Fetcher) SetCursor(role model.SubjectRole, cursor time.Time) error {
	return f.withStore(func(s *state.Store) error {
		return s.Set(role, cursor)
	})
}

// ResetCursor forgets the continuation point of role
func (f *Fetcher) ResetCursor(role model.SubjectRole) error {
	return f.withStore(func(s *state.Store) error {
		return s.Reset(role)
	})
}

// Renderer returns a PDF renderer configured from the fetcher settings
func (f *Fetcher) Renderer(opts ...render.Option) *render.ExecRenderer {
	base := []render.Option{render.WithFontsDir(f.cfg.FontsDir), render.WithLogger(f.logger)}
	return render.NewExecRenderer(f.cfg.XSLTDir, f.cfg.PDFDir, append(base, opts...)...)
}

// RenderAll renders every stored invoice document to PDF
func (f *Fetcher) RenderAll(ctx context.Context, r render.Renderer) ([]render.Result, error) {
	if r == nil {
		r = f.Renderer()
	}
	return render.RenderDir(ctx, r, f.docs.Root())
}

func (f *Fetcher) withStore(fn func(*state.Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := f.openStore()
	if err != nil {
		return err
	}
	return errors.Join(fn(store), store.Close())
}

func (f *Fetcher) openStore() (*state.Store, error) {
	backend, err := state.NewBackend(f.cfg.StateBackend, f.cfg.StateFile)
	if err != nil {
		if model.CodeOf(err) != "" {
			return nil, err
		}
		return nil, model.ErrStateUnavailable(err)
	}
	store, err := state.Open(backend, state.WithClock(f.now))
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}

func (f *Fetcher) setActive(s *state.Store) {
	f.activeMu.Lock()
	f.active = s
	f.activeMu.Unlock()
}

func (f *Fetcher) activeStore() *state.Store {
	f.activeMu.Lock()
	defer f.activeMu.Unlock()
	return f.active
}
