// Package syncer runs one incremental synchronization: authenticate once, then
// fetch every subject-role from its continuation point.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rezonia/ksef-fetcher/internal/decimal"
	"github.com/rezonia/ksef-fetcher/internal/export"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/processor"
	"github.com/rezonia/ksef-fetcher/internal/storage"
)

// Authenticator produces the credential of a run
type Authenticator interface {
	Authenticate(ctx context.Context) (*model.Credential, error)
}

// Exporter requests exports and waits for their packages
type Exporter interface {
	RequestExport(ctx context.Context, cred *model.Credential, role model.SubjectRole, from time.Time, to *time.Time) (*export.Job, error)
	PollUntilTerminal(ctx context.Context, cred *model.Credential, job *export.Job) (*model.Package, error)
}

// Materializer writes the documents of a package
type Materializer interface {
	Materialize(ctx context.Context, pkg *model.Package, env processor.Decrypter, sink storage.Sink) ([]model.InvoiceRecord, error)
}

// Cursors is the continuation point store
type Cursors interface {
	Cursor(role model.SubjectRole) time.Time
	Advance(role model.SubjectRole, pkg *model.Package) (time.Time, bool)
	Save(role model.SubjectRole) error
}

// Driver orchestrates a run
type Driver struct {
	auth      Authenticator
	exporter  Exporter
	pipeline  Materializer
	cursors   Cursors
	sink      storage.Sink
	roles     []model.SubjectRole
	maxRounds int
	keepGoing bool
	logger    *slog.Logger
}

// Option configures the driver
type Option func(*Driver)

// WithRoles sets the subject-roles processed, in order
func WithRoles(roles ...model.SubjectRole) Option {
	return func(d *Driver) {
		d.roles = roles
	}
}

// WithMaxRounds lets a role request follow-up exports while packages come back truncated
func WithMaxRounds(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxRounds = n
		}
	}
}

// WithKeepGoing continues with the next role after a role-local failure
func WithKeepGoing(v bool) Option {
	return func(d *Driver) {
		d.keepGoing = v
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// NewDriver creates a driver
func NewDriver(auth Authenticator, exporter Exporter, pipeline Materializer, cursors Cursors, sink storage.Sink, opts ...Option) *Driver {
	d := &Driver{
		auth:      auth,
		exporter:  exporter,
		pipeline:  pipeline,
		cursors:   cursors,
		sink:      sink,
		roles:     model.DefaultSubjectRoles,
		maxRounds: 1,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run performs one synchronization. The summary is returned even on failure and
// holds everything fetched before it. Cursors of completed roles stay persisted.
func (d *Driver) Run(ctx context.Context) (*model.Summary, error) {
	summary := &model.Summary{
		RunID:    uuid.NewString(),
		Invoices: []model.InvoiceRecord{},
	}
	logger := d.logger.With("run_id", summary.RunID)
	start := time.Now()

	cred, err := d.auth.Authenticate(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "authentication failed", "error", err)
		return summary, err
	}
	logger.InfoContext(ctx, "authenticated", "credential", *cred)

	var runErr error
	for _, role := range d.roles {
		if err := ctx.Err(); err != nil {
			runErr = errors.Join(runErr, err)
			break
		}

		result, records, err := d.syncRole(ctx, logger.With("subject_role", role), cred, role)
		summary.Add(records...)
		if err != nil {
			result.Error = err.Error()
		}
		summary.Roles = append(summary.Roles, result)

		if err == nil {
			continue
		}
		runErr = errors.Join(runErr, err)
		if model.IsRunFatal(err) || !d.keepGoing || ctx.Err() != nil {
			logger.ErrorContext(ctx, "aborting run", "subject_role", role, "error", err)
			break
		}
		logger.WarnContext(ctx, "subject role failed, continuing", "subject_role", role, "error", err)
	}

	summary.Totals = decimal.Totals(summary.Invoices)
	logger.InfoContext(ctx, "run finished",
		"count", summary.Count,
		"duration", time.Since(start).Round(time.Millisecond),
		"failed", runErr != nil,
	)
	return summary, runErr
}

func (d *Driver) syncRole(ctx context.Context, logger *slog.Logger, cred *model.Credential, role model.SubjectRole) (model.RoleResult, []model.InvoiceRecord, error) {
	from := d.cursors.Cursor(role)
	result := model.RoleResult{SubjectRole: role, From: from, Cursor: from}
	var records []model.InvoiceRecord

	for round := 1; round <= d.maxRounds; round++ {
		result.Rounds = round
		logger.InfoContext(ctx, "requesting export", "from", result.Cursor, "round", round)

		job, err := d.exporter.RequestExport(ctx, cred, role, result.Cursor, nil)
		if err != nil {
			return result, records, err
		}

		pkg, err := d.exporter.PollUntilTerminal(ctx, cred, job)
		if err != nil {
			return result, records, err
		}

		fetched, err := d.pipeline.Materialize(ctx, pkg, job.Envelope, d.sink)
		for i := range fetched {
			fetched[i].SubjectRole = role
		}
		records = append(records, fetched...)
		result.NewInvoices += len(fetched)
		if err != nil {
			return result, records, err
		}

		cursor, changed := d.cursors.Advance(role, pkg)
		result.Truncated = pkg.IsTruncated
		if changed {
			if err := d.cursors.Save(role); err != nil {
				return result, records, model.ErrStateCorruption(string(role), "persisting cursor", err)
			}
			result.Cursor = cursor
			result.Advanced = true
		}

		logger.InfoContext(ctx, "export processed",
			"reference", job.ReferenceNumber,
			"parts", len(pkg.Parts),
			"new_invoices", len(fetched),
			"cursor", cursor,
			"truncated", pkg.IsTruncated,
		)

		if !pkg.IsTruncated || !changed {
			break
		}
	}

	return result, records, nil
}
