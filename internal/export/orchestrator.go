// Package export requests incremental invoice exports and polls them to completion.
package export

import (
	"context"
	"log/slog"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/cryptox"
	"github.com/rezonia/ksef-fetcher/internal/ksef"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/poll"
)

// DateType selects invoices by the date they entered permanent storage
const DateType = "PermanentStorage"

// DefaultPolicy allows a large export several minutes to complete
var DefaultPolicy = poll.Policy{Interval: 5 * time.Second, MaxAttempts: 60}

// Platform is the subset of the transport exports need
type Platform interface {
	RequestExport(ctx context.Context, accessToken string, req *ksef.ExportRequest) (*ksef.ExportResponse, error)
	ExportStatus(ctx context.Context, accessToken, referenceNumber string) (*ksef.ExportStatusResponse, error)
}

// Job is an accepted export. The envelope is the only way to read its package.
type Job struct {
	ReferenceNumber string
	SubjectRole     model.SubjectRole
	From            time.Time
	To              *time.Time
	Envelope        *cryptox.Envelope
}

// Orchestrator drives export jobs
type Orchestrator struct {
	platform Platform
	keys     *cryptox.KeySet
	policy   poll.Policy
	logger   *slog.Logger
}

// Option configures an orchestrator
type Option func(*Orchestrator)

// WithPolicy sets the status polling policy
func WithPolicy(p poll.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator creates an orchestrator that wraps export keys with keys
func NewOrchestrator(platform Platform, keys *cryptox.KeySet, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		platform: platform,
		keys:     keys,
		policy:   DefaultPolicy,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RequestExport submits an export of role invoices stored at or after from.
// A nil to leaves the range open. Every call uses a fresh envelope.
func (o *Orchestrator) RequestExport(ctx context.Context, cred *model.Credential, role model.SubjectRole, from time.Time, to *time.Time) (*Job, error) {
	if !cred.Valid() {
		return nil, model.ErrNotAuthenticated()
	}

	env, err := cryptox.GenerateEnvelope()
	if err != nil {
		return nil, err
	}
	if _, err := env.Seal(o.keys); err != nil {
		return nil, err
	}

	from = from.UTC()
	if to != nil {
		t := to.UTC()
		to = &t
	}

	resp, err := o.platform.RequestExport(ctx, cred.AccessToken, &ksef.ExportRequest{
		Filters: ksef.ExportFilters{
			SubjectType: role,
			DateRange: ksef.DateRange{
				DateType:                          DateType,
				From:                              from,
				To:                                to,
				RestrictToPermanentStorageHwmDate: true,
			},
		},
		Encryption: ksef.EncryptionInfo{
			EncryptedSymmetricKey: env.EncryptedKey(),
			InitializationVector:  env.IV(),
			EncryptionScheme:      cryptox.Scheme,
		},
	})
	if err != nil {
		return nil, err
	}

	o.logger.DebugContext(ctx, "export requested",
		"reference", resp.ReferenceNumber,
		"subject_role", role,
		"from", from,
	)

	return &Job{
		ReferenceNumber: resp.ReferenceNumber,
		SubjectRole:     role,
		From:            from,
		To:              to,
		Envelope:        env,
	}, nil
}

// PollUntilTerminal waits for the job to complete and returns its package.
// A completed job without a package yields an empty package.
func (o *Orchestrator) PollUntilTerminal(ctx context.Context, cred *model.Credential, job *Job) (*model.Package, error) {
	if !cred.Valid() {
		return nil, model.ErrNotAuthenticated()
	}

	res, err := poll.Until(ctx, o.policy, func(ctx context.Context) (poll.Status[*ksef.ExportPackage], error) {
		st, err := o.platform.ExportStatus(ctx, cred.AccessToken, job.ReferenceNumber)
		if err != nil {
			return poll.Status[*ksef.ExportPackage]{}, err
		}
		out := ksef.Classify[*ksef.ExportPackage](st.Status)
		out.Value = st.Package
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case poll.Failed:
		return nil, model.ErrExportRejected(job.ReferenceNumber, res.Code, res.Reason)
	case poll.TimedOut:
		// TODO: cancel the job on the platform once the export API exposes a cancel endpoint
		return nil, model.ErrExportPollTimeout(job.ReferenceNumber, res.Attempts)
	}

	pkg := res.Value.ToModel()
	o.logger.DebugContext(ctx, "export completed",
		"reference", job.ReferenceNumber,
		"attempts", res.Attempts,
		"parts", len(pkg.Parts),
		"truncated", pkg.IsTruncated,
	)
	return pkg, nil
}
