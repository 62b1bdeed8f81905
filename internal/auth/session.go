// Package auth performs token authentication against the platform:
// challenge, encrypted token submission, status polling and token redemption.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/cryptox"
	"github.com/rezonia/ksef-fetcher/internal/ksef"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/poll"
)

// State is the position of a session in the handshake
type State int

const (
	StateInit State = iota
	StateChallenged
	StateSubmitted
	StatePolling
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	return [...]string{"init", "challenged", "submitted", "polling", "authenticated", "failed"}[s]
}

// Platform is the subset of the transport the handshake needs
type Platform interface {
	Challenge(ctx context.Context) (*ksef.ChallengeResponse, error)
	SubmitKSeFToken(ctx context.Context, req *ksef.TokenAuthRequest) (*ksef.TokenAuthResponse, error)
	AuthStatus(ctx context.Context, referenceNumber, authToken string) (*ksef.AuthStatusResponse, error)
	RedeemToken(ctx context.Context, authToken string) (*ksef.RedeemResponse, error)
}

// Encrypter encrypts short secrets for the platform
type Encrypter interface {
	EncryptShortSecret(plaintext []byte, usage cryptox.Usage) ([]byte, error)
}

// DefaultPolicy matches the platform's typical authentication latency
var DefaultPolicy = poll.Policy{Interval: 2 * time.Second, MaxAttempts: 10}

// Session authenticates once and holds the resulting credential
type Session struct {
	platform Platform
	keys     Encrypter
	token    string
	context  model.ContextIdentifier
	policy   poll.Policy
	logger   *slog.Logger

	state      State
	credential *model.Credential
}

// SessionOption configures a session
type SessionOption func(*Session)

// WithPolicy sets the status polling policy
func WithPolicy(p poll.Policy) SessionOption {
	return func(s *Session) {
		s.policy = p
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession creates a session for a KSeF token issued in the given context
func NewSession(platform Platform, keys Encrypter, token string, ctxID model.ContextIdentifier, opts ...SessionOption) *Session {
	s := &Session{
		platform: platform,
		keys:     keys,
		token:    token,
		context:  ctxID,
		policy:   DefaultPolicy,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current handshake state
func (s *Session) State() State {
	return s.state
}

// Credential returns the credential of a completed handshake, or nil
func (s *Session) Credential() *model.Credential {
	return s.credential
}

// Authenticate runs the full handshake. On failure no credential is kept.
func (s *Session) Authenticate(ctx context.Context) (*model.Credential, error) {
	s.state = StateInit
	s.credential = nil

	cred, err := s.authenticate(ctx)
	if err != nil {
		s.state = StateFailed
		return nil, err
	}

	s.state = StateAuthenticated
	s.credential = cred
	return cred, nil
}

func (s *Session) authenticate(ctx context.Context) (*model.Credential, error) {
	ch, err := s.platform.Challenge(ctx)
	if err != nil {
		return nil, model.ErrAuthChallenge(err)
	}
	challenge := model.Challenge{Value: ch.Challenge, TimestampMs: ch.TimestampMs}
	s.state = StateChallenged

	encrypted, err := s.keys.EncryptShortSecret([]byte(fmt.Sprintf("%s|%d", s.token, challenge.TimestampMs)), cryptox.UsageTokenEncryption)
	if err != nil {
		return nil, model.ErrAuthSubmission(err)
	}

	sub, err := s.platform.SubmitKSeFToken(ctx, &ksef.TokenAuthRequest{
		Challenge:         challenge.Value,
		ContextIdentifier: s.context,
		EncryptedToken:    base64.StdEncoding.EncodeToString(encrypted),
	})
	if err != nil {
		return nil, model.ErrAuthSubmission(err)
	}
	s.state = StateSubmitted
	s.logger.DebugContext(ctx, "authentication submitted", "reference", sub.ReferenceNumber)

	authToken := sub.AuthenticationToken.Token
	s.state = StatePolling

	res, err := poll.Until(ctx, s.policy, func(ctx context.Context) (poll.Status[struct{}], error) {
		st, err := s.platform.AuthStatus(ctx, sub.ReferenceNumber, authToken)
		if err != nil {
			return poll.Status[struct{}]{}, err
		}
		return ksef.Classify[struct{}](st.Status), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, model.ErrAuthStatus(err)
	}

	switch res.Outcome {
	case poll.Failed:
		return nil, model.ErrAuthRejected(res.Code, res.Reason)
	case poll.TimedOut:
		return nil, model.ErrAuthPollTimeout(res.Attempts)
	}
	s.logger.DebugContext(ctx, "authentication completed", "attempts", res.Attempts)

	redeemed, err := s.platform.RedeemToken(ctx, authToken)
	if err != nil {
		return nil, model.ErrAuthRedeem(err)
	}

	return &model.Credential{
		AccessToken: redeemed.AccessToken.Token,
		Context:     s.context,
		ValidUntil:  redeemed.AccessToken.ValidUntil,
	}, nil
}
