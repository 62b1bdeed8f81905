package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/ksef-fetcher/internal/auth"
	"github.com/rezonia/ksef-fetcher/internal/cryptox"
	"github.com/rezonia/ksef-fetcher/internal/ksef"
	"github.com/rezonia/ksef-fetcher/internal/ksef/kseftest"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/poll"
)

var nip = model.ContextIdentifier{Type: "nip", Value: "1234567890"}

func setup(t *testing.T) (*kseftest.Platform, *ksef.Client, *cryptox.KeySet) {
	t.Helper()
	p := kseftest.NewPlatform(t)
	client := ksef.NewClient(ksef.WithBaseURL(p.URL()), ksef.WithTimeout(5*time.Second))
	keys, err := auth.LoadKeySet(context.Background(), client, time.Now())
	require.NoError(t, err)
	return p, client, keys
}

func newSession(client *ksef.Client, keys *cryptox.KeySet, token string, attempts int) *auth.Session {
	return auth.NewSession(client, keys, token, nip,
		auth.WithPolicy(poll.Policy{Interval: time.Millisecond, MaxAttempts: attempts}))
}

func TestAuthenticate_Success(t *testing.T) {
	p, client, keys := setup(t)
	s := newSession(client, keys, kseftest.Token, 10)
	assert.Equal(t, auth.StateInit, s.State())

	cred, err := s.Authenticate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, kseftest.AccessToken, cred.AccessToken)
	assert.Equal(t, nip, cred.Context)
	assert.True(t, cred.Valid())
	assert.Equal(t, auth.StateAuthenticated, s.State())
	assert.Same(t, cred, s.Credential())

	assert.Equal(t, []model.ContextIdentifier{nip}, p.Contexts())
	assert.Equal(t, 1, p.Calls("auth.challenge"))
	assert.Equal(t, 1, p.Calls("auth.status"))
	assert.Equal(t, 1, p.Calls("auth.redeem"))
}

func TestAuthenticate_PendingThenSuccess(t *testing.T) {
	p, client, keys := setup(t)
	p.AuthStatuses = []int{100, 100, 200}

	_, err := newSession(client, keys, kseftest.Token, 10).Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, p.Calls("auth.status"))
}

func TestAuthenticate_WrongTokenRejected(t *testing.T) {
	p, client, keys := setup(t)
	s := newSession(client, keys, "not-the-token", 10)

	cred, err := s.Authenticate(context.Background())
	require.Error(t, err)
	assert.Nil(t, cred)

	var kerr *model.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, model.ErrCodeAuthRejected, kerr.Code)
	assert.Contains(t, kerr.Message, "450")
	assert.Contains(t, kerr.Message, "invalid token")

	assert.Equal(t, auth.StateFailed, s.State())
	assert.Nil(t, s.Credential())
	assert.Equal(t, 0, p.Calls("auth.redeem"))
}

func TestAuthenticate_RejectedWithoutDescription(t *testing.T) {
	p, client, keys := setup(t)
	p.AuthStatuses = []int{100, 400}

	_, err := newSession(client, keys, kseftest.Token, 10).Authenticate(context.Background())
	assert.Equal(t, model.ErrCodeAuthRejected, model.CodeOf(err))
	assert.Contains(t, err.Error(), "unknown error")
}

func TestAuthenticate_PollTimeout(t *testing.T) {
	p, client, keys := setup(t)
	p.AuthStatuses = []int{100}

	_, err := newSession(client, keys, kseftest.Token, 3).Authenticate(context.Background())
	assert.Equal(t, model.ErrCodeAuthPollTimeout, model.CodeOf(err))
	assert.Equal(t, 3, p.Calls("auth.status"))
	assert.Equal(t, 0, p.Calls("auth.redeem"))
}

func TestAuthenticate_ChallengeFailure(t *testing.T) {
	p, client, keys := setup(t)
	p.FailChallenge = true

	_, err := newSession(client, keys, kseftest.Token, 3).Authenticate(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeAuthChallenge, model.CodeOf(err))
	assert.True(t, model.HasCode(err, model.ErrCodeTransport))
	assert.Equal(t, 0, p.Calls("auth.submit"))
}

func TestAuthenticate_SubmissionRejected(t *testing.T) {
	p, client, keys := setup(t)
	p.FailSubmit = true
	s := newSession(client, keys, kseftest.Token, 3)

	cred, err := s.Authenticate(context.Background())
	require.Error(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, model.ErrCodeAuthSubmission, model.CodeOf(err))
	assert.True(t, model.HasCode(err, model.ErrCodeTransport))
	assert.Contains(t, err.Error(), "authentication context not allowed")
	assert.True(t, model.IsRunFatal(err))

	assert.Equal(t, auth.StateFailed, s.State())
	assert.Nil(t, s.Credential())
	assert.Equal(t, 0, p.Calls("auth.status"))
}

type failingEncrypter struct{}

func (failingEncrypter) EncryptShortSecret(plaintext []byte, usage cryptox.Usage) ([]byte, error) {
	return nil, errors.New("message too long for RSA key size")
}

func TestAuthenticate_EncryptionFailure(t *testing.T) {
	p, client, _ := setup(t)
	s := auth.NewSession(client, failingEncrypter{}, kseftest.Token, nip,
		auth.WithPolicy(poll.Policy{Interval: time.Millisecond, MaxAttempts: 3}))

	_, err := s.Authenticate(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeAuthSubmission, model.CodeOf(err))
	assert.Contains(t, err.Error(), "message too long")
	assert.Equal(t, auth.StateFailed, s.State())
	assert.Equal(t, 1, p.Calls("auth.challenge"))
	assert.Equal(t, 0, p.Calls("auth.submit"))
}

func TestAuthenticate_StatusQueryFailure(t *testing.T) {
	p, client, keys := setup(t)
	p.FailAuthStatus = true
	s := newSession(client, keys, kseftest.Token, 3)

	_, err := s.Authenticate(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeAuthStatus, model.CodeOf(err))
	assert.True(t, model.HasCode(err, model.ErrCodeTransport))
	assert.True(t, model.IsRunFatal(err))
	assert.Equal(t, auth.StateFailed, s.State())
	assert.Equal(t, 0, p.Calls("auth.redeem"))
}

func TestAuthenticate_RedeemFailure(t *testing.T) {
	p, client, keys := setup(t)
	p.FailRedeem = true
	s := newSession(client, keys, kseftest.Token, 3)

	cred, err := s.Authenticate(context.Background())
	require.Error(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, model.ErrCodeAuthRedeem, model.CodeOf(err))
	assert.True(t, model.HasCode(err, model.ErrCodeTransport))
	assert.True(t, model.IsRunFatal(err))

	assert.Equal(t, auth.StateFailed, s.State())
	assert.Nil(t, s.Credential())
	assert.Equal(t, 1, p.Calls("auth.redeem"))
}

func TestAuthenticate_CancelledWhilePolling(t *testing.T) {
	p, client, keys := setup(t)
	p.AuthStatuses = []int{100}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s := auth.NewSession(client, keys, kseftest.Token, nip,
		auth.WithPolicy(poll.Policy{Interval: time.Hour, MaxAttempts: 10}))
	_, err := s.Authenticate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, auth.StateFailed, s.State())
}

func TestLoadKeySet_MissingUsage(t *testing.T) {
	p := kseftest.NewPlatform(t)
	p.OmitUsage = string(cryptox.UsageTokenEncryption)
	client := ksef.NewClient(ksef.WithBaseURL(p.URL()))

	_, err := auth.LoadKeySet(context.Background(), client, time.Now())
	assert.Equal(t, model.ErrCodeKeyNotFound, model.CodeOf(err))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "polling", auth.StatePolling.String())
	assert.Equal(t, "authenticated", auth.StateAuthenticated.String())
}
