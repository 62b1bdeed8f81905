package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := ErrTransport("auth.challenge", 503, errors.New("service unavailable"))
	assert.Equal(t, "[TRANSPORT] auth.challenge: request failed (http 503) (service unavailable)", err.Error())

	err = ErrNotAuthenticated()
	assert.Equal(t, "[NOT_AUTHENTICATED] no access token, authenticate first", err.Error())
}

func TestHasCode_WrappedChain(t *testing.T) {
	inner := ErrTransport("auth.challenge", 0, errors.New("dial tcp: refused"))
	outer := fmt.Errorf("authenticating: %w", ErrAuthChallenge(inner))

	assert.Equal(t, ErrCodeAuthChallenge, CodeOf(outer))
	assert.True(t, HasCode(outer, ErrCodeAuthChallenge))
	assert.True(t, HasCode(outer, ErrCodeTransport))
	assert.False(t, HasCode(outer, ErrCodeDecryption))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeTransport))
}

func TestIsRunFatal(t *testing.T) {
	assert.True(t, IsRunFatal(ErrKeyNotFound("KsefTokenEncryption")))
	assert.True(t, IsRunFatal(ErrAuthRejected(450, "bad token")))
	assert.True(t, IsRunFatal(ErrStateCorruption("state", "bad json", nil)))
	assert.True(t, IsRunFatal(ErrAuthStatus(ErrTransport("auth.status", 500, nil))))
	assert.True(t, IsRunFatal(ErrAuthRedeem(ErrTransport("auth.redeem", 400, nil))))
	assert.True(t, IsRunFatal(ErrStateUnavailable(nil)))
	assert.False(t, IsRunFatal(ErrExportPollTimeout("REF", 60)))
	assert.False(t, IsRunFatal(ErrDecryption("bad padding", nil)))
	assert.False(t, IsRunFatal(nil))
}

func TestPackage_NextCursor(t *testing.T) {
	d1 := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		pkg    *Package
		want   time.Time
		wantOK bool
	}{
		{"truncated uses last storage date", &Package{IsTruncated: true, LastPermanentStorageDate: &d1, PermanentStorageHwmDate: &d2}, d1, true},
		{"complete uses hwm", &Package{PermanentStorageHwmDate: &d2}, d2, true},
		{"truncated without last date", &Package{IsTruncated: true, PermanentStorageHwmDate: &d2}, time.Time{}, false},
		{"no dates", &Package{}, time.Time{}, false},
		{"nil", nil, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.pkg.NextCursor()
			assert.Equal(t, tt.wantOK, ok)
			assert.True(t, tt.want.Equal(got))
		})
	}
}

func TestCredential_Redacted(t *testing.T) {
	c := Credential{AccessToken: "secret-token", Context: ContextIdentifier{Type: "nip", Value: "1234567890"}}
	assert.NotContains(t, c.String(), "secret-token")
	assert.NotContains(t, fmt.Sprintf("%v", c), "secret-token")
	assert.NotContains(t, c.LogValue().String(), "secret-token")
	assert.True(t, c.Valid())

	var nilCred *Credential
	assert.False(t, nilCred.Valid())
}

func TestParseSubjectRole(t *testing.T) {
	r, err := ParseSubjectRole(" Subject2 ")
	assert.NoError(t, err)
	assert.Equal(t, SubjectRecipient, r)

	_, err = ParseSubjectRole("Subject9")
	assert.Error(t, err)
}
