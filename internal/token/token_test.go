package token

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	b := New("test-secret", time.Minute, "test-issuer")

	tok, err := b.Issue("sensor-17", "lab-floor-2")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)

	claims, err := b.Verify(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "sensor-17", claims.Identity)
	assert.Equal(t, "lab-floor-2", claims.Room)
	assert.Equal(t, "test-issuer", claims.Issuer)
}

func TestIssueRequiresIdentityAndRoom(t *testing.T) {
	b := New("secret", time.Minute, "")
	_, err := b.Issue("", "room")
	assert.Error(t, err)
	_, err = b.Issue("identity", "")
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	b := New("secret-a", time.Minute, "")
	tok, err := b.Issue("id", "room")
	require.NoError(t, err)

	other := New("secret-b", time.Minute, "")
	_, err = other.Verify(tok.Token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	b := New("secret", time.Minute, "")

	// New() clamps any ttl<=0 to a 5-minute default, so an expired token
	// can't be produced through Issue(); sign the claims directly instead.
	now := time.Now()
	claims := Claims{
		Identity:  "id",
		Room:      "room",
		IssuedAt:  now.Add(-2 * time.Minute).Unix(),
		ExpiresAt: now.Add(-time.Minute).Unix(),
		Issuer:    b.issuer,
	}
	claimsJSON, err := json.Marshal(claims)
	require.NoError(t, err)
	sig := b.sign(claimsJSON)
	raw := base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sig)

	_, err = b.Verify(raw)
	assert.Error(t, err)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	b := New("secret", time.Minute, "")
	_, err := b.Verify("not-a-real-token")
	assert.Error(t, err)
}
