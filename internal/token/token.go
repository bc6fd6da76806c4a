// Package token implements the Token Issuer (C3): short-lived signed
// tokens binding an identity to a messaging room, per spec §4.3. The
// HMAC-SHA256-over-base64-claims scheme is adapted from the teacher's
// security.TokenBroker (internal/security/token_broker.go), generalized
// from a trust-score gate and multi-tenant claim set down to the
// identity/room pair the spec calls for. Issue does not check bus
// reachability; only cmd/tokend's GET /health does.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claims is embedded, base64-encoded, in every issued token.
type Claims struct {
	Identity  string `json:"identity"`
	Room      string `json:"room"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Issuer    string `json:"iss"`
}

// Token is the wire representation returned from POST /token.
type Token struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Broker issues and verifies room-join tokens.
type Broker struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// New constructs a Broker. An empty secret is rejected by the caller at
// wiring time — unlike the teacher's broker, this one does not silently
// fall back to a baked-in development secret.
func New(secret string, ttl time.Duration, issuer string) *Broker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if issuer == "" {
		issuer = "fieldplane-token"
	}
	return &Broker{secret: []byte(secret), ttl: ttl, issuer: issuer}
}

func (b *Broker) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Issue mints a token binding identity to room.
func (b *Broker) Issue(identity, room string) (*Token, error) {
	if identity == "" || room == "" {
		return nil, fmt.Errorf("token: identity and room are required")
	}

	now := time.Now()
	claims := Claims{
		Identity:  identity,
		Room:      room,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(b.ttl).Unix(),
		Issuer:    b.issuer,
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("token: marshal claims: %w", err)
	}

	sig := b.sign(claimsJSON)
	raw := base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sig)

	return &Token{Token: raw, ExpiresAt: claims.ExpiresAt}, nil
}

// Verify checks a token's signature and expiry, returning its claims.
func (b *Broker) Verify(raw string) (*Claims, error) {
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("token: malformed token")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("token: bad claims encoding: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("token: bad signature encoding: %w", err)
	}

	if !hmac.Equal(sig, b.sign(claimsJSON)) {
		return nil, fmt.Errorf("token: signature mismatch")
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("token: bad claims payload: %w", err)
	}

	if time.Now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token: expired")
	}

	return &claims, nil
}
