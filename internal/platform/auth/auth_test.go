package auth

import (
	"strings"
	"testing"
	"time"

	"actsync/internal/platform/config"
	"actsync/internal/platform/models"
)

func TestTokenService_AccessAndStateAreSeparate(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour, StateTTL: time.Minute})

	access, err := svc.GenerateAccessToken("user_1", "a@example.com")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	claims, err := svc.ValidateToken(access)
	if err != nil || claims.UserID != "user_1" {
		t.Fatalf("ValidateToken() = %v, %v", claims, err)
	}

	state, err := svc.GenerateState("user_1", models.ProviderLinear)
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}
	if _, err := svc.ValidateToken(state); err == nil {
		t.Error("state token must not authenticate API calls")
	}
	if _, err := svc.ParseState(access, models.ProviderLinear); err == nil {
		t.Error("access token must not be accepted as state")
	}
	if _, err := svc.ParseState(state, models.ProviderSlack); err == nil {
		t.Error("state issued for linear must not be accepted for slack")
	}

	sc, err := svc.ParseState(state, models.ProviderLinear)
	if err != nil || sc.UserID != "user_1" {
		t.Errorf("ParseState() = %v, %v", sc, err)
	}
}

func TestTokenService_StateExpires(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "test-secret", StateTTL: time.Minute})
	issued := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return issued }

	state, _ := svc.GenerateState("user_1", models.ProviderSlack)

	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := svc.ParseState(state, models.ProviderSlack); err == nil {
		t.Error("expired state must be rejected")
	}
}

func TestTokenCipher(t *testing.T) {
	c, err := NewTokenCipher(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("NewTokenCipher() error = %v", err)
	}

	sealed, err := c.Seal("xoxb-secret")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) || strings.Contains(sealed, "xoxb") {
		t.Errorf("token not sealed: %s", sealed)
	}

	plain, err := c.Open(sealed)
	if err != nil || plain != "xoxb-secret" {
		t.Errorf("Open() = %q, %v", plain, err)
	}

	legacy, err := c.Open("plain-token")
	if err != nil || legacy != "plain-token" {
		t.Errorf("unsealed values pass through, got %q, %v", legacy, err)
	}

	var none *TokenCipher
	if v, _ := none.Seal("x"); v != "x" {
		t.Errorf("nil cipher must pass through")
	}
	if _, err := none.Open(sealed); err == nil {
		t.Errorf("nil cipher cannot open sealed values")
	}

	if _, err := NewTokenCipher("abcd"); err == nil {
		t.Error("short key must be rejected")
	}
}
