package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func signToken(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	signed := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return signed + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("topsecret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	verifier.WithClock(func() time.Time { return now })

	token := signToken(t, "topsecret", map[string]any{
		"sub": "user-42",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
		"aud": "gateway",
	})

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.UserID != "user-42" {
		t.Fatalf("unexpected user id %q", claims.UserID)
	}
	if claims.Audience != "gateway" {
		t.Fatalf("unexpected audience %q", claims.Audience)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	verifier, _ := NewHMACTokenVerifier("topsecret", 0)
	token := signToken(t, "wrong-secret", map[string]any{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier, _ := NewHMACTokenVerifier("topsecret", 0)
	now := time.Unix(1_700_000_000, 0)
	verifier.WithClock(func() time.Time { return now })

	token := signToken(t, "topsecret", map[string]any{
		"sub": "user-42",
		"exp": now.Add(-time.Minute).Unix(),
	})
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyHonoursLeeway(t *testing.T) {
	verifier, _ := NewHMACTokenVerifier("topsecret", 2*time.Minute)
	now := time.Unix(1_700_000_000, 0)
	verifier.WithClock(func() time.Time { return now })

	token := signToken(t, "topsecret", map[string]any{
		"sub": "user-42",
		"exp": now.Add(-time.Minute).Unix(),
	})
	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("expected leeway to save a slightly stale token, got %v", err)
	}
}

func TestVerifyForChecksSubject(t *testing.T) {
	verifier, _ := NewHMACTokenVerifier("topsecret", 0)
	now := time.Unix(1_700_000_000, 0)
	verifier.WithClock(func() time.Time { return now })

	token := signToken(t, "topsecret", map[string]any{
		"sub": "user-42",
		"exp": now.Add(time.Hour).Unix(),
	})

	if _, err := verifier.VerifyFor(token, "user-42"); err != nil {
		t.Fatalf("VerifyFor rejected matching subject: %v", err)
	}
	if _, err := verifier.VerifyFor(token, "user-99"); !errors.Is(err, ErrSubjectMismatch) {
		t.Fatalf("expected ErrSubjectMismatch, got %v", err)
	}
	if _, err := verifier.VerifyFor(token, ""); !errors.Is(err, ErrSubjectMismatch) {
		t.Fatalf("expected ErrSubjectMismatch for empty claim, got %v", err)
	}
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	verifier, _ := NewHMACTokenVerifier("topsecret", 0)
	for _, token := range []string{"", "only.two", "not even close", "a.b.c"} {
		if _, err := verifier.Verify(token); err == nil {
			t.Fatalf("expected error for malformed token %q", token)
		}
	}
}
