package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrSubjectMismatch signals that the token was issued for a different user.
	ErrSubjectMismatch = errors.New("token subject mismatch")
)

// TokenClaims captures the minimal JWT payload the gateway needs for socket auth.
type TokenClaims struct {
	UserID    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Audience  string
}

// HMACTokenVerifier validates compact JWT-style tokens signed with HS256.
type HMACTokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewHMACTokenVerifier(secret string, leeway time.Duration) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// Verify parses the token and validates the signature and expiry, returning the embedded claims.
func (v *HMACTokenVerifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	if err := v.checkHeader(parts[0]); err != nil {
		return nil, err
	}
	if err := v.checkSignature(strings.Join(parts[:2], "."), parts[2]); err != nil {
		return nil, err
	}
	return v.decodeClaims(parts[1])
}

// VerifyFor validates the token and additionally requires that it was issued for userID.
// The gateway refuses traffic when a valid token is presented for someone else's identity.
func (v *HMACTokenVerifier) VerifyFor(token, userID string) (*TokenClaims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" || claims.UserID != strings.TrimSpace(userID) {
		return nil, ErrSubjectMismatch
	}
	return claims, nil
}

func (v *HMACTokenVerifier) checkHeader(segment string) error {
	headerBytes, err := decodeSegment(segment)
	if err != nil {
		return ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
		Type      string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}
	return nil
}

func (v *HMACTokenVerifier) checkSignature(signed, signaturePart string) error {
	expected := v.sign([]byte(signed))
	signatureBytes, err := decodeSegment(signaturePart)
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal(signatureBytes, expected) {
		return ErrInvalidToken
	}
	return nil
}

func (v *HMACTokenVerifier) decodeClaims(segment string) (*TokenClaims, error) {
	payloadBytes, err := decodeSegment(segment)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload struct {
		Subject  string `json:"sub"`
		Expires  int64  `json:"exp"`
		Issued   int64  `json:"iat"`
		Audience string `json:"aud"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}

	return &TokenClaims{
		UserID:    payload.Subject,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
		Audience:  payload.Audience,
	}, nil
}

func (v *HMACTokenVerifier) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
