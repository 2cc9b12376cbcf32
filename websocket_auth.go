package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"chatgrid/gateway/internal/auth"
)

// websocketAuthenticator resolves the authenticated user behind an upgrade
// request before any application traffic is accepted.
type websocketAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// allowAllAuthenticator admits every request; tests and local development use
// it when no auth secret is configured.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = r.RemoteAddr
	}
	return userID, nil
}

type hmacWebsocketAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

func newHMACWebsocketAuthenticator(secret string) (websocketAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacWebsocketAuthenticator{verifier: verifier}, nil
}

// Authenticate checks that the presented token was issued for the claimed
// user id and returns that id.
func (a *hmacWebsocketAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get("X-User-ID"))
	}
	if userID == "" {
		return "", errors.New("missing user id")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.VerifyFor(token, userID)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
