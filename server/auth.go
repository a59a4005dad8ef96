// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/treetask/go-treesync/internal/auth"
	"github.com/treetask/go-treesync/treesync"
)

// ClientAuthenticator extracts both user and device identity from HTTP
// requests. Implementations should validate auth (e.g. JWT) and provide
// both identifiers. Middleware is the request path: it validates the
// credential once and threads both identities through the request context,
// so handlers never re-validate. The getters remain for callers that mount
// handlers without the middleware.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
	Middleware(next http.Handler) http.Handler
}

// JWTAuthenticator validates bearer tokens minted by treesync.JWTAuth and
// implements ClientAuthenticator.
type JWTAuthenticator struct {
	auth *treesync.JWTAuth
}

// NewJWTAuthenticator wraps a JWTAuth for request-side validation.
func NewJWTAuthenticator(a *treesync.JWTAuth) *JWTAuthenticator {
	return &JWTAuthenticator{auth: a}
}

func (j *JWTAuthenticator) bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return token, nil
}

// GetUserID extracts the user ID from the JWT sub claim.
func (j *JWTAuthenticator) GetUserID(r *http.Request) (string, error) {
	token, err := j.bearerToken(r)
	if err != nil {
		return "", err
	}
	claims, err := j.auth.ValidateToken(token)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}

// GetDeviceID extracts the device ID from the JWT did claim.
func (j *JWTAuthenticator) GetDeviceID(r *http.Request) (string, error) {
	token, err := j.bearerToken(r)
	if err != nil {
		return "", err
	}
	claims, err := j.auth.ValidateToken(token)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.DeviceID, nil
}

// Middleware validates the bearer token once and stores both identities in
// the request context for downstream handlers.
func (j *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := j.bearerToken(r)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		claims, err := j.auth.ValidateToken(token)
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}
		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(ErrorResponse{Error: "authentication_failed", Message: message})
}
