package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const ctxKeyOwnerID contextKey = iota

// ownerFromContext returns the authenticated owner id, or "".
func ownerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyOwnerID).(string)
	return id
}

// issueAccessToken signs a short-lived JWT for the owner.
func (s *Server) issueAccessToken(ownerID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTokenTTL)),
		Issuer:    "tempo-sync",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// verifyAccessToken parses and validates a bearer token, returning the
// owner id. Expired or malformed tokens fail verification.
func (s *Server) verifyAccessToken(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return claims.Subject, nil
}

// requireAuth wraps a handler with bearer-token authentication.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
			return
		}

		ownerID, err := s.verifyAccessToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyOwnerID, ownerID)
		next(w, r.WithContext(ctx))
	}
}

// tokenRequest is the JSON body for POST /api/v1/auth/token.
type tokenRequest struct {
	OwnerID string `json:"owner_id"`
	Secret  string `json:"secret,omitempty"`
}

// tokenResponse is the JSON response for POST /api/v1/auth/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	OwnerID      string `json:"owner_id"`
}

// handleToken handles POST /api/v1/auth/token: the development login that
// exchanges an owner id (plus optional shared secret) for a token pair.
// Production identity (password hashing, account management) lives behind
// a separate service and is out of scope here.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "owner_id is required")
		return
	}
	if s.config.DevSecret != "" && req.Secret != s.config.DevSecret {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "bad secret")
		return
	}

	access, err := s.issueAccessToken(req.OwnerID)
	if err != nil {
		logFor(r.Context()).Error("issue access token", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}
	refresh, err := s.store.CreateRefreshToken(req.OwnerID, s.config.RefreshTokenTTL)
	if err != nil {
		logFor(r.Context()).Error("create refresh token", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh.Token,
		OwnerID:      req.OwnerID,
	})
}

// refreshRequest is the JSON body for POST /api/v1/auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the JSON response for POST /api/v1/auth/refresh.
type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

// handleRefresh handles POST /api/v1/auth/refresh: exchanges a live
// refresh token for a fresh access token. Any failure is a plain 401;
// the client treats that as refresh failure and falls back to its
// original unauthorized result.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "refresh_token is required")
		return
	}

	ownerID, err := s.store.LookupRefreshToken(req.RefreshToken)
	if err != nil {
		logFor(r.Context()).Error("lookup refresh token", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "refresh failed")
		return
	}
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown or expired refresh token")
		return
	}

	access, err := s.issueAccessToken(ownerID)
	if err != nil {
		logFor(r.Context()).Error("issue access token", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: access})
}

// randomSecret generates a fallback JWT secret for dev setups that did
// not configure one. Tokens do not survive a restart in that mode.
func randomSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
