// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the Q&A service.
//
// # Authentication Flow
//
// The auth middleware extracts the credential from the Authorization
// header (or, for WebSocket handshakes where browsers cannot set
// headers, the "token" query parameter), verifies the signed token, and
// stores the resolved subject in the Gin context for downstream
// handlers. Verification failure aborts with 401 before any session or
// upgrade happens.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Errors
// =============================================================================

// AuthError reports an invalid or unusable credential. It rejects the
// connection; it never reaches question handling.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// =============================================================================
// Claims
// =============================================================================

// SubjectClaims is the decoded identity, modeled as a tagged union: the
// token carries either the current subject claim or the deprecated
// legacy claim, never an ad hoc mix probed field by field.
type SubjectClaims struct {
	// Current is the subject from the primary "sub" claim.
	Current string

	// Legacy is the subject from the deprecated "user_id"/"id" claim,
	// set only when the primary claim is absent.
	Legacy string
}

// Subject returns the effective subject identity.
func (c SubjectClaims) Subject() string {
	if c.Current != "" {
		return c.Current
	}
	return c.Legacy
}

// IsLegacy reports whether the identity came from the deprecated claim.
func (c SubjectClaims) IsLegacy() bool {
	return c.Current == "" && c.Legacy != ""
}

// =============================================================================
// Verifier
// =============================================================================

// TokenVerifier decodes and validates a signed credential.
type TokenVerifier interface {
	Verify(token string) (SubjectClaims, error)
}

// JWTVerifier verifies HMAC-signed JWTs issued by the credential service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier over the shared signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	if secret == "" {
		panic("NewJWTVerifier: secret must not be empty")
	}
	return &JWTVerifier{secret: []byte(secret)}
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// Verify decodes the token and resolves the subject.
//
// # Description
//
// The subject comes from the primary "sub" claim. When that is absent,
// the deprecated "user_id" (or older "id") claim is accepted with a
// deprecation warning in the logs. A token carrying neither fails with
// "missing subject".
func (v *JWTVerifier) Verify(tokenString string) (SubjectClaims, error) {
	if tokenString == "" {
		return SubjectClaims{}, &AuthError{Reason: "missing credential"}
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return SubjectClaims{}, &AuthError{Reason: "invalid token"}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return SubjectClaims{}, &AuthError{Reason: "invalid token claims"}
	}

	if sub := claimString(claims, "sub"); sub != "" {
		return SubjectClaims{Current: sub}, nil
	}

	// Deprecated fallback for tokens minted before the "sub" migration.
	for _, name := range []string{"user_id", "id"} {
		if legacy := claimString(claims, name); legacy != "" {
			slog.Warn("Credential uses deprecated legacy subject claim",
				"claim", name)
			return SubjectClaims{Legacy: legacy}, nil
		}
	}

	return SubjectClaims{}, &AuthError{Reason: "missing subject"}
}

// claimString reads a claim that may be a string or a JSON number.
func claimString(claims jwt.MapClaims, name string) string {
	switch value := claims[name].(type) {
	case string:
		return value
	case float64:
		return fmt.Sprintf("%.0f", value)
	default:
		return ""
	}
}

// =============================================================================
// Context Helpers
// =============================================================================

// subjectKey is the context key for the authenticated subject.
const subjectKey = "inletdocs_subject"

// SetSubject stores the authenticated subject in the Gin context.
func SetSubject(c *gin.Context, claims SubjectClaims) {
	c.Set(subjectKey, claims)
}

// GetSubject retrieves the authenticated subject from the Gin context.
// The second return is false if the request was not authenticated.
func GetSubject(c *gin.Context) (SubjectClaims, bool) {
	if value, exists := c.Get(subjectKey); exists {
		if claims, ok := value.(SubjectClaims); ok {
			return claims, true
		}
	}
	return SubjectClaims{}, false
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware authenticates requests before they reach a handler.
//
// # Description
//
// Extracts the credential, verifies it, and stores the subject in the
// context. A missing or invalid credential aborts with 401; for the
// WebSocket endpoint this rejects the connection before the upgrade, so
// no session is ever created for an unauthenticated client.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	if verifier == nil {
		panic("AuthMiddleware: verifier must not be nil")
	}
	return func(c *gin.Context) {
		claims, err := verifier.Verify(ExtractToken(c))
		if err != nil {
			slog.Warn("Rejected unauthenticated request",
				"path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		SetSubject(c, claims)
		c.Next()
	}
}

// ExtractToken pulls the credential from the Authorization header,
// falling back to the "token" query parameter used by WebSocket clients.
// Returns empty string if neither is present.
func ExtractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.Query("token"))
}
