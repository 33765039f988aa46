// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// Context Keys
// =============================================================================

// approverKey is the gin context key for the authenticated approver.
const approverKey = "resilience_approver"

// ErrUnauthorized is returned for missing, malformed, or invalid tokens.
var ErrUnauthorized = errors.New("unauthorized")

// ApproverClaims are the JWT claims accepted for approvals. The subject is
// the approver identity recorded in the ledger.
type ApproverClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// =============================================================================
// Token Handling
// =============================================================================

// IssueToken signs an HS256 approver token. Used by operators' tooling and
// tests; the server only verifies.
func IssueToken(secret []byte, approver string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ApproverClaims{
		Role: "approver",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approver,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// parseApprover verifies an HS256 token and returns its subject.
func parseApprover(secret []byte, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	claims := &ApproverClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// =============================================================================
// Middleware
// =============================================================================

// ApproverAuth authenticates approval requests.
//
// # Description
//
// Extracts "Authorization: Bearer <token>", verifies it as an HS256 JWT
// signed with secret, and stores the subject as the approver for
// downstream handlers. With an empty secret approvals are disabled and
// every request is refused with 403.
//
// # Thread Safety
//
// The returned middleware is safe for concurrent use.
func ApproverAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "approvals_disabled"})
			return
		}
		approver, err := parseApprover(secret, extractBearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(approverKey, approver)
		c.Next()
	}
}

// approverFrom returns the approver stored by ApproverAuth.
func approverFrom(c *gin.Context) string {
	if v, ok := c.Get(approverKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// extractBearerToken reads the token from the Authorization header. The
// "Bearer" prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
