/**
 * @description
 * This file contains custom middleware for the HTTP router. The review
 * endpoints are protected by a signed reviewer session token; the middleware
 * validates it and puts the reviewer id on the request context.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ReviewerIDContextKey is a custom type for the context key to avoid collisions.
type ReviewerIDContextKey string

const reviewerIDKey ReviewerIDContextKey = "reviewerID"

// ReviewerAuthMiddleware validates the reviewer session JWT (HS256, signed by
// the panel login flow) and stores the reviewer id in the request context.
func ReviewerAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}
			subject, _ := claims["sub"].(string)
			reviewerID, err := uuid.Parse(subject)
			if err != nil {
				http.Error(w, "Reviewer id not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), reviewerIDKey, reviewerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ReviewerIDFromContext extracts the authenticated reviewer id.
func ReviewerIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(reviewerIDKey).(uuid.UUID)
	return id, ok
}
