/**
 * @description
 * External identity verifiers. Two variants feed the state machine:
 * - OAuthVerifier validates a Google id_token (signature via JWKS, fixed
 *   issuer and client-id audience, expiry) and extracts the stable subject
 *   and email. Every validation failure is classified as ErrInvalidAssertion;
 *   nothing here panics or leaks parser internals.
 * - ReviewVerifier is a pure authorization lookup against the reviewer
 *   roster; no cryptography involved.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 * - crypto/rsa, encoding/base64, math/big: JWKS key material decoding.
 */

package app

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kpostekk/pjatk-cat-guard/internal/domain"
	"github.com/kpostekk/pjatk-cat-guard/internal/store"
)

// OAuthClaims is the validated subset of the assertion the state machine
// cares about. Raw keeps the full claim set for the trusted record's
// verification context.
type OAuthClaims struct {
	Subject string
	Email   string
	Name    string
	Raw     map[string]any
}

// AssertionVerifier validates an externally supplied OAuth credential.
type AssertionVerifier interface {
	Verify(ctx context.Context, credential string) (*OAuthClaims, error)
}

// OAuthVerifier validates Google id_tokens against a fixed issuer and
// client id.
type OAuthVerifier struct {
	issuers  []string
	audience string
	keyfunc  jwt.Keyfunc
}

// NewOAuthVerifier creates a verifier bound to the given client id. keyfunc
// resolves the signing key, usually via NewJWKSKeyfunc.
func NewOAuthVerifier(clientID string, keyfunc jwt.Keyfunc) *OAuthVerifier {
	return &OAuthVerifier{
		// Google issues both forms depending on the flow.
		issuers:  []string{"accounts.google.com", "https://accounts.google.com"},
		audience: clientID,
		keyfunc:  keyfunc,
	}
}

// Verify parses and validates the credential. Any failure, from a malformed
// token to a wrong audience, comes back as ErrInvalidAssertion.
func (v *OAuthVerifier) Verify(ctx context.Context, credential string) (*OAuthClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, v.keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidAssertion)
	}

	issuer, err := claims.GetIssuer()
	if err != nil || !v.issuerAllowed(issuer) {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidAssertion, issuer)
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject claim missing", ErrInvalidAssertion)
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)

	raw := make(map[string]any, len(claims))
	for k, val := range claims {
		raw[k] = val
	}

	return &OAuthClaims{Subject: subject, Email: email, Name: name, Raw: raw}, nil
}

func (v *OAuthVerifier) issuerAllowed(issuer string) bool {
	for _, allowed := range v.issuers {
		if issuer == allowed {
			return true
		}
	}
	return false
}

// ReviewerAuthorizer checks that a reviewer may decide requests for a guild.
type ReviewerAuthorizer interface {
	Authorize(ctx context.Context, reviewerID uuid.UUID, guildID int64) (*domain.Reviewer, error)
}

// ReviewVerifier authorizes reviewer decisions against the stored roster.
type ReviewVerifier struct {
	repo store.Repository
}

// NewReviewVerifier creates a roster-backed reviewer authorizer.
func NewReviewVerifier(repo store.Repository) *ReviewVerifier {
	return &ReviewVerifier{repo: repo}
}

// Authorize returns the reviewer when they are registered for the guild and
// ErrUnauthorized otherwise.
func (v *ReviewVerifier) Authorize(ctx context.Context, reviewerID uuid.UUID, guildID int64) (*domain.Reviewer, error) {
	reviewer, err := v.repo.FindReviewer(ctx, reviewerID)
	if err != nil {
		if errors.Is(err, store.ErrReviewerNotFound) {
			return nil, fmt.Errorf("%w: reviewer %s is not registered", ErrUnauthorized, reviewerID)
		}
		return nil, err
	}
	if reviewer.Identity.GuildID != guildID {
		return nil, fmt.Errorf("%w: reviewer %s belongs to guild %d", ErrUnauthorized, reviewerID, reviewer.Identity.GuildID)
	}
	return reviewer, nil
}

var studentNumberPattern = regexp.MustCompile(`^s\d{5}`)

// StudentNumberFromEmail extracts the student-number token from the local
// part of a university email, e.g. "s12345@pjwstk.edu.pl" -> "s12345".
// Returns "" when the address does not carry one.
func StudentNumberFromEmail(email string) string {
	local, _, found := strings.Cut(email, "@")
	if !found {
		return ""
	}
	return studentNumberPattern.FindString(local)
}

// jwksDocument mirrors the JSON structure of an RFC 7517 key set.
type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// NewJWKSKeyfunc returns a jwt.Keyfunc that resolves RSA public keys from the
// given JWKS endpoint by key id. Keys are fetched per validation; Google's
// endpoint sits behind long-lived HTTP caching, so no local cache is kept.
func NewJWKSKeyfunc(jwksURL string) jwt.Keyfunc {
	client := &http.Client{Timeout: 10 * time.Second}

	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}

		resp, err := client.Get(jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
		}

		var doc jwksDocument
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode JWKS: %w", err)
		}

		for _, key := range doc.Keys {
			if key.Kid != kid || key.Kty != "RSA" {
				continue
			}
			nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
			if err != nil {
				return nil, fmt.Errorf("failed to decode modulus: %w", err)
			}
			eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
			if err != nil {
				return nil, fmt.Errorf("failed to decode exponent: %w", err)
			}
			return &rsa.PublicKey{
				N: new(big.Int).SetBytes(nBytes),
				E: int(new(big.Int).SetBytes(eBytes).Int64()),
			}, nil
		}
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}
}
