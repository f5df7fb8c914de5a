package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kpostekk/pjatk-cat-guard/internal/app"
	"github.com/kpostekk/pjatk-cat-guard/internal/domain"
	"github.com/kpostekk/pjatk-cat-guard/internal/store"
)

const testJWTSecret = "test-secret"

// stubService returns canned results and records decision calls.
type stubService struct {
	createErr  error
	decideErr  error
	oauthErr   error
	statusErr  error
	evidence   error
	state      domain.VerificationState
	decidedID  uuid.UUID
	reviewerID uuid.UUID
	accepted   bool
	reason     string
}

func (s *stubService) CreateRequest(ctx context.Context, identity domain.Identity) (*domain.VerificationRequest, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &domain.VerificationRequest{
		ID:         uuid.New(),
		Identity:   identity,
		State:      domain.StateCreated,
		SecretCode: "deadbeef",
	}, nil
}

func (s *stubService) SubmitEvidence(ctx context.Context, requestID uuid.UUID, email string, front, back *domain.Evidence) error {
	return s.evidence
}

func (s *stubService) RequestEvidence(ctx context.Context, requestID, reviewerID uuid.UUID) error {
	s.decidedID = requestID
	s.reviewerID = reviewerID
	return s.decideErr
}

func (s *stubService) DecideOAuth(ctx context.Context, secret, credential string) (*domain.TrustedRecord, error) {
	if s.oauthErr != nil {
		return nil, s.oauthErr
	}
	number := "s12345"
	return &domain.TrustedRecord{ID: uuid.New(), Method: domain.MethodOAuth, StudentNumber: &number}, nil
}

func (s *stubService) DecideReview(ctx context.Context, requestID, reviewerID uuid.UUID, accept bool, reason string) error {
	s.decidedID = requestID
	s.reviewerID = reviewerID
	s.accepted = accept
	s.reason = reason
	return s.decideErr
}

func (s *stubService) ListPending(ctx context.Context, guildID int64) ([]domain.VerificationRequest, error) {
	return nil, nil
}

func (s *stubService) Status(ctx context.Context, requestID uuid.UUID) (domain.VerificationState, error) {
	if s.statusErr != nil {
		return "", s.statusErr
	}
	return s.state, nil
}

func newTestRouter(svc *stubService) http.Handler {
	return NewRouter(NewHandler(svc, nil), testJWTSecret)
}

func reviewerToken(t *testing.T, reviewerID uuid.UUID) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": reviewerID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign reviewer token: %v", err)
	}
	return token
}

func TestCreateRequestEndpoint(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	body, _ := json.Marshal(map[string]interface{}{
		"guild_id": 1, "guild_name": "PJATK", "user_id": 42, "user_name": "catface",
	})
	req := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["secret_code"] != "deadbeef" {
		t.Fatalf("expected the secret code in the response, got %v", resp)
	}
}

func TestCreateRequestDuplicateReturnsConflict(t *testing.T) {
	svc := &stubService{createErr: store.ErrDuplicateIdentity}
	router := newTestRouter(svc)

	body, _ := json.Marshal(map[string]interface{}{"guild_id": 1, "user_id": 42})
	req := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestOAuthCallbackErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid assertion", app.ErrInvalidAssertion, http.StatusBadRequest},
		{"cooldown", app.ErrAssertionRejected, http.StatusTooManyRequests},
		{"identity conflict", app.ErrIdentityConflict, http.StatusConflict},
		{"already decided", app.ErrAlreadyDecided, http.StatusConflict},
		{"unknown secret", store.ErrRequestNotFound, http.StatusNotFound},
		{"storage failure", fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{oauthErr: tc.err}
			router := newTestRouter(svc)

			form := url.Values{"state": {"deadbeef"}, "credential": {"token"}}
			req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestOAuthCallbackSuccess(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	form := url.Values{"state": {"deadbeef"}, "credential": {"token"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["student_number"] != "s12345" {
		t.Fatalf("expected the student number in the response, got %v", resp)
	}
}

func TestStatusNotFound(t *testing.T) {
	svc := &stubService{statusErr: store.ErrRequestNotFound}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/requests/"+uuid.NewString()+"/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReviewEndpointsRequireToken(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/review/"+uuid.NewString()+"/accept", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/review/"+uuid.NewString()+"/accept", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bogus token, got %d", rec.Code)
	}
}

func TestAcceptPassesReviewerFromToken(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)
	reviewerID := uuid.New()
	requestID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/review/"+requestID.String()+"/accept", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+reviewerToken(t, reviewerID))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.decidedID != requestID {
		t.Fatalf("expected decision on %s, got %s", requestID, svc.decidedID)
	}
	if svc.reviewerID != reviewerID {
		t.Fatalf("expected reviewer %s from the token, got %s", reviewerID, svc.reviewerID)
	}
	if !svc.accepted {
		t.Fatalf("expected an accept decision")
	}
}

func TestRejectRequiresReason(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)
	reviewerID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/review/"+uuid.NewString()+"/reject", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+reviewerToken(t, reviewerID))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a reason, got %d", rec.Code)
	}

	body, _ := json.Marshal(map[string]string{"reason": "card unreadable"})
	req = httptest.NewRequest(http.MethodPost, "/review/"+uuid.NewString()+"/reject", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+reviewerToken(t, reviewerID))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a reason, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.accepted {
		t.Fatalf("expected a reject decision")
	}
	if svc.reason != "card unreadable" {
		t.Fatalf("expected the reason forwarded, got %q", svc.reason)
	}
}

func TestUnauthorizedReviewerMapsToForbidden(t *testing.T) {
	svc := &stubService{decideErr: app.ErrUnauthorized}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/review/"+uuid.NewString()+"/accept", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+reviewerToken(t, uuid.New()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
