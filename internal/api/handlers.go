/**
 * @description
 * HTTP handlers for the verification-service. The handlers are thin glue:
 * they decode requests, call the state machine operations and translate the
 * classified errors into HTTP statuses. All workflow rules live in
 * internal/app.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Core operations and errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kpostekk/pjatk-cat-guard/internal/app"
	"github.com/kpostekk/pjatk-cat-guard/internal/domain"
	"github.com/kpostekk/pjatk-cat-guard/internal/store"
)

const maxEvidenceBytes = 8 << 20 // per uploaded photo

// VerificationService is the surface of the state machine the handlers use.
type VerificationService interface {
	CreateRequest(ctx context.Context, identity domain.Identity) (*domain.VerificationRequest, error)
	SubmitEvidence(ctx context.Context, requestID uuid.UUID, email string, front, back *domain.Evidence) error
	RequestEvidence(ctx context.Context, requestID, reviewerID uuid.UUID) error
	DecideOAuth(ctx context.Context, secret, credential string) (*domain.TrustedRecord, error)
	DecideReview(ctx context.Context, requestID, reviewerID uuid.UUID, accept bool, reason string) error
	ListPending(ctx context.Context, guildID int64) ([]domain.VerificationRequest, error)
	Status(ctx context.Context, requestID uuid.UUID) (domain.VerificationState, error)
}

// Handler bundles the HTTP handlers of the service.
type Handler struct {
	svc  VerificationService
	repo store.Repository
}

// NewHandler creates the handler set. repo is used only by the photo proxy,
// which serves raw evidence bytes to reviewers.
func NewHandler(svc VerificationService, repo store.Repository) *Handler {
	return &Handler{svc: svc, repo: repo}
}

type createRequestBody struct {
	GuildID   int64  `json:"guild_id"`
	GuildName string `json:"guild_name"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.GuildID == 0 || body.UserID == 0 {
		http.Error(w, "guild_id and user_id are required", http.StatusBadRequest)
		return
	}

	req, err := h.svc.CreateRequest(r.Context(), domain.Identity{
		GuildID:   body.GuildID,
		GuildName: body.GuildName,
		UserID:    body.UserID,
		UserName:  body.UserName,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":          req.ID,
		"state":       req.State,
		"secret_code": req.SecretCode,
	})
}

// handleOAuthCallback receives the posted Google credential, correlated to a
// request by the single-use secret in the form's state field.
func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return
	}
	secret := r.PostFormValue("state")
	credential := r.PostFormValue("credential")
	if secret == "" || credential == "" {
		http.Error(w, "state and credential are required", http.StatusBadRequest)
		return
	}

	trust, err := h.svc.DecideOAuth(r.Context(), secret, credential)
	if err != nil {
		writeError(w, err)
		return
	}

	studentNumber := ""
	if trust.StudentNumber != nil {
		studentNumber = *trust.StudentNumber
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "accepted",
		"trusted_record_id": trust.ID,
		"student_number":    studentNumber,
	})
}

func (h *Handler) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(2 * maxEvidenceBytes); err != nil {
		http.Error(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}
	email := r.PostFormValue("email")
	if email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	front, err := readEvidence(r, "front")
	if err != nil {
		http.Error(w, "front photo is required", http.StatusBadRequest)
		return
	}
	back, err := readEvidence(r, "back")
	if err != nil {
		http.Error(w, "back photo is required", http.StatusBadRequest)
		return
	}

	if err := h.svc.SubmitEvidence(r.Context(), requestID, email, front, back); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "in_review"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}

	state, err := h.svc.Status(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.VerificationState{"state": state})
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	guildID, err := strconv.ParseInt(r.URL.Query().Get("guild_id"), 10, 64)
	if err != nil {
		http.Error(w, "guild_id query parameter is required", http.StatusBadRequest)
		return
	}

	requests, err := h.svc.ListPending(r.Context(), guildID)
	if err != nil {
		writeError(w, err)
		return
	}
	if requests == nil {
		requests = []domain.VerificationRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

type decisionBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, accept bool) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}
	reviewerID, ok := ReviewerIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var body decisionBody
	if r.Body != nil {
		// The reason is optional on accept; ignore decode errors for an
		// empty body.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if !accept && body.Reason == "" {
		http.Error(w, "reason is required to reject", http.StatusBadRequest)
		return
	}

	if err := h.svc.DecideReview(r.Context(), requestID, reviewerID, accept, body.Reason); err != nil {
		writeError(w, err)
		return
	}

	status := "accepted"
	if !accept {
		status = "rejected"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) handleRequestEvidence(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}
	reviewerID, ok := ReviewerIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.svc.RequestEvidence(r.Context(), requestID, reviewerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "awaiting_evidence"})
}

// handlePhoto serves evidence images to authenticated reviewers.
func (h *Handler) handlePhoto(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}

	req, err := h.repo.FindRequestByID(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}

	var evidence *domain.Evidence
	switch chi.URLParam(r, "side") {
	case "front":
		evidence = req.PhotoFront
	case "back":
		evidence = req.PhotoBack
	default:
		http.Error(w, "side must be front or back", http.StatusBadRequest)
		return
	}
	if evidence == nil {
		http.Error(w, "No such photo", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", evidence.ContentType)
	if _, err := w.Write(evidence.Photo); err != nil {
		log.Printf("Error writing evidence photo for request %s: %v", requestID, err)
	}
}

func readEvidence(r *http.Request, field string) (*domain.Evidence, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	photo, err := io.ReadAll(io.LimitReader(file, maxEvidenceBytes))
	if err != nil {
		return nil, err
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &domain.Evidence{ContentType: contentType, Photo: photo}, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error encoding response body: %v", err)
	}
}

// writeError translates classified errors into HTTP statuses. Unclassified
// errors are storage-level failures and surface as 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrRequestNotFound),
		errors.Is(err, store.ErrTrustedNotFound):
		writeErrorJSON(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, store.ErrDuplicateIdentity):
		writeErrorJSON(w, http.StatusConflict, "duplicate_identity", err)
	case errors.Is(err, app.ErrIdentityConflict):
		writeErrorJSON(w, http.StatusConflict, "identity_conflict", err)
	case errors.Is(err, app.ErrAlreadyDecided):
		writeErrorJSON(w, http.StatusConflict, "already_decided", err)
	case errors.Is(err, app.ErrInvalidState):
		writeErrorJSON(w, http.StatusConflict, "invalid_state", err)
	case errors.Is(err, store.ErrVersionConflict):
		writeErrorJSON(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, app.ErrInvalidAssertion):
		writeErrorJSON(w, http.StatusBadRequest, "invalid_assertion", err)
	case errors.Is(err, app.ErrAssertionRejected):
		writeErrorJSON(w, http.StatusTooManyRequests, "assertion_rejected", err)
	case errors.Is(err, app.ErrUnauthorized):
		writeErrorJSON(w, http.StatusForbidden, "unauthorized", err)
	default:
		log.Printf("Internal error: %v", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal", errors.New("internal server error"))
	}
}

func writeErrorJSON(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": err.Error(),
	})
}
