/**
 * @description
 * This file contains the core business logic for the verification-service:
 * the state machine that moves a verification request from creation to a
 * terminal state. The `Service` struct coordinates the repository, the
 * assertion verifiers and the side-effect outbox.
 *
 * Key features:
 * - Enforces the legal transitions created -> awaiting_evidence -> in_review
 *   -> accepted/rejected and rejects everything else with classified errors.
 * - Accept decisions persist the trusted record, the state flip and the
 *   outbox actions as a single transaction.
 * - Validation happens before any write, so a failed transition never leaves
 *   a request partially updated.
 *
 * @dependencies
 * - github.com/google/uuid: Request and trusted-record ids.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kpostekk/pjatk-cat-guard/internal/domain"
	"github.com/kpostekk/pjatk-cat-guard/internal/store"
)

// Cooldown throttles repeated OAuth attempts per request. A zero retry-after
// means the attempt may proceed.
type Cooldown interface {
	ConsumeAttempt(ctx context.Context, subject string) (retryAfterSeconds int, err error)
}

// Service provides the verification state machine operations.
type Service struct {
	repo          store.Repository
	verifier      AssertionVerifier
	reviews       ReviewerAuthorizer
	cooldown      Cooldown
	verifyBaseURL string
}

// NewService creates a new verification service instance. cooldown may be nil
// when no throttling backend is configured.
func NewService(repo store.Repository, verifier AssertionVerifier, reviews ReviewerAuthorizer, cooldown Cooldown, verifyBaseURL string) *Service {
	return &Service{
		repo:          repo,
		verifier:      verifier,
		reviews:       reviews,
		cooldown:      cooldown,
		verifyBaseURL: verifyBaseURL,
	}
}

// CreateRequest opens a new verification request for the identity. It fails
// with store.ErrDuplicateIdentity when an active request or a trusted record
// already exists for the same (guild, user) pair.
func (s *Service) CreateRequest(ctx context.Context, identity domain.Identity) (*domain.VerificationRequest, error) {
	secret, err := newSecretCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret code: %w", err)
	}

	req := &domain.VerificationRequest{
		ID:         uuid.New(),
		Identity:   identity,
		State:      domain.StateCreated,
		SecretCode: secret,
		Version:    1,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	log.Printf("level=info component=verification msg=\"request created\" request_id=%s guild_id=%d user_id=%d",
		req.ID, identity.GuildID, identity.UserID)
	return req, nil
}

// SubmitEvidence attaches the submitted documents and moves the request into
// the review queue. Legal only from created or awaiting_evidence.
func (s *Service) SubmitEvidence(ctx context.Context, requestID uuid.UUID, email string, front, back *domain.Evidence) error {
	req, err := s.repo.FindRequestByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State.IsTerminal() {
		return ErrAlreadyDecided
	}
	if req.State != domain.StateCreated && req.State != domain.StateAwaitingEvidence {
		return fmt.Errorf("%w: cannot submit evidence from %s", ErrInvalidState, req.State)
	}

	params := store.SubmitEvidenceParams{
		RequestID:   req.ID,
		FromVersion: req.Version,
		Email:       email,
		PhotoFront:  front,
		PhotoBack:   back,
		Actions: []store.NewAction{
			{Name: domain.ActionNotifyReviewers, Payload: domain.NotifyReviewersPayload{
				GuildID:  req.Identity.GuildID,
				UserName: req.Identity.UserName,
			}},
		},
	}
	if err := s.repo.MoveRequestToReview(ctx, params); err != nil {
		return err
	}
	log.Printf("level=info component=verification msg=\"evidence submitted\" request_id=%s", req.ID)
	return nil
}

// RequestEvidence is the reviewer-initiated ask for documents: it moves a
// created request into awaiting_evidence and queues a direct message pointing
// the user at the upload page.
func (s *Service) RequestEvidence(ctx context.Context, requestID uuid.UUID, reviewerID uuid.UUID) error {
	req, err := s.repo.FindRequestByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State.IsTerminal() {
		return ErrAlreadyDecided
	}
	if req.State != domain.StateCreated {
		return fmt.Errorf("%w: cannot request evidence from %s", ErrInvalidState, req.State)
	}
	if _, err := s.reviews.Authorize(ctx, reviewerID, req.Identity.GuildID); err != nil {
		return err
	}

	actions := []store.NewAction{
		{Name: domain.ActionRequestEvidenceDM, Payload: domain.RequestEvidenceDMPayload{
			UserID:    req.Identity.UserID,
			VerifyURL: fmt.Sprintf("%s/verify/%s", s.verifyBaseURL, req.SecretCode),
		}},
	}
	return s.repo.MarkRequestAwaitingEvidence(ctx, req.ID, req.Version, actions)
}

// DecideOAuth applies an OAuth assertion to the request correlated by its
// secret code. Legal only from created. A declined assertion leaves the
// request unchanged so the user may retry.
func (s *Service) DecideOAuth(ctx context.Context, secret string, credential string) (*domain.TrustedRecord, error) {
	req, err := s.repo.FindRequestBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	if req.State.IsTerminal() {
		return nil, ErrAlreadyDecided
	}
	if req.State != domain.StateCreated {
		return nil, fmt.Errorf("%w: oauth decision requires state created, got %s", ErrInvalidState, req.State)
	}

	if s.cooldown != nil {
		retryAfter, err := s.cooldown.ConsumeAttempt(ctx, req.ID.String())
		if err != nil {
			log.Printf("level=warn component=verification msg=\"cooldown check failed; allowing attempt\" request_id=%s err=%v", req.ID, err)
		} else if retryAfter > 0 {
			return nil, fmt.Errorf("%w: too many attempts, retry in %ds", ErrAssertionRejected, retryAfter)
		}
	}

	claims, err := s.verifier.Verify(ctx, credential)
	if err != nil {
		return nil, err
	}

	studentNumber := StudentNumberFromEmail(claims.Email)
	if err := s.checkIdentityConflict(ctx, req.Identity, studentNumber); err != nil {
		return nil, err
	}

	conf, err := s.repo.FindGuildConfiguration(ctx, req.Identity.GuildID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	trust := &domain.TrustedRecord{
		ID:        uuid.New(),
		Identity:  req.Identity,
		Method:    domain.MethodOAuth,
		Context:   claims.Raw,
		CreatedAt: now,
	}
	if studentNumber != "" {
		trust.StudentNumber = &studentNumber
	}

	params := store.AcceptRequestParams{
		RequestID:   req.ID,
		FromVersion: req.Version,
		Trust:       trust,
		DecidedAt:   now,
		Actions:     s.acceptActions(req, trust, conf, claims.Email, claims.Name, now),
	}
	if err := s.repo.AcceptRequest(ctx, params); err != nil {
		if errors.Is(err, store.ErrIdentityTaken) {
			return nil, fmt.Errorf("%w: %v", ErrIdentityConflict, err)
		}
		return nil, err
	}

	log.Printf("level=info component=verification msg=\"request accepted via oauth\" request_id=%s student_number=%s",
		req.ID, studentNumber)
	return trust, nil
}

// DecideReview applies a reviewer decision to a request in review. Accepting
// creates the trusted record bound to this request; rejecting records the
// reason. Both enqueue their notifications atomically with the state flip.
func (s *Service) DecideReview(ctx context.Context, requestID uuid.UUID, reviewerID uuid.UUID, accept bool, reason string) error {
	req, err := s.repo.FindRequestByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State.IsTerminal() {
		return ErrAlreadyDecided
	}
	if req.State != domain.StateInReview {
		return fmt.Errorf("%w: review decision requires state in_review, got %s", ErrInvalidState, req.State)
	}

	reviewer, err := s.reviews.Authorize(ctx, reviewerID, req.Identity.GuildID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if !accept {
		params := store.RejectRequestParams{
			RequestID:   req.ID,
			FromVersion: req.Version,
			ReviewerID:  &reviewer.ID,
			Reason:      reason,
			DecidedAt:   now,
			Actions:     s.rejectActions(req, reason, now),
		}
		if err := s.repo.RejectRequest(ctx, params); err != nil {
			return err
		}
		log.Printf("level=info component=verification msg=\"request rejected\" request_id=%s reviewer_id=%s", req.ID, reviewer.ID)
		return nil
	}

	email := ""
	if req.Email != nil {
		email = *req.Email
	}
	studentNumber := StudentNumberFromEmail(email)
	if err := s.checkIdentityConflict(ctx, req.Identity, studentNumber); err != nil {
		return err
	}

	conf, err := s.repo.FindGuildConfiguration(ctx, req.Identity.GuildID)
	if err != nil {
		return err
	}

	trust := &domain.TrustedRecord{
		ID:        uuid.New(),
		Identity:  req.Identity,
		Method:    domain.MethodReviewed,
		CreatedAt: now,
	}
	if studentNumber != "" {
		trust.StudentNumber = &studentNumber
	}

	params := store.AcceptRequestParams{
		RequestID:   req.ID,
		FromVersion: req.Version,
		ReviewerID:  &reviewer.ID,
		Trust:       trust,
		DecidedAt:   now,
		Actions:     s.acceptActions(req, trust, conf, email, req.Identity.UserName, now),
	}
	if err := s.repo.AcceptRequest(ctx, params); err != nil {
		if errors.Is(err, store.ErrIdentityTaken) {
			return fmt.Errorf("%w: %v", ErrIdentityConflict, err)
		}
		return err
	}
	log.Printf("level=info component=verification msg=\"request accepted by reviewer\" request_id=%s reviewer_id=%s", req.ID, reviewer.ID)
	return nil
}

// ListPending returns the review queue for a guild.
func (s *Service) ListPending(ctx context.Context, guildID int64) ([]domain.VerificationRequest, error) {
	return s.repo.ListPendingRequests(ctx, guildID)
}

// Status reports the current state of a request.
func (s *Service) Status(ctx context.Context, requestID uuid.UUID) (domain.VerificationState, error) {
	req, err := s.repo.FindRequestByID(ctx, requestID)
	if err != nil {
		return "", err
	}
	return req.State, nil
}

// checkIdentityConflict is the duplicate-prevention gate shared by both
// decision paths: it rejects when the identity or the extracted student
// number already belongs to a trusted record. The unique constraints inside
// AcceptRequest back this check against races.
func (s *Service) checkIdentityConflict(ctx context.Context, identity domain.Identity, studentNumber string) error {
	if _, err := s.repo.FindTrustedByIdentity(ctx, identity); err == nil {
		return fmt.Errorf("%w: identity guild=%d user=%d", ErrIdentityConflict, identity.GuildID, identity.UserID)
	} else if !errors.Is(err, store.ErrTrustedNotFound) {
		return err
	}
	if studentNumber != "" {
		if _, err := s.repo.FindTrustedByStudentNumber(ctx, studentNumber); err == nil {
			return fmt.Errorf("%w: student number %s", ErrIdentityConflict, studentNumber)
		} else if !errors.Is(err, store.ErrTrustedNotFound) {
			return err
		}
	}
	return nil
}

func (s *Service) acceptActions(req *domain.VerificationRequest, trust *domain.TrustedRecord, conf *domain.GuildConfiguration, email, who string, decidedAt time.Time) []store.NewAction {
	studentNumber := ""
	if trust.StudentNumber != nil {
		studentNumber = *trust.StudentNumber
	}

	actions := []store.NewAction{
		{Name: domain.ActionGrantRole, Payload: domain.GrantRolePayload{
			GuildID: req.Identity.GuildID,
			UserID:  req.Identity.UserID,
			RoleID:  conf.TrustedRoleID,
		}},
		{Name: domain.ActionConfirmationDM, Payload: domain.ConfirmationDMPayload{
			UserID:        req.Identity.UserID,
			StudentNumber: studentNumber,
			Method:        string(trust.Method),
			VerifiedAt:    decidedAt,
		}},
	}
	if email != "" {
		actions = append(actions, store.NewAction{Name: domain.ActionConfirmationEmail, Payload: domain.ConfirmationEmailPayload{
			To:            email,
			Who:           who,
			StudentNumber: studentNumber,
			Guild:         req.Identity.GuildName,
			Discord:       req.Identity.UserName,
		}})
	}
	actions = append(actions, store.NewAction{Name: domain.ActionPublishAccepted, Payload: domain.VerificationAcceptedEvent{
		RequestID:     req.ID,
		Identity:      req.Identity,
		TrustedID:     trust.ID,
		StudentNumber: studentNumber,
		Method:        string(trust.Method),
		DecidedAt:     decidedAt,
	}})
	return actions
}

func (s *Service) rejectActions(req *domain.VerificationRequest, reason string, decidedAt time.Time) []store.NewAction {
	var actions []store.NewAction
	if req.Email != nil && *req.Email != "" {
		actions = append(actions, store.NewAction{Name: domain.ActionRejectionEmail, Payload: domain.RejectionEmailPayload{
			To:     *req.Email,
			Guild:  req.Identity.GuildName,
			Reason: reason,
		}})
	}
	actions = append(actions,
		store.NewAction{Name: domain.ActionRejectionDM, Payload: domain.RejectionDMPayload{
			UserID: req.Identity.UserID,
			Reason: reason,
		}},
		store.NewAction{Name: domain.ActionPublishRejected, Payload: domain.VerificationRejectedEvent{
			RequestID: req.ID,
			Identity:  req.Identity,
			Reason:    reason,
			DecidedAt: decidedAt,
		}},
	)
	return actions
}

func newSecretCode() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
