/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the verification-service. By
 * defining an interface, we decouple the state machine's business logic from
 * the PostgreSQL implementation, making the code easier to test with stubs.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: For entity ids.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kpostekk/pjatk-cat-guard/internal/domain"
)

var (
	ErrRequestNotFound    = errors.New("verification request not found")
	ErrDuplicateIdentity  = errors.New("identity already has an active request or a trusted record")
	ErrIdentityTaken      = errors.New("identity or student number is already bound to a trusted record")
	ErrVersionConflict    = errors.New("verification request was modified concurrently")
	ErrTrustedNotFound    = errors.New("trusted record not found")
	ErrGuildNotConfigured = errors.New("guild configuration not found")
	ErrReviewerNotFound   = errors.New("reviewer not found")
)

// OutboxAction is one pending side effect claimed by the dispatcher.
type OutboxAction struct {
	ID        int64
	RequestID uuid.UUID
	Name      string
	Payload   []byte
	Attempts  int
}

// NewAction describes a side effect to enqueue. The payload is marshalled to
// JSON inside the enqueueing transaction.
type NewAction struct {
	Name    string
	Payload interface{}
}

// SubmitEvidenceParams moves a request into review together with its
// submitted documents and the reviewer notification action, atomically.
type SubmitEvidenceParams struct {
	RequestID   uuid.UUID
	FromVersion int64
	Email       string
	PhotoFront  *domain.Evidence
	PhotoBack   *domain.Evidence
	Actions     []NewAction
}

// AcceptRequestParams applies the accept decision: the trusted record insert,
// the request state flip and the outbox rows are one transaction. If any half
// fails, none is visible.
type AcceptRequestParams struct {
	RequestID   uuid.UUID
	FromVersion int64
	ReviewerID  *uuid.UUID
	Trust       *domain.TrustedRecord
	DecidedAt   time.Time
	Actions     []NewAction
}

// RejectRequestParams applies the reject decision and enqueues the rejection
// notifications in the same transaction.
type RejectRequestParams struct {
	RequestID   uuid.UUID
	FromVersion int64
	ReviewerID  *uuid.UUID
	Reason      string
	DecidedAt   time.Time
	Actions     []NewAction
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Verification requests
	CreateRequest(ctx context.Context, req *domain.VerificationRequest) error
	FindRequestByID(ctx context.Context, id uuid.UUID) (*domain.VerificationRequest, error)
	FindRequestBySecret(ctx context.Context, secret string) (*domain.VerificationRequest, error)
	ListPendingRequests(ctx context.Context, guildID int64) ([]domain.VerificationRequest, error)
	MarkRequestAwaitingEvidence(ctx context.Context, requestID uuid.UUID, fromVersion int64, actions []NewAction) error
	MoveRequestToReview(ctx context.Context, params SubmitEvidenceParams) error
	AcceptRequest(ctx context.Context, params AcceptRequestParams) error
	RejectRequest(ctx context.Context, params RejectRequestParams) error

	// Trusted records
	FindTrustedByIdentity(ctx context.Context, identity domain.Identity) (*domain.TrustedRecord, error)
	FindTrustedByStudentNumber(ctx context.Context, studentNumber string) (*domain.TrustedRecord, error)
	DeleteTrustedRecord(ctx context.Context, id uuid.UUID) error

	// Guild configuration and reviewer roster
	FindGuildConfiguration(ctx context.Context, guildID int64) (*domain.GuildConfiguration, error)
	FindReviewer(ctx context.Context, id uuid.UUID) (*domain.Reviewer, error)
	ListReviewers(ctx context.Context, guildID int64) ([]domain.Reviewer, error)

	// Side-effect outbox
	ClaimOutboxActions(ctx context.Context, batchSize int, staleAfterSeconds int) ([]OutboxAction, error)
	MarkOutboxActionDone(ctx context.Context, id int64) error
	MarkOutboxActionFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	RequeueStaleOutboxActions(ctx context.Context, staleAfterSeconds int) (int64, error)
}
