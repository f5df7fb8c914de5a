package domain

import (
	"time"

	"github.com/google/uuid"
)

// VerificationState is the lifecycle state of a verification request.
type VerificationState string

const (
	StateCreated          VerificationState = "created"
	StateAwaitingEvidence VerificationState = "awaiting_evidence"
	StateInReview         VerificationState = "in_review"
	StateAccepted         VerificationState = "accepted"
	StateRejected         VerificationState = "rejected"
)

// IsTerminal reports whether the state accepts no further transitions.
func (s VerificationState) IsTerminal() bool {
	return s == StateAccepted || s == StateRejected
}

// Evidence is a single submitted document image.
type Evidence struct {
	ContentType string `json:"content_type"`
	Photo       []byte `json:"-"`
}

// VerificationRequest is the in-flight workflow instance tracking one
// verification attempt. It owns its evidence and secret code, and references
// (does not own) the reviewer and the trusted record.
//
// Version implements optimistic concurrency: every mutation compares the
// stored version and fails with ErrVersionConflict on mismatch, so two
// simultaneous decisions on the same request race safely.
type VerificationRequest struct {
	ID              uuid.UUID         `json:"id"`
	Identity        Identity          `json:"identity"`
	State           VerificationState `json:"state"`
	SecretCode      string            `json:"-"`
	Email           *string           `json:"email,omitempty"`
	PhotoFront      *Evidence         `json:"photo_front,omitempty"`
	PhotoBack       *Evidence         `json:"photo_back,omitempty"`
	ReviewerID      *uuid.UUID        `json:"reviewer_id,omitempty"`
	TrustedRecordID *uuid.UUID        `json:"trusted_record_id,omitempty"`
	RejectionReason *string           `json:"rejection_reason,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	DecidedAt       *time.Time        `json:"decided_at,omitempty"`
}
