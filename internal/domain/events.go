/**
 * @description
 * This file defines the side-effect action names executed by the outbox
 * dispatcher, their JSON payloads, and the decision events published to
 * RabbitMQ for downstream consumers.
 *
 * @notes
 * - Every payload is self-contained: the dispatcher never has to re-read the
 *   request to execute an action, so a decision snapshot (including the
 *   guild's trusted role id) is baked in at decide time.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outbox action names. Each maps to one independent, idempotent side effect.
const (
	ActionGrantRole         = "grant_role"
	ActionConfirmationDM    = "send_confirmation_dm"
	ActionConfirmationEmail = "send_confirmation_email"
	ActionRejectionEmail    = "send_rejection_email"
	ActionRejectionDM       = "send_rejection_dm"
	ActionNotifyReviewers   = "notify_reviewers"
	ActionRequestEvidenceDM = "request_evidence_dm"
	ActionPublishAccepted   = "publish_accepted"
	ActionPublishRejected   = "publish_rejected"
)

// GrantRolePayload grants the guild's trusted role to the verified member.
type GrantRolePayload struct {
	GuildID int64 `json:"guild_id"`
	UserID  int64 `json:"user_id"`
	RoleID  int64 `json:"role_id"`
}

// ConfirmationDMPayload tells the verified user their account is trusted.
type ConfirmationDMPayload struct {
	UserID        int64     `json:"user_id"`
	StudentNumber string    `json:"student_number"`
	Method        string    `json:"method"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// ConfirmationEmailPayload drives the templated confirmation mail.
type ConfirmationEmailPayload struct {
	To            string `json:"to"`
	Who           string `json:"who"`
	StudentNumber string `json:"student_num"`
	Guild         string `json:"guild"`
	Discord       string `json:"discord"`
}

// RejectionEmailPayload drives the templated rejection mail.
type RejectionEmailPayload struct {
	To     string `json:"to"`
	Guild  string `json:"guild"`
	Reason string `json:"reason"`
}

// RejectionDMPayload tells the user why verification failed.
type RejectionDMPayload struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

// NotifyReviewersPayload pings every reviewer of the guild about a request
// waiting in the review queue.
type NotifyReviewersPayload struct {
	GuildID  int64  `json:"guild_id"`
	UserName string `json:"user_name"`
}

// RequestEvidenceDMPayload asks the user to upload their student id card.
type RequestEvidenceDMPayload struct {
	UserID    int64  `json:"user_id"`
	VerifyURL string `json:"verify_url"`
}

// VerificationAcceptedEvent is published to the decision exchange when a
// request reaches the accepted state.
type VerificationAcceptedEvent struct {
	RequestID     uuid.UUID `json:"request_id"`
	Identity      Identity  `json:"identity"`
	TrustedID     uuid.UUID `json:"trusted_record_id"`
	StudentNumber string    `json:"student_number,omitempty"`
	Method        string    `json:"method"`
	DecidedAt     time.Time `json:"decided_at"`
}

// VerificationRejectedEvent is published when a request is rejected.
type VerificationRejectedEvent struct {
	RequestID uuid.UUID `json:"request_id"`
	Identity  Identity  `json:"identity"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}
