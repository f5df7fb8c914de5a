package domain

import (
	"time"

	"github.com/google/uuid"
)

// VerificationMethod records how a trusted record came to exist.
type VerificationMethod string

const (
	MethodOAuth           VerificationMethod = "oauth"    // user verified through the OAuth flow
	MethodStaffAssigned   VerificationMethod = "role"     // staff verified the user manually
	MethodStaffEnforced   VerificationMethod = "enforced" // staff ran an enforcement command
	MethodMigrated        VerificationMethod = "migrated" // imported by a migration
	MethodContextProvided VerificationMethod = "context"  // added while checking permissions
	MethodReviewed        VerificationMethod = "review"   // accepted by a reviewer decision
)

// TrustedRecord is the durable proof a user has completed verification.
// Exactly one exists per successful verification and its identity is unique
// across all records; it outlives the request that created it.
//
// Context carries the raw claims (or other provenance) that backed the
// verification. It is opaque to the core and typed only at the boundary.
type TrustedRecord struct {
	ID            uuid.UUID          `json:"id"`
	Identity      Identity           `json:"identity"`
	Method        VerificationMethod `json:"verification_method"`
	Context       map[string]any     `json:"verification_context,omitempty"`
	StudentNumber *string            `json:"student_number,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}
