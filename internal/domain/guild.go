package domain

import "github.com/google/uuid"

// GuildConfiguration holds the per-guild settings the dispatcher needs to
// execute a decision. It is a read-only snapshot fetched at decision time,
// never cached, so a stale trusted-role id cannot be granted.
type GuildConfiguration struct {
	GuildID              int64   `json:"guild_id"`
	TrustedRoleID        int64   `json:"trusted_role_id"`
	AdditionalStaff      []int64 `json:"additional_staff,omitempty"`
	AdditionalStaffRoles []int64 `json:"additional_staff_roles,omitempty"`
}

// Reviewer is a staff member permitted to decide verification requests for
// their guild.
type Reviewer struct {
	ID       uuid.UUID `json:"id"`
	Identity Identity  `json:"identity"`
}
