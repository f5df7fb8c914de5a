/**
 * @description
 * This file defines the core domain models for the verification-service.
 * These structs represent the entities used throughout the service's business
 * logic, database interactions, and API layers.
 *
 * @notes
 * - Guild and user ids are Discord snowflakes, stored as int64.
 * - Display names are snapshots captured at request creation; they are never
 *   refreshed afterwards.
 */

package domain

// Identity is the (guild, user) pair being verified, with display-name
// snapshots. Immutable once captured.
type Identity struct {
	GuildID   int64  `json:"guild_id"`
	GuildName string `json:"guild_name"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
}

// Equal reports whether two identities refer to the same member of the same
// guild. Name snapshots are ignored.
func (i Identity) Equal(other Identity) bool {
	return i.GuildID == other.GuildID && i.UserID == other.UserID
}
