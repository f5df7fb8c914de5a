package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the tables and indexes the service needs. Every
// statement is idempotent so the bootstrap can run on each start.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trusted_records (
			id UUID PRIMARY KEY,
			guild_id BIGINT NOT NULL,
			guild_name TEXT NOT NULL DEFAULT '',
			user_id BIGINT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			verification_method TEXT NOT NULL,
			verification_context JSONB,
			student_number TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (guild_id, user_id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS trusted_records_student_number_key
			ON trusted_records (student_number)
			WHERE student_number IS NOT NULL;

		CREATE TABLE IF NOT EXISTS reviewers (
			id UUID PRIMARY KEY,
			guild_id BIGINT NOT NULL,
			guild_name TEXT NOT NULL DEFAULT '',
			user_id BIGINT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			UNIQUE (guild_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS guild_configurations (
			guild_id BIGINT PRIMARY KEY,
			trusted_role_id BIGINT NOT NULL,
			additional_staff BIGINT[] NOT NULL DEFAULT '{}',
			additional_staff_roles BIGINT[] NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS verification_requests (
			id UUID PRIMARY KEY,
			guild_id BIGINT NOT NULL,
			guild_name TEXT NOT NULL DEFAULT '',
			user_id BIGINT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			secret_code TEXT NOT NULL UNIQUE,
			email TEXT,
			photo_front BYTEA,
			photo_front_type TEXT,
			photo_back BYTEA,
			photo_back_type TEXT,
			reviewer_id UUID REFERENCES reviewers(id),
			trusted_record_id UUID REFERENCES trusted_records(id),
			rejection_reason TEXT,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			decided_at TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS verification_requests_active_identity_key
			ON verification_requests (guild_id, user_id)
			WHERE state NOT IN ('accepted', 'rejected');

		CREATE TABLE IF NOT EXISTS verification_outbox (
			id BIGSERIAL PRIMARY KEY,
			request_id UUID NOT NULL,
			action TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processing_started_at TIMESTAMPTZ,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			done_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS verification_outbox_claim_idx
			ON verification_outbox (status, next_attempt_at);
	`)
	return err
}
