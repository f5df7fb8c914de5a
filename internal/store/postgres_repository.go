/**
 * @description
 * PostgreSQL implementation of the Repository interface. All multi-write
 * operations (accept, reject, evidence submission) run inside a single
 * transaction so a partially-applied decision is never visible.
 *
 * Key features:
 * - Optimistic concurrency: request mutations compare the stored version and
 *   report ErrVersionConflict on mismatch.
 * - Duplicate prevention: a partial unique index on active requests plus a
 *   guarded insert against trusted_records back ErrDuplicateIdentity.
 * - Unique constraint violations (23505) are translated into classified
 *   sentinel errors instead of leaking driver errors upwards.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Database driver, pgconn error codes.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kpostekk/pjatk-cat-guard/internal/domain"
)

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const requestColumns = `
	id, guild_id, guild_name, user_id, user_name, state, secret_code, email,
	photo_front, photo_front_type, photo_back, photo_back_type,
	reviewer_id, trusted_record_id, rejection_reason, version, created_at, decided_at
`

// CreateRequest inserts a new verification request. The insert is guarded
// against an existing trusted record for the identity, and the partial unique
// index on active requests catches a concurrent duplicate.
func (r *PostgresRepository) CreateRequest(ctx context.Context, req *domain.VerificationRequest) error {
	query := `
		INSERT INTO verification_requests
			(id, guild_id, guild_name, user_id, user_name, state, secret_code, version, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE NOT EXISTS (
			SELECT 1 FROM trusted_records WHERE guild_id = $2 AND user_id = $4
		)
	`
	tag, err := r.db.Exec(ctx, query,
		req.ID,
		req.Identity.GuildID,
		req.Identity.GuildName,
		req.Identity.UserID,
		req.Identity.UserName,
		req.State,
		req.SecretCode,
		req.Version,
		req.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdentity
		}
		log.Printf("Error inserting verification request: %v", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateIdentity
	}
	return nil
}

func (r *PostgresRepository) FindRequestByID(ctx context.Context, id uuid.UUID) (*domain.VerificationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM verification_requests WHERE id = $1`
	return r.scanRequest(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) FindRequestBySecret(ctx context.Context, secret string) (*domain.VerificationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM verification_requests WHERE secret_code = $1`
	return r.scanRequest(r.db.QueryRow(ctx, query, secret))
}

// ListPendingRequests returns the review queue for one guild, oldest first.
func (r *PostgresRepository) ListPendingRequests(ctx context.Context, guildID int64) ([]domain.VerificationRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM verification_requests
		WHERE guild_id = $1 AND state = $2
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, guildID, domain.StateInReview)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.VerificationRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// MarkRequestAwaitingEvidence flips a created request into awaiting_evidence
// and enqueues the document-request notification in the same transaction.
func (r *PostgresRepository) MarkRequestAwaitingEvidence(ctx context.Context, requestID uuid.UUID, fromVersion int64, actions []NewAction) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE verification_requests
		SET state = $3, version = version + 1
		WHERE id = $1 AND version = $2
	`, requestID, fromVersion, domain.StateAwaitingEvidence)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if err := enqueueActionsTx(ctx, tx, requestID, actions); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MoveRequestToReview stores the submitted evidence, moves the request into
// in_review and enqueues the reviewer notification, atomically.
func (r *PostgresRepository) MoveRequestToReview(ctx context.Context, params SubmitEvidenceParams) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var frontPhoto, backPhoto []byte
	var frontType, backType *string
	if params.PhotoFront != nil {
		frontPhoto = params.PhotoFront.Photo
		frontType = &params.PhotoFront.ContentType
	}
	if params.PhotoBack != nil {
		backPhoto = params.PhotoBack.Photo
		backType = &params.PhotoBack.ContentType
	}

	tag, err := tx.Exec(ctx, `
		UPDATE verification_requests
		SET state = $3, email = $4,
			photo_front = $5, photo_front_type = $6,
			photo_back = $7, photo_back_type = $8,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, params.RequestID, params.FromVersion, domain.StateInReview,
		params.Email, frontPhoto, frontType, backPhoto, backType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if err := enqueueActionsTx(ctx, tx, params.RequestID, params.Actions); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AcceptRequest creates the trusted record, marks the request accepted and
// enqueues the post-accept side effects as one unit.
func (r *PostgresRepository) AcceptRequest(ctx context.Context, params AcceptRequestParams) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	trust := params.Trust
	contextBlob, err := json.Marshal(trust.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal verification context: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO trusted_records
			(id, guild_id, guild_name, user_id, user_name, verification_method,
			 verification_context, student_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, trust.ID,
		trust.Identity.GuildID,
		trust.Identity.GuildName,
		trust.Identity.UserID,
		trust.Identity.UserName,
		trust.Method,
		string(contextBlob),
		trust.StudentNumber,
		trust.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdentityTaken
		}
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE verification_requests
		SET state = $3, trusted_record_id = $4, reviewer_id = $5,
			decided_at = $6, version = version + 1
		WHERE id = $1 AND version = $2
	`, params.RequestID, params.FromVersion, domain.StateAccepted,
		trust.ID, params.ReviewerID, params.DecidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if err := enqueueActionsTx(ctx, tx, params.RequestID, params.Actions); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RejectRequest marks the request rejected with its reason and enqueues the
// rejection notifications atomically.
func (r *PostgresRepository) RejectRequest(ctx context.Context, params RejectRequestParams) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE verification_requests
		SET state = $3, rejection_reason = $4, reviewer_id = $5,
			decided_at = $6, version = version + 1
		WHERE id = $1 AND version = $2
	`, params.RequestID, params.FromVersion, domain.StateRejected,
		params.Reason, params.ReviewerID, params.DecidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if err := enqueueActionsTx(ctx, tx, params.RequestID, params.Actions); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindTrustedByIdentity(ctx context.Context, identity domain.Identity) (*domain.TrustedRecord, error) {
	query := `
		SELECT id, guild_id, guild_name, user_id, user_name, verification_method,
			verification_context, student_number, created_at
		FROM trusted_records
		WHERE guild_id = $1 AND user_id = $2
	`
	return r.scanTrusted(r.db.QueryRow(ctx, query, identity.GuildID, identity.UserID))
}

func (r *PostgresRepository) FindTrustedByStudentNumber(ctx context.Context, studentNumber string) (*domain.TrustedRecord, error) {
	query := `
		SELECT id, guild_id, guild_name, user_id, user_name, verification_method,
			verification_context, student_number, created_at
		FROM trusted_records
		WHERE student_number = $1
	`
	return r.scanTrusted(r.db.QueryRow(ctx, query, studentNumber))
}

// DeleteTrustedRecord removes a trusted record and nullifies any request that
// still references it. There is no cascade; the cleanup is explicit.
func (r *PostgresRepository) DeleteTrustedRecord(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE verification_requests SET trusted_record_id = NULL WHERE trusted_record_id = $1
	`, id); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM trusted_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTrustedNotFound
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindGuildConfiguration(ctx context.Context, guildID int64) (*domain.GuildConfiguration, error) {
	query := `
		SELECT guild_id, trusted_role_id, additional_staff, additional_staff_roles
		FROM guild_configurations
		WHERE guild_id = $1
	`
	var conf domain.GuildConfiguration
	err := r.db.QueryRow(ctx, query, guildID).Scan(
		&conf.GuildID,
		&conf.TrustedRoleID,
		&conf.AdditionalStaff,
		&conf.AdditionalStaffRoles,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGuildNotConfigured
		}
		return nil, err
	}
	return &conf, nil
}

func (r *PostgresRepository) FindReviewer(ctx context.Context, id uuid.UUID) (*domain.Reviewer, error) {
	query := `SELECT id, guild_id, guild_name, user_id, user_name FROM reviewers WHERE id = $1`
	var rev domain.Reviewer
	err := r.db.QueryRow(ctx, query, id).Scan(
		&rev.ID,
		&rev.Identity.GuildID,
		&rev.Identity.GuildName,
		&rev.Identity.UserID,
		&rev.Identity.UserName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReviewerNotFound
		}
		return nil, err
	}
	return &rev, nil
}

func (r *PostgresRepository) ListReviewers(ctx context.Context, guildID int64) ([]domain.Reviewer, error) {
	query := `SELECT id, guild_id, guild_name, user_id, user_name FROM reviewers WHERE guild_id = $1`
	rows, err := r.db.Query(ctx, query, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviewers []domain.Reviewer
	for rows.Next() {
		var rev domain.Reviewer
		if err := rows.Scan(
			&rev.ID,
			&rev.Identity.GuildID,
			&rev.Identity.GuildName,
			&rev.Identity.UserID,
			&rev.Identity.UserName,
		); err != nil {
			return nil, err
		}
		reviewers = append(reviewers, rev)
	}
	return reviewers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanRequest(row rowScanner) (*domain.VerificationRequest, error) {
	var (
		req        domain.VerificationRequest
		frontPhoto []byte
		frontType  *string
		backPhoto  []byte
		backType   *string
	)
	err := row.Scan(
		&req.ID,
		&req.Identity.GuildID,
		&req.Identity.GuildName,
		&req.Identity.UserID,
		&req.Identity.UserName,
		&req.State,
		&req.SecretCode,
		&req.Email,
		&frontPhoto,
		&frontType,
		&backPhoto,
		&backType,
		&req.ReviewerID,
		&req.TrustedRecordID,
		&req.RejectionReason,
		&req.Version,
		&req.CreatedAt,
		&req.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	if frontType != nil {
		req.PhotoFront = &domain.Evidence{ContentType: *frontType, Photo: frontPhoto}
	}
	if backType != nil {
		req.PhotoBack = &domain.Evidence{ContentType: *backType, Photo: backPhoto}
	}
	return &req, nil
}

func (r *PostgresRepository) scanTrusted(row rowScanner) (*domain.TrustedRecord, error) {
	var (
		trust       domain.TrustedRecord
		contextBlob []byte
	)
	err := row.Scan(
		&trust.ID,
		&trust.Identity.GuildID,
		&trust.Identity.GuildName,
		&trust.Identity.UserID,
		&trust.Identity.UserName,
		&trust.Method,
		&contextBlob,
		&trust.StudentNumber,
		&trust.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTrustedNotFound
		}
		return nil, err
	}
	if len(contextBlob) > 0 {
		if err := json.Unmarshal(contextBlob, &trust.Context); err != nil {
			log.Printf("Error unmarshalling verification context for trusted record %s: %v", trust.ID, err)
		}
	}
	return &trust, nil
}
