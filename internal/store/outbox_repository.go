/**
 * @description
 * Outbox persistence for the side-effect dispatcher. Decisions enqueue their
 * actions inside the deciding transaction; the dispatcher claims batches with
 * FOR UPDATE SKIP LOCKED so multiple instances never double-claim, and failed
 * actions are rescheduled with a retry delay instead of being dropped.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ClaimOutboxActions atomically claims up to limit actions that are either
// pending and due, or stuck in processing longer than staleAfterSeconds
// (a dispatcher that died mid-flight).
func (r *PostgresRepository) ClaimOutboxActions(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxAction, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM verification_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE verification_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.request_id, o.action, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make([]OutboxAction, 0, limit)
	for rows.Next() {
		var (
			action      OutboxAction
			payloadText string
		)
		if err := rows.Scan(&action.ID, &action.RequestID, &action.Name, &payloadText, &action.Attempts); err != nil {
			return nil, err
		}
		action.Payload = []byte(payloadText)
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// MarkOutboxActionDone records successful execution. A done action is never
// claimed again, which is what bounds every side effect to at most one
// delivery per successful run.
func (r *PostgresRepository) MarkOutboxActionDone(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE verification_outbox
		SET status = 'done',
			done_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

// MarkOutboxActionFailed reschedules a failed action and records the error so
// an operator can see why delivery is lagging.
func (r *PostgresRepository) MarkOutboxActionFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE verification_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// RequeueStaleOutboxActions returns stuck processing rows to pending. The
// claim query already tolerates stale claims; this sweep exists so stuck rows
// become visible (and countable) without waiting for a claim cycle.
func (r *PostgresRepository) RequeueStaleOutboxActions(ctx context.Context, staleAfterSeconds int) (int64, error) {
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE verification_outbox
		SET status = 'pending',
			processing_started_at = NULL
		WHERE status = 'processing'
			AND processing_started_at < NOW() - ($1 * INTERVAL '1 second')
	`, staleAfterSeconds)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func enqueueActionsTx(ctx context.Context, tx pgx.Tx, requestID uuid.UUID, actions []NewAction) error {
	for _, action := range actions {
		blob, err := json.Marshal(action.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for action %s: %w", action.Name, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO verification_outbox (request_id, action, payload)
			VALUES ($1, $2, $3::jsonb)
		`, requestID, action.Name, string(blob)); err != nil {
			return fmt.Errorf("failed to enqueue action %s: %w", action.Name, err)
		}
	}
	return nil
}
