/**
 * @description
 * The side-effect dispatcher. It drains the verification outbox and executes
 * each action through narrow collaborator interfaces: role grant, direct
 * messages, templated mail and decision-event publishing.
 *
 * Key features:
 * - Actions are independent: one failing delivery never blocks the others,
 *   it only reschedules itself with an exponential retry delay.
 * - Each execution runs under a bounded timeout; a timed-out action counts
 *   as not applied and is retried, which is safe because every collaborator
 *   call is idempotent or de-duplicated by the outbox action id.
 * - Failures are logged with the request id and action name so an operator
 *   can see exactly which delivery is lagging. Stored state is never rolled
 *   back: the persisted decision stays the source of truth.
 *
 * @dependencies
 * - internal/domain, internal/store: Action payloads and outbox access.
 * - pkg/discordclient, pkg/rabbitmq: External collaborators.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/kpostekk/pjatk-cat-guard/internal/domain"
	"github.com/kpostekk/pjatk-cat-guard/internal/store"
	"github.com/kpostekk/pjatk-cat-guard/pkg/discordclient"
	"github.com/kpostekk/pjatk-cat-guard/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
	defaultActionTimeout   = 10 * time.Second
)

// RoleGranter grants the trusted role in the guild membership backend.
type RoleGranter interface {
	GrantRole(ctx context.Context, guildID, userID, roleID int64) error
}

// Messenger delivers direct messages to users.
type Messenger interface {
	DirectMessage(ctx context.Context, userID int64, embed discordclient.Embed) error
}

// Mailer sends templated email.
type Mailer interface {
	SendTemplated(ctx context.Context, to, templateID string, data map[string]string) error
}

// DispatcherConfig carries the settings the dispatcher needs to execute
// actions.
type DispatcherConfig struct {
	EventExchange          string
	ConfirmationTemplateID string
	RejectionTemplateID    string
	ReviewPanelURL         string
}

// Dispatcher drains the outbox and executes side effects.
type Dispatcher struct {
	repo          store.Repository
	roles         RoleGranter
	courier       Messenger
	mailer        Mailer
	producer      rabbitmq.Publisher
	cfg           DispatcherConfig
	batchSize     int
	pollInterval  time.Duration
	staleAfter    time.Duration
	actionTimeout time.Duration
}

// NewDispatcher creates a dispatcher with default batching and timing.
func NewDispatcher(repo store.Repository, roles RoleGranter, courier Messenger, mailer Mailer, producer rabbitmq.Publisher, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		repo:          repo,
		roles:         roles,
		courier:       courier,
		mailer:        mailer,
		producer:      producer,
		cfg:           cfg,
		batchSize:     defaultBatchSize,
		pollInterval:  defaultPollInterval,
		staleAfter:    defaultStaleProcessing,
		actionTimeout: defaultActionTimeout,
	}
}

// Run polls the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.FlushOnce(ctx); err != nil {
				log.Printf("level=error component=dispatcher msg=\"outbox flush error\" err=%v", err)
			}
		}
	}
}

// FlushOnce claims one batch and executes every claimed action. Failures are
// rescheduled per action and never abort the batch.
func (d *Dispatcher) FlushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleAfter.Seconds())
	actions, err := d.repo.ClaimOutboxActions(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}

	for _, action := range actions {
		actionCtx, cancel := context.WithTimeout(ctx, d.actionTimeout)
		err := d.executeAction(actionCtx, action)
		cancel()

		if err != nil {
			retryAfter := retryDelaySeconds(action.Attempts)
			log.Printf("level=error component=dispatcher msg=\"action failed\" request_id=%s action=%s attempt=%d retry_in=%ds err=%v",
				action.RequestID, action.Name, action.Attempts, retryAfter, err)
			if markErr := d.repo.MarkOutboxActionFailed(ctx, action.ID, retryAfter, err.Error()); markErr != nil {
				log.Printf("level=error component=dispatcher msg=\"failed to reschedule action\" action_id=%d err=%v", action.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxActionDone(ctx, action.ID); err != nil {
			log.Printf("level=error component=dispatcher msg=\"failed to mark action done\" action_id=%d err=%v", action.ID, err)
		}
	}
	return nil
}

func (d *Dispatcher) executeAction(ctx context.Context, action store.OutboxAction) error {
	switch action.Name {
	case domain.ActionGrantRole:
		var payload domain.GrantRolePayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		return d.roles.GrantRole(ctx, payload.GuildID, payload.UserID, payload.RoleID)

	case domain.ActionConfirmationDM:
		var payload domain.ConfirmationDMPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		embed := discordclient.Embed{
			Title:       "Done!",
			Description: "Your account is verified. You can manage the verification with the `/manage` command.",
			Color:       discordclient.ColorOK,
			Fields: []discordclient.EmbedField{
				{Name: "Verified at", Value: payload.VerifiedAt.Format(time.RFC3339)},
				{Name: "Student number", Value: orDash(payload.StudentNumber)},
				{Name: "Verification method", Value: payload.Method},
			},
		}
		return d.courier.DirectMessage(ctx, payload.UserID, embed)

	case domain.ActionConfirmationEmail:
		var payload domain.ConfirmationEmailPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		return d.mailer.SendTemplated(ctx, payload.To, d.cfg.ConfirmationTemplateID, map[string]string{
			"who":         payload.Who,
			"student_num": payload.StudentNumber,
			"guild":       payload.Guild,
			"discord":     payload.Discord,
		})

	case domain.ActionRejectionEmail:
		var payload domain.RejectionEmailPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		return d.mailer.SendTemplated(ctx, payload.To, d.cfg.RejectionTemplateID, map[string]string{
			"guild":  payload.Guild,
			"reason": payload.Reason,
		})

	case domain.ActionRejectionDM:
		var payload domain.RejectionDMPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		embed := discordclient.Embed{
			Title:       "Oh no!",
			Description: fmt.Sprintf("Your account could not be verified: %s", payload.Reason),
			Color:       discordclient.ColorWarn,
		}
		return d.courier.DirectMessage(ctx, payload.UserID, embed)

	case domain.ActionNotifyReviewers:
		var payload domain.NotifyReviewersPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		return d.notifyReviewers(ctx, payload)

	case domain.ActionRequestEvidenceDM:
		var payload domain.RequestEvidenceDMPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		embed := discordclient.Embed{
			Title:       "Papers, please!",
			Description: fmt.Sprintf("A reviewer asked for your student id card to confirm your identity. Visit %s to upload the document.", payload.VerifyURL),
			URL:         payload.VerifyURL,
			Color:       discordclient.ColorWarn,
		}
		return d.courier.DirectMessage(ctx, payload.UserID, embed)

	case domain.ActionPublishAccepted:
		return d.producer.Publish(ctx, d.cfg.EventExchange, "verification.accepted", json.RawMessage(action.Payload))

	case domain.ActionPublishRejected:
		return d.producer.Publish(ctx, d.cfg.EventExchange, "verification.rejected", json.RawMessage(action.Payload))

	default:
		// Unknown actions are a deployment skew problem; retrying won't help,
		// but keeping them pending makes them visible to the operator.
		return fmt.Errorf("unknown action %q", action.Name)
	}
}

func (d *Dispatcher) notifyReviewers(ctx context.Context, payload domain.NotifyReviewersPayload) error {
	reviewers, err := d.repo.ListReviewers(ctx, payload.GuildID)
	if err != nil {
		return err
	}

	embed := discordclient.Embed{
		Title:       "New verification pending!",
		Description: fmt.Sprintf("%s is waiting for verification.", payload.UserName),
		URL:         d.cfg.ReviewPanelURL,
		Color:       discordclient.ColorInfo,
	}

	var firstErr error
	for _, reviewer := range reviewers {
		if err := d.courier.DirectMessage(ctx, reviewer.Identity.UserID, embed); err != nil {
			log.Printf("level=warn component=dispatcher msg=\"failed to notify reviewer\" guild_id=%d reviewer_user_id=%d err=%v",
				payload.GuildID, reviewer.Identity.UserID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
