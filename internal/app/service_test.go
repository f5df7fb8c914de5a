package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/kpostekk/pjatk-cat-guard/internal/domain"
	"github.com/kpostekk/pjatk-cat-guard/internal/store"
)

// memRepo is an in-memory store.Repository with the same classified errors
// and version semantics as the Postgres implementation.
type memRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*domain.VerificationRequest
	trusted   []*domain.TrustedRecord
	reviewers map[uuid.UUID]*domain.Reviewer
	guilds    map[int64]*domain.GuildConfiguration
	outbox    []store.OutboxAction
	nextID    int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		requests:  make(map[uuid.UUID]*domain.VerificationRequest),
		reviewers: make(map[uuid.UUID]*domain.Reviewer),
		guilds:    make(map[int64]*domain.GuildConfiguration),
	}
}

func (r *memRepo) CreateRequest(ctx context.Context, req *domain.VerificationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.requests {
		if existing.Identity.GuildID == req.Identity.GuildID &&
			existing.Identity.UserID == req.Identity.UserID &&
			!existing.State.IsTerminal() {
			return store.ErrDuplicateIdentity
		}
	}
	for _, trust := range r.trusted {
		if trust.Identity.GuildID == req.Identity.GuildID && trust.Identity.UserID == req.Identity.UserID {
			return store.ErrDuplicateIdentity
		}
	}
	clone := *req
	r.requests[req.ID] = &clone
	return nil
}

func (r *memRepo) FindRequestByID(ctx context.Context, id uuid.UUID) (*domain.VerificationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	clone := *req
	return &clone, nil
}

func (r *memRepo) FindRequestBySecret(ctx context.Context, secret string) (*domain.VerificationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.SecretCode == secret {
			clone := *req
			return &clone, nil
		}
	}
	return nil, store.ErrRequestNotFound
}

func (r *memRepo) ListPendingRequests(ctx context.Context, guildID int64) ([]domain.VerificationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.VerificationRequest
	for _, req := range r.requests {
		if req.Identity.GuildID == guildID && !req.State.IsTerminal() {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (r *memRepo) MarkRequestAwaitingEvidence(ctx context.Context, requestID uuid.UUID, fromVersion int64, actions []store.NewAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return store.ErrRequestNotFound
	}
	if req.Version != fromVersion {
		return store.ErrVersionConflict
	}
	req.State = domain.StateAwaitingEvidence
	req.Version++
	return r.enqueue(requestID, actions)
}

func (r *memRepo) MoveRequestToReview(ctx context.Context, params store.SubmitEvidenceParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[params.RequestID]
	if !ok {
		return store.ErrRequestNotFound
	}
	if req.Version != params.FromVersion {
		return store.ErrVersionConflict
	}
	req.State = domain.StateInReview
	req.Email = &params.Email
	req.PhotoFront = params.PhotoFront
	req.PhotoBack = params.PhotoBack
	req.Version++
	return r.enqueue(params.RequestID, params.Actions)
}

func (r *memRepo) AcceptRequest(ctx context.Context, params store.AcceptRequestParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[params.RequestID]
	if !ok {
		return store.ErrRequestNotFound
	}
	if req.Version != params.FromVersion {
		return store.ErrVersionConflict
	}
	for _, trust := range r.trusted {
		if trust.Identity.GuildID == params.Trust.Identity.GuildID && trust.Identity.UserID == params.Trust.Identity.UserID {
			return store.ErrIdentityTaken
		}
		if trust.StudentNumber != nil && params.Trust.StudentNumber != nil && *trust.StudentNumber == *params.Trust.StudentNumber {
			return store.ErrIdentityTaken
		}
	}
	clone := *params.Trust
	r.trusted = append(r.trusted, &clone)
	req.State = domain.StateAccepted
	req.ReviewerID = params.ReviewerID
	req.TrustedRecordID = &clone.ID
	decidedAt := params.DecidedAt
	req.DecidedAt = &decidedAt
	req.Version++
	return r.enqueue(params.RequestID, params.Actions)
}

func (r *memRepo) RejectRequest(ctx context.Context, params store.RejectRequestParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[params.RequestID]
	if !ok {
		return store.ErrRequestNotFound
	}
	if req.Version != params.FromVersion {
		return store.ErrVersionConflict
	}
	req.State = domain.StateRejected
	req.ReviewerID = params.ReviewerID
	reason := params.Reason
	req.RejectionReason = &reason
	decidedAt := params.DecidedAt
	req.DecidedAt = &decidedAt
	req.Version++
	return r.enqueue(params.RequestID, params.Actions)
}

func (r *memRepo) FindTrustedByIdentity(ctx context.Context, identity domain.Identity) (*domain.TrustedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, trust := range r.trusted {
		if trust.Identity.GuildID == identity.GuildID && trust.Identity.UserID == identity.UserID {
			clone := *trust
			return &clone, nil
		}
	}
	return nil, store.ErrTrustedNotFound
}

func (r *memRepo) FindTrustedByStudentNumber(ctx context.Context, studentNumber string) (*domain.TrustedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, trust := range r.trusted {
		if trust.StudentNumber != nil && *trust.StudentNumber == studentNumber {
			clone := *trust
			return &clone, nil
		}
	}
	return nil, store.ErrTrustedNotFound
}

func (r *memRepo) DeleteTrustedRecord(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, trust := range r.trusted {
		if trust.ID == id {
			r.trusted = append(r.trusted[:i], r.trusted[i+1:]...)
			return nil
		}
	}
	return store.ErrTrustedNotFound
}

func (r *memRepo) FindGuildConfiguration(ctx context.Context, guildID int64) (*domain.GuildConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conf, ok := r.guilds[guildID]
	if !ok {
		return nil, store.ErrGuildNotConfigured
	}
	clone := *conf
	return &clone, nil
}

func (r *memRepo) FindReviewer(ctx context.Context, id uuid.UUID) (*domain.Reviewer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reviewer, ok := r.reviewers[id]
	if !ok {
		return nil, store.ErrReviewerNotFound
	}
	clone := *reviewer
	return &clone, nil
}

func (r *memRepo) ListReviewers(ctx context.Context, guildID int64) ([]domain.Reviewer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Reviewer
	for _, reviewer := range r.reviewers {
		if reviewer.Identity.GuildID == guildID {
			out = append(out, *reviewer)
		}
	}
	return out, nil
}

func (r *memRepo) ClaimOutboxActions(ctx context.Context, batchSize int, staleAfterSeconds int) ([]store.OutboxAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.OutboxAction
	for _, action := range r.outbox {
		if len(out) >= batchSize {
			break
		}
		out = append(out, action)
	}
	return out, nil
}

func (r *memRepo) MarkOutboxActionDone(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, action := range r.outbox {
		if action.ID == id {
			r.outbox = append(r.outbox[:i], r.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *memRepo) MarkOutboxActionFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.outbox {
		if r.outbox[i].ID == id {
			r.outbox[i].Attempts++
		}
	}
	return nil
}

func (r *memRepo) RequeueStaleOutboxActions(ctx context.Context, staleAfterSeconds int) (int64, error) {
	return 0, nil
}

func (r *memRepo) enqueue(requestID uuid.UUID, actions []store.NewAction) error {
	for _, action := range actions {
		payload, err := json.Marshal(action.Payload)
		if err != nil {
			return err
		}
		r.nextID++
		r.outbox = append(r.outbox, store.OutboxAction{
			ID:        r.nextID,
			RequestID: requestID,
			Name:      action.Name,
			Payload:   payload,
		})
	}
	return nil
}

func (r *memRepo) actionNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.outbox))
	for _, action := range r.outbox {
		names = append(names, action.Name)
	}
	return names
}

// staleReadRepo simulates a concurrent writer: reads always return the
// snapshot taken when the repo was wrapped, while writes hit the live store.
type staleReadRepo struct {
	*memRepo
	snapshot domain.VerificationRequest
}

func (r *staleReadRepo) FindRequestByID(ctx context.Context, id uuid.UUID) (*domain.VerificationRequest, error) {
	clone := r.snapshot
	return &clone, nil
}

// stubVerifier returns fixed claims or a fixed error.
type stubVerifier struct {
	claims *OAuthClaims
	err    error
}

func (v *stubVerifier) Verify(ctx context.Context, credential string) (*OAuthClaims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.claims, nil
}

type stubCooldown struct {
	retryAfter int
	calls      int
}

func (c *stubCooldown) ConsumeAttempt(ctx context.Context, subject string) (int, error) {
	c.calls++
	return c.retryAfter, nil
}

func seedGuild(repo *memRepo, guildID int64) {
	repo.guilds[guildID] = &domain.GuildConfiguration{GuildID: guildID, TrustedRoleID: 777}
}

func seedReviewer(repo *memRepo, guildID int64) uuid.UUID {
	id := uuid.New()
	repo.reviewers[id] = &domain.Reviewer{
		ID:       id,
		Identity: domain.Identity{GuildID: guildID, UserID: 900, UserName: "reviewer"},
	}
	return id
}

func testIdentity() domain.Identity {
	return domain.Identity{GuildID: 1, GuildName: "PJATK", UserID: 42, UserName: "catface"}
}

func TestCreateRequestRejectsDuplicateIdentity(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	if _, err := svc.CreateRequest(context.Background(), testIdentity()); err != nil {
		t.Fatalf("first CreateRequest failed: %v", err)
	}
	if _, err := svc.CreateRequest(context.Background(), testIdentity()); !errors.Is(err, store.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
}

func TestDecideOAuthAcceptsAndBindsStudentNumber(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	verifier := &stubVerifier{claims: &OAuthClaims{
		Subject: "abc123",
		Email:   "s12345@pjwstk.edu.pl",
		Name:    "Cat Face",
		Raw:     map[string]any{"sub": "abc123", "email": "s12345@pjwstk.edu.pl"},
	}}
	svc := NewService(repo, verifier, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	trust, err := svc.DecideOAuth(context.Background(), req.SecretCode, "credential")
	if err != nil {
		t.Fatalf("DecideOAuth failed: %v", err)
	}
	if trust.Method != domain.MethodOAuth {
		t.Fatalf("expected method %q, got %q", domain.MethodOAuth, trust.Method)
	}
	if trust.StudentNumber == nil || *trust.StudentNumber != "s12345" {
		t.Fatalf("expected student number s12345, got %v", trust.StudentNumber)
	}

	state, err := svc.Status(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if state != domain.StateAccepted {
		t.Fatalf("expected state accepted, got %s", state)
	}

	stored, err := repo.FindTrustedByIdentity(context.Background(), req.Identity)
	if err != nil {
		t.Fatalf("expected exactly one trusted record for the identity: %v", err)
	}
	if !stored.Identity.Equal(req.Identity) {
		t.Fatalf("trusted record identity mismatch: %+v vs %+v", stored.Identity, req.Identity)
	}

	names := repo.actionNames()
	want := []string{
		domain.ActionGrantRole,
		domain.ActionConfirmationDM,
		domain.ActionConfirmationEmail,
		domain.ActionPublishAccepted,
	}
	if len(names) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("expected actions %v, got %v", want, names)
		}
	}
}

func TestDecideOAuthRequiresCreatedState(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if err := svc.SubmitEvidence(context.Background(), req.ID, "s12345@pjwstk.edu.pl",
		&domain.Evidence{ContentType: "image/png", Photo: []byte{1}},
		&domain.Evidence{ContentType: "image/png", Photo: []byte{2}}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}

	if _, err := svc.DecideOAuth(context.Background(), req.SecretCode, "credential"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDecideOAuthRejectedByCooldown(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	cooldown := &stubCooldown{retryAfter: 30}
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), cooldown, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	_, err = svc.DecideOAuth(context.Background(), req.SecretCode, "credential")
	if !errors.Is(err, ErrAssertionRejected) {
		t.Fatalf("expected ErrAssertionRejected, got %v", err)
	}
	if cooldown.calls != 1 {
		t.Fatalf("expected one cooldown check, got %d", cooldown.calls)
	}

	state, err := svc.Status(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if state != domain.StateCreated {
		t.Fatalf("rejected attempt must leave the request in created, got %s", state)
	}
}

func TestDecideOAuthFailedAssertionLeavesRequestOpen(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	verifier := &stubVerifier{err: ErrInvalidAssertion}
	svc := NewService(repo, verifier, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if _, err := svc.DecideOAuth(context.Background(), req.SecretCode, "bad"); !errors.Is(err, ErrInvalidAssertion) {
		t.Fatalf("expected ErrInvalidAssertion, got %v", err)
	}

	state, err := svc.Status(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if state != domain.StateCreated {
		t.Fatalf("failed assertion must leave the request in created, got %s", state)
	}
	if len(repo.trusted) != 0 {
		t.Fatalf("failed assertion must not create trusted records, found %d", len(repo.trusted))
	}
}

func TestDecideOAuthStudentNumberConflict(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	taken := "s12345"
	repo.trusted = append(repo.trusted, &domain.TrustedRecord{
		ID:            uuid.New(),
		Identity:      domain.Identity{GuildID: 1, UserID: 99, UserName: "other"},
		Method:        domain.MethodOAuth,
		StudentNumber: &taken,
	})
	verifier := &stubVerifier{claims: &OAuthClaims{
		Subject: "abc123",
		Email:   "s12345@pjwstk.edu.pl",
	}}
	svc := NewService(repo, verifier, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if _, err := svc.DecideOAuth(context.Background(), req.SecretCode, "credential"); !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("expected ErrIdentityConflict, got %v", err)
	}
	state, _ := svc.Status(context.Background(), req.ID)
	if state != domain.StateCreated {
		t.Fatalf("conflicting assertion must leave the request open, got %s", state)
	}
}

func TestSubmitEvidenceQueuesReviewerNotification(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	err = svc.SubmitEvidence(context.Background(), req.ID, "s12345@pjwstk.edu.pl",
		&domain.Evidence{ContentType: "image/png", Photo: []byte{1}},
		&domain.Evidence{ContentType: "image/png", Photo: []byte{2}})
	if err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}

	state, _ := svc.Status(context.Background(), req.ID)
	if state != domain.StateInReview {
		t.Fatalf("expected state in_review, got %s", state)
	}
	names := repo.actionNames()
	if len(names) != 1 || names[0] != domain.ActionNotifyReviewers {
		t.Fatalf("expected a single notify_reviewers action, got %v", names)
	}
}

func TestRequestEvidenceMovesToAwaitingAndQueuesDM(t *testing.T) {
	repo := newMemRepo()
	reviewerID := seedReviewer(repo, 1)
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if err := svc.RequestEvidence(context.Background(), req.ID, reviewerID); err != nil {
		t.Fatalf("RequestEvidence failed: %v", err)
	}

	state, _ := svc.Status(context.Background(), req.ID)
	if state != domain.StateAwaitingEvidence {
		t.Fatalf("expected state awaiting_evidence, got %s", state)
	}
	names := repo.actionNames()
	if len(names) != 1 || names[0] != domain.ActionRequestEvidenceDM {
		t.Fatalf("expected a single request_evidence_dm action, got %v", names)
	}
}

func TestDecideReviewUnauthorizedReviewerLeavesStateUnchanged(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	otherGuildReviewer := seedReviewer(repo, 2)
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if err := svc.SubmitEvidence(context.Background(), req.ID, "s12345@pjwstk.edu.pl",
		&domain.Evidence{ContentType: "image/png", Photo: []byte{1}},
		&domain.Evidence{ContentType: "image/png", Photo: []byte{2}}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}

	err = svc.DecideReview(context.Background(), req.ID, otherGuildReviewer, true, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = svc.DecideReview(context.Background(), req.ID, uuid.New(), true, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown reviewer, got %v", err)
	}

	state, _ := svc.Status(context.Background(), req.ID)
	if state != domain.StateInReview {
		t.Fatalf("unauthorized decision must not change state, got %s", state)
	}
}

func TestDecideReviewRejectRecordsReasonAndQueuesNotifications(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	reviewerID := seedReviewer(repo, 1)
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if err := svc.SubmitEvidence(context.Background(), req.ID, "s12345@pjwstk.edu.pl",
		&domain.Evidence{ContentType: "image/png", Photo: []byte{1}},
		&domain.Evidence{ContentType: "image/png", Photo: []byte{2}}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}

	if err := svc.DecideReview(context.Background(), req.ID, reviewerID, false, "card unreadable"); err != nil {
		t.Fatalf("DecideReview reject failed: %v", err)
	}

	stored, err := repo.FindRequestByID(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("FindRequestByID failed: %v", err)
	}
	if stored.State != domain.StateRejected {
		t.Fatalf("expected state rejected, got %s", stored.State)
	}
	if stored.RejectionReason == nil || *stored.RejectionReason != "card unreadable" {
		t.Fatalf("expected rejection reason to be recorded, got %v", stored.RejectionReason)
	}
	if len(repo.trusted) != 0 {
		t.Fatalf("reject must not create trusted records, found %d", len(repo.trusted))
	}

	names := repo.actionNames()
	want := map[string]bool{
		domain.ActionRejectionEmail:  false,
		domain.ActionRejectionDM:     false,
		domain.ActionPublishRejected: false,
	}
	for _, name := range names {
		if name == domain.ActionNotifyReviewers {
			continue
		}
		if _, ok := want[name]; !ok {
			t.Fatalf("unexpected action %q", name)
		}
		want[name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("expected action %q to be queued, got %v", name, names)
		}
	}
}

func TestDecideReviewAcceptedRequestCannotBeDecidedAgain(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	reviewerID := seedReviewer(repo, 1)
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if err := svc.SubmitEvidence(context.Background(), req.ID, "s12345@pjwstk.edu.pl",
		&domain.Evidence{ContentType: "image/png", Photo: []byte{1}},
		&domain.Evidence{ContentType: "image/png", Photo: []byte{2}}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}

	if err := svc.DecideReview(context.Background(), req.ID, reviewerID, true, ""); err != nil {
		t.Fatalf("DecideReview accept failed: %v", err)
	}
	if err := svc.DecideReview(context.Background(), req.ID, reviewerID, false, "changed my mind"); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if len(repo.trusted) != 1 {
		t.Fatalf("expected exactly one trusted record, got %d", len(repo.trusted))
	}
}

func TestDecideReviewConcurrentWriterHitsVersionConflict(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	reviewerID := seedReviewer(repo, 1)
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if err := svc.SubmitEvidence(context.Background(), req.ID, "s12345@pjwstk.edu.pl",
		&domain.Evidence{ContentType: "image/png", Photo: []byte{1}},
		&domain.Evidence{ContentType: "image/png", Photo: []byte{2}}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}

	// Both reviewers read the same snapshot before either writes.
	snapshot, err := repo.FindRequestByID(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("FindRequestByID failed: %v", err)
	}
	stale := &staleReadRepo{memRepo: repo, snapshot: *snapshot}
	staleSvc := NewService(stale, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	if err := staleSvc.DecideReview(context.Background(), req.ID, reviewerID, true, ""); err != nil {
		t.Fatalf("first decision failed: %v", err)
	}
	err = staleSvc.DecideReview(context.Background(), req.ID, reviewerID, false, "duplicate")
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for the losing writer, got %v", err)
	}

	stored, err := repo.FindRequestByID(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("FindRequestByID failed: %v", err)
	}
	if stored.State != domain.StateAccepted {
		t.Fatalf("winning decision must stand, got %s", stored.State)
	}
	if len(repo.trusted) != 1 {
		t.Fatalf("expected exactly one trusted record, got %d", len(repo.trusted))
	}
}

func TestDecideOAuthUnknownSecret(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &stubVerifier{}, NewReviewVerifier(repo), nil, "https://verify.test")

	if _, err := svc.DecideOAuth(context.Background(), "nope", "credential"); !errors.Is(err, store.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestAcceptActionsSnapshotGuildConfiguration(t *testing.T) {
	repo := newMemRepo()
	seedGuild(repo, 1)
	verifier := &stubVerifier{claims: &OAuthClaims{Subject: "abc123", Email: "s12345@pjwstk.edu.pl"}}
	svc := NewService(repo, verifier, NewReviewVerifier(repo), nil, "https://verify.test")

	req, err := svc.CreateRequest(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if _, err := svc.DecideOAuth(context.Background(), req.SecretCode, "credential"); err != nil {
		t.Fatalf("DecideOAuth failed: %v", err)
	}

	// The role id was resolved at decide time and baked into the payload;
	// changing the configuration afterwards must not affect the queued grant.
	repo.guilds[1].TrustedRoleID = 1234

	var grant domain.GrantRolePayload
	found := false
	for _, action := range repo.outbox {
		if action.Name == domain.ActionGrantRole {
			if err := json.Unmarshal(action.Payload, &grant); err != nil {
				t.Fatalf("failed to decode grant payload: %v", err)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("grant_role action not queued")
	}
	if grant.RoleID != 777 {
		t.Fatalf("expected role id 777 from the decide-time snapshot, got %d", grant.RoleID)
	}
	if grant.GuildID != 1 || grant.UserID != 42 {
		t.Fatalf("unexpected grant payload: %+v", grant)
	}
}

func TestSecretCodesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		code, err := newSecretCode()
		if err != nil {
			t.Fatalf("newSecretCode failed: %v", err)
		}
		if len(code) != 48 {
			t.Fatalf("expected 48 hex chars, got %d", len(code))
		}
		if seen[code] {
			t.Fatalf("secret code collision after %d draws", i)
		}
		seen[code] = true
	}
}
