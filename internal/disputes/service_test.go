package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
	"github.com/fundilink/backend/internal/notify"
	"github.com/fundilink/backend/internal/store"
)

// ---------------------------------------------------------------------------
// In-memory mocks. The pgx.Tx is nil throughout; the mocks ignore it.
// ---------------------------------------------------------------------------

type mockUow struct{}

func (mockUow) Run(ctx context.Context, fn store.TxFunc) error { return fn(ctx, nil) }

type mockRepo struct {
	mu       sync.Mutex
	disputes map[uuid.UUID]*models.Dispute
	byJob    map[uuid.UUID]uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		disputes: make(map[uuid.UUID]*models.Dispute),
		byJob:    make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockRepo) Create(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byJob[d.JobID]; exists {
		return apperrors.ErrDuplicateRequest
	}
	cp := *d
	m.disputes[d.ID] = &cp
	m.byJob[d.JobID] = d.ID
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockRepo) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) GetByJobID(_ context.Context, jobID uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byJob[jobID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *m.disputes[id]
	return &cp, nil
}

func (m *mockRepo) SetResponse(_ context.Context, id uuid.UUID, statement string, evidence []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if models.DisputeTerminal(d.Status) {
		return apperrors.ErrAlreadyResolved
	}
	d.ResponseStatement = &statement
	d.ResponseEvidence = evidence
	return nil
}

func (m *mockRepo) MarkUnderReview(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if d.Status != models.DisputeStatusOpen {
		return apperrors.ErrAlreadyResolved
	}
	d.Status = models.DisputeStatusUnderReview
	return nil
}

func (m *mockRepo) Resolve(_ context.Context, _ pgx.Tx, id uuid.UUID, status, decision, notes string, resolvedBy uuid.UUID, customerCents, fundiCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	d.Status = status
	d.Decision = &decision
	d.ResolutionNotes = &notes
	d.ResolvedBy = &resolvedBy
	d.CustomerAmountCents = &customerCents
	d.FundiAmountCents = &fundiCents
	d.ResolvedAt = &now
	return nil
}

func (m *mockRepo) ListOpen(_ context.Context) ([]*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Dispute
	for _, d := range m.disputes {
		if !models.DisputeTerminal(d.Status) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockJobMarker struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	accounts map[uuid.UUID]uuid.UUID
}

func newMockJobMarker(js ...*models.Job) *mockJobMarker {
	m := &mockJobMarker{jobs: make(map[uuid.UUID]*models.Job), accounts: make(map[uuid.UUID]uuid.UUID)}
	for _, j := range js {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return m
}

func (m *mockJobMarker) MarkDisputed(_ context.Context, _ pgx.Tx, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if j.Status != models.JobStatusInProgress && j.Status != models.JobStatusCompleted {
		return nil, apperrors.ErrInvalidTransition
	}
	j.Status = models.JobStatusDisputed
	j.EscrowReleaseAt = nil
	now := time.Now()
	j.DisputedAt = &now
	cp := *j
	return &cp, nil
}

func (m *mockJobMarker) Get(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobMarker) FundiAccount(_ context.Context, fundiID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[fundiID]
	if !ok {
		return uuid.Nil, fmt.Errorf("fundi %s not found", fundiID)
	}
	return acc, nil
}

// mockSettler tracks a single held escrow and every movement driven
// through it.
type mockSettler struct {
	mu       sync.Mutex
	netCents int64
	held     bool

	releases []int64
	refunds  int
}

func (m *mockSettler) HeldNet(_ context.Context, _ pgx.Tx, _ uuid.UUID) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return 0, false, nil
	}
	return m.netCents, true, nil
}

func (m *mockSettler) ReleaseHeld(_ context.Context, _ pgx.Tx, _ *models.Job, creditCents int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return false, nil
	}
	if creditCents < 0 || creditCents > m.netCents {
		return false, apperrors.ErrInvalidAmount
	}
	m.held = false
	m.releases = append(m.releases, creditCents)
	return true, nil
}

func (m *mockSettler) RefundHeld(_ context.Context, _ pgx.Tx, _ *models.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return false, nil
	}
	m.held = false
	m.refunds++
	return true, nil
}

func (m *mockSettler) movements() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.releases) + m.refunds
}

type mockSink struct {
	mu      sync.Mutex
	intents []notify.Intent
}

func (m *mockSink) Enqueue(_ context.Context, intent notify.Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = append(m.intents, intent)
}

func (m *mockSink) byTemplate(key string) []notify.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notify.Intent
	for _, i := range m.intents {
		if i.TemplateKey == key {
			out = append(out, i)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	svc     *Service
	repo    *mockRepo
	jobs    *mockJobMarker
	settler *mockSettler
	sink    *mockSink

	customer     uuid.UUID
	fundiID      uuid.UUID
	fundiAccount uuid.UUID
	job          *models.Job
}

func newFixture(jobStatus string) *fixture {
	f := &fixture{
		repo:         newMockRepo(),
		settler:      &mockSettler{netCents: 8500, held: true},
		sink:         &mockSink{},
		customer:     uuid.New(),
		fundiID:      uuid.New(),
		fundiAccount: uuid.New(),
	}
	releaseAt := time.Now().Add(24 * time.Hour)
	f.job = &models.Job{
		ID: uuid.New(), CustomerID: f.customer, FundiID: &f.fundiID,
		Status:            jobStatus,
		QuotedAmountCents: 10000, NetToFundiCents: 8500,
		EscrowReleaseAt: &releaseAt,
	}
	f.jobs = newMockJobMarker(f.job)
	f.jobs.accounts[f.fundiID] = f.fundiAccount
	f.svc = NewService(mockUow{}, f.repo, f.jobs, f.settler, f.sink, slog.Default())
	return f
}

// raised seeds an open dispute raised by the customer.
func (f *fixture) raised(t *testing.T) *models.Dispute {
	t.Helper()
	d, err := f.svc.Raise(context.Background(), f.customer, f.job.ID, "work not finished", nil)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	return d
}

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

func TestRaiseFreezesJobAndEscrow(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)

	d := f.raised(t)
	if d.Status != models.DisputeStatusOpen {
		t.Errorf("status: got %s, want open", d.Status)
	}

	job, _ := f.jobs.Get(context.Background(), f.job.ID)
	if job.Status != models.JobStatusDisputed {
		t.Errorf("job status: got %s, want disputed", job.Status)
	}
	if job.EscrowReleaseAt != nil {
		t.Error("raising a dispute must cancel the scheduled release")
	}

	// The counterparty is notified, the raiser is not.
	notified := f.sink.byTemplate("dispute_raised")
	if len(notified) != 1 || notified[0].UserID != f.fundiAccount {
		t.Errorf("dispute_raised must go to the fundi only, got %+v", notified)
	}
}

func TestRaiseValidation(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	ctx := context.Background()

	if _, err := f.svc.Raise(ctx, f.customer, f.job.ID, "", nil); !errors.Is(err, apperrors.ErrInvalidAmount) {
		t.Errorf("empty statement: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.svc.Raise(ctx, uuid.New(), f.job.ID, "not my job", nil); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("non-party: expected ErrForbidden, got %v", err)
	}
}

func TestRaiseOnlyOncePerJob(t *testing.T) {
	f := newFixture(models.JobStatusInProgress)
	f.raised(t)

	if _, err := f.svc.Raise(context.Background(), f.customer, f.job.ID, "again", nil); !errors.Is(err, apperrors.ErrDuplicateRequest) {
		t.Errorf("second dispute: expected ErrDuplicateRequest, got %v", err)
	}
	// The counterparty hits the same wall.
	if _, err := f.svc.Raise(context.Background(), f.fundiAccount, f.job.ID, "me too", nil); !errors.Is(err, apperrors.ErrDuplicateRequest) {
		t.Errorf("counterparty second dispute: expected ErrDuplicateRequest, got %v", err)
	}
}

func TestRaiseRequiresDisputableJob(t *testing.T) {
	f := newFixture(models.JobStatusPending)

	if _, err := f.svc.Raise(context.Background(), f.customer, f.job.ID, "too early", nil); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("pending job: expected ErrInvalidTransition, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Responding
// ---------------------------------------------------------------------------

func TestRespond(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)
	ctx := context.Background()

	// The raiser may not respond to their own dispute.
	if err := f.svc.Respond(ctx, f.customer, d.ID, "but it was me", nil); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("raiser response: expected ErrForbidden, got %v", err)
	}
	if err := f.svc.Respond(ctx, uuid.New(), d.ID, "bystander", nil); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("non-party response: expected ErrForbidden, got %v", err)
	}

	if err := f.svc.Respond(ctx, f.fundiAccount, d.ID, "work was completed as agreed", []string{"proof.jpg"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	got, _ := f.repo.GetByID(ctx, d.ID)
	if got.ResponseStatement == nil || *got.ResponseStatement != "work was completed as agreed" {
		t.Error("response statement not recorded")
	}
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

func TestResolveRefundCustomer(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)
	admin := uuid.New()

	got, err := f.svc.Resolve(context.Background(), admin, d.ID, ResolveInput{
		Decision: models.DecisionRefundCustomer, Notes: "work abandoned",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.DisputeStatusResolvedCustomer {
		t.Errorf("status: got %s, want resolved_customer", got.Status)
	}
	if f.settler.refunds != 1 || len(f.settler.releases) != 0 {
		t.Errorf("expected exactly one refund, got refunds=%d releases=%v", f.settler.refunds, f.settler.releases)
	}
	if *got.CustomerAmountCents != 8500 || *got.FundiAmountCents != 0 {
		t.Errorf("amounts: customer=%d fundi=%d, want 8500/0", *got.CustomerAmountCents, *got.FundiAmountCents)
	}
	if got.ResolvedBy == nil || *got.ResolvedBy != admin {
		t.Error("resolver not recorded")
	}
	if len(f.sink.byTemplate("dispute_resolved")) != 2 {
		t.Error("both parties must hear about the resolution")
	}
}

func TestResolveReleaseToWorker(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)

	got, err := f.svc.Resolve(context.Background(), uuid.New(), d.ID, ResolveInput{
		Decision: models.DecisionReleaseToWorker, Notes: "customer claim unsupported",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.DisputeStatusResolvedFundi {
		t.Errorf("status: got %s, want resolved_fundi", got.Status)
	}
	if len(f.settler.releases) != 1 || f.settler.releases[0] != 8500 {
		t.Errorf("expected one release of the full net, got %v", f.settler.releases)
	}
	if *got.CustomerAmountCents != 0 || *got.FundiAmountCents != 8500 {
		t.Errorf("amounts: customer=%d fundi=%d, want 0/8500", *got.CustomerAmountCents, *got.FundiAmountCents)
	}
}

func TestResolveSplit(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)

	got, err := f.svc.Resolve(context.Background(), uuid.New(), d.ID, ResolveInput{
		Decision:            models.DecisionSplit,
		CustomerAmountCents: 5000,
		FundiAmountCents:    3500,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Customer share is the larger, so the dispute lands on their side.
	if got.Status != models.DisputeStatusResolvedCustomer {
		t.Errorf("status: got %s, want resolved_customer", got.Status)
	}
	if len(f.settler.releases) != 1 || f.settler.releases[0] != 3500 {
		t.Errorf("fundi share: got %v, want one release of 3500", f.settler.releases)
	}
	if *got.CustomerAmountCents != 5000 || *got.FundiAmountCents != 3500 {
		t.Errorf("amounts: customer=%d fundi=%d", *got.CustomerAmountCents, *got.FundiAmountCents)
	}
}

func TestResolveSplitValidation(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)
	ctx := context.Background()

	// Over-allocation beyond the held net.
	_, err := f.svc.Resolve(ctx, uuid.New(), d.ID, ResolveInput{
		Decision: models.DecisionSplit, CustomerAmountCents: 6000, FundiAmountCents: 3000,
	})
	if !errors.Is(err, apperrors.ErrInvalidAmount) {
		t.Errorf("over-allocation: expected ErrInvalidAmount, got %v", err)
	}
	if f.settler.movements() != 0 {
		t.Error("rejected split must not move funds")
	}

	_, err = f.svc.Resolve(ctx, uuid.New(), d.ID, ResolveInput{
		Decision: models.DecisionSplit, CustomerAmountCents: -1, FundiAmountCents: 100,
	})
	if !errors.Is(err, apperrors.ErrInvalidAmount) {
		t.Errorf("negative amount: expected ErrInvalidAmount, got %v", err)
	}

	// The dispute survives the rejections and can still be resolved.
	if _, err := f.svc.Resolve(ctx, uuid.New(), d.ID, ResolveInput{
		Decision: models.DecisionSplit, CustomerAmountCents: 4000, FundiAmountCents: 4000,
	}); err != nil {
		t.Fatalf("valid split after rejections: %v", err)
	}
}

func TestResolveSplitRequiresHeldEscrow(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)
	f.settler.held = false

	_, err := f.svc.Resolve(context.Background(), uuid.New(), d.ID, ResolveInput{
		Decision: models.DecisionSplit, CustomerAmountCents: 1000, FundiAmountCents: 1000,
	})
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("split without funds: expected ErrInvalidTransition, got %v", err)
	}
}

func TestResolveEscalateMovesNothing(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)

	got, err := f.svc.Resolve(context.Background(), uuid.New(), d.ID, ResolveInput{
		Decision: models.DecisionEscalate, Notes: "needs arbitration",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.DisputeStatusEscalated {
		t.Errorf("status: got %s, want escalated", got.Status)
	}
	if f.settler.movements() != 0 {
		t.Error("escalation must not move funds")
	}
	if !f.settler.held {
		t.Error("escrow must stay held through escalation")
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, uuid.New(), d.ID, ResolveInput{Decision: models.DecisionRefundCustomer}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := f.svc.Resolve(ctx, uuid.New(), d.ID, ResolveInput{Decision: models.DecisionReleaseToWorker})
	if !errors.Is(err, apperrors.ErrAlreadyResolved) {
		t.Fatalf("second resolve: expected ErrAlreadyResolved, got %v", err)
	}
	if f.settler.movements() != 1 {
		t.Errorf("fund movements: got %d, want exactly 1", f.settler.movements())
	}
}

func TestResolveUnknownDecision(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)

	if _, err := f.svc.Resolve(context.Background(), uuid.New(), d.ID, ResolveInput{Decision: "coin_toss"}); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("unknown decision: expected ErrInvalidTransition, got %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), d.ID)
	if got.Status != models.DisputeStatusOpen {
		t.Error("rejected decision must not touch the dispute")
	}
}

func TestStartReview(t *testing.T) {
	f := newFixture(models.JobStatusCompleted)
	d := f.raised(t)
	ctx := context.Background()

	if err := f.svc.StartReview(ctx, d.ID); err != nil {
		t.Fatalf("StartReview: %v", err)
	}
	got, _ := f.repo.GetByID(ctx, d.ID)
	if got.Status != models.DisputeStatusUnderReview {
		t.Errorf("status: got %s, want under_review", got.Status)
	}
	// Review does not block resolution.
	if _, err := f.svc.Resolve(ctx, uuid.New(), d.ID, ResolveInput{Decision: models.DecisionRefundCustomer}); err != nil {
		t.Fatalf("resolve under review: %v", err)
	}
}
