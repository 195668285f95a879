package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
	"github.com/fundilink/backend/internal/notify"
	"github.com/fundilink/backend/internal/store"
)

// ---------------------------------------------------------------------------
// In-memory mocks. The tx is nil everywhere; the mocks ignore it.
// ---------------------------------------------------------------------------

type mockUow struct{}

func (mockUow) Run(ctx context.Context, fn store.TxFunc) error { return fn(ctx, nil) }

type mockFundis struct {
	mu     sync.Mutex
	nearby []NearbyFundi
	offers []*models.JobOffer
}

func (m *mockFundis) FindNearby(context.Context, string, float64, float64, float64) ([]NearbyFundi, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NearbyFundi, len(m.nearby))
	copy(out, m.nearby)
	return out, nil
}

func (m *mockFundis) AttemptedFundiIDs(_ context.Context, jobID uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]bool)
	for _, o := range m.offers {
		if o.JobID == jobID {
			out[o.FundiID] = true
		}
	}
	return out, nil
}

func (m *mockFundis) HasOpenOffer(_ context.Context, jobID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers {
		if o.JobID == jobID && o.DeclinedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockFundis) CountOffers(_ context.Context, jobID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers {
		if o.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (m *mockFundis) CreateOffer(_ context.Context, _ pgx.Tx, o *models.JobOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.OfferedAt = time.Now()
	cp := *o
	m.offers = append(m.offers, &cp)
	return nil
}

func (m *mockFundis) MarkOfferDeclined(_ context.Context, _ pgx.Tx, jobID, fundiID uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers {
		if o.JobID == jobID && o.FundiID == fundiID && o.DeclinedAt == nil {
			now := time.Now()
			o.DeclinedAt = &now
			o.DeclineReason = &reason
			return true, nil
		}
	}
	return false, nil
}

func (m *mockFundis) offeredTo(jobID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, o := range m.offers {
		if o.JobID == jobID {
			out = append(out, o.FundiID)
		}
	}
	return out
}

type mockJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMockJobStore(js ...*models.Job) *mockJobStore {
	m := &mockJobStore{jobs: make(map[uuid.UUID]*models.Job)}
	for _, j := range js {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return m
}

func (m *mockJobStore) GetByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobStore) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Job, error) {
	return m.GetByID(ctx, id)
}

func (m *mockJobStore) setStatus(id uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = status
}

type scheduledTask struct {
	args river.JobArgs
	at   time.Time
}

type mockSched struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

func (m *mockSched) RunAt(_ context.Context, _ pgx.Tx, args river.JobArgs, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, scheduledTask{args: args, at: at})
	return nil
}

func (m *mockSched) RunReliable(_ context.Context, _ pgx.Tx, args river.JobArgs, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, scheduledTask{args: args, at: time.Now()})
	return nil
}

func (m *mockSched) Enqueue(_ context.Context, args river.JobArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, scheduledTask{args: args, at: time.Now()})
	return nil
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
// Test helpers
// ---------------------------------------------------------------------------

func candidate(accountID uuid.UUID, rating, distKm float64) NearbyFundi {
	return NearbyFundi{
		Profile: models.FundiProfile{
			ID:               uuid.New(),
			AccountID:        accountID,
			Categories:       []string{"plumbing"},
			Online:           true,
			VerificationTier: models.VerificationIDVerified,
			ServiceRadiusKm:  20,
			Rating:           rating,
			AcceptanceRate:   0.9,
			CompletionRate:   0.9,
		},
		DistanceKm: distKm,
	}
}

func pendingJob(customerID uuid.UUID) *models.Job {
	return &models.Job{
		ID:         uuid.New(),
		CustomerID: customerID,
		Category:   "plumbing",
		Status:     models.JobStatusPending,
	}
}

func newTestDispatcher(fundis *mockFundis, jobs *mockJobStore, sched *mockSched, sink *mockSink, maxAttempts int) *Dispatcher {
	return NewDispatcher(mockUow{}, fundis, jobs, sched, sink, slog.Default(),
		90*time.Second, maxAttempts, 50)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDispatchOffersBestCandidate(t *testing.T) {
	customer := uuid.New()
	job := pendingJob(customer)

	weak := candidate(uuid.New(), 3.0, 15)
	strong := candidate(uuid.New(), 4.9, 2)
	fundis := &mockFundis{nearby: []NearbyFundi{weak, strong}}
	jobs := newMockJobStore(job)
	sched := &mockSched{}
	sink := &mockSink{}

	d := newTestDispatcher(fundis, jobs, sched, sink, 3)
	got, err := d.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got == nil || got.Profile.ID != strong.Profile.ID {
		t.Fatal("expected the higher-scored candidate to receive the offer")
	}

	offered := fundis.offeredTo(job.ID)
	if len(offered) != 1 || offered[0] != strong.Profile.ID {
		t.Errorf("offer rows: got %v, want exactly one to the strong candidate", offered)
	}

	// A timeout must be scheduled inside the same unit of work.
	if len(sched.tasks) != 1 {
		t.Fatalf("scheduled tasks: got %d, want 1", len(sched.tasks))
	}
	args, ok := sched.tasks[0].args.(OfferTimeoutArgs)
	if !ok || args.JobID != job.ID || args.FundiID != strong.Profile.ID {
		t.Errorf("timeout args: got %+v", sched.tasks[0].args)
	}

	// The fundi is notified, not the customer.
	offers := sink.byTemplate("job_offer")
	if len(offers) != 1 || offers[0].UserID != strong.Profile.AccountID {
		t.Errorf("job_offer notification: got %+v", offers)
	}
}

func TestDispatchSkipsOutOfServiceRadius(t *testing.T) {
	job := pendingJob(uuid.New())

	tooFar := candidate(uuid.New(), 5.0, 30) // radius 20, distance 30
	inRange := candidate(uuid.New(), 3.5, 5)
	fundis := &mockFundis{nearby: []NearbyFundi{tooFar, inRange}}
	jobs := newMockJobStore(job)

	d := newTestDispatcher(fundis, jobs, &mockSched{}, &mockSink{}, 3)
	got, err := d.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got == nil || got.Profile.ID != inRange.Profile.ID {
		t.Error("candidate outside its own service radius must be skipped")
	}
}

func TestDispatchNonPendingJob(t *testing.T) {
	job := pendingJob(uuid.New())
	job.Status = models.JobStatusAccepted
	jobs := newMockJobStore(job)

	d := newTestDispatcher(&mockFundis{}, jobs, &mockSched{}, &mockSink{}, 3)
	if _, err := d.Dispatch(context.Background(), job.ID); err != apperrors.ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDispatchNoCandidatesNotifiesCustomer(t *testing.T) {
	customer := uuid.New()
	job := pendingJob(customer)
	jobs := newMockJobStore(job)
	sink := &mockSink{}

	d := newTestDispatcher(&mockFundis{}, jobs, &mockSched{}, sink, 3)
	got, err := d.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != nil {
		t.Error("no candidates should mean no offer")
	}
	none := sink.byTemplate("no_fundi_available")
	if len(none) != 1 || none[0].UserID != customer {
		t.Errorf("customer should be told no fundi is available, got %+v", none)
	}
}

func TestOfferTimeoutEscalatesToNextCandidate(t *testing.T) {
	job := pendingJob(uuid.New())

	first := candidate(uuid.New(), 4.8, 3)
	second := candidate(uuid.New(), 4.0, 4)
	fundis := &mockFundis{nearby: []NearbyFundi{first, second}}
	jobs := newMockJobStore(job)
	sink := &mockSink{}

	d := newTestDispatcher(fundis, jobs, &mockSched{}, sink, 3)
	if _, err := d.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("initial dispatch: %v", err)
	}

	if err := d.HandleOfferTimeout(context.Background(), job.ID, first.Profile.ID); err != nil {
		t.Fatalf("HandleOfferTimeout: %v", err)
	}

	offered := fundis.offeredTo(job.ID)
	if len(offered) != 2 || offered[1] != second.Profile.ID {
		t.Errorf("after timeout the next candidate should be offered, got %v", offered)
	}

	// A duplicate timeout delivery for the same closed offer is a no-op.
	before := len(fundis.offeredTo(job.ID))
	if err := d.HandleOfferTimeout(context.Background(), job.ID, first.Profile.ID); err != nil {
		t.Fatalf("duplicate timeout: %v", err)
	}
	if got := len(fundis.offeredTo(job.ID)); got != before {
		t.Errorf("duplicate timeout must not produce another offer: %d -> %d", before, got)
	}
}

func TestOfferTimeoutAfterAcceptIsNoOp(t *testing.T) {
	job := pendingJob(uuid.New())
	first := candidate(uuid.New(), 4.8, 3)
	fundis := &mockFundis{nearby: []NearbyFundi{first}}
	jobs := newMockJobStore(job)

	d := newTestDispatcher(fundis, jobs, &mockSched{}, &mockSink{}, 3)
	if _, err := d.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Fundi accepted before the timeout fired.
	jobs.setStatus(job.ID, models.JobStatusAccepted)

	if err := d.HandleOfferTimeout(context.Background(), job.ID, first.Profile.ID); err != nil {
		t.Fatalf("timeout on accepted job: %v", err)
	}
	if got := fundis.offeredTo(job.ID); len(got) != 1 {
		t.Errorf("accepted job must not be re-dispatched, offers: %v", got)
	}
}

func TestDeclineEscalatesAndRejectsDuplicates(t *testing.T) {
	job := pendingJob(uuid.New())
	first := candidate(uuid.New(), 4.8, 3)
	second := candidate(uuid.New(), 4.0, 4)
	fundis := &mockFundis{nearby: []NearbyFundi{first, second}}
	jobs := newMockJobStore(job)

	d := newTestDispatcher(fundis, jobs, &mockSched{}, &mockSink{}, 3)
	if _, err := d.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := d.Decline(context.Background(), job.ID, first.Profile.ID); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	offered := fundis.offeredTo(job.ID)
	if len(offered) != 2 || offered[1] != second.Profile.ID {
		t.Errorf("decline should escalate to the next candidate, got %v", offered)
	}

	if err := d.Decline(context.Background(), job.ID, first.Profile.ID); err != apperrors.ErrDuplicateRequest {
		t.Errorf("second decline of a closed offer: expected ErrDuplicateRequest, got %v", err)
	}
}

func TestDispatchAttemptExhaustion(t *testing.T) {
	customer := uuid.New()
	job := pendingJob(customer)

	a := candidate(uuid.New(), 4.9, 1)
	b := candidate(uuid.New(), 4.5, 2)
	c := candidate(uuid.New(), 4.1, 3)
	fundis := &mockFundis{nearby: []NearbyFundi{a, b, c}}
	jobs := newMockJobStore(job)
	sink := &mockSink{}

	d := newTestDispatcher(fundis, jobs, &mockSched{}, sink, 2)
	if _, err := d.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("dispatch 1: %v", err)
	}
	if err := d.HandleOfferTimeout(context.Background(), job.ID, a.Profile.ID); err != nil {
		t.Fatalf("timeout 1: %v", err)
	}
	// Two attempts used; the next timeout must give up, not offer to c.
	if err := d.HandleOfferTimeout(context.Background(), job.ID, b.Profile.ID); err != nil {
		t.Fatalf("timeout 2: %v", err)
	}

	if got := fundis.offeredTo(job.ID); len(got) != 2 {
		t.Errorf("attempt limit 2 must stop at 2 offers, got %v", got)
	}
	if none := sink.byTemplate("no_fundi_available"); len(none) != 1 || none[0].UserID != customer {
		t.Errorf("exhaustion should notify the customer, got %+v", none)
	}

	// The job remains pending for a manual retry or cancel.
	j, _ := jobs.GetByID(context.Background(), job.ID)
	if j.Status != models.JobStatusPending {
		t.Errorf("job status after exhaustion: got %s, want pending", j.Status)
	}
}

func TestDispatchWithOpenOfferIsNoOp(t *testing.T) {
	customer := uuid.New()
	job := pendingJob(customer)

	first := candidate(uuid.New(), 4.8, 3)
	second := candidate(uuid.New(), 4.0, 4)
	fundis := &mockFundis{nearby: []NearbyFundi{first, second}}
	jobs := newMockJobStore(job)
	sched := &mockSched{}
	sink := &mockSink{}

	d := newTestDispatcher(fundis, jobs, sched, sink, 3)
	if _, err := d.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// A second dispatch while the first offer is still awaiting a response
	// must not stack another offer or touch the customer.
	got, err := d.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("duplicate dispatch: %v", err)
	}
	if got != nil {
		t.Error("duplicate dispatch must not return a candidate")
	}
	if offered := fundis.offeredTo(job.ID); len(offered) != 1 {
		t.Errorf("open offer must block further offers, got %v", offered)
	}
	if len(sched.tasks) != 1 {
		t.Errorf("duplicate dispatch must not schedule another timeout, got %d", len(sched.tasks))
	}
	if none := sink.byTemplate("no_fundi_available"); len(none) != 0 {
		t.Errorf("duplicate dispatch must not tell the customer nothing is available, got %+v", none)
	}
}

// serialUow runs each unit of work under a mutex, standing in for the job
// row lock that serializes concurrent dispatches in postgres.
type serialUow struct {
	mu sync.Mutex
}

func (u *serialUow) Run(ctx context.Context, fn store.TxFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fn(ctx, nil)
}

func TestConcurrentDispatchCreatesOneOffer(t *testing.T) {
	job := pendingJob(uuid.New())

	first := candidate(uuid.New(), 4.8, 3)
	second := candidate(uuid.New(), 4.0, 4)
	fundis := &mockFundis{nearby: []NearbyFundi{first, second}}
	jobs := newMockJobStore(job)

	d := NewDispatcher(&serialUow{}, fundis, jobs, &mockSched{}, &mockSink{}, slog.Default(),
		90*time.Second, 3, 50)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(context.Background(), job.ID); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if offered := fundis.offeredTo(job.ID); len(offered) != 1 {
		t.Errorf("concurrent dispatches must produce exactly one offer, got %v", offered)
	}
}
