// Package scheduler wraps the River queue behind the two delayed-execution
// contracts the engine needs: run once at an instant, and run reliably
// with bounded retries. Both are at-least-once; handlers must be
// idempotent against duplicate delivery.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

type Scheduler interface {
	// RunAt enqueues args to execute once at the given instant, inside
	// the caller's transaction so the task only exists if the
	// transition that scheduled it commits.
	RunAt(ctx context.Context, tx pgx.Tx, args river.JobArgs, at time.Time) error
	// RunReliable enqueues args for immediate execution with up to
	// maxAttempts tries under River's exponential backoff.
	RunReliable(ctx context.Context, tx pgx.Tx, args river.JobArgs, maxAttempts int) error
	// Enqueue is the fire-and-forget variant used outside any
	// transaction (notification intents after a commit).
	Enqueue(ctx context.Context, args river.JobArgs) error
}

type RiverScheduler struct {
	client *river.Client[pgx.Tx]
}

func NewRiverScheduler(client *river.Client[pgx.Tx]) *RiverScheduler {
	return &RiverScheduler{client: client}
}

var _ Scheduler = (*RiverScheduler)(nil)

func (s *RiverScheduler) RunAt(ctx context.Context, tx pgx.Tx, args river.JobArgs, at time.Time) error {
	_, err := s.client.InsertTx(ctx, tx, args, &river.InsertOpts{ScheduledAt: at})
	return err
}

func (s *RiverScheduler) RunReliable(ctx context.Context, tx pgx.Tx, args river.JobArgs, maxAttempts int) error {
	_, err := s.client.InsertTx(ctx, tx, args, &river.InsertOpts{MaxAttempts: maxAttempts})
	return err
}

func (s *RiverScheduler) Enqueue(ctx context.Context, args river.JobArgs) error {
	_, err := s.client.Insert(ctx, args, nil)
	return err
}

// Lazy defers binding to the real scheduler until after the River client
// exists. Services are constructed before the client (the client needs
// their workers), so main wires a Lazy and binds it last.
type Lazy struct {
	mu    sync.Mutex
	inner Scheduler
}

func (l *Lazy) Bind(s Scheduler) {
	l.mu.Lock()
	l.inner = s
	l.mu.Unlock()
}

func (l *Lazy) get() Scheduler {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inner == nil {
		panic("scheduler not wired")
	}
	return l.inner
}

var _ Scheduler = (*Lazy)(nil)

func (l *Lazy) RunAt(ctx context.Context, tx pgx.Tx, args river.JobArgs, at time.Time) error {
	return l.get().RunAt(ctx, tx, args, at)
}

func (l *Lazy) RunReliable(ctx context.Context, tx pgx.Tx, args river.JobArgs, maxAttempts int) error {
	return l.get().RunReliable(ctx, tx, args, maxAttempts)
}

func (l *Lazy) Enqueue(ctx context.Context, args river.JobArgs) error {
	return l.get().Enqueue(ctx, args)
}
