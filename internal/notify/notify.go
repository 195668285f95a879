// Package notify is the notification intent sink. Intents are enqueued
// fire-and-forget onto the queue after the transition that produced them
// has committed; delivery failures never roll anything back.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/fundilink/backend/internal/scheduler"
)

// Priorities and channels are advisory hints for the transport.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"

	ChannelPush = "push"
	ChannelSMS  = "sms"
)

type Intent struct {
	UserID      uuid.UUID         `json:"user_id"`
	TemplateKey string            `json:"template_key"`
	Variables   map[string]string `json:"variables,omitempty"`
	Channels    []string          `json:"channels"`
	Priority    string            `json:"priority"`
}

// Sink enqueues an intent. Fire-and-forget: errors are logged, never
// returned, so callers cannot couple a transition to delivery.
type Sink interface {
	Enqueue(ctx context.Context, intent Intent)
}

type DeliverArgs struct {
	Intent Intent `json:"intent"`
}

func (DeliverArgs) Kind() string { return "notification_deliver" }

// QueueSink places intents on the reliable queue.
type QueueSink struct {
	sched scheduler.Scheduler
	log   *slog.Logger
}

func NewQueueSink(sched scheduler.Scheduler, log *slog.Logger) *QueueSink {
	if log == nil {
		log = slog.Default()
	}
	return &QueueSink{sched: sched, log: log}
}

var _ Sink = (*QueueSink)(nil)

func (s *QueueSink) Enqueue(ctx context.Context, intent Intent) {
	if err := s.sched.Enqueue(ctx, DeliverArgs{Intent: intent}); err != nil {
		s.log.Error("notification enqueue failed",
			"user_id", intent.UserID, "template", intent.TemplateKey, "error", err)
	}
}

// Transport sends one intent over push/SMS. The real transports live
// outside this core.
type Transport interface {
	Send(ctx context.Context, intent Intent) error
}

// LogTransport is the development transport: it only logs.
type LogTransport struct {
	Log *slog.Logger
}

func (t *LogTransport) Send(_ context.Context, intent Intent) error {
	t.Log.Info("notification",
		"user_id", intent.UserID, "template", intent.TemplateKey,
		"channels", intent.Channels, "priority", intent.Priority)
	return nil
}

// DeliverWorker drains the notification queue through the transport.
// River retries on error; exhausted intents are dropped, not surfaced.
type DeliverWorker struct {
	river.WorkerDefaults[DeliverArgs]
	transport Transport
}

func NewDeliverWorker(transport Transport) *DeliverWorker {
	return &DeliverWorker{transport: transport}
}

func (w *DeliverWorker) Work(ctx context.Context, job *river.Job[DeliverArgs]) error {
	return w.transport.Send(ctx, job.Args.Intent)
}
