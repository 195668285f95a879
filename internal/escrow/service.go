// Package escrow owns every fund movement: customer collection into
// escrow, timed release to the fundi wallet, tips, payouts, and the
// settlement primitives the dispute handler drives. Wallet balances are
// mutated nowhere else.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
	"github.com/fundilink/backend/internal/notify"
	"github.com/fundilink/backend/internal/scheduler"
	"github.com/fundilink/backend/internal/store"
)

// TxRepo is the payment-transaction ledger interface.
type TxRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.PaymentTransaction) error
	OpenCollectionForJob(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.PaymentTransaction, error)
	GetTxByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PaymentTransaction, error)
	HeldForJobForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.PaymentTransaction, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, gatewayRef string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkHeldTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, gatewayRef string) error
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error
	MarkReleasedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	ListTxByJob(ctx context.Context, jobID uuid.UUID) ([]*models.PaymentTransaction, error)
}

// WalletRepo is the wallet mutation interface.
type WalletRepo interface {
	Get(ctx context.Context, fundiID uuid.UUID) (*models.Wallet, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID) (*models.Wallet, error)
	Credit(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID, amountCents int64) error
	DebitForPayout(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID, amountCents int64) error
	SettlePayout(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID, amountCents int64) error
	ReversePayout(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID, amountCents int64) error
}

// PayoutRepo is the payout-request interface.
type PayoutRepo interface {
	Create(ctx context.Context, tx pgx.Tx, p *models.Payout) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payout, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error
}

// JobRepo is the minimal job access the escrow engine needs.
type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	FundiAccountID(ctx context.Context, fundiID uuid.UUID) (uuid.UUID, error)
}

type Service struct {
	uow      store.UnitOfWork
	txs      TxRepo
	wallets  WalletRepo
	payouts  PayoutRepo
	jobs     JobRepo
	gateway  Gateway
	sched    scheduler.Scheduler
	notifier notify.Sink
	log      *slog.Logger

	webhookURL     string
	minTipCents    int64
	payoutAttempts int
}

func NewService(
	uow store.UnitOfWork,
	txs TxRepo,
	wallets WalletRepo,
	payouts PayoutRepo,
	jobs JobRepo,
	gateway Gateway,
	sched scheduler.Scheduler,
	notifier notify.Sink,
	log *slog.Logger,
	webhookURL string,
	minTipCents int64,
	payoutAttempts int,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		uow:            uow,
		txs:            txs,
		wallets:        wallets,
		payouts:        payouts,
		jobs:           jobs,
		gateway:        gateway,
		sched:          sched,
		notifier:       notifier,
		log:            log,
		webhookURL:     webhookURL,
		minTipCents:    minTipCents,
		payoutAttempts: payoutAttempts,
	}
}

// Initiate starts collection of the job amount from the customer.
// Idempotent: a job with a non-terminal customer_to_escrow transaction
// returns that transaction instead of creating another, so client
// retries never double-charge. A stalled transaction that never reached
// the gateway is re-driven. Gateway rejection is surfaced synchronously.
func (s *Service) Initiate(ctx context.Context, customerID, jobID uuid.UUID, method, phone string) (*models.PaymentTransaction, error) {
	var ptx *models.PaymentTransaction
	existing := false
	err := s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		job, err := s.jobs.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.CustomerID != customerID {
			return apperrors.ErrForbidden
		}
		open, err := s.txs.OpenCollectionForJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if open != nil {
			ptx, existing = open, true
			return nil
		}
		ptx = &models.PaymentTransaction{
			ID:             uuid.New(),
			JobID:          jobID,
			IdempotencyKey: "escrow-" + jobID.String(),
			AmountCents:    job.QuotedAmountCents,
			FeeCents:       job.PlatformFeeCents,
			VATCents:       job.VATCents,
			NetCents:       job.NetToFundiCents,
			Direction:      models.DirectionCustomerToEscrow,
			Status:         models.TxStatusInitiated,
		}
		return s.txs.CreateTx(ctx, tx, ptx)
	})
	if err != nil {
		return nil, err
	}
	// A row still at initiated means a prior attempt died before reaching
	// the gateway; re-drive the gateway calls for it instead of returning
	// a transaction that will never progress.
	if existing && ptx.Status != models.TxStatusInitiated {
		return ptx, nil
	}

	// Gateway calls run outside the row lock; the record is advanced or
	// failed based on the ack.
	orderID := ptx.JobID.String()
	if err := s.gateway.CreateOrder(ctx, orderID, ptx.AmountCents, phone, s.webhookURL); err != nil {
		s.failInitiation(ctx, ptx, "create order rejected")
		return nil, fmt.Errorf("%w: create order: %v", apperrors.ErrGatewayError, err)
	}
	if err := s.gateway.TriggerCollection(ctx, orderID, ptx.ID.String(), phone); err != nil {
		s.failInitiation(ctx, ptx, "collection trigger rejected")
		return nil, fmt.Errorf("%w: trigger collection: %v", apperrors.ErrGatewayError, err)
	}
	if err := s.txs.MarkProcessing(ctx, ptx.ID, orderID); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	ptx.Status = models.TxStatusProcessing
	s.log.Info("payment initiated", "job_id", jobID, "transaction_id", ptx.ID, "method", method, "amount_cents", ptx.AmountCents)
	return ptx, nil
}

func (s *Service) failInitiation(ctx context.Context, ptx *models.PaymentTransaction, reason string) {
	if err := s.txs.MarkFailed(ctx, ptx.ID, reason); err != nil {
		s.log.Error("mark transaction failed errored", "transaction_id", ptx.ID, "error", err)
	}
	ptx.Status = models.TxStatusFailed
}

// gatewayCallback is the authenticated webhook body.
type gatewayCallback struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Status        string    `json:"status"`
	GatewayRef    string    `json:"gateway_ref"`
	Reason        string    `json:"reason"`
}

// HandleGatewayCallback processes a collection result. Unauthenticated or
// malformed payloads are rejected without touching state; duplicate
// deliveries for a transaction already held or terminal are no-ops.
func (s *Service) HandleGatewayCallback(ctx context.Context, rawBody []byte, signature string) error {
	if !s.gateway.VerifyCallbackSignature(rawBody, signature) {
		return apperrors.ErrInvalidSignature
	}
	var cb gatewayCallback
	if err := json.Unmarshal(rawBody, &cb); err != nil {
		return fmt.Errorf("decode callback: %w", err)
	}
	if cb.TransactionID == uuid.Nil {
		return fmt.Errorf("callback missing transaction_id")
	}

	held := false
	var jobID uuid.UUID
	err := s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ptx, err := s.txs.GetTxByIDForUpdate(ctx, tx, cb.TransactionID)
		if err != nil {
			return err
		}
		jobID = ptx.JobID
		if models.TxTerminal(ptx.Status) || ptx.Status == models.TxStatusHeldEscrow {
			return nil
		}
		if cb.Status == "success" {
			held = true
			return s.txs.MarkHeldTx(ctx, tx, ptx.ID, cb.GatewayRef)
		}
		return s.txs.MarkFailedTx(ctx, tx, ptx.ID, cb.Reason)
	})
	if err != nil {
		return err
	}
	if held {
		s.log.Info("escrow funded", "job_id", jobID, "transaction_id", cb.TransactionID)
		if job, err := s.jobs.GetByID(ctx, jobID); err == nil {
			s.notifier.Enqueue(ctx, notify.Intent{
				UserID:      job.CustomerID,
				TemplateKey: "payment_held",
				Variables:   map[string]string{"job_id": jobID.String()},
				Channels:    []string{notify.ChannelPush},
				Priority:    notify.PriorityNormal,
			})
		}
	}
	return nil
}

// ScheduleRelease registers the one-shot delayed release inside the
// caller's transaction. Implements the state machine's ReleaseScheduler.
func (s *Service) ScheduleRelease(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, at time.Time) error {
	return s.sched.RunAt(ctx, tx, ReleaseEscrowArgs{JobID: jobID}, at)
}

// Release settles held escrow to the fundi wallet after the hold period.
// The not-disputed check runs after the job row lock is acquired, so a
// dispute racing the timer always wins. Safe no-op when there is nothing
// to release.
func (s *Service) Release(ctx context.Context, jobID uuid.UUID) error {
	var credited *models.PaymentTransaction
	var fundiID uuid.UUID
	err := s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		job, err := s.jobs.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusDisputed || job.EscrowReleaseAt == nil || job.FundiID == nil {
			return nil
		}
		held, err := s.txs.HeldForJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if held == nil {
			return nil
		}
		if err := s.settleHeld(ctx, tx, job, held, held.NetCents); err != nil {
			return err
		}
		credited, fundiID = held, *job.FundiID
		return nil
	})
	if err != nil {
		return err
	}
	if credited == nil {
		return nil
	}
	s.log.Info("escrow released", "job_id", jobID, "net_cents", credited.NetCents, "fundi_id", fundiID)
	if accountID, err := s.jobs.FundiAccountID(ctx, fundiID); err == nil {
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID:      accountID,
			TemplateKey: "payment_released",
			Variables:   map[string]string{"job_id": jobID.String(), "amount_cents": fmt.Sprint(credited.NetCents)},
			Channels:    []string{notify.ChannelPush, notify.ChannelSMS},
			Priority:    notify.PriorityHigh,
		})
	}
	return nil
}

// settleHeld marks the held transaction released, credits creditCents to
// the fundi wallet, and records the platform-fee ledger entry.
func (s *Service) settleHeld(ctx context.Context, tx pgx.Tx, job *models.Job, held *models.PaymentTransaction, creditCents int64) error {
	if err := s.txs.MarkReleasedTx(ctx, tx, held.ID); err != nil {
		return err
	}
	if creditCents > 0 && job.FundiID != nil {
		if err := s.wallets.Credit(ctx, tx, *job.FundiID, creditCents); err != nil {
			return err
		}
	}
	return s.txs.CreateTx(ctx, tx, &models.PaymentTransaction{
		ID:             uuid.New(),
		JobID:          job.ID,
		IdempotencyKey: "fee-" + held.ID.String(),
		AmountCents:    held.FeeCents + held.VATCents,
		FeeCents:       held.FeeCents,
		VATCents:       held.VATCents,
		Direction:      models.DirectionPlatformFee,
		Status:         models.TxStatusReleased,
	})
}

// ReleaseHeld settles the job's held escrow in favor of the fundi with
// an explicit credit amount. Called by the dispute handler inside its
// resolution transaction. Returns whether funds moved.
func (s *Service) ReleaseHeld(ctx context.Context, tx pgx.Tx, job *models.Job, creditCents int64) (bool, error) {
	held, err := s.txs.HeldForJobForUpdate(ctx, tx, job.ID)
	if err != nil || held == nil {
		return false, err
	}
	if creditCents < 0 || creditCents > held.NetCents {
		return false, apperrors.ErrInvalidAmount
	}
	if err := s.settleHeld(ctx, tx, job, held, creditCents); err != nil {
		return false, err
	}
	return true, nil
}

// RefundHeld refunds the job's held escrow to the customer: the
// transaction is marked refunded, a refund ledger entry is recorded, and
// no wallet is credited. Returns whether funds moved.
func (s *Service) RefundHeld(ctx context.Context, tx pgx.Tx, job *models.Job) (bool, error) {
	held, err := s.txs.HeldForJobForUpdate(ctx, tx, job.ID)
	if err != nil || held == nil {
		return false, err
	}
	if err := s.txs.MarkRefundedTx(ctx, tx, held.ID); err != nil {
		return false, err
	}
	err = s.txs.CreateTx(ctx, tx, &models.PaymentTransaction{
		ID:             uuid.New(),
		JobID:          job.ID,
		IdempotencyKey: "refund-" + held.ID.String(),
		AmountCents:    held.AmountCents,
		Direction:      models.DirectionRefund,
		Status:         models.TxStatusRefunded,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// HeldNet returns the net amount of the job's held escrow with the row
// locked, or false when nothing is held. Used by the dispute handler to
// validate split allocations before moving anything.
func (s *Service) HeldNet(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (int64, bool, error) {
	held, err := s.txs.HeldForJobForUpdate(ctx, tx, jobID)
	if err != nil || held == nil {
		return 0, false, err
	}
	return held.NetCents, true, nil
}

// SendTip pushes a customer tip straight to the fundi wallet: no
// platform fee, no hold period. Only completed jobs qualify.
func (s *Service) SendTip(ctx context.Context, customerID, jobID uuid.UUID, amountCents int64, method, phone string) (*models.PaymentTransaction, error) {
	if amountCents < s.minTipCents {
		return nil, apperrors.ErrInvalidAmount
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.CustomerID != customerID {
		return nil, apperrors.ErrForbidden
	}
	if job.Status != models.JobStatusCompleted || job.FundiID == nil {
		return nil, apperrors.ErrInvalidTransition
	}

	tipID := uuid.New()
	orderID := "tip-" + tipID.String()
	if err := s.gateway.CreateOrder(ctx, orderID, amountCents, phone, s.webhookURL); err != nil {
		return nil, fmt.Errorf("%w: create tip order: %v", apperrors.ErrGatewayError, err)
	}
	if err := s.gateway.TriggerCollection(ctx, orderID, tipID.String(), phone); err != nil {
		return nil, fmt.Errorf("%w: trigger tip collection: %v", apperrors.ErrGatewayError, err)
	}

	tip := &models.PaymentTransaction{
		ID:             tipID,
		JobID:          jobID,
		IdempotencyKey: orderID,
		AmountCents:    amountCents,
		NetCents:       amountCents,
		Direction:      models.DirectionTip,
		Status:         models.TxStatusReleased,
	}
	err = s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.txs.CreateTx(ctx, tx, tip); err != nil {
			return err
		}
		return s.wallets.Credit(ctx, tx, *job.FundiID, amountCents)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("tip sent", "job_id", jobID, "amount_cents", amountCents, "method", method)
	if accountID, err := s.jobs.FundiAccountID(ctx, *job.FundiID); err == nil {
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID:      accountID,
			TemplateKey: "tip_received",
			Variables:   map[string]string{"job_id": jobID.String(), "amount_cents": fmt.Sprint(amountCents)},
			Channels:    []string{notify.ChannelPush},
			Priority:    notify.PriorityNormal,
		})
	}
	return tip, nil
}

// RequestPayout debits the wallet and queues the external transfer. A
// request that would overdraw fails before any mutation.
func (s *Service) RequestPayout(ctx context.Context, fundiID uuid.UUID, amountCents int64, network, number string) (*models.Payout, error) {
	if amountCents <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}
	payout := &models.Payout{
		ID:          uuid.New(),
		FundiID:     fundiID,
		AmountCents: amountCents,
		Network:     network,
		Number:      number,
		Status:      models.PayoutStatusPending,
	}
	err := s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		w, err := s.wallets.GetForUpdate(ctx, tx, fundiID)
		if err != nil {
			return err
		}
		if amountCents > w.BalanceCents {
			return apperrors.ErrInsufficientBalance
		}
		if err := s.wallets.DebitForPayout(ctx, tx, fundiID, amountCents); err != nil {
			return err
		}
		if err := s.payouts.Create(ctx, tx, payout); err != nil {
			return err
		}
		return s.sched.RunReliable(ctx, tx, PayoutArgs{PayoutID: payout.ID}, s.payoutAttempts)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payout requested", "payout_id", payout.ID, "fundi_id", fundiID, "amount_cents", amountCents)
	return payout, nil
}

// ProcessPayout performs the external transfer for one payout request.
// Transfer errors propagate for retry until finalAttempt, at which point
// the debited amount is restored and the payout marked failed.
func (s *Service) ProcessPayout(ctx context.Context, payoutID uuid.UUID, finalAttempt bool) error {
	p, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return err
	}
	if p.Status != models.PayoutStatusPending {
		return nil
	}

	transferErr := s.gateway.Transfer(ctx, p.Network, p.Number, p.AmountCents, p.ID.String())
	if transferErr != nil && !finalAttempt {
		return fmt.Errorf("payout transfer: %w", transferErr)
	}

	err = s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		locked, err := s.payouts.GetByIDForUpdate(ctx, tx, payoutID)
		if err != nil {
			return err
		}
		if locked.Status != models.PayoutStatusPending {
			return nil
		}
		if transferErr != nil {
			if err := s.payouts.MarkFailed(ctx, tx, payoutID, transferErr.Error()); err != nil {
				return err
			}
			return s.wallets.ReversePayout(ctx, tx, locked.FundiID, locked.AmountCents)
		}
		if err := s.payouts.MarkCompleted(ctx, tx, payoutID); err != nil {
			return err
		}
		return s.wallets.SettlePayout(ctx, tx, locked.FundiID, locked.AmountCents)
	})
	if err != nil {
		return err
	}

	template := "payout_completed"
	if transferErr != nil {
		template = "payout_failed"
		s.log.Warn("payout failed, funds restored", "payout_id", payoutID, "error", transferErr)
	}
	if accountID, err := s.jobs.FundiAccountID(ctx, p.FundiID); err == nil {
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID:      accountID,
			TemplateKey: template,
			Variables:   map[string]string{"payout_id": payoutID.String(), "amount_cents": fmt.Sprint(p.AmountCents)},
			Channels:    []string{notify.ChannelPush, notify.ChannelSMS},
			Priority:    notify.PriorityHigh,
		})
	}
	return nil
}

// Wallet returns the fundi's current balances.
func (s *Service) Wallet(ctx context.Context, fundiID uuid.UUID) (*models.Wallet, error) {
	return s.wallets.Get(ctx, fundiID)
}

// ListJobTransactions returns the job's full payment history.
func (s *Service) ListJobTransactions(ctx context.Context, jobID uuid.UUID) ([]*models.PaymentTransaction, error) {
	return s.txs.ListTxByJob(ctx, jobID)
}
