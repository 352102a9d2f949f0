// Package payment records manual, operator-verified payments and applies operator
// decisions on them.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ellio/internal/metrics"
	"ellio/internal/repo"
	"ellio/internal/retry"
)

// Config holds pricing and operator contact settings.
type Config struct {
	CoinPrice decimal.Decimal
	// BonusPercent of the requested coins is added once a request reaches BonusMinCoins.
	BonusPercent  int64
	BonusMinCoins int64
	OperatorPhone string
	Retry         retry.Policy
}

// Service implements the manual payment flow.
type Service struct {
	repo     repo.Repository
	notifier Notifier
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the payment flow. notifier may be nil.
func NewService(r repo.Repository, notifier Notifier, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Default
	}
	if !cfg.CoinPrice.IsPositive() {
		cfg.CoinPrice = decimal.NewFromInt(1)
	}
	return &Service{
		repo:     r,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "payment"),
		now:      time.Now,
	}
}

// RechargeSubmission is returned to the user after recording a recharge.
type RechargeSubmission struct {
	Request  *repo.RechargeRequest
	DeepLink string
}

// PaymentSubmission is returned to the user after recording a service payment.
type PaymentSubmission struct {
	Payment  *repo.PendingPayment
	DeepLink string
}

// BonusCoins returns the bonus granted on top of coins.
func (s *Service) BonusCoins(coins int64) int64 {
	if s.cfg.BonusPercent <= 0 || coins < s.cfg.BonusMinCoins {
		return 0
	}
	return coins * s.cfg.BonusPercent / 100
}

// Quote returns the minimum amount payable for coins.
func (s *Service) Quote(coins int64) decimal.Decimal {
	return s.cfg.CoinPrice.Mul(decimal.NewFromInt(coins))
}

// SubmitRecharge records that the user paid amountPaid for coins and alerts operators.
func (s *Service) SubmitRecharge(ctx context.Context, userID string, amountPaid decimal.Decimal, coins int64, proofURL string) (*RechargeSubmission, error) {
	if coins <= 0 {
		return nil, fmt.Errorf("%w: coins must be positive", ErrValidation)
	}
	if due := s.Quote(coins); amountPaid.LessThan(due) {
		return nil, fmt.Errorf("%w: %d coins cost %s, got %s", ErrValidation, coins, formatAmount(due), formatAmount(amountPaid))
	}
	proof, err := normaliseProof(proofURL)
	if err != nil {
		return nil, err
	}

	req := repo.RechargeRequest{
		UserID:         userID,
		AmountPaid:     amountPaid,
		CoinsRequested: coins,
		BonusCoins:     s.BonusCoins(coins),
		PaymentProof:   proof,
	}
	var stored *repo.RechargeRequest
	err = s.call(ctx, "insert_recharge", func(ctx context.Context) error {
		var err error
		stored, err = s.repo.InsertRecharge(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.PaymentTransitions.WithLabelValues(string(KindRecharge), string(repo.StatusPending)).Inc()
	s.logger.Info("recharge submitted", "id", stored.ID, "user_id", userID, "coins", coins, "bonus", stored.BonusCoins)

	s.notify(ctx, Notice{
		Kind:       KindRecharge,
		ID:         stored.ID,
		UserID:     userID,
		Amount:     stored.AmountPaid,
		Coins:      stored.CoinsRequested,
		BonusCoins: stored.BonusCoins,
		ProofURL:   proofURL,
	})
	return &RechargeSubmission{Request: stored, DeepLink: DeepLink(s.cfg.OperatorPhone, rechargeMessage(stored))}, nil
}

// SubmitPayment records a manual payment for one of the user's unpaid service orders.
func (s *Service) SubmitPayment(ctx context.Context, userID string, serviceType repo.ServiceType, referenceID string, amount decimal.Decimal) (*PaymentSubmission, error) {
	if !serviceType.Valid() {
		return nil, fmt.Errorf("%w: unknown service type %q", ErrValidation, serviceType)
	}
	if !validID(referenceID) {
		return nil, fmt.Errorf("%w: reference id must be an order id", ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	var order *repo.ServiceOrder
	err := s.call(ctx, "get_service_order", func(ctx context.Context) error {
		var err error
		order, err = s.repo.GetServiceOrder(ctx, referenceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if order.UserID != userID || order.ServiceType != serviceType {
		return nil, ErrNotFound
	}
	if order.PaymentVerified {
		return nil, fmt.Errorf("order %s: %w", order.ID, ErrAlreadyFinalized)
	}

	var stored *repo.PendingPayment
	err = s.call(ctx, "insert_payment", func(ctx context.Context) error {
		var err error
		stored, err = s.repo.InsertPayment(ctx, repo.PendingPayment{
			UserID:      userID,
			ServiceType: serviceType,
			ReferenceID: referenceID,
			Amount:      amount,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.PaymentTransitions.WithLabelValues(string(KindPayment), string(repo.StatusPending)).Inc()
	s.logger.Info("payment submitted", "id", stored.ID, "user_id", userID, "service", serviceType, "order", referenceID)

	s.notify(ctx, Notice{
		Kind:        KindPayment,
		ID:          stored.ID,
		UserID:      userID,
		Amount:      stored.Amount,
		ServiceType: serviceType,
		ReferenceID: referenceID,
	})
	return &PaymentSubmission{Payment: stored, DeepLink: DeepLink(s.cfg.OperatorPhone, paymentMessage(stored))}, nil
}

// Recharge loads a recharge request.
func (s *Service) Recharge(ctx context.Context, id string) (*repo.RechargeRequest, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var out *repo.RechargeRequest
	err := s.call(ctx, "get_recharge", func(ctx context.Context) error {
		var err error
		out, err = s.repo.GetRecharge(ctx, id)
		return err
	})
	return out, err
}

// Payment loads a pending payment.
func (s *Service) Payment(ctx context.Context, id string) (*repo.PendingPayment, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var out *repo.PendingPayment
	err := s.call(ctx, "get_payment", func(ctx context.Context) error {
		var err error
		out, err = s.repo.GetPayment(ctx, id)
		return err
	})
	return out, err
}

// ApproveRecharge approves a pending recharge and credits its coins in one storage
// transaction. Approving twice returns ErrAlreadyFinalized and credits nothing.
func (s *Service) ApproveRecharge(ctx context.Context, id string) (*repo.RechargeRequest, *repo.CoinTransaction, error) {
	if !validID(id) {
		return nil, nil, ErrNotFound
	}
	var (
		req   *repo.RechargeRequest
		entry *repo.CoinTransaction
	)
	err := s.call(ctx, "approve_recharge", func(ctx context.Context) error {
		var err error
		req, entry, err = s.repo.ApproveRecharge(context.WithoutCancel(ctx), id, s.now())
		return err
	})
	s.recordDecision(KindRecharge, id, repo.StatusApproved, err)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("recharge approved", "id", id, "user_id", req.UserID, "coins", req.TotalCoins(), "balance", entry.BalanceAfter)
	return req, entry, nil
}

// RejectRecharge rejects a pending recharge with a reason shown to the user.
func (s *Service) RejectRecharge(ctx context.Context, id, reason string) (*repo.RechargeRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}
	if !validID(id) {
		return nil, ErrNotFound
	}
	var req *repo.RechargeRequest
	err := s.call(ctx, "reject_recharge", func(ctx context.Context) error {
		var err error
		req, err = s.repo.RejectRecharge(context.WithoutCancel(ctx), id, reason, s.now())
		return err
	})
	s.recordDecision(KindRecharge, id, repo.StatusRejected, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("recharge rejected", "id", id, "user_id", req.UserID, "reason", reason)
	return req, nil
}

// ApprovePayment approves a pending payment and marks its service order paid in one
// storage transaction.
func (s *Service) ApprovePayment(ctx context.Context, id string) (*repo.PendingPayment, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var p *repo.PendingPayment
	err := s.call(ctx, "approve_payment", func(ctx context.Context) error {
		var err error
		p, err = s.repo.ApprovePayment(context.WithoutCancel(ctx), id, s.now())
		return err
	})
	s.recordDecision(KindPayment, id, repo.StatusApproved, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment approved", "id", id, "user_id", p.UserID, "order", p.ReferenceID)
	return p, nil
}

// RejectPayment rejects a pending payment with a reason shown to the user.
func (s *Service) RejectPayment(ctx context.Context, id, reason string) (*repo.PendingPayment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}
	if !validID(id) {
		return nil, ErrNotFound
	}
	var p *repo.PendingPayment
	err := s.call(ctx, "reject_payment", func(ctx context.Context) error {
		var err error
		p, err = s.repo.RejectPayment(context.WithoutCancel(ctx), id, reason, s.now())
		return err
	})
	s.recordDecision(KindPayment, id, repo.StatusRejected, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment rejected", "id", id, "user_id", p.UserID, "reason", reason)
	return p, nil
}

// Lookup finds a recharge or payment by id.
func (s *Service) Lookup(ctx context.Context, id string) (Kind, repo.Status, *string, error) {
	req, err := s.Recharge(ctx, id)
	if err == nil {
		return KindRecharge, req.Status, req.RejectionReason, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", "", nil, err
	}
	p, err := s.Payment(ctx, id)
	if err != nil {
		return "", "", nil, err
	}
	return KindPayment, p.Status, p.RejectionReason, nil
}

func (s *Service) notify(ctx context.Context, n Notice) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyOperators(context.WithoutCancel(ctx), n); err != nil {
		s.metrics.Errors.WithLabelValues("operator_notify").Inc()
		s.logger.Warn("operator notification failed", "kind", n.Kind, "id", n.ID, "error", err)
	}
}

func (s *Service) recordDecision(kind Kind, id string, status repo.Status, err error) {
	switch {
	case err == nil:
		s.metrics.PaymentTransitions.WithLabelValues(string(kind), string(status)).Inc()
	case errors.Is(err, ErrAlreadyFinalized):
		s.logger.Info("decision on finalized request ignored", "kind", kind, "id", id, "wanted", status)
	case errors.Is(err, ErrNotFound):
	default:
		s.logger.Error("decision failed", "kind", kind, "id", id, "wanted", status, "error", err)
	}
}

func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := retry.Do(ctx, s.cfg.Retry, repo.IsTransient, func(attempt int, err error) {
		s.metrics.GatewayRetries.WithLabelValues(op).Inc()
		s.logger.Warn("retrying gateway call", "op", op, "attempt", attempt, "error", err)
	}, fn)
	if err != nil && repo.IsTransient(err) {
		s.metrics.Errors.WithLabelValues("payment").Inc()
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return err
}

func normaliseProof(raw string) (*string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: payment proof must be an http(s) url", ErrValidation)
	}
	return &raw, nil
}

// validID keeps malformed ids away from uuid columns.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}
