// Package ledger applies coin balance changes and keeps the transaction log consistent with
// the balance stored on each profile.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"ellio/internal/metrics"
	"ellio/internal/repo"
	"ellio/internal/retry"
)

// Config tunes sign-up bonuses and gateway retries.
type Config struct {
	WelcomeBonus  int64
	ReferralBonus int64
	Retry         retry.Policy
}

// Result is the outcome of a successful balance change.
type Result struct {
	NewBalance  int64
	Transaction *repo.CoinTransaction
}

// Service is the coin ledger.
type Service struct {
	repo    repo.Repository
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	locks   *keyedMutex
}

// NewService wires a ledger on top of the repository.
func NewService(r repo.Repository, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Default
	}
	return &Service{
		repo:    r,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "ledger"),
		locks:   newKeyedMutex(),
	}
}

// Credit adds amount coins to the user's balance.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType repo.TransactionType, description string, ref *repo.Reference) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, "credit", repo.BalanceChange{
		UserID:      userID,
		Delta:       amount,
		Type:        txType,
		Description: description,
		Reference:   ref,
	})
}

// Debit removes amount coins. The balance is never allowed to go below zero; a debit that
// would overdraw returns ErrInsufficientBalance and changes nothing.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, txType repo.TransactionType, description string, ref *repo.Reference) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, "debit", repo.BalanceChange{
		UserID:      userID,
		Delta:       -amount,
		Type:        txType,
		Description: description,
		Reference:   ref,
	})
}

// Spend is a purchase debit made by the user. Suspended users are refused, including a
// suspension that lands while the debit is in flight.
func (s *Service) Spend(ctx context.Context, userID string, amount int64, description string, ref *repo.Reference) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.purchase(ctx, "spend", userID, amount, description, ref)
}

// purchase debits with the suspension gate enforced by the conditional update itself.
func (s *Service) purchase(ctx context.Context, op, userID string, amount int64, description string, ref *repo.Reference) (*Result, error) {
	res, err := s.apply(ctx, op, repo.BalanceChange{
		UserID:          userID,
		Delta:           -amount,
		Type:            repo.TxPurchase,
		Description:     description,
		Reference:       ref,
		RejectSuspended: true,
	})
	if errors.Is(err, ErrSuspended) {
		s.logger.Info("suspended user refused", "op", op, "user_id", userID)
	}
	return res, err
}

// Refund credits coins back to the user for a cancelled purchase or order.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, description string, ref *repo.Reference) (*Result, error) {
	return s.Credit(ctx, userID, amount, repo.TxRefund, description, ref)
}

// Adjust applies an operator correction of either sign.
func (s *Service) Adjust(ctx context.Context, userID string, delta int64, reason string) (*Result, error) {
	if delta == 0 {
		return nil, ErrInvalidAmount
	}
	res, err := s.apply(ctx, "adjust", repo.BalanceChange{
		UserID:      userID,
		Delta:       delta,
		Type:        repo.TxAdminAdjustment,
		Description: reason,
	})
	if errors.Is(err, ErrInsufficientBalance) {
		return nil, ErrInvalidResult
	}
	return res, err
}

// PurchaseTemplate spends the template's price. Suspended users are refused before anything
// is written.
func (s *Service) PurchaseTemplate(ctx context.Context, userID, templateID string) (*Result, error) {
	profile, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.IsSuspended {
		s.record("purchase", ErrSuspended)
		return nil, ErrSuspended
	}

	var tmpl *repo.ResumeTemplate
	err = s.call(ctx, "get_template", func(ctx context.Context) error {
		var err error
		tmpl, err = s.repo.GetTemplate(ctx, templateID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive {
		return nil, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	if tmpl.PriceCoins == 0 {
		return &Result{NewBalance: profile.CoinBalance}, nil
	}

	return s.purchase(ctx, "purchase", userID, tmpl.PriceCoins,
		fmt.Sprintf("Purchased resume template %s", tmpl.Name),
		&repo.Reference{Type: repo.RefResumeTemplate, ID: tmpl.ID})
}

// EnsureProfile returns the user's profile, creating it with the welcome bonus on first
// sign-in. A referral code of another user credits that user with the referral bonus;
// unknown codes and self-referrals are ignored.
func (s *Service) EnsureProfile(ctx context.Context, userID, displayName, referralCode string) (*repo.UserProfile, bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	existing, err := s.profile(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	var referredBy *string
	if code := strings.ToUpper(strings.TrimSpace(referralCode)); code != "" {
		var referrer *repo.UserProfile
		err := s.call(ctx, "get_referrer", func(ctx context.Context) error {
			var err error
			referrer, err = s.repo.GetProfileByReferralCode(ctx, code)
			return err
		})
		switch {
		case err == nil && referrer.ID != userID:
			referredBy = &referrer.ID
		case err == nil, errors.Is(err, ErrNotFound):
			s.logger.Debug("ignoring referral code", "user_id", userID, "code", code)
		default:
			return nil, false, err
		}
	}

	var name *string
	if displayName = strings.TrimSpace(displayName); displayName != "" {
		name = &displayName
	}

	var created *repo.ProfileCreation
	err = s.call(ctx, "create_profile", func(ctx context.Context) error {
		var err error
		created, err = s.repo.CreateProfile(context.WithoutCancel(ctx), repo.NewProfile{
			ID:            userID,
			DisplayName:   name,
			ReferralCode:  newReferralCode(),
			ReferredBy:    referredBy,
			WelcomeBonus:  s.cfg.WelcomeBonus,
			ReferralBonus: s.cfg.ReferralBonus,
		})
		return err
	})
	s.record("create_profile", err)
	if err != nil {
		return nil, false, err
	}
	if created.Created {
		s.logger.Info("profile created", "user_id", userID, "referred", referredBy != nil, "balance", created.Profile.CoinBalance)
	}
	return created.Profile, created.Created, nil
}

// Profile loads a user's profile.
func (s *Service) Profile(ctx context.Context, userID string) (*repo.UserProfile, error) {
	return s.profile(ctx, userID)
}

// Balance returns the user's current coin balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	p, err := s.profile(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.CoinBalance, nil
}

// History returns up to limit of the user's newest ledger entries.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]repo.CoinTransaction, error) {
	if _, err := s.profile(ctx, userID); err != nil {
		return nil, err
	}
	var entries []repo.CoinTransaction
	err := s.call(ctx, "history", func(ctx context.Context) error {
		var err error
		entries, err = s.repo.ListTransactions(ctx, userID, limit)
		return err
	})
	return entries, err
}

// SetSuspended toggles the spending gate on a profile.
func (s *Service) SetSuspended(ctx context.Context, userID string, suspended bool) error {
	err := s.call(ctx, "set_suspended", func(ctx context.Context) error {
		return s.repo.SetSuspended(ctx, userID, suspended)
	})
	if err == nil {
		s.logger.Info("suspension changed", "user_id", userID, "suspended", suspended)
	}
	return err
}

func (s *Service) profile(ctx context.Context, userID string) (*repo.UserProfile, error) {
	var p *repo.UserProfile
	err := s.call(ctx, "get_profile", func(ctx context.Context) error {
		var err error
		p, err = s.repo.GetProfile(ctx, userID)
		return err
	})
	return p, err
}

// apply runs one balance change under the user's lock. The write itself ignores caller
// cancellation once issued; only waits between retries honour ctx.
func (s *Service) apply(ctx context.Context, op string, change repo.BalanceChange) (*Result, error) {
	if !change.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, change.Type)
	}
	unlock := s.locks.Lock(change.UserID)
	defer unlock()

	var entry *repo.CoinTransaction
	err := s.call(ctx, op, func(ctx context.Context) error {
		var err error
		entry, err = s.repo.ApplyBalanceChange(context.WithoutCancel(ctx), change)
		return err
	})
	s.record(op, err)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.logger.Info("balance change refused", "op", op, "user_id", change.UserID, "delta", change.Delta)
		}
		return nil, err
	}

	s.logger.Debug("balance changed",
		"op", op,
		"user_id", change.UserID,
		"delta", change.Delta,
		"type", change.Type,
		"balance", entry.BalanceAfter,
	)
	return &Result{NewBalance: entry.BalanceAfter, Transaction: entry}, nil
}

// call runs fn with the retry policy and tags exhausted transient failures with ErrTransient.
func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := retry.Do(ctx, s.cfg.Retry, repo.IsTransient, func(attempt int, err error) {
		s.metrics.GatewayRetries.WithLabelValues(op).Inc()
		s.logger.Warn("retrying gateway call", "op", op, "attempt", attempt, "error", err)
	}, fn)
	if err != nil && repo.IsTransient(err) {
		s.metrics.Errors.WithLabelValues("ledger").Inc()
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return err
}

func (s *Service) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientBalance):
		result = "insufficient_balance"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrSuspended):
		result = "suspended"
	default:
		result = "error"
	}
	s.metrics.LedgerOperations.WithLabelValues(op, result).Inc()
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
