package httpserver

import (
	"time"

	"github.com/shopspring/decimal"

	"ellio/internal/ledger"
	"ellio/internal/repo"
)

type profileView struct {
	ID               string    `json:"id"`
	DisplayName      *string   `json:"display_name,omitempty"`
	CoinBalance      int64     `json:"coin_balance"`
	TotalCoinsEarned int64     `json:"total_coins_earned"`
	TotalCoinsSpent  int64     `json:"total_coins_spent"`
	ReferralCode     string    `json:"referral_code"`
	IsSuspended      bool      `json:"is_suspended"`
	CreatedAt        time.Time `json:"created_at"`
}

func newProfileView(p *repo.UserProfile) profileView {
	return profileView{
		ID:               p.ID,
		DisplayName:      p.DisplayName,
		CoinBalance:      p.CoinBalance,
		TotalCoinsEarned: p.TotalCoinsEarned,
		TotalCoinsSpent:  p.TotalCoinsSpent,
		ReferralCode:     p.ReferralCode,
		IsSuspended:      p.IsSuspended,
		CreatedAt:        p.CreatedAt,
	}
}

type transactionView struct {
	ID            string    `json:"id"`
	Amount        int64     `json:"amount"`
	Type          string    `json:"transaction_type"`
	Description   string    `json:"description"`
	ReferenceType *string   `json:"reference_type,omitempty"`
	ReferenceID   *string   `json:"reference_id,omitempty"`
	BalanceAfter  int64     `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

func newTransactionView(t *repo.CoinTransaction) *transactionView {
	if t == nil {
		return nil
	}
	return &transactionView{
		ID:            t.ID,
		Amount:        t.Amount,
		Type:          string(t.Type),
		Description:   t.Description,
		ReferenceType: t.ReferenceType,
		ReferenceID:   t.ReferenceID,
		BalanceAfter:  t.BalanceAfter,
		CreatedAt:     t.CreatedAt,
	}
}

// resultBody is also what the idempotency cache stores for a replay.
type resultBody struct {
	NewBalance  int64            `json:"new_balance"`
	Transaction *transactionView `json:"transaction,omitempty"`
}

func newResultBody(r *ledger.Result) resultBody {
	return resultBody{NewBalance: r.NewBalance, Transaction: newTransactionView(r.Transaction)}
}

type rechargeView struct {
	ID              string          `json:"id"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	CoinsRequested  int64           `json:"coins_requested"`
	BonusCoins      int64           `json:"bonus_coins"`
	Status          repo.Status     `json:"status"`
	PaymentProof    *string         `json:"payment_proof,omitempty"`
	RejectionReason *string         `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	VerifiedAt      *time.Time      `json:"verified_at,omitempty"`
}

func newRechargeView(r *repo.RechargeRequest) rechargeView {
	return rechargeView{
		ID:              r.ID,
		AmountPaid:      r.AmountPaid,
		CoinsRequested:  r.CoinsRequested,
		BonusCoins:      r.BonusCoins,
		Status:          r.Status,
		PaymentProof:    r.PaymentProof,
		RejectionReason: r.RejectionReason,
		CreatedAt:       r.CreatedAt,
		VerifiedAt:      r.VerifiedAt,
	}
}

type paymentView struct {
	ID              string           `json:"id"`
	ServiceType     repo.ServiceType `json:"service_type"`
	ReferenceID     string           `json:"reference_id"`
	Amount          decimal.Decimal  `json:"amount"`
	Status          repo.Status      `json:"status"`
	RejectionReason *string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	DecidedAt       *time.Time       `json:"decided_at,omitempty"`
}

func newPaymentView(p *repo.PendingPayment) paymentView {
	return paymentView{
		ID:              p.ID,
		ServiceType:     p.ServiceType,
		ReferenceID:     p.ReferenceID,
		Amount:          p.Amount,
		Status:          p.Status,
		RejectionReason: p.RejectionReason,
		CreatedAt:       p.CreatedAt,
		DecidedAt:       p.DecidedAt,
	}
}
