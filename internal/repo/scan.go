package repo

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const profileColumns = `id, display_name, coin_balance, total_coins_earned, total_coins_spent, referral_code, referred_by, is_suspended, created_at, updated_at`

func scanProfile(row rowScanner) (*UserProfile, error) {
	var p UserProfile
	if err := row.Scan(&p.ID, &p.DisplayName, &p.CoinBalance, &p.TotalCoinsEarned, &p.TotalCoinsSpent,
		&p.ReferralCode, &p.ReferredBy, &p.IsSuspended, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const transactionColumns = `id, seq, user_id, amount, transaction_type, description, reference_type, reference_id, balance_after, created_at`

func scanTransaction(row rowScanner) (*CoinTransaction, error) {
	var tx CoinTransaction
	var txType string
	if err := row.Scan(&tx.ID, &tx.Seq, &tx.UserID, &tx.Amount, &txType, &tx.Description,
		&tx.ReferenceType, &tx.ReferenceID, &tx.BalanceAfter, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.Type = TransactionType(txType)
	return &tx, nil
}

func scanTemplate(row rowScanner) (*ResumeTemplate, error) {
	var t ResumeTemplate
	if err := row.Scan(&t.ID, &t.Name, &t.PriceCoins, &t.IsActive); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanRecharge(row rowScanner) (*RechargeRequest, error) {
	var r RechargeRequest
	var amount, status string
	if err := row.Scan(&r.ID, &r.UserID, &amount, &r.CoinsRequested, &r.BonusCoins, &status,
		&r.PaymentProof, &r.RejectionReason, &r.CreatedAt, &r.VerifiedAt); err != nil {
		return nil, err
	}
	paid, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount_paid %q: %w", amount, err)
	}
	r.AmountPaid = paid
	r.Status = Status(status)
	return &r, nil
}

func scanPayment(row rowScanner) (*PendingPayment, error) {
	var p PendingPayment
	var amount, status, serviceType string
	if err := row.Scan(&p.ID, &p.UserID, &serviceType, &p.ReferenceID, &amount, &status,
		&p.RejectionReason, &p.CreatedAt, &p.DecidedAt); err != nil {
		return nil, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse payment amount %q: %w", amount, err)
	}
	p.Amount = value
	p.Status = Status(status)
	p.ServiceType = ServiceType(serviceType)
	return &p, nil
}

func scanServiceOrder(row rowScanner) (*ServiceOrder, error) {
	var o ServiceOrder
	var serviceType string
	if err := row.Scan(&o.ID, &o.UserID, &serviceType, &o.Status, &o.PaymentVerified, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.ServiceType = ServiceType(serviceType)
	return &o, nil
}
