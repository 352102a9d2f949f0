package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	liteRechargeColumns = `id, user_id, amount_paid, coins_requested, bonus_coins, status, payment_proof, rejection_reason, created_at, verified_at`
	litePaymentColumns  = `id, user_id, service_type, reference_id, amount, status, rejection_reason, created_at, decided_at`
	liteOrderColumns    = `id, user_id, service_type, status, payment_verified, created_at, updated_at`
)

// -- Profiles --

func (r *SQLiteRepository) CreateProfile(ctx context.Context, p NewProfile) (*ProfileCreation, error) {
	const insert = `
INSERT INTO user_profiles (id, display_name, referral_code, referred_by)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	selectProfile := `SELECT ` + profileColumns + ` FROM user_profiles WHERE id = ?`

	var out ProfileCreation
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insert, p.ID, p.DisplayName, p.ReferralCode, p.ReferredBy)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert profile: %w", ErrConflict)
			}
			return fmt.Errorf("insert profile: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		out.Created = inserted == 1

		if out.Created {
			for _, change := range signUpChanges(p) {
				entry, err := r.applyBalanceChange(ctx, tx, change)
				if err != nil {
					return err
				}
				out.Transactions = append(out.Transactions, *entry)
			}
		}
		out.Profile, err = scanProfile(tx.QueryRowContext(ctx, selectProfile, p.ID))
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *SQLiteRepository) GetProfile(ctx context.Context, id string) (*UserProfile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) GetProfileByReferralCode(ctx context.Context, code string) (*UserProfile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE referral_code = ?`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile by referral code: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) SetSuspended(ctx context.Context, id string, suspended bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE user_profiles SET is_suspended = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, suspended, id)
	if err != nil {
		return fmt.Errorf("set suspended: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Ledger --

func (r *SQLiteRepository) ApplyBalanceChange(ctx context.Context, change BalanceChange) (*CoinTransaction, error) {
	var entry *CoinTransaction
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = r.applyBalanceChange(ctx, tx, change)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *SQLiteRepository) applyBalanceChange(ctx context.Context, tx *sql.Tx, change BalanceChange) (*CoinTransaction, error) {
	const update = `
UPDATE user_profiles
SET coin_balance = coin_balance + ?,
    total_coins_earned = total_coins_earned + ?,
    total_coins_spent = total_coins_spent + ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND coin_balance + ? >= 0 AND NOT (? AND is_suspended)
RETURNING coin_balance;
`
	const insert = `
INSERT INTO coin_transactions (id, user_id, amount, transaction_type, description, reference_type, reference_id, balance_after)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	earned, spent := change.earnedSpent()
	var balance int64
	err := tx.QueryRowContext(ctx, update, change.Delta, earned, spent, change.UserID, change.Delta, change.RejectSuspended).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var suspended bool
		err := tx.QueryRowContext(ctx, `SELECT is_suspended FROM user_profiles WHERE id = ?`, change.UserID).Scan(&suspended)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("check profile: %w", err)
		}
		if suspended && change.RejectSuspended {
			return nil, ErrSuspended
		}
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	id := randomUUID()
	refType, refID := change.refParams()
	if _, err := tx.ExecContext(ctx, insert,
		id,
		change.UserID,
		change.Delta,
		string(change.Type),
		change.Description,
		refType,
		refID,
		balance,
	); err != nil {
		return nil, fmt.Errorf("insert coin transaction: %w", err)
	}
	entry, err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM coin_transactions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("load coin transaction: %w", err)
	}
	return entry, nil
}

func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]CoinTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + transactionColumns + ` FROM coin_transactions WHERE user_id = ? ORDER BY seq DESC LIMIT ?`
	return r.queryTransactions(ctx, q, userID, limit)
}

func (r *SQLiteRepository) TransactionLog(ctx context.Context, userID string) ([]CoinTransaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM coin_transactions WHERE user_id = ? ORDER BY seq ASC`
	return r.queryTransactions(ctx, q, userID)
}

func (r *SQLiteRepository) queryTransactions(ctx context.Context, q string, args ...any) ([]CoinTransaction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []CoinTransaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// -- Templates --

func (r *SQLiteRepository) UpsertTemplate(ctx context.Context, t ResumeTemplate) error {
	const q = `
INSERT INTO resume_templates (id, name, price_coins, is_active)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    price_coins = excluded.price_coins,
    is_active = excluded.is_active;
`
	if _, err := r.db.ExecContext(ctx, q, t.ID, t.Name, t.PriceCoins, t.IsActive); err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetTemplate(ctx context.Context, id string) (*ResumeTemplate, error) {
	t, err := scanTemplate(r.db.QueryRowContext(ctx, `SELECT id, name, price_coins, is_active FROM resume_templates WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// -- Recharges --

func (r *SQLiteRepository) InsertRecharge(ctx context.Context, req RechargeRequest) (*RechargeRequest, error) {
	q := `
INSERT INTO coin_recharge_requests (id, user_id, amount_paid, coins_requested, bonus_coins, status, payment_proof)
VALUES (?, ?, ?, ?, ?, 'pending', ?);
`
	id := randomUUID()
	if _, err := r.db.ExecContext(ctx, q,
		id,
		req.UserID,
		req.AmountPaid.String(),
		req.CoinsRequested,
		req.BonusCoins,
		req.PaymentProof,
	); err != nil {
		return nil, fmt.Errorf("insert recharge: %w", err)
	}
	return r.GetRecharge(ctx, id)
}

func (r *SQLiteRepository) GetRecharge(ctx context.Context, id string) (*RechargeRequest, error) {
	out, err := scanRecharge(r.db.QueryRowContext(ctx, `SELECT `+liteRechargeColumns+` FROM coin_recharge_requests WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recharge: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) ApproveRecharge(ctx context.Context, id string, at time.Time) (*RechargeRequest, *CoinTransaction, error) {
	q := `
UPDATE coin_recharge_requests
SET status = 'approved', verified_at = ?
WHERE id = ? AND status = 'pending';
`
	var (
		req   *RechargeRequest
		entry *CoinTransaction
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = transitionRecharge(ctx, tx, id, q, at.UTC(), id)
		if err != nil {
			return err
		}
		entry, err = r.applyBalanceChange(ctx, tx, BalanceChange{
			UserID:      req.UserID,
			Delta:       req.TotalCoins(),
			Type:        TxRecharge,
			Description: fmt.Sprintf("Recharge of %d coins", req.TotalCoins()),
			Reference:   &Reference{Type: RefRechargeRequest, ID: req.ID},
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return req, entry, nil
}

func (r *SQLiteRepository) RejectRecharge(ctx context.Context, id, reason string, at time.Time) (*RechargeRequest, error) {
	q := `
UPDATE coin_recharge_requests
SET status = 'rejected', rejection_reason = ?, verified_at = ?
WHERE id = ? AND status = 'pending';
`
	var req *RechargeRequest
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = transitionRecharge(ctx, tx, id, q, reason, at.UTC(), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// -- Service orders and payments --

func (r *SQLiteRepository) CreateServiceOrder(ctx context.Context, order ServiceOrder) (*ServiceOrder, error) {
	if order.ID == "" {
		order.ID = randomUUID()
	}
	q := `
INSERT INTO service_orders (id, user_id, service_type, status, payment_verified)
VALUES (?, ?, ?, 'awaiting_payment', 0);
`
	if _, err := r.db.ExecContext(ctx, q, order.ID, order.UserID, string(order.ServiceType)); err != nil {
		return nil, fmt.Errorf("create service order: %w", err)
	}
	return r.GetServiceOrder(ctx, order.ID)
}

func (r *SQLiteRepository) GetServiceOrder(ctx context.Context, id string) (*ServiceOrder, error) {
	out, err := scanServiceOrder(r.db.QueryRowContext(ctx, `SELECT `+liteOrderColumns+` FROM service_orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service order: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) InsertPayment(ctx context.Context, p PendingPayment) (*PendingPayment, error) {
	q := `
INSERT INTO pending_payments (id, user_id, service_type, reference_id, amount, status)
VALUES (?, ?, ?, ?, ?, 'pending');
`
	id := randomUUID()
	if _, err := r.db.ExecContext(ctx, q,
		id,
		p.UserID,
		string(p.ServiceType),
		p.ReferenceID,
		p.Amount.String(),
	); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return r.GetPayment(ctx, id)
}

func (r *SQLiteRepository) GetPayment(ctx context.Context, id string) (*PendingPayment, error) {
	out, err := scanPayment(r.db.QueryRowContext(ctx, `SELECT `+litePaymentColumns+` FROM pending_payments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) ApprovePayment(ctx context.Context, id string, at time.Time) (*PendingPayment, error) {
	q := `
UPDATE pending_payments
SET status = 'approved', decided_at = ?
WHERE id = ? AND status = 'pending';
`
	const markPaid = `
UPDATE service_orders
SET payment_verified = 1, status = 'ready', updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND service_type = ?;
`
	var p *PendingPayment
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = transitionPayment(ctx, tx, id, q, at.UTC(), id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, markPaid, p.ReferenceID, string(p.ServiceType))
		if err != nil {
			return fmt.Errorf("mark service order paid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("service order %s: %w", p.ReferenceID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *SQLiteRepository) RejectPayment(ctx context.Context, id, reason string, at time.Time) (*PendingPayment, error) {
	q := `
UPDATE pending_payments
SET status = 'rejected', rejection_reason = ?, decided_at = ?
WHERE id = ? AND status = 'pending';
`
	var p *PendingPayment
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = transitionPayment(ctx, tx, id, q, reason, at.UTC(), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// transitionRecharge runs a conditional status update and loads the row it changed.
func transitionRecharge(ctx context.Context, tx *sql.Tx, id, update string, args ...any) (*RechargeRequest, error) {
	if err := conditionalUpdate(ctx, tx, update, `SELECT EXISTS (SELECT 1 FROM coin_recharge_requests WHERE id = ?)`, id, args...); err != nil {
		return nil, err
	}
	req, err := scanRecharge(tx.QueryRowContext(ctx, `SELECT `+liteRechargeColumns+` FROM coin_recharge_requests WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("load recharge: %w", err)
	}
	return req, nil
}

func transitionPayment(ctx context.Context, tx *sql.Tx, id, update string, args ...any) (*PendingPayment, error) {
	if err := conditionalUpdate(ctx, tx, update, `SELECT EXISTS (SELECT 1 FROM pending_payments WHERE id = ?)`, id, args...); err != nil {
		return nil, err
	}
	p, err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+litePaymentColumns+` FROM pending_payments WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return p, nil
}

func conditionalUpdate(ctx context.Context, tx *sql.Tx, update, existsQuery, id string, args ...any) error {
	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, existsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("check request: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyFinalized
}

// -- Presence --

func (r *SQLiteRepository) LoadPresenceStats(ctx context.Context) (*PresenceStats, error) {
	var stats PresenceStats
	err := r.db.QueryRowContext(ctx, `SELECT peak_count, peak_at FROM presence_stats WHERE id = 1`).Scan(&stats.PeakCount, &stats.PeakAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load presence peak: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT threshold, reached_at FROM presence_milestones ORDER BY threshold`)
	if err != nil {
		return nil, fmt.Errorf("load milestones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.Threshold, &m.ReachedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		stats.Milestones = append(stats.Milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return &stats, nil
}

func (r *SQLiteRepository) RecordPeak(ctx context.Context, count int64, at time.Time) (int64, error) {
	const q = `
INSERT INTO presence_stats (id, peak_count, peak_at)
VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    peak_at = CASE WHEN excluded.peak_count > presence_stats.peak_count THEN excluded.peak_at ELSE presence_stats.peak_at END,
    peak_count = MAX(presence_stats.peak_count, excluded.peak_count)
RETURNING peak_count;
`
	var peak int64
	if err := r.db.QueryRowContext(ctx, q, count, at.UTC()).Scan(&peak); err != nil {
		return 0, fmt.Errorf("record peak: %w", err)
	}
	return peak, nil
}

func (r *SQLiteRepository) RecordMilestone(ctx context.Context, threshold int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO presence_milestones (threshold, reached_at) VALUES (?, ?) ON CONFLICT (threshold) DO NOTHING`, threshold, at.UTC())
	if err != nil {
		return false, fmt.Errorf("record milestone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record milestone: %w", err)
	}
	return n == 1, nil
}
