package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	pgRechargeColumns = `id, user_id, amount_paid::text, coins_requested, bonus_coins, status, payment_proof, rejection_reason, created_at, verified_at`
	pgPaymentColumns  = `id, user_id, service_type, reference_id, amount::text, status, rejection_reason, created_at, decided_at`
	pgOrderColumns    = `id, user_id, service_type, status, payment_verified, created_at, updated_at`
)

// InsertRecharge stores a pending recharge request.
func (r *PostgresRepository) InsertRecharge(ctx context.Context, req RechargeRequest) (*RechargeRequest, error) {
	q := `
INSERT INTO coin_recharge_requests (id, user_id, amount_paid, coins_requested, bonus_coins, status, payment_proof)
VALUES ($1, $2, $3::numeric, $4, $5, 'pending', $6)
RETURNING ` + pgRechargeColumns + `;
`
	out, err := scanRecharge(r.pool.QueryRow(ctx, q,
		randomUUID(),
		req.UserID,
		req.AmountPaid.String(),
		req.CoinsRequested,
		req.BonusCoins,
		req.PaymentProof,
	))
	if err != nil {
		return nil, fmt.Errorf("insert recharge: %w", err)
	}
	return out, nil
}

// GetRecharge loads a recharge request by id.
func (r *PostgresRepository) GetRecharge(ctx context.Context, id string) (*RechargeRequest, error) {
	out, err := scanRecharge(r.pool.QueryRow(ctx, `SELECT `+pgRechargeColumns+` FROM coin_recharge_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recharge: %w", err)
	}
	return out, nil
}

// ApproveRecharge flips a pending request to approved and credits its coins in the same
// transaction. A request that is no longer pending returns ErrAlreadyFinalized.
func (r *PostgresRepository) ApproveRecharge(ctx context.Context, id string, at time.Time) (*RechargeRequest, *CoinTransaction, error) {
	q := `
UPDATE coin_recharge_requests
SET status = 'approved', verified_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING ` + pgRechargeColumns + `;
`
	var (
		req   *RechargeRequest
		entry *CoinTransaction
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		req, err = scanRecharge(tx.QueryRow(ctx, q, id, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.finalizedOrMissing(ctx, tx, `SELECT EXISTS (SELECT 1 FROM coin_recharge_requests WHERE id = $1)`, id)
		}
		if err != nil {
			return fmt.Errorf("approve recharge: %w", err)
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

// RejectRecharge flips a pending request to rejected and records the reason.
func (r *PostgresRepository) RejectRecharge(ctx context.Context, id, reason string, at time.Time) (*RechargeRequest, error) {
	q := `
UPDATE coin_recharge_requests
SET status = 'rejected', rejection_reason = $2, verified_at = $3
WHERE id = $1 AND status = 'pending'
RETURNING ` + pgRechargeColumns + `;
`
	var req *RechargeRequest
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		req, err = scanRecharge(tx.QueryRow(ctx, q, id, reason, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.finalizedOrMissing(ctx, tx, `SELECT EXISTS (SELECT 1 FROM coin_recharge_requests WHERE id = $1)`, id)
		}
		if err != nil {
			return fmt.Errorf("reject recharge: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// CreateServiceOrder stores an order awaiting manual payment.
func (r *PostgresRepository) CreateServiceOrder(ctx context.Context, order ServiceOrder) (*ServiceOrder, error) {
	if order.ID == "" {
		order.ID = randomUUID()
	}
	q := `
INSERT INTO service_orders (id, user_id, service_type, status, payment_verified)
VALUES ($1, $2, $3, 'awaiting_payment', FALSE)
RETURNING ` + pgOrderColumns + `;
`
	out, err := scanServiceOrder(r.pool.QueryRow(ctx, q, order.ID, order.UserID, string(order.ServiceType)))
	if err != nil {
		return nil, fmt.Errorf("create service order: %w", err)
	}
	return out, nil
}

// GetServiceOrder loads a service order by id.
func (r *PostgresRepository) GetServiceOrder(ctx context.Context, id string) (*ServiceOrder, error) {
	out, err := scanServiceOrder(r.pool.QueryRow(ctx, `SELECT `+pgOrderColumns+` FROM service_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service order: %w", err)
	}
	return out, nil
}

// InsertPayment stores a pending payment for a service order.
func (r *PostgresRepository) InsertPayment(ctx context.Context, p PendingPayment) (*PendingPayment, error) {
	q := `
INSERT INTO pending_payments (id, user_id, service_type, reference_id, amount, status)
VALUES ($1, $2, $3, $4, $5::numeric, 'pending')
RETURNING ` + pgPaymentColumns + `;
`
	out, err := scanPayment(r.pool.QueryRow(ctx, q,
		randomUUID(),
		p.UserID,
		string(p.ServiceType),
		p.ReferenceID,
		p.Amount.String(),
	))
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return out, nil
}

// GetPayment loads a pending payment by id.
func (r *PostgresRepository) GetPayment(ctx context.Context, id string) (*PendingPayment, error) {
	out, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+pgPaymentColumns+` FROM pending_payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return out, nil
}

// ApprovePayment flips a pending payment to approved and marks its service order paid in
// the same transaction.
func (r *PostgresRepository) ApprovePayment(ctx context.Context, id string, at time.Time) (*PendingPayment, error) {
	q := `
UPDATE pending_payments
SET status = 'approved', decided_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING ` + pgPaymentColumns + `;
`
	const markPaid = `
UPDATE service_orders
SET payment_verified = TRUE, status = 'ready', updated_at = NOW()
WHERE id = $1 AND service_type = $2;
`
	var p *PendingPayment
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = scanPayment(tx.QueryRow(ctx, q, id, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.finalizedOrMissing(ctx, tx, `SELECT EXISTS (SELECT 1 FROM pending_payments WHERE id = $1)`, id)
		}
		if err != nil {
			return fmt.Errorf("approve payment: %w", err)
		}
		ct, err := tx.Exec(ctx, markPaid, p.ReferenceID, string(p.ServiceType))
		if err != nil {
			return fmt.Errorf("mark service order paid: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("service order %s: %w", p.ReferenceID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RejectPayment flips a pending payment to rejected and records the reason.
func (r *PostgresRepository) RejectPayment(ctx context.Context, id, reason string, at time.Time) (*PendingPayment, error) {
	q := `
UPDATE pending_payments
SET status = 'rejected', rejection_reason = $2, decided_at = $3
WHERE id = $1 AND status = 'pending'
RETURNING ` + pgPaymentColumns + `;
`
	var p *PendingPayment
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = scanPayment(tx.QueryRow(ctx, q, id, reason, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.finalizedOrMissing(ctx, tx, `SELECT EXISTS (SELECT 1 FROM pending_payments WHERE id = $1)`, id)
		}
		if err != nil {
			return fmt.Errorf("reject payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// finalizedOrMissing explains why a conditional status update matched no row.
func (r *PostgresRepository) finalizedOrMissing(ctx context.Context, tx pgx.Tx, existsQuery, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, existsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("check request: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyFinalized
}
