package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ApplyBalanceChange moves a user's balance by change.Delta and appends the matching ledger
// entry atomically. A change that would make the balance negative writes nothing and
// returns ErrInsufficientBalance.
func (r *PostgresRepository) ApplyBalanceChange(ctx context.Context, change BalanceChange) (*CoinTransaction, error) {
	var entry *CoinTransaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = r.applyBalanceChange(ctx, tx, change)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) applyBalanceChange(ctx context.Context, tx pgx.Tx, change BalanceChange) (*CoinTransaction, error) {
	const update = `
UPDATE user_profiles
SET coin_balance = coin_balance + $2,
    total_coins_earned = total_coins_earned + $3,
    total_coins_spent = total_coins_spent + $4,
    updated_at = NOW()
WHERE id = $1 AND coin_balance + $2 >= 0 AND NOT ($5 AND is_suspended)
RETURNING coin_balance;
`
	const insert = `
INSERT INTO coin_transactions (id, user_id, amount, transaction_type, description, reference_type, reference_id, balance_after)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + transactionColumns + `;
`
	earned, spent := change.earnedSpent()
	var balance int64
	err := tx.QueryRow(ctx, update, change.UserID, change.Delta, earned, spent, change.RejectSuspended).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var suspended bool
		err := tx.QueryRow(ctx, `SELECT is_suspended FROM user_profiles WHERE id = $1`, change.UserID).Scan(&suspended)
		if errors.Is(err, pgx.ErrNoRows) {
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

	refType, refID := change.refParams()
	entry, err := scanTransaction(tx.QueryRow(ctx, insert,
		randomUUID(),
		change.UserID,
		change.Delta,
		string(change.Type),
		change.Description,
		refType,
		refID,
		balance,
	))
	if err != nil {
		return nil, fmt.Errorf("insert coin transaction: %w", err)
	}
	return entry, nil
}

// ListTransactions returns the newest ledger entries for a user.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]CoinTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + transactionColumns + ` FROM coin_transactions WHERE user_id = $1 ORDER BY seq DESC LIMIT $2`
	return r.queryTransactions(ctx, q, userID, limit)
}

// TransactionLog returns every ledger entry of a user in the order it was written.
func (r *PostgresRepository) TransactionLog(ctx context.Context, userID string) ([]CoinTransaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM coin_transactions WHERE user_id = $1 ORDER BY seq ASC`
	return r.queryTransactions(ctx, q, userID)
}

func (r *PostgresRepository) queryTransactions(ctx context.Context, q string, args ...any) ([]CoinTransaction, error) {
	rows, err := r.pool.Query(ctx, q, args...)
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

// UpsertTemplate creates or replaces a resume template.
func (r *PostgresRepository) UpsertTemplate(ctx context.Context, t ResumeTemplate) error {
	const q = `
INSERT INTO resume_templates (id, name, price_coins, is_active)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    price_coins = EXCLUDED.price_coins,
    is_active = EXCLUDED.is_active;
`
	if _, err := r.pool.Exec(ctx, q, t.ID, t.Name, t.PriceCoins, t.IsActive); err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// GetTemplate loads a resume template by id.
func (r *PostgresRepository) GetTemplate(ctx context.Context, id string) (*ResumeTemplate, error) {
	t, err := scanTemplate(r.pool.QueryRow(ctx, `SELECT id, name, price_coins, is_active FROM resume_templates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}
