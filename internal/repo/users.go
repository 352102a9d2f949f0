package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateProfile inserts a profile and its sign-up credits in one transaction. An existing
// profile is returned untouched with Created set to false.
func (r *PostgresRepository) CreateProfile(ctx context.Context, p NewProfile) (*ProfileCreation, error) {
	const insert = `
INSERT INTO user_profiles (id, display_name, referral_code, referred_by)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING
RETURNING ` + profileColumns + `;
`
	var out ProfileCreation
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		profile, err := scanProfile(tx.QueryRow(ctx, insert, p.ID, p.DisplayName, p.ReferralCode, p.ReferredBy))
		if errors.Is(err, pgx.ErrNoRows) {
			existing, err := scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE id = $1`, p.ID))
			if err != nil {
				return fmt.Errorf("load existing profile: %w", err)
			}
			out.Profile = existing
			return nil
		}
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert profile: %w", ErrConflict)
			}
			return fmt.Errorf("insert profile: %w", err)
		}
		out.Created = true

		for _, change := range signUpChanges(p) {
			entry, err := r.applyBalanceChange(ctx, tx, change)
			if err != nil {
				return err
			}
			out.Transactions = append(out.Transactions, *entry)
		}
		if len(out.Transactions) > 0 {
			profile, err = scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE id = $1`, p.ID))
			if err != nil {
				return fmt.Errorf("reload profile: %w", err)
			}
		}
		out.Profile = profile
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProfile loads a profile by user id.
func (r *PostgresRepository) GetProfile(ctx context.Context, id string) (*UserProfile, error) {
	p, err := scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// GetProfileByReferralCode resolves the owner of a referral code.
func (r *PostgresRepository) GetProfileByReferralCode(ctx context.Context, code string) (*UserProfile, error) {
	p, err := scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE referral_code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile by referral code: %w", err)
	}
	return p, nil
}

// SetSuspended toggles the suspension flag.
func (r *PostgresRepository) SetSuspended(ctx context.Context, id string, suspended bool) error {
	ct, err := r.pool.Exec(ctx, `UPDATE user_profiles SET is_suspended = $2, updated_at = NOW() WHERE id = $1`, id, suspended)
	if err != nil {
		return fmt.Errorf("set suspended: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// signUpChanges lists the credits granted when a profile is created.
func signUpChanges(p NewProfile) []BalanceChange {
	var changes []BalanceChange
	if p.WelcomeBonus > 0 {
		changes = append(changes, BalanceChange{
			UserID:      p.ID,
			Delta:       p.WelcomeBonus,
			Type:        TxWelcomeBonus,
			Description: "Welcome bonus",
		})
	}
	if p.ReferredBy != nil && *p.ReferredBy != p.ID && p.ReferralBonus > 0 {
		changes = append(changes, BalanceChange{
			UserID:      *p.ReferredBy,
			Delta:       p.ReferralBonus,
			Type:        TxReferralBonus,
			Description: "Referral bonus",
			Reference:   &Reference{Type: RefUserProfile, ID: p.ID},
		})
	}
	return changes
}
