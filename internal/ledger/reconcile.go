package ledger

import (
	"context"
	"fmt"

	"ellio/internal/repo"
)

// Report is the outcome of replaying a user's transaction log.
type Report struct {
	UserID        string   `json:"user_id"`
	Balance       int64    `json:"balance"`
	LogBalance    int64    `json:"log_balance"`
	Entries       int      `json:"entries"`
	TotalEarned   int64    `json:"total_earned"`
	TotalSpent    int64    `json:"total_spent"`
	Consistent    bool     `json:"consistent"`
	Discrepancies []string `json:"discrepancies,omitempty"`
}

// Reconcile checks that every entry's balance_after follows from the previous one and that
// the stored balance and lifetime counters match the log.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Report, error) {
	profile, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	var entries []repo.CoinTransaction
	err = s.call(ctx, "reconcile", func(ctx context.Context) error {
		var err error
		entries, err = s.repo.TransactionLog(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	report := &Report{UserID: userID, Balance: profile.CoinBalance, Entries: len(entries)}
	var running, earned, spent int64
	for _, e := range entries {
		running += e.Amount
		if e.Amount > 0 {
			earned += e.Amount
		} else {
			spent -= e.Amount
		}
		if e.BalanceAfter != running {
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("entry %s: balance_after %d, expected %d", e.ID, e.BalanceAfter, running))
			running = e.BalanceAfter
		}
		if e.BalanceAfter < 0 {
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("entry %s: negative balance_after %d", e.ID, e.BalanceAfter))
		}
	}
	report.LogBalance = running
	report.TotalEarned = earned
	report.TotalSpent = spent

	if profile.CoinBalance != running {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("profile balance %d, log ends at %d", profile.CoinBalance, running))
	}
	if profile.TotalCoinsEarned != earned {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("total_coins_earned %d, log sums to %d", profile.TotalCoinsEarned, earned))
	}
	if profile.TotalCoinsSpent != spent {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("total_coins_spent %d, log sums to %d", profile.TotalCoinsSpent, spent))
	}
	report.Consistent = len(report.Discrepancies) == 0
	if !report.Consistent {
		s.logger.Warn("ledger inconsistent", "user_id", userID, "discrepancies", len(report.Discrepancies))
	}
	return report, nil
}
