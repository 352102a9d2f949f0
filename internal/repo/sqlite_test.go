package repo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ellio/migrations"
)

func newTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "ellio.db"), logger)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	require.NoError(t, r.RunMigrations(ctx, migrations.Files))
	return r
}

func createUser(t *testing.T, r *SQLiteRepository, id string, welcome int64) *UserProfile {
	t.Helper()
	res, err := r.CreateProfile(context.Background(), NewProfile{
		ID:           id,
		ReferralCode: "REF-" + id,
		WelcomeBonus: welcome,
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Profile
}

func TestSQLiteMigrationsAreRepeatable(t *testing.T) {
	r := newTestSQLite(t)
	require.NoError(t, r.RunMigrations(context.Background(), migrations.Files))
}

func TestSQLiteCreateProfileGrantsBonusesOnce(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	referrer := createUser(t, r, "referrer", 50)

	res, err := r.CreateProfile(ctx, NewProfile{
		ID:            "newcomer",
		ReferralCode:  "NEWCOMER",
		ReferredBy:    &referrer.ID,
		WelcomeBonus:  50,
		ReferralBonus: 25,
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Len(t, res.Transactions, 2)
	require.Equal(t, int64(50), res.Profile.CoinBalance)
	require.Equal(t, int64(50), res.Profile.TotalCoinsEarned)

	again, err := r.CreateProfile(ctx, NewProfile{
		ID:            "newcomer",
		ReferralCode:  "OTHER",
		ReferredBy:    &referrer.ID,
		WelcomeBonus:  50,
		ReferralBonus: 25,
	})
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Empty(t, again.Transactions)
	require.Equal(t, "NEWCOMER", again.Profile.ReferralCode)

	ref, err := r.GetProfile(ctx, referrer.ID)
	require.NoError(t, err)
	require.Equal(t, int64(75), ref.CoinBalance)

	byCode, err := r.GetProfileByReferralCode(ctx, "NEWCOMER")
	require.NoError(t, err)
	require.Equal(t, "newcomer", byCode.ID)
}

func TestSQLiteDuplicateReferralCodeConflicts(t *testing.T) {
	r := newTestSQLite(t)
	createUser(t, r, "a", 0)

	_, err := r.CreateProfile(context.Background(), NewProfile{ID: "b", ReferralCode: "REF-a"})
	require.ErrorIs(t, err, ErrConflict)
	require.True(t, IsTransient(err))
}

func TestSQLiteApplyBalanceChange(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	createUser(t, r, "u1", 50)

	entry, err := r.ApplyBalanceChange(ctx, BalanceChange{
		UserID:      "u1",
		Delta:       -30,
		Type:        TxPurchase,
		Description: "template",
		Reference:   &Reference{Type: RefResumeTemplate, ID: "t1"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(20), entry.BalanceAfter)
	require.Equal(t, int64(-30), entry.Amount)
	require.NotNil(t, entry.ReferenceType)
	require.Equal(t, RefResumeTemplate, *entry.ReferenceType)

	_, err = r.ApplyBalanceChange(ctx, BalanceChange{UserID: "u1", Delta: -21, Type: TxPurchase})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = r.ApplyBalanceChange(ctx, BalanceChange{UserID: "ghost", Delta: 10, Type: TxRefund})
	require.ErrorIs(t, err, ErrNotFound)

	p, err := r.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(20), p.CoinBalance)
	require.Equal(t, int64(50), p.TotalCoinsEarned)
	require.Equal(t, int64(30), p.TotalCoinsSpent)

	history, err := r.ListTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, TxPurchase, history[0].Type)
	require.Equal(t, TxWelcomeBonus, history[1].Type)

	log, err := r.TransactionLog(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, TxWelcomeBonus, log[0].Type)
	require.Less(t, log[0].Seq, log[1].Seq)
}

func TestSQLiteConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	createUser(t, r, "u1", 50)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ApplyBalanceChange(ctx, BalanceChange{UserID: "u1", Delta: -30, Type: TxPurchase})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	p, err := r.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(20), p.CoinBalance)
}

func TestSQLiteRechargeDecisionsAreSticky(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	createUser(t, r, "u1", 0)

	proof := "https://example.com/proof.png"
	req, err := r.InsertRecharge(ctx, RechargeRequest{
		UserID:         "u1",
		AmountPaid:     decimal.RequireFromString("200.00"),
		CoinsRequested: 200,
		BonusCoins:     20,
		PaymentProof:   &proof,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, req.Status)
	require.True(t, decimal.RequireFromString("200").Equal(req.AmountPaid))

	approved, entry, err := r.ApproveRecharge(ctx, req.ID, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.VerifiedAt)
	require.Equal(t, int64(220), entry.Amount)
	require.Equal(t, TxRecharge, entry.Type)

	_, _, err = r.ApproveRecharge(ctx, req.ID, time.Now())
	require.ErrorIs(t, err, ErrAlreadyFinalized)
	_, err = r.RejectRecharge(ctx, req.ID, "late", time.Now())
	require.ErrorIs(t, err, ErrAlreadyFinalized)
	_, _, err = r.ApproveRecharge(ctx, "missing", time.Now())
	require.ErrorIs(t, err, ErrNotFound)

	p, err := r.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(220), p.CoinBalance)
}

func TestSQLiteRejectRechargeStoresReason(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	createUser(t, r, "u1", 0)

	req, err := r.InsertRecharge(ctx, RechargeRequest{UserID: "u1", AmountPaid: decimal.NewFromInt(100), CoinsRequested: 100})
	require.NoError(t, err)

	rejected, err := r.RejectRecharge(ctx, req.ID, "blurry proof", time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "blurry proof", *rejected.RejectionReason)

	_, _, err = r.ApproveRecharge(ctx, req.ID, time.Now())
	require.ErrorIs(t, err, ErrAlreadyFinalized)

	p, err := r.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, p.CoinBalance)
}

func TestSQLitePaymentApprovalMarksOrderPaid(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	createUser(t, r, "u1", 0)

	order, err := r.CreateServiceOrder(ctx, ServiceOrder{UserID: "u1", ServiceType: ServicePrintJob})
	require.NoError(t, err)
	require.Equal(t, OrderAwaitingPayment, order.Status)
	require.False(t, order.PaymentVerified)

	p, err := r.InsertPayment(ctx, PendingPayment{
		UserID:      "u1",
		ServiceType: ServicePrintJob,
		ReferenceID: order.ID,
		Amount:      decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)
	require.Equal(t, "12.5", p.Amount.String())

	approved, err := r.ApprovePayment(ctx, p.ID, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)

	order, err = r.GetServiceOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, order.PaymentVerified)
	require.Equal(t, OrderReady, order.Status)

	_, err = r.RejectPayment(ctx, p.ID, "too late", time.Now())
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestSQLitePresenceStats(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.Now()

	peak, err := r.RecordPeak(ctx, 120, now)
	require.NoError(t, err)
	require.Equal(t, int64(120), peak)

	peak, err = r.RecordPeak(ctx, 80, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(120), peak)

	inserted, err := r.RecordMilestone(ctx, 100, now)
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = r.RecordMilestone(ctx, 100, now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, inserted)

	stats, err := r.LoadPresenceStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(120), stats.PeakCount)
	require.NotNil(t, stats.PeakAt)
	require.Len(t, stats.Milestones, 1)
	require.Equal(t, int64(100), stats.Milestones[0].Threshold)
}

func TestSQLiteSetSuspended(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	createUser(t, r, "u1", 0)

	require.NoError(t, r.SetSuspended(ctx, "u1", true))
	p, err := r.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.True(t, p.IsSuspended)

	require.ErrorIs(t, r.SetSuspended(ctx, "ghost", true), ErrNotFound)
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(ErrInsufficientBalance))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(errors.New("syntax error")))
	require.True(t, IsTransient(ErrConflict))
	require.True(t, IsTransient(context.DeadlineExceeded))
}

func TestSQLiteSuspensionGatesPurchaseDebits(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	createUser(t, r, "u1", 20)
	require.NoError(t, r.SetSuspended(ctx, "u1", true))

	_, err := r.ApplyBalanceChange(ctx, BalanceChange{UserID: "u1", Delta: -5, Type: TxPurchase, RejectSuspended: true})
	require.ErrorIs(t, err, ErrSuspended)
	require.False(t, IsTransient(err))

	entry, err := r.ApplyBalanceChange(ctx, BalanceChange{UserID: "u1", Delta: -5, Type: TxAdminAdjustment})
	require.NoError(t, err)
	require.Equal(t, int64(15), entry.BalanceAfter)

	_, err = r.ApplyBalanceChange(ctx, BalanceChange{UserID: "u1", Delta: -50, Type: TxPurchase})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}
