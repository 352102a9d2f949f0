package repo

import (
	"context"
	"io/fs"
	"time"
)

// ProfileCreation reports the outcome of CreateProfile.
type ProfileCreation struct {
	Profile      *UserProfile
	Created      bool
	Transactions []CoinTransaction
}

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Profiles
	CreateProfile(ctx context.Context, p NewProfile) (*ProfileCreation, error)
	GetProfile(ctx context.Context, id string) (*UserProfile, error)
	GetProfileByReferralCode(ctx context.Context, code string) (*UserProfile, error)
	SetSuspended(ctx context.Context, id string, suspended bool) error

	// Ledger
	ApplyBalanceChange(ctx context.Context, change BalanceChange) (*CoinTransaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]CoinTransaction, error)
	TransactionLog(ctx context.Context, userID string) ([]CoinTransaction, error)

	// Templates
	UpsertTemplate(ctx context.Context, t ResumeTemplate) error
	GetTemplate(ctx context.Context, id string) (*ResumeTemplate, error)

	// Recharges
	InsertRecharge(ctx context.Context, req RechargeRequest) (*RechargeRequest, error)
	GetRecharge(ctx context.Context, id string) (*RechargeRequest, error)
	ApproveRecharge(ctx context.Context, id string, at time.Time) (*RechargeRequest, *CoinTransaction, error)
	RejectRecharge(ctx context.Context, id, reason string, at time.Time) (*RechargeRequest, error)

	// Service orders and payments
	CreateServiceOrder(ctx context.Context, order ServiceOrder) (*ServiceOrder, error)
	GetServiceOrder(ctx context.Context, id string) (*ServiceOrder, error)
	InsertPayment(ctx context.Context, p PendingPayment) (*PendingPayment, error)
	GetPayment(ctx context.Context, id string) (*PendingPayment, error)
	ApprovePayment(ctx context.Context, id string, at time.Time) (*PendingPayment, error)
	RejectPayment(ctx context.Context, id, reason string, at time.Time) (*PendingPayment, error)

	// Presence
	LoadPresenceStats(ctx context.Context) (*PresenceStats, error)
	RecordPeak(ctx context.Context, count int64, at time.Time) (int64, error)
	RecordMilestone(ctx context.Context, threshold int64, at time.Time) (bool, error)
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*SQLiteRepository)(nil)
)
