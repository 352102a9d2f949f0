package repo

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TxWelcomeBonus    TransactionType = "welcome_bonus"
	TxRecharge        TransactionType = "recharge"
	TxPurchase        TransactionType = "purchase"
	TxReferralBonus   TransactionType = "referral_bonus"
	TxAdminAdjustment TransactionType = "admin_adjustment"
	TxRefund          TransactionType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxWelcomeBonus, TxRecharge, TxPurchase, TxReferralBonus, TxAdminAdjustment, TxRefund:
		return true
	}
	return false
}

// Status is the lifecycle state of a manual payment or recharge request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ServiceType identifies which kind of order a pending payment authorizes.
type ServiceType string

const (
	ServicePrintJob   ServiceType = "print_job"
	ServiceResume     ServiceType = "resume"
	ServiceAssignment ServiceType = "assignment"
	ServiceNotes      ServiceType = "notes"
)

// Valid reports whether s is a known service type.
func (s ServiceType) Valid() bool {
	switch s {
	case ServicePrintJob, ServiceResume, ServiceAssignment, ServiceNotes:
		return true
	}
	return false
}

// Service order states.
const (
	OrderAwaitingPayment = "awaiting_payment"
	OrderReady           = "ready"
)

// Reference types written on ledger entries.
const (
	RefRechargeRequest = "coin_recharge_request"
	RefResumeTemplate  = "resume_template"
	RefUserProfile     = "user_profile"
)

// UserProfile represents the user_profiles table row.
type UserProfile struct {
	ID               string
	DisplayName      *string
	CoinBalance      int64
	TotalCoinsEarned int64
	TotalCoinsSpent  int64
	ReferralCode     string
	ReferredBy       *string
	IsSuspended      bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewProfile carries the data used to create a profile on first sign-in.
type NewProfile struct {
	ID            string
	DisplayName   *string
	ReferralCode  string
	ReferredBy    *string
	WelcomeBonus  int64
	ReferralBonus int64
}

// Reference links a ledger entry to the record that caused it.
type Reference struct {
	Type string
	ID   string
}

// CoinTransaction is an immutable row of coin_transactions.
type CoinTransaction struct {
	ID            string
	Seq           int64
	UserID        string
	Amount        int64
	Type          TransactionType
	Description   string
	ReferenceType *string
	ReferenceID   *string
	BalanceAfter  int64
	CreatedAt     time.Time
}

// BalanceChange is one signed mutation of a user's balance together with its audit entry.
type BalanceChange struct {
	UserID      string
	Delta       int64
	Type        TransactionType
	Description string
	Reference   *Reference
	// RejectSuspended makes the update refuse suspended profiles with ErrSuspended.
	RejectSuspended bool
}

func (c BalanceChange) earnedSpent() (earned, spent int64) {
	if c.Delta > 0 {
		return c.Delta, 0
	}
	return 0, -c.Delta
}

func (c BalanceChange) refParams() (refType, refID *string) {
	if c.Reference == nil {
		return nil, nil
	}
	t, id := c.Reference.Type, c.Reference.ID
	return &t, &id
}

// ResumeTemplate represents a purchasable template.
type ResumeTemplate struct {
	ID         string
	Name       string
	PriceCoins int64
	IsActive   bool
}

// RechargeRequest represents a row in coin_recharge_requests.
type RechargeRequest struct {
	ID              string
	UserID          string
	AmountPaid      decimal.Decimal
	CoinsRequested  int64
	BonusCoins      int64
	Status          Status
	PaymentProof    *string
	RejectionReason *string
	CreatedAt       time.Time
	VerifiedAt      *time.Time
}

// TotalCoins is the credit applied on approval.
func (r RechargeRequest) TotalCoins() int64 {
	return r.CoinsRequested + r.BonusCoins
}

// PendingPayment represents a row in pending_payments.
type PendingPayment struct {
	ID              string
	UserID          string
	ServiceType     ServiceType
	ReferenceID     string
	Amount          decimal.Decimal
	Status          Status
	RejectionReason *string
	CreatedAt       time.Time
	DecidedAt       *time.Time
}

// ServiceOrder represents a row in service_orders.
type ServiceOrder struct {
	ID              string
	UserID          string
	ServiceType     ServiceType
	Status          string
	PaymentVerified bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Milestone records the first time the online count reached a threshold.
type Milestone struct {
	Threshold int64     `json:"threshold"`
	ReachedAt time.Time `json:"reached_at"`
}

// PresenceStats is the durable part of presence tracking.
type PresenceStats struct {
	PeakCount  int64
	PeakAt     *time.Time
	Milestones []Milestone
}
