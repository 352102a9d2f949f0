package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"ellio/internal/repo"
)

// Kind distinguishes the two manual payment records.
type Kind string

const (
	KindRecharge Kind = "recharge"
	KindPayment  Kind = "payment"
)

// Notice tells operators a new manual payment is waiting for review.
type Notice struct {
	Kind        Kind
	ID          string
	UserID      string
	Amount      decimal.Decimal
	Coins       int64
	BonusCoins  int64
	ServiceType repo.ServiceType
	ReferenceID string
	ProofURL    string
}

// Text renders the notice for chat channels, including the reply commands.
func (n Notice) Text() string {
	var b strings.Builder
	switch n.Kind {
	case KindRecharge:
		fmt.Fprintf(&b, "New coin recharge\nAmount: %s\nCoins: %d", formatAmount(n.Amount), n.Coins)
		if n.BonusCoins > 0 {
			fmt.Fprintf(&b, " + %d bonus", n.BonusCoins)
		}
	case KindPayment:
		fmt.Fprintf(&b, "New %s payment\nAmount: %s\nOrder: %s", serviceLabel(n.ServiceType), formatAmount(n.Amount), n.ReferenceID)
	}
	fmt.Fprintf(&b, "\nUser: %s\nID: %s", n.UserID, n.ID)
	if n.ProofURL != "" {
		fmt.Fprintf(&b, "\nProof: %s", n.ProofURL)
	}
	fmt.Fprintf(&b, "\n\nReply \"approve %s\" or \"reject %s <reason>\".", n.ID, n.ID)
	return b.String()
}

// Notifier delivers operator notices.
type Notifier interface {
	NotifyOperators(ctx context.Context, n Notice) error
}

// MultiNotifier fans a notice out to every configured channel.
type MultiNotifier struct {
	mu        sync.RWMutex
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMultiNotifier skips nil entries so optional channels can be passed unconditionally.
func NewMultiNotifier(logger *slog.Logger, notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{logger: logger.With("component", "operator_notify")}
	for _, n := range notifiers {
		m.Add(n)
	}
	return m
}

// Add registers another channel. nil is ignored.
func (m *MultiNotifier) Add(n Notifier) {
	if n == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Len reports how many channels are configured.
func (m *MultiNotifier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.notifiers)
}

// NotifyOperators tries every channel and joins their errors.
func (m *MultiNotifier) NotifyOperators(ctx context.Context, n Notice) error {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()
	if len(notifiers) == 0 {
		m.logger.Warn("no operator channel configured", "kind", n.Kind, "id", n.ID)
		return nil
	}
	var errs []error
	for _, notifier := range notifiers {
		if err := notifier.NotifyOperators(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
