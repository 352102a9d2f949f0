package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mau.fi/whatsmeow/types"

	"ellio/internal/metrics"
	"ellio/internal/payment"
)

// TextSender sends a WhatsApp text. *Client implements it.
type TextSender interface {
	SendText(ctx context.Context, to types.JID, text string) error
}

// OperatorNotifier sends payment notices to every operator chat.
type OperatorNotifier struct {
	sender    TextSender
	operators []types.JID
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewOperatorNotifier returns nil when there is nobody to notify.
func NewOperatorNotifier(sender TextSender, operators []types.JID, m *metrics.Metrics, logger *slog.Logger) *OperatorNotifier {
	if sender == nil || len(operators) == 0 {
		return nil
	}
	return &OperatorNotifier{
		sender:    sender,
		operators: operators,
		metrics:   m,
		logger:    logger.With("component", "wa_notify"),
	}
}

// NotifyOperators implements payment.Notifier.
func (n *OperatorNotifier) NotifyOperators(ctx context.Context, notice payment.Notice) error {
	text := notice.Text()
	var errs []error
	for _, jid := range n.operators {
		if err := n.sender.SendText(ctx, jid, text); err != nil {
			n.metrics.OperatorNotices.WithLabelValues("whatsapp", "error").Inc()
			errs = append(errs, fmt.Errorf("notify %s: %w", jid, err))
			continue
		}
		n.metrics.OperatorNotices.WithLabelValues("whatsapp", "sent").Inc()
	}
	if len(errs) < len(n.operators) {
		n.logger.Info("operators notified", "kind", notice.Kind, "id", notice.ID, "failed", len(errs))
	}
	return errors.Join(errs...)
}
