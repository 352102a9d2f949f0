// Package telegram is the second operator channel: it pushes payment notices to
// operator chats and accepts the same approve/reject commands as WhatsApp.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"ellio/internal/metrics"
	"ellio/internal/payment"
)

// MessageSender is the slice of *telego.Bot used for outgoing messages.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// CommandHandler answers operator commands. *payment.Commands implements it.
type CommandHandler interface {
	Handle(ctx context.Context, sender, text string) (reply string, handled bool)
}

// Bot notifies operators and polls for their commands.
type Bot struct {
	sender    MessageSender
	api       *telego.Bot
	operators []int64
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a bot from a BotFather token.
func New(token string, operators []int64, m *metrics.Metrics, logger *slog.Logger) (*Bot, error) {
	api, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b := newBot(api, operators, m, logger)
	b.api = api
	return b, nil
}

func newBot(sender MessageSender, operators []int64, m *metrics.Metrics, logger *slog.Logger) *Bot {
	return &Bot{
		sender:    sender,
		operators: operators,
		metrics:   m,
		logger:    logger.With("component", "telegram"),
	}
}

// OperatorIDs renders operator chat ids the way Handle receives senders.
func OperatorIDs(ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out
}

// NotifyOperators implements payment.Notifier.
func (b *Bot) NotifyOperators(ctx context.Context, notice payment.Notice) error {
	text := notice.Text()
	var errs []error
	for _, id := range b.operators {
		if _, err := b.sender.SendMessage(ctx, tu.Message(tu.ID(id), text)); err != nil {
			b.metrics.OperatorNotices.WithLabelValues("telegram", "error").Inc()
			errs = append(errs, fmt.Errorf("notify telegram %d: %w", id, err))
			continue
		}
		b.metrics.OperatorNotices.WithLabelValues("telegram", "sent").Inc()
	}
	return errors.Join(errs...)
}

// Run long-polls for operator commands until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, commands CommandHandler) error {
	if b.api == nil {
		return errors.New("telegram bot has no api client")
	}
	updates, err := b.api.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	handler, err := th.NewBotHandler(b.api, updates)
	if err != nil {
		return fmt.Errorf("create update handler: %w", err)
	}

	handler.Handle(func(hctx *th.Context, update telego.Update) error {
		b.handleText(hctx.Context(), commands, update.Message)
		return nil
	}, th.AnyMessageWithText())

	go func() {
		<-ctx.Done()
		handler.Stop()
	}()
	b.logger.Info("telegram command polling started", "operators", len(b.operators))
	handler.Start()
	return nil
}

func (b *Bot) handleText(ctx context.Context, commands CommandHandler, msg *telego.Message) {
	if msg == nil || msg.Text == "" {
		return
	}
	sender := strconv.FormatInt(msg.Chat.ID, 10)
	reply, handled := commands.Handle(ctx, sender, msg.Text)
	if !handled {
		return
	}
	b.logger.Info("operator command", "chat_id", msg.Chat.ID, "text", msg.Text)
	if _, err := b.sender.SendMessage(ctx, tu.Message(tu.ID(msg.Chat.ID), reply)); err != nil {
		b.logger.Error("failed sending command reply", "chat_id", msg.Chat.ID, "error", err)
	}
}
