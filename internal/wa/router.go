package wa

import (
	"context"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/types/events"
)

// CommandHandler answers operator chat commands. *payment.Commands implements it.
type CommandHandler interface {
	Handle(ctx context.Context, sender, text string) (reply string, handled bool)
}

// Router feeds inbound messages to the command handler and replies in the same chat.
type Router struct {
	commands CommandHandler
	sender   TextSender
	logger   *slog.Logger
	timeout  time.Duration
}

// NewRouter builds a Router; register it with Client.SetMessageProcessor.
func NewRouter(commands CommandHandler, sender TextSender, logger *slog.Logger) *Router {
	return &Router{
		commands: commands,
		sender:   sender,
		logger:   logger.With("component", "wa_router"),
		timeout:  30 * time.Second,
	}
}

// ProcessMessage implements MessageProcessor.
func (r *Router) ProcessMessage(ctx context.Context, evt *events.Message) {
	text := MessageText(evt.Message)
	if text == "" {
		return
	}
	sender := evt.Info.Sender.ToNonAD().String()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, handled := r.commands.Handle(ctx, sender, text)
	if !handled {
		return
	}
	r.logger.Info("operator command", "from", sender, "text", text)
	if err := r.sender.SendText(WithReply(ctx, evt), evt.Info.Chat, reply); err != nil {
		r.logger.Error("failed sending command reply", "to", evt.Info.Chat.String(), "error", err)
	}
}
