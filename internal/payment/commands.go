package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const commandHelp = "Commands:\napprove <id>\nreject <id> <reason>\nstatus <id>"

// Commands lets operators decide requests from chat. Senders outside the allow list
// are ignored so the bot stays silent to everyone else.
type Commands struct {
	svc        *Service
	authorized map[string]struct{}
}

// NewCommands accepts sender identifiers such as WhatsApp JIDs or Telegram chat ids.
func NewCommands(svc *Service, senders ...string) *Commands {
	c := &Commands{svc: svc, authorized: make(map[string]struct{}, len(senders))}
	for _, s := range senders {
		if s = strings.TrimSpace(s); s != "" {
			c.authorized[s] = struct{}{}
		}
	}
	return c
}

// Authorized reports whether sender may issue commands.
func (c *Commands) Authorized(sender string) bool {
	_, ok := c.authorized[sender]
	return ok
}

// Handle runs one command. handled is false when the sender is unknown or the text is
// not a command, in which case the caller should not reply.
func (c *Commands) Handle(ctx context.Context, sender, text string) (reply string, handled bool) {
	if !c.Authorized(sender) {
		return "", false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}

	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	switch verb {
	case "help":
		return commandHelp, true
	case "approve", "status":
		if len(fields) != 2 {
			return fmt.Sprintf("Usage: %s <id>", verb), true
		}
		if verb == "status" {
			return c.status(ctx, fields[1]), true
		}
		return c.approve(ctx, fields[1]), true
	case "reject":
		if len(fields) < 3 {
			return "Usage: reject <id> <reason>", true
		}
		return c.reject(ctx, fields[1], strings.Join(fields[2:], " ")), true
	default:
		return "", false
	}
}

func (c *Commands) approve(ctx context.Context, id string) string {
	kind, _, _, err := c.svc.Lookup(ctx, id)
	if err != nil {
		return describeError(id, err)
	}
	switch kind {
	case KindRecharge:
		req, entry, err := c.svc.ApproveRecharge(ctx, id)
		if err != nil {
			return describeError(id, err)
		}
		return fmt.Sprintf("Recharge %s approved. %d coins credited, new balance %d.", id, req.TotalCoins(), entry.BalanceAfter)
	default:
		p, err := c.svc.ApprovePayment(ctx, id)
		if err != nil {
			return describeError(id, err)
		}
		return fmt.Sprintf("Payment %s approved. Order %s is ready.", id, p.ReferenceID)
	}
}

func (c *Commands) reject(ctx context.Context, id, reason string) string {
	kind, _, _, err := c.svc.Lookup(ctx, id)
	if err != nil {
		return describeError(id, err)
	}
	if kind == KindRecharge {
		_, err = c.svc.RejectRecharge(ctx, id, reason)
	} else {
		_, err = c.svc.RejectPayment(ctx, id, reason)
	}
	if err != nil {
		return describeError(id, err)
	}
	return fmt.Sprintf("%s %s rejected: %s", kindLabel(kind), id, reason)
}

func (c *Commands) status(ctx context.Context, id string) string {
	kind, status, reason, err := c.svc.Lookup(ctx, id)
	if err != nil {
		return describeError(id, err)
	}
	msg := fmt.Sprintf("%s %s is %s", kindLabel(kind), id, status)
	if reason != nil {
		msg += ": " + *reason
	}
	return msg
}

func kindLabel(k Kind) string {
	if k == KindRecharge {
		return "Recharge"
	}
	return "Payment"
}

func describeError(id string, err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Sprintf("No request with id %s.", id)
	case errors.Is(err, ErrAlreadyFinalized):
		return fmt.Sprintf("Request %s was already decided.", id)
	case errors.Is(err, ErrValidation):
		return err.Error()
	default:
		return "Something went wrong, try again shortly."
	}
}
