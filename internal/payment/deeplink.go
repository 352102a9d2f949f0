package payment

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"ellio/internal/repo"
)

// DeepLink builds a wa.me link that opens a chat with phone and a prefilled message.
func DeepLink(phone, text string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	link := "https://wa.me/" + digits
	if text == "" {
		return link
	}
	return link + "?text=" + strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
}

func rechargeMessage(r *repo.RechargeRequest) string {
	return fmt.Sprintf("Hi Ellio, I have paid %s for %d coins. Recharge ID: %s",
		formatAmount(r.AmountPaid), r.CoinsRequested, r.ID)
}

func paymentMessage(p *repo.PendingPayment) string {
	return fmt.Sprintf("Hi Ellio, I have paid %s for my %s order %s. Payment ID: %s",
		formatAmount(p.Amount), serviceLabel(p.ServiceType), p.ReferenceID, p.ID)
}

func serviceLabel(s repo.ServiceType) string {
	switch s {
	case repo.ServicePrintJob:
		return "print job"
	case repo.ServiceResume:
		return "resume"
	case repo.ServiceAssignment:
		return "assignment"
	case repo.ServiceNotes:
		return "notes"
	}
	return string(s)
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
