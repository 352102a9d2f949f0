package httpserver

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ellio/internal/auth"
	"ellio/internal/payment"
	"ellio/internal/repo"
)

type rechargeRequest struct {
	AmountPaid   decimal.Decimal `json:"amount_paid"`
	Coins        int64           `json:"coins"`
	PaymentProof string          `json:"payment_proof"`
}

func (a *api) submitRecharge(c *gin.Context) {
	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	sub, err := a.Payments.SubmitRecharge(c.Request.Context(), auth.UserID(c), req.AmountPaid, req.Coins, req.PaymentProof)
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"recharge": newRechargeView(sub.Request), "whatsapp_url": sub.DeepLink})
}

type paymentRequest struct {
	ServiceType repo.ServiceType `json:"service_type"`
	ReferenceID string           `json:"reference_id"`
	Amount      decimal.Decimal  `json:"amount"`
}

func (a *api) submitPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	sub, err := a.Payments.SubmitPayment(c.Request.Context(), auth.UserID(c), req.ServiceType, req.ReferenceID, req.Amount)
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"payment": newPaymentView(sub.Payment), "whatsapp_url": sub.DeepLink})
}

// ownRecharge loads a recharge, hiding other users' requests as not found.
func (a *api) ownRecharge(c *gin.Context) (*repo.RechargeRequest, bool) {
	req, err := a.Payments.Recharge(c.Request.Context(), c.Param("id"))
	if err == nil && req.UserID != auth.UserID(c) {
		err = payment.ErrNotFound
	}
	if err != nil {
		a.fail(c, err)
		return nil, false
	}
	return req, true
}

func (a *api) ownPayment(c *gin.Context) (*repo.PendingPayment, bool) {
	p, err := a.Payments.Payment(c.Request.Context(), c.Param("id"))
	if err == nil && p.UserID != auth.UserID(c) {
		err = payment.ErrNotFound
	}
	if err != nil {
		a.fail(c, err)
		return nil, false
	}
	return p, true
}

func (a *api) getRecharge(c *gin.Context) {
	if req, found := a.ownRecharge(c); found {
		ok(c, gin.H{"recharge": newRechargeView(req)})
	}
}

func (a *api) getPayment(c *gin.Context) {
	if p, found := a.ownPayment(c); found {
		ok(c, gin.H{"payment": newPaymentView(p)})
	}
}

func (a *api) waitRecharge(c *gin.Context) {
	if _, found := a.ownRecharge(c); found {
		a.await(c, payment.KindRecharge)
	}
}

func (a *api) waitPayment(c *gin.Context) {
	if _, found := a.ownPayment(c); found {
		a.await(c, payment.KindPayment)
	}
}

// await long-polls until the request is decided or the wait budget runs out, in which
// case the still-pending outcome is returned.
func (a *api) await(c *gin.Context, kind payment.Kind) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.WaitTimeout)
	defer cancel()

	out, err := a.Watcher.Await(ctx, kind, c.Param("id"), nil)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(err, context.Canceled) {
			return
		}
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"outcome": out, "final": out.Status.Terminal()})
}
