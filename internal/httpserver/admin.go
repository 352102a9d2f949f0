package httpserver

import (
	"github.com/gin-gonic/gin"
)

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (a *api) approveRecharge(c *gin.Context) {
	req, entry, err := a.Payments.ApproveRecharge(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"recharge": newRechargeView(req), "transaction": newTransactionView(entry)})
}

func (a *api) rejectRecharge(c *gin.Context) {
	var body rejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	req, err := a.Payments.RejectRecharge(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"recharge": newRechargeView(req)})
}

func (a *api) approvePayment(c *gin.Context) {
	p, err := a.Payments.ApprovePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"payment": newPaymentView(p)})
}

func (a *api) rejectPayment(c *gin.Context) {
	var body rejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	p, err := a.Payments.RejectPayment(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"payment": newPaymentView(p)})
}

type adjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason" binding:"required"`
}

func (a *api) adjustUser(c *gin.Context) {
	var body adjustRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	res, err := a.Ledger.Adjust(c.Request.Context(), c.Param("id"), body.Delta, body.Reason)
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"result": newResultBody(res)})
}

type suspendRequest struct {
	Suspended *bool `json:"suspended" binding:"required"`
}

func (a *api) suspendUser(c *gin.Context) {
	var body suspendRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	if err := a.Ledger.SetSuspended(c.Request.Context(), c.Param("id"), *body.Suspended); err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"suspended": *body.Suspended})
}

func (a *api) reconcileUser(c *gin.Context) {
	report, err := a.Ledger.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"report": report})
}
