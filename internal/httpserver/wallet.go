package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ellio/internal/auth"
	"ellio/internal/repo"
)

const idempotencyTTL = 24 * time.Hour

type profileRequest struct {
	DisplayName  string `json:"display_name"`
	ReferralCode string `json:"referral_code"`
}

func (a *api) ensureProfile(c *gin.Context) {
	var req profileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
	}
	profile, created, err := a.Ledger.EnsureProfile(c.Request.Context(), auth.UserID(c), strings.TrimSpace(req.DisplayName), req.ReferralCode)
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"profile": newProfileView(profile), "created": created})
}

func (a *api) wallet(c *gin.Context) {
	profile, err := a.Ledger.Profile(c.Request.Context(), auth.UserID(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"profile": newProfileView(profile)})
}

func (a *api) transactions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 500 {
			badRequest(c)
			return
		}
		limit = v
	}
	entries, err := a.Ledger.History(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]*transactionView, 0, len(entries))
	for i := range entries {
		out = append(out, newTransactionView(&entries[i]))
	}
	ok(c, gin.H{"transactions": out})
}

type spendRequest struct {
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
}

// spend debits the wallet. With an Idempotency-Key header a retried request replays
// the first response instead of debiting twice.
func (a *api) spend(c *gin.Context) {
	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	userID := auth.UserID(c)
	var ref *repo.Reference
	if req.ReferenceType != "" && req.ReferenceID != "" {
		ref = &repo.Reference{Type: req.ReferenceType, ID: req.ReferenceID}
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" || a.Idempotency == nil {
		res, err := a.Ledger.Spend(c.Request.Context(), userID, req.Amount, req.Description, ref)
		if err != nil {
			a.fail(c, err)
			return
		}
		ok(c, gin.H{"result": newResultBody(res)})
		return
	}

	ctx := c.Request.Context()
	cacheKey := "idem:spend:" + userID + ":" + key
	reserved, err := a.Idempotency.Reserve(ctx, cacheKey, idempotencyTTL)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !reserved {
		a.replay(c, cacheKey)
		return
	}

	res, err := a.Ledger.Spend(ctx, userID, req.Amount, req.Description, ref)
	if err != nil {
		status, code := errorStatus(err)
		if code == codeConnection || status >= http.StatusInternalServerError {
			// The outcome is unknown, so let the client retry with the same key.
			_ = a.Idempotency.Release(context.WithoutCancel(ctx), cacheKey)
		} else {
			a.remember(ctx, cacheKey, storedResponse{Status: status, Code: code})
		}
		a.fail(c, err)
		return
	}
	body := newResultBody(res)
	a.remember(ctx, cacheKey, storedResponse{Status: http.StatusOK, Result: &body})
	ok(c, gin.H{"result": body})
}

type storedResponse struct {
	Status int         `json:"status"`
	Code   string      `json:"code,omitempty"`
	Result *resultBody `json:"result,omitempty"`
}

func (a *api) remember(ctx context.Context, key string, resp storedResponse) {
	if err := a.Idempotency.SetJSON(context.WithoutCancel(ctx), key, resp, idempotencyTTL); err != nil {
		a.logger.Warn("failed storing idempotent response", "key", key, "error", err)
	}
}

// replay answers a repeated key. A key still holding the reservation marker belongs to a
// request in flight.
func (a *api) replay(c *gin.Context, key string) {
	var stored storedResponse
	found, err := a.Idempotency.GetJSON(c.Request.Context(), key, &stored)
	if err != nil || !found || stored.Status == 0 {
		c.AbortWithStatusJSON(http.StatusConflict, failure(codeConflict))
		return
	}
	c.Header("Idempotent-Replayed", "true")
	if stored.Status != http.StatusOK {
		c.AbortWithStatusJSON(stored.Status, failure(stored.Code))
		return
	}
	ok(c, gin.H{"result": stored.Result})
}

func (a *api) purchaseTemplate(c *gin.Context) {
	res, err := a.Ledger.PurchaseTemplate(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	ok(c, gin.H{"result": newResultBody(res)})
}
