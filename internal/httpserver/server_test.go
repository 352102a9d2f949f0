package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ellio/internal/auth"
	"ellio/internal/ledger"
	"ellio/internal/metrics"
	"ellio/internal/payment"
	"ellio/internal/presence"
	"ellio/internal/repo"
	"ellio/internal/retry"
	"ellio/migrations"
)

const operatorKey = "op-secret"

var fastRetry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

type memoryLimiter struct {
	mu    sync.Mutex
	count map[string]int
}

func (l *memoryLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count[key]++
	return l.count[key] <= limit, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryIdempotency) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = []byte("reserved")
	return true, nil
}

func (m *memoryIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryIdempotency) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *memoryIdempotency) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	data, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

type testEnv struct {
	router   *gin.Engine
	repo     *repo.SQLiteRepository
	verifier *auth.Verifier
	payments *payment.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewUnregistered()

	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))

	hash, err := auth.HashOperatorKey(operatorKey)
	require.NoError(t, err)

	led := ledger.NewService(r, ledger.Config{WelcomeBonus: 50, ReferralBonus: 25, Retry: fastRetry}, m, logger)
	pay := payment.NewService(r, nil, payment.Config{
		CoinPrice:     decimal.NewFromInt(1),
		BonusPercent:  10,
		BonusMinCoins: 200,
		OperatorPhone: "62811",
		Retry:         fastRetry,
	}, m, logger)
	verifier := auth.NewVerifier("test-secret")

	stats := presence.NewStats(r, m, logger)
	baseCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	router := NewRouter(Dependencies{
		Ledger:   led,
		Payments: pay,
		Watcher:  payment.NewWatcher(pay, 5*time.Millisecond, logger),
		Presence: PresenceConfig{
			Channel:     presence.NewMemoryChannel(),
			Stats:       stats,
			Heartbeat:   time.Hour,
			MaxAttempts: 2,
			BaseContext: baseCtx,
		},
		Verifier:     verifier,
		Operator:     auth.NewOperatorKey(hash),
		Limiter:      &memoryLimiter{count: map[string]int{}},
		Idempotency:  &memoryIdempotency{data: map[string][]byte{}},
		Metrics:      m,
		Logger:       logger,
		WaitTimeout:  50 * time.Millisecond,
		SubmitLimit:  3,
		SubmitWindow: time.Minute,
	})
	return &testEnv{router: router, repo: r, verifier: verifier, payments: pay}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.verifier.Sign(userID, time.Hour)
	require.NoError(t, err)
	return token
}

type call struct {
	method string
	path   string
	body   any
	user   string
	admin  bool
	header map[string]string
}

func (e *testEnv) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		data, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, c.user))
	}
	if c.admin {
		req.Header.Set("X-Operator-Key", operatorKey)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func (e *testEnv) signUp(t *testing.T, userID string) {
	t.Helper()
	status, body := e.do(t, call{method: http.MethodPost, path: "/api/profile", user: userID, body: map[string]string{}})
	require.Equal(t, http.StatusOK, status, body)
}

func TestHealthAndAuth(t *testing.T) {
	env := newEnv(t)
	status, body := env.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	status, body = env.do(t, call{method: http.MethodGet, path: "/api/wallet"})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, false, body["success"])

	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/admin/users/u1/suspend", body: map[string]bool{"suspended": true}})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestProfileAndWallet(t *testing.T) {
	env := newEnv(t)
	status, body := env.do(t, call{method: http.MethodPost, path: "/api/profile", user: "u1", body: map[string]string{"display_name": "Ayu"}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["created"])
	profile := body["profile"].(map[string]any)
	require.EqualValues(t, 50, profile["coin_balance"])

	status, body = env.do(t, call{method: http.MethodGet, path: "/api/wallet/transactions?limit=5", user: "u1"})
	require.Equal(t, http.StatusOK, status)
	txs := body["transactions"].([]any)
	require.Len(t, txs, 1)
	require.Equal(t, "welcome_bonus", txs[0].(map[string]any)["transaction_type"])

	status, body = env.do(t, call{method: http.MethodGet, path: "/api/wallet", user: "nobody"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", body["error"])
}

func TestSpendIsIdempotent(t *testing.T) {
	env := newEnv(t)
	env.signUp(t, "u1")

	spend := call{
		method: http.MethodPost,
		path:   "/api/wallet/spend",
		user:   "u1",
		body:   map[string]any{"amount": 20, "description": "print"},
		header: map[string]string{"Idempotency-Key": "k1"},
	}
	status, body := env.do(t, spend)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 30, body["result"].(map[string]any)["new_balance"])

	status, body = env.do(t, spend)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 30, body["result"].(map[string]any)["new_balance"])

	p, err := env.repo.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(30), p.CoinBalance)

	spend.header = map[string]string{"Idempotency-Key": "k2"}
	spend.body = map[string]any{"amount": 31}
	status, body = env.do(t, spend)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "insufficient_balance", body["error"])

	status, body = env.do(t, spend)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "insufficient_balance", body["error"])

	status, body = env.do(t, call{method: http.MethodPost, path: "/api/wallet/spend", user: "u1", body: map[string]any{"amount": 0}})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation_error", body["error"])
}

func TestRechargeFlow(t *testing.T) {
	env := newEnv(t)
	env.signUp(t, "u1")

	status, body := env.do(t, call{method: http.MethodPost, path: "/api/recharges", user: "u1",
		body: map[string]any{"amount_paid": "200", "coins": 200}})
	require.Equal(t, http.StatusOK, status, body)
	recharge := body["recharge"].(map[string]any)
	id := recharge["id"].(string)
	require.EqualValues(t, 20, recharge["bonus_coins"])
	require.Contains(t, body["whatsapp_url"], "https://wa.me/62811?text=")

	status, body = env.do(t, call{method: http.MethodGet, path: "/api/recharges/" + id + "/wait", user: "u1"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["final"])

	status, _ = env.do(t, call{method: http.MethodGet, path: "/api/recharges/" + id, user: "u2"})
	require.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, call{method: http.MethodPost, path: "/api/admin/recharges/" + id + "/approve", admin: true})
	require.Equal(t, http.StatusOK, status, body)
	require.EqualValues(t, 270, body["transaction"].(map[string]any)["balance_after"])

	status, body = env.do(t, call{method: http.MethodPost, path: "/api/admin/recharges/" + id + "/reject", admin: true,
		body: map[string]string{"reason": "late"}})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_finalized", body["error"])

	status, body = env.do(t, call{method: http.MethodGet, path: "/api/recharges/" + id + "/wait", user: "u1"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["final"])
	require.Equal(t, "approved", body["outcome"].(map[string]any)["status"])
}

func TestRechargeValidationAndRateLimit(t *testing.T) {
	env := newEnv(t)
	env.signUp(t, "u1")

	status, body := env.do(t, call{method: http.MethodPost, path: "/api/recharges", user: "u1",
		body: map[string]any{"amount_paid": "1", "coins": 100}})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation_error", body["error"])

	for i := 0; i < 2; i++ {
		status, _ = env.do(t, call{method: http.MethodPost, path: "/api/recharges", user: "u1",
			body: map[string]any{"amount_paid": "10", "coins": 10}})
		require.Equal(t, http.StatusOK, status)
	}
	status, body = env.do(t, call{method: http.MethodPost, path: "/api/recharges", user: "u1",
		body: map[string]any{"amount_paid": "10", "coins": 10}})
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "rate_limited", body["error"])
}

func TestPaymentFlow(t *testing.T) {
	env := newEnv(t)
	env.signUp(t, "u1")
	order, err := env.repo.CreateServiceOrder(context.Background(), repo.ServiceOrder{UserID: "u1", ServiceType: repo.ServiceResume})
	require.NoError(t, err)

	status, body := env.do(t, call{method: http.MethodPost, path: "/api/payments", user: "u1",
		body: map[string]any{"service_type": "resume", "reference_id": order.ID, "amount": "15.50"}})
	require.Equal(t, http.StatusOK, status, body)
	id := body["payment"].(map[string]any)["id"].(string)

	status, body = env.do(t, call{method: http.MethodPost, path: "/api/admin/payments/" + id + "/reject", admin: true,
		body: map[string]string{"reason": ""}})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation_error", body["error"])

	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/admin/payments/" + id + "/approve", admin: true})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, call{method: http.MethodGet, path: "/api/payments/" + id, user: "u1"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "approved", body["payment"].(map[string]any)["status"])

	paid, err := env.repo.GetServiceOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, paid.PaymentVerified)
}

func TestAdminAdjustSuspendReconcile(t *testing.T) {
	env := newEnv(t)
	env.signUp(t, "u1")

	status, body := env.do(t, call{method: http.MethodPost, path: "/api/admin/users/u1/adjust", admin: true,
		body: map[string]any{"delta": -60, "reason": "chargeback"}})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "invalid_result", body["error"])

	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/admin/users/u1/adjust", admin: true,
		body: map[string]any{"delta": 10, "reason": "goodwill"}})
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/admin/users/u1/suspend", admin: true,
		body: map[string]bool{"suspended": true}})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, call{method: http.MethodPost, path: "/api/wallet/spend", user: "u1", body: map[string]any{"amount": 5}})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "suspended", body["error"])

	status, body = env.do(t, call{method: http.MethodGet, path: "/api/admin/users/u1/reconcile", admin: true})
	require.Equal(t, http.StatusOK, status)
	report := body["report"].(map[string]any)
	require.Equal(t, true, report["consistent"])
	require.EqualValues(t, 60, report["balance"])
}

func TestPresenceSocketCountsSessions(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	dial := func(session string) *websocket.Conn {
		u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/presence?session=" + session + "&token=" + env.token(t, "u1")
		conn, _, err := websocket.DefaultDialer.Dial(u, nil)
		require.NoError(t, err)
		return conn
	}
	waitOnline := func(conn *websocket.Conn, want int64) {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			_ = conn.SetReadDeadline(deadline)
			var u presence.Update
			require.NoError(t, conn.ReadJSON(&u))
			if u.Stats.Online == want {
				return
			}
		}
		t.Fatalf("online never reached %d", want)
	}

	a := dial("8f14e45f-ceea-467f-a8e9-2b1d1f2c3a01")
	defer a.Close()
	waitOnline(a, 1)

	b := dial("8f14e45f-ceea-467f-a8e9-2b1d1f2c3a02")
	defer b.Close()
	waitOnline(b, 2)
	waitOnline(a, 2)

	status, body := env.do(t, call{method: http.MethodGet, path: "/api/presence", user: "u1"})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2, body["stats"].(map[string]any)["peak"])
}

func TestPresenceSocketSharedSessionSurvivesOneTab(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	dial := func(session, extra string) *websocket.Conn {
		u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/presence?session=" + session + extra + "&token=" + env.token(t, "u1")
		conn, _, err := websocket.DefaultDialer.Dial(u, nil)
		require.NoError(t, err)
		return conn
	}
	online := func() float64 {
		_, body := env.do(t, call{method: http.MethodGet, path: "/api/presence", user: "u1"})
		return body["stats"].(map[string]any)["online"].(float64)
	}

	const shared = "8f14e45f-ceea-467f-a8e9-2b1d1f2c3a11"
	tabA := dial(shared, "&lite=1")
	tabB := dial(shared, "&lite=1")
	defer tabB.Close()
	other := dial("8f14e45f-ceea-467f-a8e9-2b1d1f2c3a12", "")
	defer other.Close()

	require.Eventually(t, func() bool { return online() == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, tabA.Close())
	require.Never(t, func() bool { return online() != 2 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[error]string{
		repo.ErrInsufficientBalance: codeInsufficientBalance,
		payment.ErrNotFound:         codeNotFound,
		ledger.ErrSuspended:         codeSuspended,
		ledger.ErrInvalidResult:     codeInvalidResult,
		payment.ErrAlreadyFinalized: codeAlreadyFinalized,
		payment.ErrValidation:       codeValidation,
		repo.ErrConflict:            codeConflict,
		ledger.ErrTransient:         codeConnection,
		io.ErrUnexpectedEOF:         codeInternal,
	}
	for err, want := range cases {
		_, code := errorStatus(err)
		require.Equal(t, want, code, err.Error())
	}
}
