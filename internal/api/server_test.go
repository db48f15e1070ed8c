package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/circuit"
	"longbridge-quant-bot/internal/events"
	"longbridge-quant-bot/internal/monitor"
	"longbridge-quant-bot/internal/orders"
	"longbridge-quant-bot/internal/recovery"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context) (*recovery.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &recovery.Result{CompletedAt: time.Now()}, nil
}

type testServer struct {
	server    *Server
	ledger    *orders.Ledger
	monitor   *monitor.Monitor
	refresher *fakeRefresher
	tokens    *TokenManager
	bus       *events.EventBus
	breaker   *circuit.Breaker
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	paper := broker.NewPaperBroker(zerolog.Nop())
	ledger := orders.NewLedger(zerolog.Nop())
	bus := events.NewEventBus()
	mon := monitor.New(paper, ledger, monitor.NewGate(true), bus, monitor.DefaultConfig(), zerolog.Nop())
	refresher := &fakeRefresher{}
	tokens := NewTokenManager("test-secret", "quant-bot-test", time.Minute)
	breaker := circuit.New(circuit.DefaultConfig(), mon.Gate(), bus, zerolog.Nop())

	s := NewServer(ServerConfig{}, Deps{
		Ledger:   ledger,
		Monitor:  mon,
		Recovery: refresher,
		Breaker:  breaker,
		Bus:      bus,
		Checks:   checks,
	}, tokens, zerolog.Nop())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		bus.Close()
	})
	return &testServer{server: s, ledger: ledger, monitor: mon, refresher: refresher, tokens: tokens, bus: bus, breaker: breaker}
}

func (ts *testServer) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token(t *testing.T) string {
	t.Helper()
	tok, err := ts.tokens.Issue("operator", "admin")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return tok
}

// ==================== Read routes ====================

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]HealthCheck
		expected int
	}{
		{"no checks", nil, http.StatusOK},
		{"healthy redis", map[string]HealthCheck{"redis": func(context.Context) error { return nil }}, http.StatusOK},
		{"broken database", map[string]HealthCheck{"database": func(context.Context) error { return errors.New("down") }}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.checks)
			rec := ts.do(t, http.MethodGet, "/api/health", "")
			if rec.Code != tt.expected {
				t.Errorf("Expected status %d, got %d: %s", tt.expected, rec.Code, rec.Body.String())
			}
			if rec.Header().Get("X-Trace-ID") == "" {
				t.Error("Expected a trace id header")
			}
		})
	}
}

func TestLedgerView(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ledger.AddLot("12345.HK", orders.DirectionLong, "B1", 0.1, 1000, time.Now())
	ts.ledger.AddLot("12345.HK", orders.DirectionLong, "B2", 0.2, 1000, time.Now())

	rec := ts.do(t, http.MethodGet, "/api/ledger/12345.HK/long", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Data LedgerResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(body.Data.Snapshot.Lots) != 2 {
		t.Errorf("Expected 2 lots, got %d", len(body.Data.Snapshot.Lots))
	}
	if body.Data.Stats.Bought != 2000 {
		t.Errorf("Expected 2000 bought, got %d", body.Data.Stats.Bought)
	}
	if body.Data.CostAverage == nil || *body.Data.CostAverage < 0.1499 || *body.Data.CostAverage > 0.1501 {
		t.Errorf("Expected cost average 0.15, got %v", body.Data.CostAverage)
	}

	rec = ts.do(t, http.MethodGet, "/api/ledger/12345.HK/sideways", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad direction, got %d", rec.Code)
	}
}

func TestEmptyLedgerHasNoCostAverage(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/ledger/99.HK/SHORT", "")
	if !strings.Contains(rec.Body.String(), `"cost_average":null`) {
		t.Errorf("Expected null cost average, got %s", rec.Body.String())
	}
}

func TestOrdersFilteredBySymbol(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.monitor.TrackOrder(monitor.TrackedOrder{OrderID: "O1", Symbol: "1.HK", Side: orders.SideBuy, SubmittedQuantity: 100, OrderType: orders.OrderTypeLimit})
	ts.monitor.TrackOrder(monitor.TrackedOrder{OrderID: "O2", Symbol: "2.HK", Side: orders.SideBuy, SubmittedQuantity: 100, OrderType: orders.OrderTypeLimit})

	rec := ts.do(t, http.MethodGet, "/api/orders?symbol=2.HK", "")
	var body struct {
		Data []monitor.TrackedOrder `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].OrderID != "O2" {
		t.Errorf("Expected only O2, got %+v", body.Data)
	}
}

func TestEventsWithoutJournal(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/events", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without journal, got %d", rec.Code)
	}
}

// ==================== Control routes ====================

func TestGateControlRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/gate/close", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", rec.Code)
	}
	if !ts.monitor.Gate().IsOpen() {
		t.Fatal("Gate must stay open after rejected request")
	}

	rec = ts.do(t, http.MethodPost, "/api/gate/close", "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for garbage token, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/gate/close", ts.token(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.monitor.Gate().IsOpen() {
		t.Error("Expected gate closed")
	}

	rec = ts.do(t, http.MethodPost, "/api/gate/open", ts.token(t))
	if rec.Code != http.StatusOK || !ts.monitor.Gate().IsOpen() {
		t.Errorf("Expected gate reopened, status %d", rec.Code)
	}
}

func TestGateOpenResetsTrippedBreaker(t *testing.T) {
	ts := newTestServer(t, nil)
	for i := 0; i < circuit.DefaultConfig().MaxConsecutiveFailures; i++ {
		ts.breaker.Record(1)
	}
	if ts.monitor.Gate().IsOpen() {
		t.Fatal("Expected tripped breaker to close the gate")
	}

	rec := ts.do(t, http.MethodGet, "/api/circuit", "")
	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Data["state"] != string(circuit.StateOpen) {
		t.Errorf("Expected open breaker, got %v", resp.Data["state"])
	}

	rec = ts.do(t, http.MethodPost, "/api/gate/open", ts.token(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := ts.breaker.GetState(); got != circuit.StateClosed {
		t.Errorf("Expected breaker reset by operator, got %s", got)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.tokens.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	old := ts.token(t)
	ts.tokens.now = time.Now

	if _, err := ts.tokens.Validate(old); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
	rec := ts.do(t, http.MethodPost, "/api/gate/close", old)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for expired token, got %d", rec.Code)
	}
}

func TestTokenFromOtherIssuerRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	other := NewTokenManager("test-secret", "someone-else", time.Minute)
	tok, err := other.Issue("operator", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.tokens.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshIsRateLimited(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.token(t)

	rec := ts.do(t, http.MethodPost, "/api/recovery/refresh", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/recovery/refresh", tok)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 on immediate second refresh, got %d", rec.Code)
	}
	if ts.refresher.calls != 1 {
		t.Errorf("Expected 1 refresh, got %d", ts.refresher.calls)
	}
}

func TestRefreshFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.refresher.err = errors.New("query orders: timeout")

	rec := ts.do(t, http.MethodPost, "/api/recovery/refresh", ts.token(t))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}
}

func TestAuthDisabledAllowsControl(t *testing.T) {
	paper := broker.NewPaperBroker(zerolog.Nop())
	ledger := orders.NewLedger(zerolog.Nop())
	mon := monitor.New(paper, ledger, monitor.NewGate(true), nil, monitor.DefaultConfig(), zerolog.Nop())
	s := NewServer(ServerConfig{}, Deps{Ledger: ledger, Monitor: mon}, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/gate/close", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || mon.Gate().IsOpen() {
		t.Errorf("Expected gate closed without auth, status %d", rec.Code)
	}
}

// ==================== WebSocket ====================

func TestWebSocketReceivesEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.server.hub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts.bus.PublishOrder(events.EventOrderFilled, "O1", "1.HK", "BUY", 100, 100, 0.1)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Type != events.EventOrderFilled || ev.String("order_id") != "O1" {
		t.Errorf("Unexpected event %+v", ev)
	}
}
