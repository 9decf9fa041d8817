package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/server/handler"
	"github.com/alanyoungcy/spotbot/internal/service"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeBook struct {
	positions []domain.Position
	halted    map[string]string
}

func (f *fakeBook) Snapshot() []domain.Position { return f.positions }
func (f *fakeBook) Halted() map[string]string { return f.halted }
func (f *fakeBook) Get(symbol string) (domain.Position, bool) {
	for _, p := range f.positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return domain.Position{}, false
}

type fakeLedger struct {
	trades []domain.ClosedTrade
	opts   domain.ListOpts
	err    error
}

func (f *fakeLedger) ListClosedTrades(_ context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	f.opts = opts
	return f.trades, f.err
}

type fakeStatus struct{ st service.Status }

func (f fakeStatus) Status(context.Context) (service.Status, error) { return f.st, nil }

type denyLimiter struct{ calls int }

func (d *denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.calls++
	return d.calls <= 1, nil
}

func newTestServer(t *testing.T, ledger *fakeLedger, limiter domain.RateLimiter, checks map[string]handler.Check) http.Handler {
	t.Helper()
	log := discardLogger()
	b := &fakeBook{
		positions: []domain.Position{{
			ID:           "p1",
			Symbol:       "SOLUSDT",
			EntryPrice:   100,
			CurrentPrice: 110,
			Quantity:     2,
			Status:       domain.PositionStatusOpen,
			Phase:        domain.PhaseActive,
			EntryTime:    time.Now().Add(-72 * time.Hour),
		}},
		halted: map[string]string{"DOGEUSDT": "dust"},
	}
	srv := NewServer(Config{Port: 0, RateLimit: 1, RateWindow: time.Minute}, Handlers{
		Health:    handler.NewHealthHandler(checks, log),
		Positions: handler.NewPositionHandler(b, log),
		Trades:    handler.NewTradeHandler(ledger, log),
		Status:    handler.NewStatusHandler(fakeStatus{service.Status{Mode: "paper"}}, log),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	}, limiter, log)
	return srv.Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestPositionsEndpoints(t *testing.T) {
	h := newTestServer(t, &fakeLedger{}, nil, nil)

	rec := get(t, h, "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Positions []domain.Position `json:"positions"`
		Halted    map[string]string `json:"halted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Positions, 1)
	assert.Equal(t, "dust", list.Halted["DOGEUSDT"])

	rec = get(t, h, "/api/positions/solusdt")
	require.Equal(t, http.StatusOK, rec.Code)
	var one struct {
		Position      domain.Position `json:"position"`
		UnrealizedPnL float64         `json:"unrealized_pnl"`
		HoldDays      int             `json:"hold_days"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "p1", one.Position.ID)
	assert.InDelta(t, 20, one.UnrealizedPnL, 1e-9)
	assert.Equal(t, 3, one.HoldDays)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/positions/BTCUSDT").Code)
}

func TestTradesEndpointPassesFilters(t *testing.T) {
	ledger := &fakeLedger{trades: []domain.ClosedTrade{{ID: "t1", Symbol: "SOLUSDT", PnL: 4}}}
	h := newTestServer(t, ledger, nil, nil)

	rec := get(t, h, "/api/trades?symbol=solusdt&limit=1000&offset=2&since=2026-05-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SOLUSDT", ledger.opts.Symbol)
	assert.Equal(t, 500, ledger.opts.Limit)
	assert.Equal(t, 2, ledger.opts.Offset)
	require.NotNil(t, ledger.opts.Since)
	assert.Nil(t, ledger.opts.Until)
	assert.Contains(t, rec.Body.String(), `"id":"t1"`)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/trades?since=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/trades?limit=-3").Code)

	ledger.err = errors.New("disk")
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/trades").Code)
}

func TestStatusHealthAndMetrics(t *testing.T) {
	checks := map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	h := newTestServer(t, &fakeLedger{}, nil, checks)

	rec := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"paper"`)

	rec = get(t, h, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"connection refused"`)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)

	assert.Equal(t, "# metrics\n", get(t, h, "/metrics").Body.String())
}

type fakeAudit struct{ opts domain.ListOpts }

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return []domain.AuditEntry{{ID: 7, Event: "gate.rejected", Detail: map[string]any{"symbol": "SOLUSDT"}}}, nil
}

func TestAuditEndpointOnlyWhenWired(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, newTestServer(t, &fakeLedger{}, nil, nil), "/api/audit").Code)

	audit := &fakeAudit{}
	h := NewServer(Config{}, Handlers{
		Health:    handler.NewHealthHandler(nil, discardLogger()),
		Positions: handler.NewPositionHandler(&fakeBook{}, discardLogger()),
		Trades:    handler.NewTradeHandler(&fakeLedger{}, discardLogger()),
		Status:    handler.NewStatusHandler(fakeStatus{}, discardLogger()),
		Audit:     handler.NewAuditHandler(audit, discardLogger()),
	}, nil, discardLogger()).Handler()

	rec := get(t, h, "/api/audit?symbol=solusdt&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SOLUSDT", audit.opts.Symbol)
	assert.Equal(t, 5, audit.opts.Limit)
	assert.Contains(t, rec.Body.String(), `"event":"gate.rejected"`)
}

func TestWritesAreNotRouted(t *testing.T) {
	h := newTestServer(t, &fakeLedger{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimitAndCORS(t *testing.T) {
	h := newTestServer(t, &fakeLedger{}, &denyLimiter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://dash.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, h, "/api/status")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := NewServer(Config{}, Handlers{
		Health:    handler.NewHealthHandler(nil, discardLogger()),
		Positions: handler.NewPositionHandler(&fakeBook{}, discardLogger()),
		Trades:    handler.NewTradeHandler(&fakeLedger{}, discardLogger()),
		Status:    handler.NewStatusHandler(fakeStatus{}, discardLogger()),
	}, nil, discardLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
