package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/book"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/notify"
	"github.com/alanyoungcy/spotbot/internal/risk"
	"github.com/alanyoungcy/spotbot/internal/store/filestore"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

const sym = "SOLUSDT"

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeMarket struct {
	mu     sync.Mutex
	price  float64
	volume float64
}

func (f *fakeMarket) set(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = p
}

func (f *fakeMarket) RecentCandles(_ context.Context, _ string, tf domain.Timeframe, n int) ([]domain.Candle, error) {
	step := 4 * time.Hour
	if tf == domain.Timeframe1d {
		step = 24 * time.Hour
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		c := 90 + float64(i%20)
		out[i] = domain.Candle{
			OpenTime:  start.Add(time.Duration(i) * step),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    1000,
			CloseTime: start.Add(time.Duration(i+1) * step),
		}
	}
	return out, nil
}

func (f *fakeMarket) CurrentPrice(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeMarket) Ticker24h(_ context.Context, symbol string) (domain.Ticker24h, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.Ticker24h{Symbol: symbol, LastPrice: f.price, QuoteVolume: f.volume}, nil
}

type fakeAdvisor struct{ advice domain.Advice }

func (f *fakeAdvisor) ProposeDecision(context.Context, domain.MarketSnapshot) (domain.Advice, error) {
	return f.advice, nil
}

type fakeVenue struct {
	mu       sync.Mutex
	market   *fakeMarket
	placeErr error
	queryErr error
	orders   []domain.OrderRequest
	fills    map[string]domain.Fill
	balance  float64
}

func (v *fakeVenue) Execute(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	price, _ := v.market.CurrentPrice(ctx, req.Symbol)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = append(v.orders, req)
	if v.placeErr != nil {
		return domain.Fill{}, v.placeErr
	}
	fill := domain.Fill{
		OrderID:       fmt.Sprint(len(v.orders)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        domain.OrderStatusFilled,
		ExecutedQty:   req.Quantity,
		AvgPrice:      price,
		QuoteQty:      price * req.Quantity,
	}
	v.fills[req.ClientOrderID] = fill
	return fill, nil
}

func (v *fakeVenue) Reconcile(_ context.Context, _ string, clientOrderID string) (domain.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.queryErr != nil {
		return domain.Fill{}, v.queryErr
	}
	f, ok := v.fills[clientOrderID]
	if !ok {
		return domain.Fill{}, domain.ErrNotFound
	}
	return f, nil
}

func (v *fakeVenue) FreeBalance(context.Context, string) (float64, error) { return v.balance, nil }

func (v *fakeVenue) SymbolRules(_ context.Context, symbol string) (domain.SymbolRules, error) {
	return domain.SymbolRules{
		Symbol:      symbol,
		BaseAsset:   "SOL",
		QuoteAsset:  "USDT",
		StepSize:    0.001,
		MinQty:      0.001,
		MinNotional: 5,
	}, nil
}

func (v *fakeVenue) sides() []domain.OrderSide {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.OrderSide, len(v.orders))
	for i, o := range v.orders {
		out[i] = o.Side
	}
	return out
}

type inbox struct {
	mu     sync.Mutex
	titles []string
}

func (i *inbox) Send(_ context.Context, title, _ string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.titles = append(i.titles, title)
	return nil
}

func (i *inbox) Name() string { return "inbox" }

// exitFailingStore fails RecordExit on demand.
type exitFailingStore struct {
	*filestore.Store
	fail bool
}

func (s *exitFailingStore) RecordExit(ctx context.Context, pos domain.Position, trade domain.ClosedTrade) error {
	if s.fail {
		return fmt.Errorf("disk full")
	}
	return s.Store.RecordExit(ctx, pos, trade)
}

type harness struct {
	store   *exitFailingStore
	book    *book.Book
	market  *fakeMarket
	venue   *fakeVenue
	advisor *fakeAdvisor
	inbox   *inbox
	scanner *EntryScanner
	monitor *PositionMonitor
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	params := strategy.TieredDefaults()
	params.TakeProfits = []strategy.Level{{Pct: 0.15, Fraction: 0.5}, {Pct: 0.40, Fraction: 0.5}}
	policy, err := strategy.New("tiered", params)
	require.NoError(t, err)
	reg := strategy.NewRegistry()
	reg.Register(policy)
	require.NoError(t, reg.Assign(sym, "tiered"))

	h := &harness{
		store:   &exitFailingStore{Store: fs},
		market:  &fakeMarket{price: 100, volume: 1e9},
		advisor: &fakeAdvisor{advice: domain.Advice{Action: domain.ActionBuy, Confidence: 80, Source: "advisor"}},
		inbox:   &inbox{},
		now:     time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	h.venue = &fakeVenue{market: h.market, fills: map[string]domain.Fill{}, balance: 1000}
	h.book = book.New(h.store, nil, book.Config{}, quiet())
	day, err := risk.NewDayWindow("")
	require.NoError(t, err)

	notifier := notify.NewNotifier([]notify.Sender{h.inbox}, nil, notify.SeverityInfo, nil, quiet())
	events := NewEvents(nil, nil, notifier, nil, quiet())
	clock := func() time.Time { return h.now }

	h.scanner = NewEntryScanner(h.book, reg, h.market, h.advisor, h.venue, h.store,
		risk.DefaultChain(risk.DefaultLimits()), day, events, nil, ScannerConfig{}, quiet())
	h.scanner.now = clock
	h.monitor = NewPositionMonitor(h.book, reg, h.market, h.venue, day, events, nil,
		MonitorConfig{MaxReconcileAttempts: 2}, quiet())
	h.monitor.now = clock
	return h
}

func (h *harness) scan(t *testing.T) Decision {
	t.Helper()
	ds, err := h.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func (h *harness) tick(t *testing.T, price float64) {
	t.Helper()
	h.market.set(price)
	require.NoError(t, h.monitor.Tick(context.Background()))
}

func (h *harness) monthlyCount(t *testing.T) int {
	t.Helper()
	n, err := h.store.MonthlyTradeCount(context.Background(), sym, "2026-05")
	require.NoError(t, err)
	return n
}

func (h *harness) open(t *testing.T) domain.Position {
	t.Helper()
	d := h.scan(t)
	require.Equal(t, OutcomeEntered, d.Outcome, d.Detail)
	pos, ok := h.book.Get(sym)
	require.True(t, ok)
	return pos
}

func TestScanOpensPosition(t *testing.T) {
	h := newHarness(t)
	pos := h.open(t)

	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, domain.PhaseMinHold, pos.Phase)
	assert.InDelta(t, 3.6, pos.Quantity, 1e-9)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.InDelta(t, 92.0, pos.StopLossPrice, 1e-9)
	require.Len(t, pos.TakeProfitTargets, 2)
	assert.InDelta(t, 115.0, pos.TakeProfitTargets[0].Price, 1e-9)
	assert.Nil(t, pos.Pending)
	assert.Equal(t, 1, h.monthlyCount(t))
	assert.Equal(t, []domain.OrderSide{domain.OrderSideBuy}, h.venue.sides())
	assert.Contains(t, h.inbox.titles, "Opened SOLUSDT")

	d := h.scan(t)
	assert.Equal(t, OutcomeSkipped, d.Outcome)
}

type cappedLedger struct {
	Ledger
	count int
}

func (c cappedLedger) MonthlyTradeCount(context.Context, string, string) (int, error) {
	return c.count, nil
}

func TestMonthlyCapRejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	h.scanner.ledger = cappedLedger{Ledger: h.store, count: 1}

	d := h.scan(t)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, risk.GateMonthlyCap, d.Gate)
	assert.Empty(t, h.venue.sides())
	assert.Zero(t, h.book.ActiveCount())
	assert.Zero(t, h.monthlyCount(t))
	stored, err := h.store.LoadPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestAdvisorHoldStopsBeforeGates(t *testing.T) {
	h := newHarness(t)
	h.advisor.advice = domain.Advice{Action: domain.ActionHold, Confidence: 95, Source: "advisor"}
	d := h.scan(t)
	assert.Equal(t, OutcomeHold, d.Outcome)
	assert.Empty(t, h.venue.sides())
}

func TestLowConfidenceRejected(t *testing.T) {
	h := newHarness(t)
	h.advisor.advice.Confidence = 50
	d := h.scan(t)
	assert.Equal(t, risk.GateConfidence, d.Gate)
	assert.Empty(t, h.venue.sides())
}

func TestPausedScannerOpensNothing(t *testing.T) {
	h := newHarness(t)
	h.scanner.cfg.Paused = true
	ds, err := h.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ds)
	assert.Empty(t, h.venue.sides())
}

func TestRejectedEntryLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.venue.placeErr = fmt.Errorf("venue said no: %w", domain.ErrOrderRejected)
	d := h.scan(t)
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.Zero(t, h.book.ActiveCount())
	assert.Zero(t, h.monthlyCount(t))
}

func TestAmbiguousEntryIsReconciledByMonitor(t *testing.T) {
	h := newHarness(t)
	h.venue.placeErr = fmt.Errorf("timeout: %w", domain.ErrAmbiguousFill)
	d := h.scan(t)
	assert.Equal(t, OutcomePending, d.Outcome)

	staged, ok := h.book.Get(sym)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusPendingEntry, staged.Status)
	require.NotNil(t, staged.Pending)
	assert.Zero(t, h.monthlyCount(t))

	d = h.scan(t)
	assert.Equal(t, OutcomeSkipped, d.Outcome)

	h.venue.fills[staged.Pending.ClientOrderID] = domain.Fill{
		OrderID:       "77",
		ClientOrderID: staged.Pending.ClientOrderID,
		Symbol:        sym,
		Side:          domain.OrderSideBuy,
		Status:        domain.OrderStatusFilled,
		ExecutedQty:   staged.Quantity,
		AvgPrice:      101,
	}
	h.tick(t, 101)

	pos, ok := h.book.Get(sym)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, 101.0, pos.EntryPrice)
	assert.Equal(t, "77", pos.EntryOrderID)
	assert.Equal(t, 1, h.monthlyCount(t))
}

func TestEarlyStopLossClosesEverything(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.now = h.now.Add(3 * 24 * time.Hour)
	h.tick(t, 91.9)

	_, ok := h.book.Get(sym)
	assert.False(t, ok)
	trades, err := h.store.ListClosedTrades(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitStopLossEarly, trades[0].Reason)
	assert.True(t, trades[0].Final)
	assert.InDelta(t, 3.6, trades[0].Quantity, 1e-9)
	assert.NotEmpty(t, trades[0].ID)
}

func TestTakeProfitThenTrailingStop(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.now = h.now.Add(8 * 24 * time.Hour)

	h.tick(t, 115)
	pos, ok := h.book.Get(sym)
	require.True(t, ok)
	assert.True(t, pos.TP1Hit)
	assert.InDelta(t, 1.8, pos.Quantity, 1e-9)
	assert.Equal(t, domain.PositionStatusPartiallyClosed, pos.Status)

	h.tick(t, 130)
	pos, _ = h.book.Get(sym)
	assert.Equal(t, 130.0, pos.HighestPriceSeen)
	assert.InDelta(t, 1.8, pos.Quantity, 1e-9)

	h.tick(t, 120)
	_, ok = h.book.Get(sym)
	assert.False(t, ok)

	trades, err := h.store.ListClosedTrades(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.ExitTrailingStop, trades[0].Reason)
	assert.Equal(t, domain.ExitTakeProfit1, trades[1].Reason)
	assert.InDelta(t, 1.0, trades[0].Fraction+trades[1].Fraction, 1e-9)
	assert.Equal(t, []domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell, domain.OrderSideSell}, h.venue.sides())
}

func TestMinHoldSuppressesTakeProfit(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.now = h.now.Add(2 * 24 * time.Hour)
	h.tick(t, 120)
	pos, _ := h.book.Get(sym)
	assert.False(t, pos.TP1Hit)
	assert.Equal(t, 120.0, pos.HighestPriceSeen)
	assert.Len(t, h.venue.sides(), 1)
}

func TestAmbiguousExitClearedWhenVenueNeverSawIt(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.now = h.now.Add(8 * 24 * time.Hour)

	h.venue.placeErr = fmt.Errorf("timeout: %w", domain.ErrAmbiguousFill)
	h.tick(t, 115)
	pos, _ := h.book.Get(sym)
	require.NotNil(t, pos.Pending)
	assert.Equal(t, domain.PendingExit, pos.Pending.Kind)
	assert.InDelta(t, 3.6, pos.Quantity, 1e-9)

	// While pending, a tick reconciles instead of evaluating.
	h.venue.placeErr = nil
	h.tick(t, 115)
	pos, _ = h.book.Get(sym)
	assert.Nil(t, pos.Pending)
	assert.InDelta(t, 3.6, pos.Quantity, 1e-9)

	h.tick(t, 115)
	pos, _ = h.book.Get(sym)
	assert.InDelta(t, 1.8, pos.Quantity, 1e-9)
}

func TestStuckReconciliationAlerts(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.now = h.now.Add(8 * 24 * time.Hour)
	h.venue.placeErr = fmt.Errorf("timeout: %w", domain.ErrAmbiguousFill)
	h.tick(t, 115)

	h.venue.queryErr = fmt.Errorf("venue down: %w", domain.ErrTransient)
	h.tick(t, 115)
	h.tick(t, 115)
	pos, _ := h.book.Get(sym)
	require.NotNil(t, pos.Pending)
	assert.Equal(t, 2, pos.Pending.Attempts)
	assert.Contains(t, h.inbox.titles, "[CRITICAL] Reconciliation stuck: SOLUSDT")
}

func TestUnrecordedExitHaltsSymbol(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.store.fail = true
	h.now = h.now.Add(24 * time.Hour)
	h.tick(t, 80)

	halted, reason := h.book.IsHalted(sym)
	assert.True(t, halted)
	assert.Contains(t, reason, "not recorded")
	assert.Contains(t, h.inbox.titles, "[CRITICAL] Symbol halted: SOLUSDT")

	// A halted symbol is left alone by both loops.
	sells := len(h.venue.sides())
	h.tick(t, 70)
	assert.Len(t, h.venue.sides(), sells)
	assert.Equal(t, OutcomeSkipped, h.scan(t).Outcome)
}

func TestReporterStatus(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	reg := strategy.NewRegistry()
	day, _ := risk.NewDayWindow("")
	r := NewReporter(h.book, h.store, reg, day, h.scanner.events, "paper", false, func() string { return "closed" }, quiet())
	r.now = func() time.Time { return h.now }

	st, err := r.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "paper", st.Mode)
	require.Len(t, st.Positions, 1)
	assert.InDelta(t, 360.0, st.Exposure, 1e-9)
	assert.Equal(t, "closed", st.BreakerState)
	assert.Contains(t, FormatStatus(st), "SOLUSDT open qty 3.6")

	require.NoError(t, r.Report(context.Background()))
	assert.Contains(t, h.inbox.titles, "spotbot status")
}

func TestTakeProfitsAdoptValidSuggestions(t *testing.T) {
	policy, err := strategy.New("t", strategy.TieredDefaults())
	require.NoError(t, err)

	got := takeProfits(policy, 100, []float64{112, 135})
	assert.Equal(t, 112.0, got[0].Price)
	assert.Equal(t, 0.5, got[0].Fraction)

	for _, bad := range [][]float64{nil, {112}, {135, 112}, {99, 120}} {
		got := takeProfits(policy, 100, bad)
		assert.InDelta(t, 115.0, got[0].Price, 1e-9)
	}
}
