package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotbot/internal/book"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/executor"
	"github.com/alanyoungcy/spotbot/internal/indicator"
	"github.com/alanyoungcy/spotbot/internal/metrics"
	"github.com/alanyoungcy/spotbot/internal/notify"
	"github.com/alanyoungcy/spotbot/internal/risk"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

// ScanOutcome classifies what a scan did for one symbol.
type ScanOutcome string

const (
	OutcomeSkipped  ScanOutcome = "skipped"
	OutcomeHold     ScanOutcome = "hold"
	OutcomeRejected ScanOutcome = "rejected"
	OutcomeEntered  ScanOutcome = "entered"
	OutcomePending  ScanOutcome = "pending"
	OutcomeFailed   ScanOutcome = "failed"
)

// gateOrderSize names the final sizing check done under the lock.
const gateOrderSize = "order_size"

// Decision is the scan result for one symbol.
type Decision struct {
	Symbol     string
	Outcome    ScanOutcome
	Gate       string
	Detail     string
	Screening  strategy.EntryResult
	Advice     domain.Advice
	PositionID string
}

// ScannerConfig tunes the entry scanner.
type ScannerConfig struct {
	IntradayCandles     int
	DailyCandles        int
	FetchTimeout        time.Duration
	AdvisoryTimeout     time.Duration
	QuoteAsset          string
	UseSuggestedTargets bool
	// Paused stops new entries while exits keep running.
	Paused bool
}

// DefaultScannerConfig returns production bounds.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		IntradayCandles: 200,
		DailyCandles:    100,
		FetchTimeout:    20 * time.Second,
		AdvisoryTimeout: 45 * time.Second,
		QuoteAsset:      "USDT",
	}
}

// EntryScanner looks for entries on every tracked symbol and opens the ones
// that pass the advisor and the gate chain.
type EntryScanner struct {
	book     *book.Book
	policies Policies
	market   domain.MarketData
	advisor  domain.Advisor
	venue    Venue
	ledger   Ledger
	chain    *risk.Chain
	day      risk.DayWindow
	events   *Events
	metrics  *metrics.Metrics
	cfg      ScannerConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewEntryScanner creates an EntryScanner.
func NewEntryScanner(
	b *book.Book,
	policies Policies,
	market domain.MarketData,
	advisor domain.Advisor,
	venue Venue,
	ledger Ledger,
	chain *risk.Chain,
	day risk.DayWindow,
	events *Events,
	m *metrics.Metrics,
	cfg ScannerConfig,
	logger *slog.Logger,
) *EntryScanner {
	def := DefaultScannerConfig()
	if cfg.IntradayCandles <= 0 {
		cfg.IntradayCandles = def.IntradayCandles
	}
	if cfg.DailyCandles <= 0 {
		cfg.DailyCandles = def.DailyCandles
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.AdvisoryTimeout <= 0 {
		cfg.AdvisoryTimeout = def.AdvisoryTimeout
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = def.QuoteAsset
	}
	return &EntryScanner{
		book:     b,
		policies: policies,
		market:   market,
		advisor:  advisor,
		venue:    venue,
		ledger:   ledger,
		chain:    chain,
		day:      day,
		events:   events,
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "scanner")),
	}
}

// Run scans once; it is the scheduler entry point.
func (s *EntryScanner) Run(ctx context.Context) error {
	_, err := s.Scan(ctx)
	return err
}

// Scan evaluates every tracked symbol in order and returns one decision per
// symbol reached before ctx was cancelled.
func (s *EntryScanner) Scan(ctx context.Context) ([]Decision, error) {
	if s.cfg.Paused {
		s.logger.InfoContext(ctx, "scanner: trading paused, no entries")
		return nil, nil
	}
	symbols := s.policies.Symbols()
	out := make([]Decision, 0, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, err := s.scanSymbol(ctx, symbol)
		if err != nil {
			d.Outcome = OutcomeFailed
			d.Detail = err.Error()
			s.logger.WarnContext(ctx, "scanner: symbol failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		out = append(out, d)
	}
	s.logger.InfoContext(ctx, "scanner: scan done", slog.Int("symbols", len(out)))
	return out, nil
}

func (s *EntryScanner) scanSymbol(ctx context.Context, symbol string) (Decision, error) {
	d := Decision{Symbol: symbol, Outcome: OutcomeSkipped}
	if halted, reason := s.book.IsHalted(symbol); halted {
		d.Detail = "halted: " + reason
		return d, nil
	}
	if pos, ok := s.book.Get(symbol); ok {
		d.Detail = "active position " + pos.ID
		return d, nil
	}

	policy, err := s.policies.ForSymbol(symbol)
	if err != nil {
		return d, fmt.Errorf("scanner: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	intraday, err := s.market.RecentCandles(fetchCtx, symbol, domain.Timeframe4h, s.cfg.IntradayCandles)
	if err != nil {
		return d, fmt.Errorf("scanner: candles %s %s: %w", symbol, domain.Timeframe4h, err)
	}
	daily, err := s.market.RecentCandles(fetchCtx, symbol, domain.Timeframe1d, s.cfg.DailyCandles)
	if err != nil {
		return d, fmt.Errorf("scanner: candles %s %s: %w", symbol, domain.Timeframe1d, err)
	}
	ticker, err := s.market.Ticker24h(fetchCtx, symbol)
	if err != nil {
		return d, fmt.Errorf("scanner: ticker %s: %w", symbol, err)
	}

	snap := indicator.Compute(intraday, daily)
	d.Screening = policy.EvaluateEntry(snap)
	s.logger.InfoContext(ctx, "scanner: screening",
		slog.String("symbol", symbol),
		slog.Bool("pass", d.Screening.Pass),
		slog.String("reason", d.Screening.Reason),
	)

	price := ticker.LastPrice
	if price <= 0 {
		price = snap.Price
	}
	if price <= 0 {
		return d, fmt.Errorf("scanner: %s has no usable price: %w", symbol, domain.ErrTransient)
	}

	advCtx, advCancel := context.WithTimeout(ctx, s.cfg.AdvisoryTimeout)
	defer advCancel()
	advice, err := s.advisor.ProposeDecision(advCtx, domain.MarketSnapshot{
		Symbol:      symbol,
		Price:       price,
		Ticker:      ticker,
		Indicators:  snap.Map(),
		Screening:   d.Screening.Reason,
		EntryPassed: d.Screening.Pass,
		Time:        s.now(),
	})
	if err != nil {
		return d, fmt.Errorf("scanner: advisory %s: %w", symbol, err)
	}
	d.Advice = advice
	if advice.Action != domain.ActionBuy {
		d.Outcome = OutcomeHold
		d.Detail = fmt.Sprintf("advisor %s (%s)", advice.Action, advice.Source)
		return d, nil
	}

	in, rules, err := s.gateInput(ctx, symbol, policy, ticker, advice)
	if err != nil {
		return d, err
	}
	verdict := s.chain.Evaluate(in)
	if !verdict.Approved {
		d.Outcome = OutcomeRejected
		d.Gate = verdict.Gate
		d.Detail = verdict.Detail
		s.rejected(ctx, d)
		return d, nil
	}
	return s.enter(ctx, d, policy, in, rules, price)
}

// gateInput gathers the state the gate chain judges.
func (s *EntryScanner) gateInput(
	ctx context.Context,
	symbol string,
	policy strategy.Policy,
	ticker domain.Ticker24h,
	advice domain.Advice,
) (risk.Input, domain.SymbolRules, error) {
	now := s.now()
	count, err := s.ledger.MonthlyTradeCount(ctx, symbol, s.day.Month(now))
	if err != nil {
		return risk.Input{}, domain.SymbolRules{}, fmt.Errorf("scanner: trade count %s: %w", symbol, err)
	}
	rules, err := s.venue.SymbolRules(ctx, symbol)
	if err != nil {
		return risk.Input{}, domain.SymbolRules{}, fmt.Errorf("scanner: rules %s: %w", symbol, err)
	}
	quote := rules.QuoteAsset
	if quote == "" {
		quote = s.cfg.QuoteAsset
	}
	balance, err := s.venue.FreeBalance(ctx, quote)
	if err != nil {
		return risk.Input{}, domain.SymbolRules{}, fmt.Errorf("scanner: balance %s: %w", quote, err)
	}
	pnl, err := s.ledger.RealizedPnLSince(ctx, s.day.DayStart(now))
	if err != nil {
		return risk.Input{}, domain.SymbolRules{}, fmt.Errorf("scanner: realized pnl: %w", err)
	}
	return risk.Input{
		Symbol:            symbol,
		MonthlyTrades:     count,
		MaxTradesPerMonth: policy.MaxTradesPerMonth(),
		OpenPositions:     s.book.ActiveCount(),
		AvailableBalance:  balance,
		SizeFraction:      policy.PositionSizeFraction(),
		VenueMinNotional:  rules.MinNotional,
		QuoteVolume24h:    ticker.QuoteVolume,
		Confidence:        advice.Confidence,
		RealizedPnLToday:  pnl,
	}, rules, nil
}

func (s *EntryScanner) rejected(ctx context.Context, d Decision) {
	s.metrics.GateRejection(d.Symbol, d.Gate)
	s.logger.InfoContext(ctx, "scanner: entry rejected",
		slog.String("symbol", d.Symbol),
		slog.String("gate", d.Gate),
		slog.String("detail", d.Detail),
	)
	s.events.Record(ctx, "gate.rejected", map[string]any{
		"symbol":     d.Symbol,
		"gate":       d.Gate,
		"detail":     d.Detail,
		"confidence": d.Advice.Confidence,
	})
	s.events.notifier.Notify(ctx, notify.EventRejected, "Entry rejected: "+d.Symbol, d.Gate+": "+d.Detail)
}

// enter re-checks the slot under the symbol's lock, sizes the order and
// runs the stage, place, confirm sequence.
func (s *EntryScanner) enter(
	ctx context.Context,
	d Decision,
	policy strategy.Policy,
	in risk.Input,
	rules domain.SymbolRules,
	price float64,
) (Decision, error) {
	fx := &effects{}
	err := s.book.WithSymbol(ctx, d.Symbol, func(tx *book.Tx) error {
		if pos, ok := tx.Position(); ok {
			d.Outcome, d.Detail = OutcomeSkipped, "active position "+pos.ID
			return nil
		}
		if halted, reason := s.book.IsHalted(d.Symbol); halted {
			d.Outcome, d.Detail = OutcomeSkipped, "halted: "+reason
			return nil
		}
		limits := s.chain.Limits()
		if open := s.book.ActiveCount(); open >= limits.MaxOpenPositions {
			d.Outcome, d.Gate = OutcomeRejected, risk.GateCapacity
			d.Detail = fmt.Sprintf("%d open positions (max %d)", open, limits.MaxOpenPositions)
			return nil
		}
		qty := rules.RoundQty(risk.OrderNotional(in, limits) / price)
		if floor := risk.MinNotional(in, limits); qty <= 0 || qty < rules.MinQty || qty*price < floor {
			d.Outcome, d.Gate = OutcomeRejected, gateOrderSize
			d.Detail = fmt.Sprintf("quantity %g at %g is below the minimum order", qty, price)
			return nil
		}

		now := s.now()
		clientID := executor.NewClientOrderID(domain.PendingEntry)
		staged := domain.Position{
			ID:               uuid.NewString(),
			Symbol:           d.Symbol,
			Strategy:         policy.Name(),
			EntryPrice:       price,
			EntryTime:        now,
			OriginalQuantity: qty,
			Quantity:         qty,
			Status:           domain.PositionStatusPendingEntry,
			Confidence:       d.Advice.Confidence,
			Pending: &domain.PendingOrder{
				Kind:          domain.PendingEntry,
				ClientOrderID: clientID,
				Side:          domain.OrderSideBuy,
				Quantity:      qty,
				PlacedAt:      now,
			},
		}
		if err := tx.Stage(staged); err != nil {
			return err
		}
		d.PositionID = staged.ID

		fill, err := s.venue.Execute(tx.Context(), domain.OrderRequest{
			Symbol:        d.Symbol,
			Side:          domain.OrderSideBuy,
			Quantity:      qty,
			ClientOrderID: clientID,
		})
		switch {
		case err == nil:
			var suggested []float64
			if s.cfg.UseSuggestedTargets {
				suggested = d.Advice.SuggestedTakeProfits
			}
			if _, err := confirmEntry(tx, staged, policy, fill, suggested, s.day.Month(now), now, fx); err != nil {
				return err
			}
			d.Outcome = OutcomeEntered
			return nil
		case errors.Is(err, domain.ErrAmbiguousFill):
			d.Outcome, d.Detail = OutcomePending, err.Error()
			fx.alert(notify.SeverityWarning, "Entry unconfirmed: "+d.Symbol,
				"buy of %g (%s) will be reconciled: %v", qty, clientID, err)
			return nil
		default:
			d.Outcome, d.Detail = OutcomeFailed, err.Error()
			d.PositionID = ""
			return tx.Delete()
		}
	})
	s.events.flush(ctx, fx)
	if d.Outcome == OutcomeRejected {
		s.rejected(ctx, d)
	}
	return d, err
}
