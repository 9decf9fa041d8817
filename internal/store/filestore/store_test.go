package filestore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

func position(symbol string) domain.Position {
	return domain.Position{
		ID:               symbol + "-1",
		Symbol:           symbol,
		EntryPrice:       10,
		EntryTime:        time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		OriginalQuantity: 100,
		Quantity:         100,
		Status:           domain.PositionStatusOpen,
		TakeProfitTargets: []domain.TakeProfitTarget{
			{Price: 11.5, Fraction: 0.5},
			{Price: 13, Fraction: 0.5},
		},
	}
}

func TestOpenPersistsPositionAndCount(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.OpenPosition(ctx, position("SOLUSDT"), "2026-05"))

	reopened, err := Open(dir)
	require.NoError(t, err)
	positions, err := reopened.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "SOLUSDT", positions[0].Symbol)
	assert.Equal(t, 11.5, positions[0].TakeProfitTargets[0].Price)

	n, err := reopened.MonthlyTradeCount(ctx, "SOLUSDT", "2026-05")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = reopened.MonthlyTradeCount(ctx, "SOLUSDT", "2026-06")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenRefusesSecondPositionForSymbol(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.OpenPosition(ctx, position("SOLUSDT"), "2026-05"))

	other := position("SOLUSDT")
	other.ID = "different"
	err = s.OpenPosition(ctx, other, "2026-05")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	n, _ := s.MonthlyTradeCount(ctx, "SOLUSDT", "2026-05")
	assert.Equal(t, 1, n)
}

func TestRecordExitAppendsLedgerAndClosesPosition(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	pos := position("DOGEUSDT")
	require.NoError(t, s.OpenPosition(ctx, pos, "2026-05"))

	pos.Quantity = 0
	pos.Status = domain.PositionStatusClosed
	exitTime := time.Date(2026, 5, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordExit(ctx, pos, domain.ClosedTrade{
		ID: "t1", Symbol: "DOGEUSDT", Reason: domain.ExitStopLossEarly, PnL: -8, ExitTime: exitTime, Final: true,
	}))

	positions, err := s.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	trades, err := s.ListClosedTrades(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitStopLossEarly, trades[0].Reason)

	pnl, err := s.RealizedPnLSince(ctx, exitTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, -8.0, pnl)
	pnl, err = s.RealizedPnLSince(ctx, exitTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pnl)

	// The count survives the close.
	n, _ := s.MonthlyTradeCount(ctx, "DOGEUSDT", "2026-05")
	assert.Equal(t, 1, n)
}

func TestOpenReplaysUnflushedLedgerRows(t *testing.T) {
	dir := t.TempDir()
	st := emptyState()
	st.Unflushed = []domain.ClosedTrade{{ID: "a", Symbol: "SOLUSDT", PnL: 3}}
	b := []byte(`{"positions":{},"trade_counts":{},"unflushed":[{"id":"a","symbol":"SOLUSDT","pnl":3}]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), b, 0o600))

	s, err := Open(dir)
	require.NoError(t, err)
	trades, err := s.ListClosedTrades(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "a", trades[0].ID)
	assert.Empty(t, s.st.Unflushed)

	// A second replay does not duplicate the row.
	s.st.Unflushed = st.Unflushed
	require.NoError(t, s.flushLedger())
	trades, _ = s.ListClosedTrades(context.Background(), domain.ListOpts{})
	assert.Len(t, trades, 1)
}

func TestOpenRepairsTornLedgerTail(t *testing.T) {
	dir := t.TempDir()
	kept := []byte(`{"id":"old","symbol":"DOGEUSDT","pnl":1}` + "\n")
	torn := []byte(`{"id":"t-1","symbol":"SOLUSDT","exit_pri`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ledgerFile), append(kept, torn...), 0o600))
	b := []byte(`{"positions":{},"trade_counts":{},"unflushed":[{"id":"t-1","symbol":"SOLUSDT","pnl":-42}]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), b, 0o600))

	s, err := Open(dir)
	require.NoError(t, err)
	assert.Empty(t, s.st.Unflushed)

	trades, err := s.ListClosedTrades(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	ids := []string{trades[0].ID, trades[1].ID}
	assert.ElementsMatch(t, []string{"old", "t-1"}, ids)

	pnl, err := s.RealizedPnLSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, -41, pnl, 1e-9)

	raw, err := os.ReadFile(filepath.Join(dir, ledgerFile))
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(raw, []byte("\n")))
}

func TestListClosedTradesFilters(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, sym := range []string{"A", "B", "A", "A"} {
		p := position(sym)
		p.Quantity = 0
		p.Status = domain.PositionStatusClosed
		require.NoError(t, s.RecordExit(ctx, p, domain.ClosedTrade{
			Symbol: sym, ExitTime: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := s.ListClosedTrades(ctx, domain.ListOpts{Symbol: "A"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].ExitTime.After(all[1].ExitTime))

	page, err := s.ListClosedTrades(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, base.Add(2*time.Hour), page[0].ExitTime)

	until := base.Add(time.Hour)
	early, err := s.ListClosedTrades(ctx, domain.ListOpts{Until: &until})
	require.NoError(t, err)
	assert.Len(t, early, 1)
}
