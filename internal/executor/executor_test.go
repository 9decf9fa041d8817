package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

type fakeVenue struct {
	place func(ctx context.Context, req domain.OrderRequest) (domain.Fill, error)
	query func(ctx context.Context, symbol, cid string) (domain.Fill, error)
	calls atomic.Int32
}

func (f *fakeVenue) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	f.calls.Add(1)
	return f.place(ctx, req)
}

func (f *fakeVenue) QueryOrder(ctx context.Context, symbol, cid string) (domain.Fill, error) {
	return f.query(ctx, symbol, cid)
}

func (f *fakeVenue) FreeBalance(context.Context, string) (float64, error) { return 100, nil }

func (f *fakeVenue) SymbolRules(context.Context, string) (domain.SymbolRules, error) {
	return domain.SymbolRules{StepSize: 0.01}, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func order(cid string) domain.OrderRequest {
	return domain.OrderRequest{Symbol: "SOLUSDT", Side: domain.OrderSideSell, Quantity: 1, ClientOrderID: cid}
}

func TestExecuteFilled(t *testing.T) {
	v := &fakeVenue{place: func(_ context.Context, req domain.OrderRequest) (domain.Fill, error) {
		return domain.Fill{ClientOrderID: req.ClientOrderID, Status: domain.OrderStatusFilled, ExecutedQty: 1, AvgPrice: 100}, nil
	}}
	e := New(v, Config{}, nil, quietLogger())
	fill, err := e.Execute(context.Background(), order("c1"))
	require.NoError(t, err)
	assert.Equal(t, 100.0, fill.AvgPrice)
}

func TestExecuteTimeoutIsAmbiguous(t *testing.T) {
	v := &fakeVenue{place: func(ctx context.Context, _ domain.OrderRequest) (domain.Fill, error) {
		<-ctx.Done()
		return domain.Fill{}, ctx.Err()
	}}
	e := New(v, Config{OrderTimeout: 10 * time.Millisecond}, nil, quietLogger())
	_, err := e.Execute(context.Background(), order("c1"))
	assert.ErrorIs(t, err, domain.ErrAmbiguousFill)
}

func TestExecuteRejection(t *testing.T) {
	v := &fakeVenue{place: func(context.Context, domain.OrderRequest) (domain.Fill, error) {
		return domain.Fill{}, domain.ErrOrderRejected
	}}
	e := New(v, Config{}, nil, quietLogger())
	_, err := e.Execute(context.Background(), order("c1"))
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.NotErrorIs(t, err, domain.ErrAmbiguousFill)
}

func TestExecuteTerminalWithoutExecutionIsRejected(t *testing.T) {
	v := &fakeVenue{place: func(context.Context, domain.OrderRequest) (domain.Fill, error) {
		return domain.Fill{Status: domain.OrderStatusExpired}, nil
	}}
	e := New(v, Config{}, nil, quietLogger())
	_, err := e.Execute(context.Background(), order("c1"))
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
}

func TestExecuteOpenOrderIsAmbiguous(t *testing.T) {
	v := &fakeVenue{place: func(context.Context, domain.OrderRequest) (domain.Fill, error) {
		return domain.Fill{Status: domain.OrderStatusNew}, nil
	}}
	e := New(v, Config{}, nil, quietLogger())
	_, err := e.Execute(context.Background(), order("c1"))
	assert.ErrorIs(t, err, domain.ErrAmbiguousFill)
}

func TestExecuteRefusesDuplicateClientOrderID(t *testing.T) {
	v := &fakeVenue{place: func(context.Context, domain.OrderRequest) (domain.Fill, error) {
		return domain.Fill{Status: domain.OrderStatusFilled, ExecutedQty: 1}, nil
	}}
	e := New(v, Config{}, nil, quietLogger())
	_, err := e.Execute(context.Background(), order("same"))
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), order("same"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, int32(1), v.calls.Load())
}

func TestExecuteValidatesRequest(t *testing.T) {
	e := New(&fakeVenue{}, Config{}, nil, quietLogger())
	_, err := e.Execute(context.Background(), domain.OrderRequest{Symbol: "SOLUSDT", ClientOrderID: "c"})
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
}

func TestBreakerOpensAfterTransportFailures(t *testing.T) {
	v := &fakeVenue{place: func(context.Context, domain.OrderRequest) (domain.Fill, error) {
		return domain.Fill{}, errors.Join(domain.ErrTransient, errors.New("connection reset"))
	}}
	e := New(v, Config{BreakerFailures: 2, BreakerCooldown: time.Hour}, nil, quietLogger())
	for _, cid := range []string{"a", "b"} {
		_, err := e.Execute(context.Background(), order(cid))
		assert.ErrorIs(t, err, domain.ErrAmbiguousFill)
	}
	assert.Equal(t, "open", e.BreakerState())

	_, err := e.Execute(context.Background(), order("c"))
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.NotErrorIs(t, err, domain.ErrAmbiguousFill)
	assert.Equal(t, int32(2), v.calls.Load())
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	v := &fakeVenue{place: func(context.Context, domain.OrderRequest) (domain.Fill, error) {
		return domain.Fill{}, domain.ErrOrderRejected
	}}
	e := New(v, Config{BreakerFailures: 1}, nil, quietLogger())
	for _, cid := range []string{"a", "b", "c"} {
		_, _ = e.Execute(context.Background(), order(cid))
	}
	assert.Equal(t, "closed", e.BreakerState())
}

func TestReconcilePassesNotFound(t *testing.T) {
	v := &fakeVenue{query: func(context.Context, string, string) (domain.Fill, error) {
		return domain.Fill{}, domain.ErrNotFound
	}}
	e := New(v, Config{}, nil, quietLogger())
	_, err := e.Reconcile(context.Background(), "SOLUSDT", "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNewClientOrderID(t *testing.T) {
	id := NewClientOrderID(domain.PendingExit)
	assert.Len(t, id, 36)
	assert.Equal(t, "sbx-", id[:4])
	assert.NotEqual(t, id, NewClientOrderID(domain.PendingExit))
	assert.Equal(t, "sbe-", NewClientOrderID(domain.PendingEntry)[:4])
}

func TestDedupExpiry(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
	assert.False(t, d.IsDuplicate("a"))
}
