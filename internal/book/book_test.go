package book

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/store/filestore"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newBook(t *testing.T) (*Book, *filestore.Store) {
	t.Helper()
	store, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	return New(store, nil, Config{}, discardLogger()), store
}

func openPos(symbol string) domain.Position {
	return domain.Position{
		ID:               symbol + "-id",
		Symbol:           symbol,
		EntryPrice:       1,
		EntryTime:        time.Now().UTC(),
		OriginalQuantity: 10,
		Quantity:         10,
		Status:           domain.PositionStatusOpen,
	}
}

// failingStore fails every write.
type failingStore struct{ domain.StateStore }

var errDisk = errors.New("disk full")

func (failingStore) SavePosition(context.Context, domain.Position) error { return errDisk }
func (failingStore) OpenPosition(context.Context, domain.Position, string) error {
	return errDisk
}
func (failingStore) RecordExit(context.Context, domain.Position, domain.ClosedTrade) error {
	return errDisk
}

func TestOpenAndExitThroughSection(t *testing.T) {
	ctx := context.Background()
	b, store := newBook(t)

	err := b.WithSymbol(ctx, "SOLUSDT", func(tx *Tx) error {
		return tx.Open(openPos("SOLUSDT"), "2026-05")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.ActiveCount())

	err = b.WithSymbol(ctx, "SOLUSDT", func(tx *Tx) error {
		pos, ok := tx.Position()
		require.True(t, ok)
		pos.Quantity = 0
		pos.Status = domain.PositionStatusClosed
		return tx.RecordExit(pos, domain.ClosedTrade{ID: "t", Symbol: "SOLUSDT", Final: true})
	})
	require.NoError(t, err)
	assert.Zero(t, b.ActiveCount())
	require.Len(t, b.RecentlyClosed(), 1)

	n, err := store.MonthlyTradeCount(ctx, "SOLUSDT", "2026-05")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenRefusesWhenSymbolOccupied(t *testing.T) {
	ctx := context.Background()
	b, _ := newBook(t)
	require.NoError(t, b.WithSymbol(ctx, "SOLUSDT", func(tx *Tx) error {
		return tx.Open(openPos("SOLUSDT"), "2026-05")
	}))

	second := openPos("SOLUSDT")
	second.ID = "other"
	err := b.WithSymbol(ctx, "SOLUSDT", func(tx *Tx) error { return tx.Open(second, "2026-05") })
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestStagedEntryCanBeOpenedOrDeleted(t *testing.T) {
	ctx := context.Background()
	b, _ := newBook(t)
	staged := openPos("DOGEUSDT")
	staged.Status = domain.PositionStatusPendingEntry
	staged.Pending = &domain.PendingOrder{Kind: domain.PendingEntry, ClientOrderID: "c1"}

	require.NoError(t, b.WithSymbol(ctx, "DOGEUSDT", func(tx *Tx) error { return tx.Stage(staged) }))
	assert.Equal(t, 1, b.ActiveCount())

	err := b.WithSymbol(ctx, "DOGEUSDT", func(tx *Tx) error { return tx.Stage(staged) })
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, b.WithSymbol(ctx, "DOGEUSDT", func(tx *Tx) error { return tx.Delete() }))
	assert.Zero(t, b.ActiveCount())

	require.NoError(t, b.WithSymbol(ctx, "DOGEUSDT", func(tx *Tx) error { return tx.Stage(staged) }))
	opened := staged.Clone()
	opened.Status = domain.PositionStatusOpen
	opened.Pending = nil
	require.NoError(t, b.WithSymbol(ctx, "DOGEUSDT", func(tx *Tx) error { return tx.Open(opened, "2026-05") }))
	pos, ok := b.Get("DOGEUSDT")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
}

func TestFailedWriteLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	b := New(failingStore{}, nil, Config{}, discardLogger())
	err := b.WithSymbol(ctx, "SOLUSDT", func(tx *Tx) error {
		return tx.Open(openPos("SOLUSDT"), "2026-05")
	})
	assert.ErrorIs(t, err, errDisk)
	_, ok := b.Get("SOLUSDT")
	assert.False(t, ok)

	err = b.WithSymbol(ctx, "SOLUSDT", func(tx *Tx) error { return tx.Halt("test") })
	require.NoError(t, err)
	halted, reason := b.IsHalted("SOLUSDT")
	assert.True(t, halted)
	assert.Equal(t, "test", reason)
}

func TestSaveRejectsInvariantViolation(t *testing.T) {
	b, _ := newBook(t)
	bad := openPos("SOLUSDT")
	bad.Quantity = -1
	err := b.WithSymbol(context.Background(), "SOLUSDT", func(tx *Tx) error { return tx.Save(bad) })
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestSectionCannotWriteOtherSymbol(t *testing.T) {
	b, _ := newBook(t)
	err := b.WithSymbol(context.Background(), "SOLUSDT", func(tx *Tx) error {
		return tx.Save(openPos("DOGEUSDT"))
	})
	assert.Error(t, err)
}

func TestTxInvalidAfterSection(t *testing.T) {
	b, _ := newBook(t)
	var leaked *Tx
	require.NoError(t, b.WithSymbol(context.Background(), "SOLUSDT", func(tx *Tx) error {
		leaked = tx
		return nil
	}))
	assert.ErrorIs(t, leaked.Save(openPos("SOLUSDT")), errTxClosed)
}

func TestSectionsSerializePerSymbol(t *testing.T) {
	b, _ := newBook(t)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.WithSymbol(context.Background(), "SOLUSDT", func(tx *Tx) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestConcurrentOpensYieldOnePosition(t *testing.T) {
	b, _ := newBook(t)
	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := openPos("SOLUSDT")
			p.ID = string(rune('a' + i))
			err := b.WithSymbol(context.Background(), "SOLUSDT", func(tx *Tx) error {
				if _, ok := tx.Position(); ok {
					return domain.ErrAlreadyExists
				}
				return tx.Open(p, "2026-05")
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, 1, b.ActiveCount())
}

func TestLockWaitHonoursContext(t *testing.T) {
	b, _ := newBook(t)
	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = b.WithSymbol(context.Background(), "SOLUSDT", func(tx *Tx) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.WithSymbol(ctx, "SOLUSDT", func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestCriticalSectionSurvivesCallerCancel(t *testing.T) {
	b, _ := newBook(t)
	ctx, cancel := context.WithCancel(context.Background())
	err := b.WithSymbol(ctx, "SOLUSDT", func(tx *Tx) error {
		cancel()
		require.NoError(t, tx.Context().Err())
		return tx.Open(openPos("SOLUSDT"), "2026-05")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.ActiveCount())
}

func TestLoadHaltsDuplicates(t *testing.T) {
	ctx := context.Background()
	a := openPos("SOLUSDT")
	dup := openPos("SOLUSDT")
	dup.ID = "dup"
	bad := openPos("DOGEUSDT")
	bad.Quantity = 0
	store := &listStore{positions: []domain.Position{a, dup, bad, openPos("TRXUSDT")}}

	b := New(store, nil, Config{}, discardLogger())
	require.NoError(t, b.Load(ctx))
	assert.Equal(t, 3, b.ActiveCount())
	halted := b.Halted()
	assert.Contains(t, halted, "SOLUSDT")
	assert.Contains(t, halted, "DOGEUSDT")
	assert.NotContains(t, halted, "TRXUSDT")
}

func TestReloadDropsClearedHalts(t *testing.T) {
	ctx := context.Background()
	held := openPos("SOLUSDT")
	held.Halted = true
	held.HaltReason = "dust"
	gone := openPos("TRXUSDT")
	gone.Halted = true
	gone.HaltReason = "reconcile"
	store := &listStore{positions: []domain.Position{held, gone}}

	b := New(store, nil, Config{}, discardLogger())
	require.NoError(t, b.Load(ctx))
	halted, reason := b.IsHalted("SOLUSDT")
	require.True(t, halted)
	assert.Equal(t, "dust", reason)
	assert.Len(t, b.Halted(), 2)

	// Another process resumed SOLUSDT and TRXUSDT's record is gone.
	resumed := held
	resumed.Halted = false
	resumed.HaltReason = ""
	store.positions = []domain.Position{resumed}
	require.NoError(t, b.Load(ctx))
	assert.Empty(t, b.Halted())
	assert.Equal(t, 1, b.ActiveCount())
}

type listStore struct {
	domain.StateStore
	positions []domain.Position
}

func (s *listStore) LoadPositions(context.Context) ([]domain.Position, error) {
	return s.positions, nil
}

func TestDistributedLockIsTaken(t *testing.T) {
	store, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	locks := &fakeLocks{}
	b := New(store, locks, Config{}, discardLogger())
	require.NoError(t, b.WithSymbol(context.Background(), "SOLUSDT", func(tx *Tx) error { return nil }))
	assert.Equal(t, []string{"position:SOLUSDT"}, locks.keys)
	assert.Equal(t, 1, locks.released)

	locks.fail = true
	err = b.WithSymbol(context.Background(), "SOLUSDT", func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

type fakeLocks struct {
	keys     []string
	released int
	fail     bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.fail {
		return nil, domain.ErrLockHeld
	}
	f.keys = append(f.keys, key)
	return func() { f.released++ }, nil
}
