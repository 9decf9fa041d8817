// Package book is the process-wide position table. It is the only place
// positions are mutated: every change runs inside a per-symbol critical
// section and reaches durable storage before it becomes visible in memory.
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Config tunes the critical section.
type Config struct {
	// CriticalTimeout bounds the work inside one critical section. The
	// section runs detached from caller cancellation so shutdown never
	// interrupts it halfway.
	CriticalTimeout time.Duration
	// LockTTL is the lease of the cross-process lock, when one is wired.
	LockTTL time.Duration
	// RecentCapacity is how many closed positions are kept for display.
	RecentCapacity int
}

// DefaultConfig returns sensible critical-section bounds.
func DefaultConfig() Config {
	return Config{
		CriticalTimeout: 45 * time.Second,
		LockTTL:         60 * time.Second,
		RecentCapacity:  50,
	}
}

// Book holds the active positions.
type Book struct {
	store  domain.StateStore
	locks  domain.LockManager
	cfg    Config
	keys   *KeyedMutex
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]domain.Position
	halted map[string]string
	recent []domain.Position
}

// New creates a Book over store. locks may be nil for a single process.
func New(store domain.StateStore, locks domain.LockManager, cfg Config, logger *slog.Logger) *Book {
	def := DefaultConfig()
	if cfg.CriticalTimeout <= 0 {
		cfg.CriticalTimeout = def.CriticalTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = def.RecentCapacity
	}
	return &Book{
		store:  store,
		locks:  locks,
		cfg:    cfg,
		keys:   NewKeyedMutex(),
		logger: logger.With(slog.String("component", "book")),
		active: make(map[string]domain.Position),
		halted: make(map[string]string),
	}
}

// Load restores active positions from storage and rebuilds the halted set
// from them. A symbol with more than one active record, or a record that
// breaks an invariant, is halted rather than guessed at.
func (b *Book) Load(ctx context.Context) error {
	positions, err := b.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("book: load: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = make(map[string]domain.Position, len(positions))
	b.halted = make(map[string]string)
	for _, p := range positions {
		if !p.Active() {
			continue
		}
		if prev, dup := b.active[p.Symbol]; dup {
			reason := fmt.Sprintf("duplicate active records %s and %s", prev.ID, p.ID)
			b.halted[p.Symbol] = reason
			b.logger.ErrorContext(ctx, "book: symbol halted on load",
				slog.String("symbol", p.Symbol),
				slog.String("reason", reason),
			)
			continue
		}
		if err := p.CheckInvariants(); err != nil {
			b.halted[p.Symbol] = err.Error()
			b.logger.ErrorContext(ctx, "book: symbol halted on load",
				slog.String("symbol", p.Symbol),
				slog.String("error", err.Error()),
			)
		}
		if p.Halted {
			b.halted[p.Symbol] = p.HaltReason
		}
		b.active[p.Symbol] = p
	}
	b.logger.InfoContext(ctx, "book: loaded positions",
		slog.Int("active", len(b.active)),
		slog.Int("halted", len(b.halted)),
	)
	return nil
}

// WithSymbol runs fn inside symbol's critical section. Waiting for the
// section honours ctx; fn itself runs on a context detached from ctx's
// cancellation and bounded by Config.CriticalTimeout.
func (b *Book) WithSymbol(ctx context.Context, symbol string, fn func(tx *Tx) error) error {
	unlock, err := b.keys.Lock(ctx, symbol)
	if err != nil {
		return fmt.Errorf("book: lock %s: %w", symbol, err)
	}
	defer unlock()

	critCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.CriticalTimeout)
	defer cancel()

	if b.locks != nil {
		release, err := b.locks.Acquire(critCtx, "position:"+symbol, b.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("book: lock %s: %w", symbol, err)
		}
		defer release()
	}

	tx := &Tx{ctx: critCtx, book: b, symbol: symbol}
	defer func() { tx.done = true }()
	return fn(tx)
}

// Get returns a copy of symbol's active position.
func (b *Book) Get(symbol string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.active[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// Snapshot returns copies of every active position sorted by symbol.
func (b *Book) Snapshot() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, 0, len(b.active))
	for _, p := range b.active {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols lists symbols with an active record, sorted.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.active))
	for s := range b.active {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ActiveCount counts positions holding a symbol slot, including entries
// awaiting confirmation.
func (b *Book) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.active)
}

// RecentlyClosed returns the most recently closed positions, newest first.
func (b *Book) RecentlyClosed() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, len(b.recent))
	for i, p := range b.recent {
		out[len(b.recent)-1-i] = p.Clone()
	}
	return out
}

// IsHalted reports whether automated action on symbol is stopped.
func (b *Book) IsHalted(symbol string) (bool, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reason, ok := b.halted[symbol]
	return ok, reason
}

// Halted returns every halted symbol with its reason.
func (b *Book) Halted() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.halted))
	for k, v := range b.halted {
		out[k] = v
	}
	return out
}

// Resume clears a halt on symbol.
func (b *Book) Resume(ctx context.Context, symbol string) error {
	return b.WithSymbol(ctx, symbol, func(tx *Tx) error {
		pos, ok := tx.Position()
		if ok && pos.Halted {
			pos.Halted = false
			pos.HaltReason = ""
			if err := tx.Save(pos); err != nil {
				return err
			}
		}
		b.mu.Lock()
		delete(b.halted, symbol)
		b.mu.Unlock()
		return nil
	})
}

// Tx is the handle a critical section mutates through. It is invalid once
// the section returns.
type Tx struct {
	ctx    context.Context
	book   *Book
	symbol string
	done   bool
}

var errTxClosed = errors.New("book: transaction already finished")

// Context is the critical section's context.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Symbol is the symbol this section owns.
func (tx *Tx) Symbol() string { return tx.symbol }

// Position returns a copy of the symbol's active record.
func (tx *Tx) Position() (domain.Position, bool) {
	return tx.book.Get(tx.symbol)
}

// Save persists pos and then publishes it in memory.
func (tx *Tx) Save(pos domain.Position) error {
	if err := tx.check(pos); err != nil {
		return err
	}
	if err := pos.CheckInvariants(); err != nil {
		return fmt.Errorf("book: save %s: %w", tx.symbol, err)
	}
	pos.UpdatedAt = time.Now().UTC()
	if err := tx.book.store.SavePosition(tx.ctx, pos); err != nil {
		return fmt.Errorf("book: save %s: %w", tx.symbol, err)
	}
	tx.book.put(pos)
	return nil
}

// Open persists a confirmed entry together with the monthly trade-count
// increment. It refuses when a different active record holds the symbol.
func (tx *Tx) Open(pos domain.Position, month string) error {
	if err := tx.check(pos); err != nil {
		return err
	}
	if cur, ok := tx.Position(); ok && (cur.ID != pos.ID || cur.Status != domain.PositionStatusPendingEntry) {
		return fmt.Errorf("book: open %s: %w", tx.symbol, domain.ErrAlreadyExists)
	}
	if err := pos.CheckInvariants(); err != nil {
		return fmt.Errorf("book: open %s: %w", tx.symbol, err)
	}
	pos.UpdatedAt = time.Now().UTC()
	if err := tx.book.store.OpenPosition(tx.ctx, pos, month); err != nil {
		return fmt.Errorf("book: open %s: %w", tx.symbol, err)
	}
	tx.book.put(pos)
	return nil
}

// Stage persists a pending entry that reserves the symbol's slot.
func (tx *Tx) Stage(pos domain.Position) error {
	if _, ok := tx.Position(); ok {
		return fmt.Errorf("book: stage %s: %w", tx.symbol, domain.ErrAlreadyExists)
	}
	if pos.Status != domain.PositionStatusPendingEntry || pos.Pending == nil {
		return fmt.Errorf("book: stage %s: record is not a pending entry", tx.symbol)
	}
	return tx.Save(pos)
}

// RecordExit persists an executed exit and its ledger row in one write. A
// closed position leaves the active table.
func (tx *Tx) RecordExit(pos domain.Position, trade domain.ClosedTrade) error {
	if err := tx.check(pos); err != nil {
		return err
	}
	if err := pos.CheckInvariants(); err != nil {
		return fmt.Errorf("book: exit %s: %w", tx.symbol, err)
	}
	pos.UpdatedAt = time.Now().UTC()
	if err := tx.book.store.RecordExit(tx.ctx, pos, trade); err != nil {
		return fmt.Errorf("book: exit %s: %w", tx.symbol, err)
	}
	tx.book.put(pos)
	return nil
}

// Delete removes the symbol's record. Used when a pending entry turns out
// never to have executed.
func (tx *Tx) Delete() error {
	if tx.done {
		return errTxClosed
	}
	if err := tx.book.store.DeletePosition(tx.ctx, tx.symbol); err != nil {
		return fmt.Errorf("book: delete %s: %w", tx.symbol, err)
	}
	tx.book.mu.Lock()
	delete(tx.book.active, tx.symbol)
	tx.book.mu.Unlock()
	return nil
}

// Halt stops automated action on the symbol. The halt takes effect in
// memory even when persisting it fails; the persistence error is returned.
func (tx *Tx) Halt(reason string) error {
	if tx.done {
		return errTxClosed
	}
	tx.book.mu.Lock()
	tx.book.halted[tx.symbol] = reason
	pos, ok := tx.book.active[tx.symbol]
	tx.book.mu.Unlock()
	tx.book.logger.ErrorContext(tx.ctx, "book: symbol halted",
		slog.String("symbol", tx.symbol),
		slog.String("reason", reason),
	)
	if !ok {
		return nil
	}
	pos = pos.Clone()
	pos.Halted = true
	pos.HaltReason = reason
	pos.UpdatedAt = time.Now().UTC()
	if err := tx.book.store.SavePosition(tx.ctx, pos); err != nil {
		return fmt.Errorf("book: halt %s: %w", tx.symbol, err)
	}
	tx.book.put(pos)
	return nil
}

func (tx *Tx) check(pos domain.Position) error {
	if tx.done {
		return errTxClosed
	}
	if pos.Symbol != tx.symbol {
		return fmt.Errorf("book: section for %s cannot write %s", tx.symbol, pos.Symbol)
	}
	return nil
}

// put publishes a persisted record in memory.
func (b *Book) put(pos domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos.Status == domain.PositionStatusClosed {
		delete(b.active, pos.Symbol)
		b.recent = append(b.recent, pos.Clone())
		if over := len(b.recent) - b.cfg.RecentCapacity; over > 0 {
			b.recent = append([]domain.Position(nil), b.recent[over:]...)
		}
		return
	}
	b.active[pos.Symbol] = pos.Clone()
}
