// Package filestore keeps engine state in a local directory: one atomically
// replaced state file and an append-only JSONL trade ledger.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

const (
	stateFile  = "state.json"
	ledgerFile = "closed_trades.jsonl"
)

// state is everything that must change together. Unflushed holds ledger
// rows committed here but not yet confirmed in the ledger file.
type state struct {
	Positions   map[string]domain.Position `json:"positions"`
	TradeCounts map[string]map[string]int  `json:"trade_counts"`
	Unflushed   []domain.ClosedTrade       `json:"unflushed,omitempty"`
}

// Store implements domain.StateStore on the local filesystem.
type Store struct {
	dir string
	mu  sync.Mutex
	st  state
}

// Open loads (or creates) the store in dir and replays any ledger rows a
// previous process committed but did not flush.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: mkdir: %w", err)
	}
	s := &Store{dir: dir, st: emptyState()}

	b, err := os.ReadFile(s.path(stateFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("filestore: read state: %w", err)
	default:
		if err := json.Unmarshal(b, &s.st); err != nil {
			return nil, fmt.Errorf("filestore: decode state: %w", err)
		}
		if s.st.Positions == nil {
			s.st.Positions = map[string]domain.Position{}
		}
		if s.st.TradeCounts == nil {
			s.st.TradeCounts = map[string]map[string]int{}
		}
	}

	if len(s.st.Unflushed) > 0 {
		if err := s.flushLedger(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func emptyState() state {
	return state{
		Positions:   map[string]domain.Position{},
		TradeCounts: map[string]map[string]int{},
	}
}

// LoadPositions returns every non-closed position.
func (s *Store) LoadPositions(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.st.Positions))
	for _, p := range s.st.Positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SavePosition writes pos, dropping it from the state when closed.
func (s *Store) SavePosition(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(func(st *state) error {
		putPosition(st, pos)
		return nil
	})
}

// DeletePosition removes symbol's record.
func (s *Store) DeletePosition(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(func(st *state) error {
		delete(st.Positions, symbol)
		return nil
	})
}

// OpenPosition writes pos and increments the month's trade count in one
// state replacement.
func (s *Store) OpenPosition(_ context.Context, pos domain.Position, month string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(func(st *state) error {
		if cur, ok := st.Positions[pos.Symbol]; ok && cur.ID != pos.ID {
			return fmt.Errorf("filestore: open %s: %w", pos.Symbol, domain.ErrAlreadyExists)
		}
		putPosition(st, pos)
		if st.TradeCounts[month] == nil {
			st.TradeCounts[month] = map[string]int{}
		}
		st.TradeCounts[month][pos.Symbol]++
		return nil
	})
}

// RecordExit writes pos and the ledger row. Both land in the state file
// first; the ledger append follows and is replayed on Open if interrupted.
func (s *Store) RecordExit(_ context.Context, pos domain.Position, trade domain.ClosedTrade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.commit(func(st *state) error {
		putPosition(st, pos)
		st.Unflushed = append(st.Unflushed, trade)
		return nil
	})
	if err != nil {
		return err
	}
	return s.flushLedger()
}

// MonthlyTradeCount returns the ledger count for symbol in month.
func (s *Store) MonthlyTradeCount(_ context.Context, symbol, month string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.TradeCounts[month][symbol], nil
}

// ListClosedTrades returns ledger rows newest first.
func (s *Store) ListClosedTrades(_ context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	s.mu.Lock()
	trades, err := s.readLedger()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	filtered := make([]domain.ClosedTrade, 0, len(trades))
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if opts.Symbol != "" && t.Symbol != opts.Symbol {
			continue
		}
		if opts.Since != nil && t.ExitTime.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !t.ExitTime.Before(*opts.Until) {
			continue
		}
		filtered = append(filtered, t)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return []domain.ClosedTrade{}, nil
		}
		filtered = filtered[opts.Offset:]
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

// RealizedPnLSince sums ledger PnL for exits at or after since.
func (s *Store) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	trades, err := s.ListClosedTrades(ctx, domain.ListOpts{Since: &since})
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, t := range trades {
		sum += t.PnL
	}
	return sum, nil
}

// commit applies mutate to a copy of the state and replaces the state file.
// Memory changes only after the file is durable.
func (s *Store) commit(mutate func(st *state) error) error {
	next := cloneState(s.st)
	if err := mutate(&next); err != nil {
		return err
	}
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode state: %w", err)
	}
	if err := writeFileAtomic(s.path(stateFile), b, 0o600); err != nil {
		return fmt.Errorf("filestore: write state: %w", err)
	}
	s.st = next
	return nil
}

// flushLedger appends unflushed rows not already present, then clears them.
// A torn last line always belongs to a row still in Unflushed, so it is
// dropped and rewritten whole.
func (s *Store) flushLedger() error {
	if err := trimTornTail(s.path(ledgerFile)); err != nil {
		return fmt.Errorf("filestore: repair ledger: %w", err)
	}
	existing, err := s.readLedger()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t.ID] = true
	}

	var buf bytes.Buffer
	for _, t := range s.st.Unflushed {
		if seen[t.ID] {
			continue
		}
		line, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("filestore: encode trade: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if buf.Len() > 0 {
		if err := appendSync(s.path(ledgerFile), buf.Bytes()); err != nil {
			return fmt.Errorf("filestore: append ledger: %w", err)
		}
	}
	return s.commit(func(st *state) error {
		st.Unflushed = nil
		return nil
	})
}

func (s *Store) readLedger() ([]domain.ClosedTrade, error) {
	f, err := os.Open(s.path(ledgerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open ledger: %w", err)
	}
	defer f.Close()

	var out []domain.ClosedTrade
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var t domain.ClosedTrade
		if err := json.Unmarshal(line, &t); err != nil {
			// A torn final line from a crash mid-append is skipped.
			continue
		}
		out = append(out, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filestore: read ledger: %w", err)
	}
	return out, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func putPosition(st *state, pos domain.Position) {
	if pos.Status == domain.PositionStatusClosed {
		delete(st.Positions, pos.Symbol)
		return
	}
	st.Positions[pos.Symbol] = pos.Clone()
}

func cloneState(st state) state {
	out := state{
		Positions:   make(map[string]domain.Position, len(st.Positions)),
		TradeCounts: make(map[string]map[string]int, len(st.TradeCounts)),
		Unflushed:   append([]domain.ClosedTrade(nil), st.Unflushed...),
	}
	for k, v := range st.Positions {
		out.Positions[k] = v.Clone()
	}
	for month, counts := range st.TradeCounts {
		m := make(map[string]int, len(counts))
		for k, v := range counts {
			m[k] = v
		}
		out.TradeCounts[month] = m
	}
	return out
}

var _ domain.StateStore = (*Store)(nil)
