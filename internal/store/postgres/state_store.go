package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// uniqueViolation is the SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

// StateStore implements domain.StateStore using PostgreSQL.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates a StateStore backed by the given connection pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

const positionSelectCols = `id, symbol, strategy, entry_price, entry_time, entry_order_id,
	original_quantity, quantity, stop_loss_price, take_profit_targets, tp1_hit,
	highest_price_seen, current_price, last_price_update, status, phase,
	closed_fraction, realized_pnl, confidence, pending, halted, halt_reason, updated_at`

const upsertPosition = `
	INSERT INTO positions (
		id, symbol, strategy, entry_price, entry_time, entry_order_id,
		original_quantity, quantity, stop_loss_price, take_profit_targets, tp1_hit,
		highest_price_seen, current_price, last_price_update, status, phase,
		closed_fraction, realized_pnl, confidence, pending, halted, halt_reason, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23
	)
	ON CONFLICT (id) DO UPDATE SET
		entry_price = EXCLUDED.entry_price,
		entry_time = EXCLUDED.entry_time,
		entry_order_id = EXCLUDED.entry_order_id,
		original_quantity = EXCLUDED.original_quantity,
		quantity = EXCLUDED.quantity,
		stop_loss_price = EXCLUDED.stop_loss_price,
		take_profit_targets = EXCLUDED.take_profit_targets,
		tp1_hit = EXCLUDED.tp1_hit,
		highest_price_seen = EXCLUDED.highest_price_seen,
		current_price = EXCLUDED.current_price,
		last_price_update = EXCLUDED.last_price_update,
		status = EXCLUDED.status,
		phase = EXCLUDED.phase,
		closed_fraction = EXCLUDED.closed_fraction,
		realized_pnl = EXCLUDED.realized_pnl,
		confidence = EXCLUDED.confidence,
		pending = EXCLUDED.pending,
		halted = EXCLUDED.halted,
		halt_reason = EXCLUDED.halt_reason,
		updated_at = EXCLUDED.updated_at`

func positionArgs(p domain.Position) ([]any, error) {
	targets, err := json.Marshal(p.TakeProfitTargets)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal targets: %w", err)
	}
	var pending []byte
	if p.Pending != nil {
		if pending, err = json.Marshal(p.Pending); err != nil {
			return nil, fmt.Errorf("postgres: marshal pending: %w", err)
		}
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return []any{
		p.ID, p.Symbol, p.Strategy, p.EntryPrice, p.EntryTime, p.EntryOrderID,
		p.OriginalQuantity, p.Quantity, p.StopLossPrice, targets, p.TP1Hit,
		p.HighestPriceSeen, p.CurrentPrice, p.LastPriceUpdate, string(p.Status), string(p.Phase),
		p.ClosedFraction, p.RealizedPnL, p.Confidence, pending, p.Halted, p.HaltReason, updated,
	}, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status, phase string
	var targets, pending []byte
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Strategy, &p.EntryPrice, &p.EntryTime, &p.EntryOrderID,
		&p.OriginalQuantity, &p.Quantity, &p.StopLossPrice, &targets, &p.TP1Hit,
		&p.HighestPriceSeen, &p.CurrentPrice, &p.LastPriceUpdate, &status, &phase,
		&p.ClosedFraction, &p.RealizedPnL, &p.Confidence, &pending, &p.Halted, &p.HaltReason, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	p.Phase = domain.Phase(phase)
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &p.TakeProfitTargets); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal targets: %w", err)
		}
	}
	if len(pending) > 0 {
		p.Pending = &domain.PendingOrder{}
		if err := json.Unmarshal(pending, p.Pending); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal pending: %w", err)
		}
	}
	return p, nil
}

// LoadPositions returns every non-closed position.
func (s *StateStore) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status <> 'closed' ORDER BY symbol`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load positions rows: %w", err)
	}
	return out, nil
}

// SavePosition upserts pos by id.
func (s *StateStore) SavePosition(ctx context.Context, pos domain.Position) error {
	args, err := positionArgs(pos)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertPosition, args...); err != nil {
		return mapWriteErr("save position "+pos.Symbol, err)
	}
	return nil
}

// DeletePosition removes symbol's non-closed record.
func (s *StateStore) DeletePosition(ctx context.Context, symbol string) error {
	const query = `DELETE FROM positions WHERE symbol = $1 AND status <> 'closed'`
	if _, err := s.pool.Exec(ctx, query, symbol); err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", symbol, err)
	}
	return nil
}

// OpenPosition upserts pos and increments the month's trade count in one
// transaction.
func (s *StateStore) OpenPosition(ctx context.Context, pos domain.Position, month string) error {
	args, err := positionArgs(pos)
	if err != nil {
		return err
	}
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPosition, args...); err != nil {
			return mapWriteErr("open position "+pos.Symbol, err)
		}
		const bump = `
			INSERT INTO trade_counts (symbol, month, count) VALUES ($1, $2, 1)
			ON CONFLICT (symbol, month) DO UPDATE SET count = trade_counts.count + 1`
		if _, err := tx.Exec(ctx, bump, pos.Symbol, month); err != nil {
			return fmt.Errorf("postgres: increment trade count %s: %w", pos.Symbol, err)
		}
		return nil
	})
}

// RecordExit upserts pos and appends trade in one transaction.
func (s *StateStore) RecordExit(ctx context.Context, pos domain.Position, trade domain.ClosedTrade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	args, err := positionArgs(pos)
	if err != nil {
		return err
	}
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPosition, args...); err != nil {
			return mapWriteErr("record exit "+pos.Symbol, err)
		}
		const insert = `
			INSERT INTO closed_trades (
				id, position_id, symbol, strategy, reason, fraction, quantity,
				entry_price, exit_price, pnl, pnl_pct, order_id, entry_time, exit_time, final
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
		_, err := tx.Exec(ctx, insert,
			trade.ID, trade.PositionID, trade.Symbol, trade.Strategy, string(trade.Reason),
			trade.Fraction, trade.Quantity, trade.EntryPrice, trade.ExitPrice,
			trade.PnL, trade.PnLPct, trade.OrderID, trade.EntryTime, trade.ExitTime, trade.Final,
		)
		if err != nil {
			return fmt.Errorf("postgres: append closed trade %s: %w", trade.Symbol, err)
		}
		return nil
	})
}

// MonthlyTradeCount returns the ledger count for symbol in month.
func (s *StateStore) MonthlyTradeCount(ctx context.Context, symbol, month string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM trade_counts WHERE symbol = $1 AND month = $2`, symbol, month,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: trade count %s %s: %w", symbol, month, err)
	}
	return n, nil
}

// ListClosedTrades returns ledger rows newest first.
func (s *StateStore) ListClosedTrades(ctx context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	query := `SELECT id, position_id, symbol, strategy, reason, fraction, quantity,
		entry_price, exit_price, pnl, pnl_pct, order_id, entry_time, exit_time, final
		FROM closed_trades WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", argIdx)
		args = append(args, opts.Symbol)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND exit_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND exit_time < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY exit_time DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades: %w", err)
	}
	defer rows.Close()

	var out []domain.ClosedTrade
	for rows.Next() {
		var t domain.ClosedTrade
		var reason string
		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.Symbol, &t.Strategy, &reason, &t.Fraction, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.PnL, &t.PnLPct, &t.OrderID, &t.EntryTime, &t.ExitTime, &t.Final,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan closed trade: %w", err)
		}
		t.Reason = domain.ExitReason(reason)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list closed trades rows: %w", err)
	}
	return out, nil
}

// RealizedPnLSince sums ledger PnL for exits at or after since.
func (s *StateStore) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(pnl), 0) FROM closed_trades WHERE exit_time >= $1`, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: realized pnl: %w", err)
	}
	return sum, nil
}

func mapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrAlreadyExists)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

var (
	_ domain.StateStore = (*StateStore)(nil)
	_ domain.AuditStore = (*AuditStore)(nil)
)
