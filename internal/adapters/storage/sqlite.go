package storage

// sqlite.go: durable position ledger.
//
// Two hard guarantees:
//   - Uniqueness: at most one non-terminal position per (agent, market,
//     outcome), enforced by a partial unique index at write time.
//   - Legal transitions only: every state change re-checks the current row
//     state inside the UPDATE, so a stale writer loses instead of
//     clobbering.
//
// The activity table is append-only: one row per state transition, one per
// risk gate decision. Nothing ever updates or deletes it.

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"predbot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    position_id      TEXT PRIMARY KEY,
    agent_id         TEXT NOT NULL,
    market_id        TEXT NOT NULL,
    outcome          TEXT NOT NULL,
    side             TEXT NOT NULL,
    size             REAL NOT NULL DEFAULT 0,
    filled_size      REAL NOT NULL DEFAULT 0,
    entry_price      REAL NOT NULL DEFAULT 0,
    cost_basis       REAL NOT NULL DEFAULT 0,
    current_price    REAL NOT NULL DEFAULT 0,
    unrealized_pnl   REAL NOT NULL DEFAULT 0,
    realized_pnl     REAL NOT NULL DEFAULT 0,
    payout           REAL NOT NULL DEFAULT 0,
    state            TEXT NOT NULL,
    order_id         TEXT NOT NULL DEFAULT '',
    fail_reason      TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL,
    state_changed_at DATETIME NOT NULL,
    resolved_at      DATETIME
);

-- The uniqueness invariant: only non-terminal rows hold the key.
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_active
    ON positions(agent_id, market_id, outcome)
    WHERE state NOT IN ('CLOSED','SETTLED','FAILED');

CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);
CREATE INDEX IF NOT EXISTS idx_positions_agent ON positions(agent_id, state_changed_at DESC);

CREATE TABLE IF NOT EXISTS activity (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id TEXT NOT NULL,
    kind        TEXT NOT NULL,
    detail      TEXT NOT NULL,
    at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_position ON activity(position_id);
CREATE INDEX IF NOT EXISTS idx_activity_at       ON activity(at DESC);
`

// SQLiteLedger implements ports.Ledger using SQLite (pure Go, no CGo).
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) the database at the given path and
// applies the schema. Use ":memory:" for tests.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteLedger: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteLedger: apply schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// InsertPending creates the PENDING row. The partial unique index turns a
// concurrent duplicate into domain.ErrDuplicatePosition.
func (l *SQLiteLedger) InsertPending(ctx context.Context, p domain.Position) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO positions
			(position_id, agent_id, market_id, outcome, side, size, cost_basis,
			 current_price, state, created_at, state_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, p.MarketID, p.Outcome, string(p.Side), p.Size, p.CostBasis,
		p.CurrentPrice, string(domain.StatePending), p.CreatedAt.UTC(), p.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrDuplicatePosition
		}
		return fmt.Errorf("storage.InsertPending: %w", err)
	}
	return nil
}

// Get returns a position by id.
func (l *SQLiteLedger) Get(ctx context.Context, positionID string) (domain.Position, error) {
	row := l.db.QueryRowContext(ctx, selectPosition+` WHERE position_id = ?`, positionID)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("storage.Get: %w", err)
	}
	return p, nil
}

// ResizePending shrinks a PENDING position after a gate resize.
func (l *SQLiteLedger) ResizePending(ctx context.Context, positionID string, size float64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE positions SET size = ? WHERE position_id = ? AND state = ?`,
		size, positionID, string(domain.StatePending),
	)
	if err != nil {
		return fmt.Errorf("storage.ResizePending: %w", err)
	}
	return requireRow(res, positionID, domain.StatePending)
}

// MarkEntrySubmitted records the outstanding order id and target price.
func (l *SQLiteLedger) MarkEntrySubmitted(ctx context.Context, positionID, orderID string, price float64) error {
	return l.transition(ctx, positionID, domain.StateEntrySubmitted,
		`order_id = ?, entry_price = ?`, orderID, price)
}

// MarkEntryRetry returns an unfilled entry to PENDING and clears the order
// linkage. The invariant is at most one outstanding order per position.
func (l *SQLiteLedger) MarkEntryRetry(ctx context.Context, positionID string) error {
	return l.transition(ctx, positionID, domain.StatePending, `order_id = ''`)
}

// MarkEntryFill records fill progress. On OPEN the cost basis becomes the
// actual filled amount and the order linkage is cleared.
func (l *SQLiteLedger) MarkEntryFill(ctx context.Context, positionID string, filled, avgPrice float64, next domain.State) error {
	if next != domain.StateEntryPartial && next != domain.StateOpen {
		return domain.ErrIllegalTransition
	}
	p, err := l.Get(ctx, positionID)
	if err != nil {
		return err
	}
	cost := domain.EntryCost(p.Side, filled, avgPrice)
	extra := `filled_size = ?, entry_price = ?, cost_basis = ?`
	args := []any{filled, avgPrice, cost}
	if next == domain.StateOpen {
		extra += `, order_id = ''`
	}
	return l.transition(ctx, positionID, next, extra, args...)
}

// MarkPrice persists the latest monitoring snapshot without a transition.
func (l *SQLiteLedger) MarkPrice(ctx context.Context, positionID string, price, unrealized float64) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE positions SET current_price = ?, unrealized_pnl = ? WHERE position_id = ?`,
		price, unrealized, positionID,
	)
	if err != nil {
		return fmt.Errorf("storage.MarkPrice: %w", err)
	}
	return nil
}

// MarkExitSubmitted records the outstanding exit order.
func (l *SQLiteLedger) MarkExitSubmitted(ctx context.Context, positionID, orderID string) error {
	return l.transition(ctx, positionID, domain.StateExitSubmitted, `order_id = ?`, orderID)
}

// MarkExitRetry returns an unfilled exit to OPEN for escalation.
func (l *SQLiteLedger) MarkExitRetry(ctx context.Context, positionID string) error {
	return l.transition(ctx, positionID, domain.StateOpen, `order_id = ''`)
}

// MarkClosed finalizes a filled exit.
func (l *SQLiteLedger) MarkClosed(ctx context.Context, positionID string, exitPrice, realized float64) error {
	return l.transition(ctx, positionID, domain.StateClosed,
		`order_id = '', current_price = ?, realized_pnl = ?, unrealized_pnl = 0`, exitPrice, realized)
}

// MarkAwaitingSettlement hands the position to the reconciler.
func (l *SQLiteLedger) MarkAwaitingSettlement(ctx context.Context, positionID string) error {
	return l.transition(ctx, positionID, domain.StateAwaitingSettlement, `order_id = ''`)
}

// MarkSettled finalizes a redeemed position.
func (l *SQLiteLedger) MarkSettled(ctx context.Context, positionID string, payout float64, resolvedAt time.Time) error {
	p, err := l.Get(ctx, positionID)
	if err != nil {
		return err
	}
	realized := payout - p.CostBasis
	return l.transition(ctx, positionID, domain.StateSettled,
		`payout = ?, realized_pnl = ?, unrealized_pnl = 0, resolved_at = ?`,
		payout, realized, resolvedAt.UTC())
}

// MarkFailed records the terminal failure with its reason.
func (l *SQLiteLedger) MarkFailed(ctx context.Context, positionID, reason string) error {
	return l.transition(ctx, positionID, domain.StateFailed, `fail_reason = ?, order_id = ''`, reason)
}

// ListActive returns all non-terminal positions for crash recovery.
func (l *SQLiteLedger) ListActive(ctx context.Context) ([]domain.Position, error) {
	return l.list(ctx, selectPosition+`
		WHERE state NOT IN ('CLOSED','SETTLED','FAILED')
		ORDER BY created_at`)
}

// ListByState returns all positions in the given state.
func (l *SQLiteLedger) ListByState(ctx context.Context, s domain.State) ([]domain.Position, error) {
	return l.list(ctx, selectPosition+` WHERE state = ? ORDER BY created_at`, string(s))
}

// RecentOutcomes returns realized PnL of recent terminal positions, newest
// first. FAILED entries are excluded, they held no capital.
func (l *SQLiteLedger) RecentOutcomes(ctx context.Context, agentID string, limit int) ([]float64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT realized_pnl FROM positions
		WHERE agent_id = ? AND state IN ('CLOSED','SETTLED')
		ORDER BY state_changed_at DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentOutcomes: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return nil, fmt.Errorf("storage.RecentOutcomes: scan: %w", err)
		}
		out = append(out, pnl)
	}
	return out, rows.Err()
}

// AppendActivity appends one audit row.
func (l *SQLiteLedger) AppendActivity(ctx context.Context, a domain.Activity) error {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO activity (position_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		a.PositionID, string(a.Kind), a.Detail, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.AppendActivity: %w", err)
	}
	return nil
}

// RecentActivity returns the newest audit rows, newest first.
func (l *SQLiteLedger) RecentActivity(ctx context.Context, limit int) ([]domain.Activity, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, position_id, kind, detail, at FROM activity ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentActivity: %w", err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var kind string
		var at time.Time
		if err := rows.Scan(&a.ID, &a.PositionID, &kind, &a.Detail, &at); err != nil {
			return nil, fmt.Errorf("storage.RecentActivity: scan: %w", err)
		}
		a.Kind = domain.ActivityKind(kind)
		a.At = at
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// --- internal helpers ---

const selectPosition = `
	SELECT position_id, agent_id, market_id, outcome, side, size, filled_size,
	       entry_price, cost_basis, current_price, unrealized_pnl, realized_pnl,
	       payout, state, order_id, fail_reason, created_at, state_changed_at,
	       resolved_at
	FROM positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (domain.Position, error) {
	var p domain.Position
	var side, state string
	var resolvedAt sql.NullTime
	err := r.Scan(
		&p.ID, &p.AgentID, &p.MarketID, &p.Outcome, &side, &p.Size, &p.FilledSize,
		&p.EntryPrice, &p.CostBasis, &p.CurrentPrice, &p.UnrealizedPnL, &p.RealizedPnL,
		&p.Payout, &state, &p.OrderID, &p.FailReason, &p.CreatedAt, &p.StateChangedAt,
		&resolvedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.State = domain.State(state)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	return p, nil
}

func (l *SQLiteLedger) list(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.list: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.list: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// transition moves the position to next, verifying the edge against the
// persisted state. extra is a SQL fragment of additional assignments.
func (l *SQLiteLedger) transition(ctx context.Context, positionID string, next domain.State, extra string, args ...any) error {
	cur, err := l.currentState(ctx, positionID)
	if err != nil {
		return err
	}
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("storage.transition: %s: %s -> %s: %w",
			positionID, cur, next, domain.ErrIllegalTransition)
	}

	set := `state = ?, state_changed_at = ?`
	if extra != "" {
		set += `, ` + extra
	}
	full := append([]any{string(next), time.Now().UTC()}, args...)
	full = append(full, positionID, string(cur))

	// Optimistic guard: the row must still be in the state we checked.
	res, err := l.db.ExecContext(ctx,
		`UPDATE positions SET `+set+` WHERE position_id = ? AND state = ?`, full...)
	if err != nil {
		return fmt.Errorf("storage.transition: %s -> %s: %w", cur, next, err)
	}
	return requireRow(res, positionID, cur)
}

func (l *SQLiteLedger) currentState(ctx context.Context, positionID string) (domain.State, error) {
	var s string
	err := l.db.QueryRowContext(ctx,
		`SELECT state FROM positions WHERE position_id = ?`, positionID).Scan(&s)
	if err == sql.ErrNoRows {
		return "", domain.ErrPositionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage.currentState: %w", err)
	}
	return domain.State(s), nil
}

func requireRow(res sql.Result, positionID string, expected domain.State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: %s no longer in %s: %w",
			positionID, expected, domain.ErrIllegalTransition)
	}
	return nil
}
