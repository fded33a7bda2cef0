package storage

// sqlite.go: journal of follower runs.
//
// Layout:
//   - `follow_runs`: one row per follower result (run_id, side). A buy and the
//     sell that follows it share the run_id.
//   - `follow_orders`: every order the run placed, with its final accounting.
//   - Automatic prune on open: runs older than 30 days.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS follow_runs (
    run_id      TEXT     NOT NULL,
    token_id    TEXT     NOT NULL,
    side        TEXT     NOT NULL,
    status      TEXT     NOT NULL,
    avg_price   REAL,
    filled      REAL     NOT NULL DEFAULT 0,
    remaining   REAL     NOT NULL DEFAULT 0,
    error       TEXT     NOT NULL DEFAULT '',
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    PRIMARY KEY (run_id, side)
);

CREATE TABLE IF NOT EXISTS follow_orders (
    run_id    TEXT NOT NULL,
    order_id  TEXT NOT NULL,
    side      TEXT NOT NULL,
    price     REAL NOT NULL,
    size      REAL NOT NULL,
    status    TEXT NOT NULL,
    filled    REAL NOT NULL DEFAULT 0,
    avg_price REAL NOT NULL DEFAULT 0,
    placed_at DATETIME,
    PRIMARY KEY (run_id, order_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_token ON follow_runs(token_id, finished_at DESC);
`

const retentionRuns = 30 * 24 * time.Hour

// SQLiteJournal implements ports.RunJournal using SQLite (pure Go, no CGo).
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the database at path, applies the
// schema and prunes old runs.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteJournal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteJournal: apply schema: %w", err)
	}

	j := &SQLiteJournal{db: db}
	j.pruneOld(context.Background())
	return j, nil
}

// SaveRun writes a run and its orders in one transaction. Saving the same
// (run_id, side) again replaces it.
func (j *SQLiteJournal) SaveRun(ctx context.Context, run domain.RunRecord) error {
	res := run.Result

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveRun: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO follow_runs
			(run_id, token_id, side, status, avg_price, filled, remaining, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, side) DO UPDATE SET
			status      = excluded.status,
			avg_price   = excluded.avg_price,
			filled      = excluded.filled,
			remaining   = excluded.remaining,
			error       = excluded.error,
			finished_at = excluded.finished_at
	`,
		run.RunID, res.TokenID, string(res.Side), string(res.Status),
		res.AvgPrice, res.Filled, res.Remaining, run.Err,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveRun: upsert run %s: %w", run.RunID, err)
	}

	if len(res.Orders) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO follow_orders
				(run_id, order_id, side, price, size, status, filled, avg_price, placed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, order_id) DO UPDATE SET
				status    = excluded.status,
				filled    = excluded.filled,
				avg_price = excluded.avg_price
		`)
		if err != nil {
			return fmt.Errorf("storage.SaveRun: prepare: %w", err)
		}
		defer stmt.Close()

		for _, o := range res.Orders {
			var placedAt *time.Time
			if !o.PlacedAt.IsZero() {
				t := o.PlacedAt.UTC()
				placedAt = &t
			}
			if _, err := stmt.ExecContext(ctx,
				run.RunID, o.ID, string(o.Side), o.Price, o.Size,
				string(o.Status), o.Filled, o.AvgPrice, placedAt,
			); err != nil {
				return fmt.Errorf("storage.SaveRun: upsert order %s: %w", o.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveRun: commit: %w", err)
	}
	return nil
}

// GetRuns returns the runs of a token, most recently finished first, with
// their orders.
func (j *SQLiteJournal) GetRuns(ctx context.Context, tokenID string) ([]domain.RunRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, token_id, side, status, avg_price, filled, remaining, error, started_at, finished_at
		FROM follow_runs
		WHERE token_id = ?
		ORDER BY finished_at DESC, side ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetRuns: query: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		var (
			run      domain.RunRecord
			side, st string
			avg      sql.NullFloat64
		)
		if err := rows.Scan(
			&run.RunID, &run.Result.TokenID, &side, &st, &avg,
			&run.Result.Filled, &run.Result.Remaining, &run.Err,
			&run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("storage.GetRuns: scan row: %w", err)
		}
		run.Result.Side = domain.Side(side)
		run.Result.Status = domain.FollowStatus(st)
		if avg.Valid {
			v := avg.Float64
			run.Result.AvgPrice = &v
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.GetRuns: rows: %w", err)
	}
	rows.Close()

	for i := range runs {
		orders, err := j.orders(ctx, runs[i].RunID, runs[i].Result.Side)
		if err != nil {
			return nil, err
		}
		for k := range orders {
			orders[k].TokenID = runs[i].Result.TokenID
		}
		runs[i].Result.Orders = orders
	}
	return runs, nil
}

func (j *SQLiteJournal) orders(ctx context.Context, runID string, side domain.Side) ([]domain.OrderRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT order_id, side, price, size, status, filled, avg_price, placed_at
		FROM follow_orders
		WHERE run_id = ? AND side = ?
		ORDER BY placed_at ASC, rowid ASC
	`, runID, string(side))
	if err != nil {
		return nil, fmt.Errorf("storage.GetRuns: query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		var (
			o        domain.OrderRecord
			side, st string
			placedAt sql.NullTime
		)
		if err := rows.Scan(&o.ID, &side, &o.Price, &o.Size, &st, &o.Filled, &o.AvgPrice, &placedAt); err != nil {
			return nil, fmt.Errorf("storage.GetRuns: scan order: %w", err)
		}
		o.Side = domain.Side(side)
		o.Status = domain.OrderStatus(st)
		if placedAt.Valid {
			o.PlacedAt = placedAt.Time
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// pruneOld deletes runs past retention to keep the database small.
func (j *SQLiteJournal) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionRuns)
	j.db.ExecContext(ctx, `DELETE FROM follow_orders WHERE run_id IN (SELECT run_id FROM follow_runs WHERE finished_at < ?)`, cutoff)
	j.db.ExecContext(ctx, `DELETE FROM follow_runs WHERE finished_at < ?`, cutoff)
}
