package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadRecords(ctx context.Context) (Records, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, last_run_at FROM execution_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := Records{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("execution_records(%s): %w", id, err)
		}
		recs[id] = at.UTC()
	}
	return recs, rows.Err()
}

func (s *sqliteStore) SaveRecords(ctx context.Context, recs Records) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Full-map replace keeps file and sqlite drivers semantically identical.
	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_records`); err != nil {
		return err
	}
	for id, at := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_records(tenant_id, last_run_at) VALUES(?, ?)`,
			id, at.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadPlan(ctx context.Context, date string) ([]PlanSlot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, scheduled_at, source_ref FROM plan_slots WHERE plan_date = ? ORDER BY scheduled_at`,
		date,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []PlanSlot
	for rows.Next() {
		var sl PlanSlot
		var raw string
		var ref sql.NullString
		if err := rows.Scan(&sl.TenantID, &raw, &ref); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("plan_slots(%s): %w", date, err)
		}
		sl.At = at.UTC()
		sl.SourceRef = ref.String
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

func (s *sqliteStore) SavePlan(ctx context.Context, date string, slots []PlanSlot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_slots WHERE plan_date = ?`, date); err != nil {
		return err
	}
	for _, sl := range slots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_slots(plan_date, tenant_id, scheduled_at, source_ref) VALUES(?,?,?,?)`,
			date, sl.TenantID, sl.At.UTC().Format(time.RFC3339Nano), nullStr(sl.SourceRef),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
