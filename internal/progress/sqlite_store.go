package progress

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB opened with a SQLite driver (for example
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			doc BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_leases (
			run_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			step TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);`,
	)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *api.Run) error {
	doc, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow, status, doc, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Workflow, string(run.Status), doc, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM runs WHERE id = ?`, id,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return DecodeRun(doc)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *api.Run) error {
	doc, err := EncodeRun(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET workflow = ?, status = ?, doc = ?, updated_at = ?
		WHERE id = ?`,
		run.Workflow, string(run.Status), doc, time.Now().UnixNano(), run.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	query := `SELECT doc FROM runs`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.Run
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		run, err := DecodeRun(doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).UnixNano()

	// A single upsert guarded by the ownership/expiry predicate keeps the
	// check-and-set atomic under SQLite's writer lock.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_leases (run_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE run_leases.owner = excluded.owner OR run_leases.expires_at <= ?`,
		runID, owner, expires, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_leases SET expires_at = ?
		WHERE run_id = ? AND owner = ?`,
		time.Now().Add(ttl).UnixNano(), runID, owner,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_leases WHERE run_id = ? AND owner = ?`, runID, owner,
	)
	return err
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev api.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, at, type, level, step, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.At.UnixNano(), string(ev.Type), string(ev.Level), ev.Step, ev.Detail,
	)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, at, type, level, step, detail
		FROM run_events WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []api.Event
	for rows.Next() {
		var ev api.Event
		var at int64
		var typ, level string
		var step, detail sql.NullString
		if err := rows.Scan(&ev.RunID, &at, &typ, &level, &step, &detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, at)
		ev.Type = api.EventType(typ)
		ev.Level = api.EventLevel(level)
		ev.Step = step.String
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
