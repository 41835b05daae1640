package sagaflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Register the pure-Go SQLite driver. modernc.org/sqlite avoids CGO
	// requirements, so the engine builds and runs anywhere Go does.
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on Open. history_events is append-only:
// the UNIQUE constraint on (instance_id, sequence_number) is what turns a
// lost optimistic append race into ErrConcurrencyConflict.
const schema = `
CREATE TABLE IF NOT EXISTS instances (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    status           TEXT NOT NULL,
    input            TEXT,
    output           TEXT,
    parent_id        TEXT NOT NULL DEFAULT '',
    parent_task_id   INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    last_updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history_events (
    instance_id      TEXT NOT NULL,
    sequence_number  INTEGER NOT NULL,
    kind             INTEGER NOT NULL,
    task_id          INTEGER NOT NULL DEFAULT 0,
    name             TEXT NOT NULL DEFAULT '',
    payload          TEXT,
    created_at       TEXT NOT NULL,
    PRIMARY KEY (instance_id, sequence_number)
);
`

// SQLiteHistoryStore is the durable HistoryStore implementation.
//
// WAL mode is enabled on Open so that readers never block writers and vice
// versa: the decision and activity workers write while the client façade
// reads for status polling.
type SQLiteHistoryStore struct {
	db *sql.DB
}

// OpenSQLiteHistoryStore opens (or creates) the database at the given path
// and applies the schema.
//
//	store, err := sagaflow.OpenSQLiteHistoryStore("./data/sagaflow.db")
func OpenSQLiteHistoryStore(path string) (*SQLiteHistoryStore, error) {
	// The pure-Go driver configures connection state via _pragma query
	// parameters. busy_timeout waits for locks instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &SQLiteHistoryStore{db: db}, nil
}

// Close releases the database connection.
func (s *SQLiteHistoryStore) Close() error {
	return s.db.Close()
}

// CreateInstance records a new instance row plus its start event in one
// transaction.
func (s *SQLiteHistoryStore) CreateInstance(ctx context.Context, state *InstanceState, start *HistoryEvent) error {
	st := *state
	if err := st.applyEvent(start); err != nil {
		return fmt.Errorf("sqlite: create instance %s: %w", state.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin create for %q: %w", state.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO instances
			(id, name, status, input, output, parent_id, parent_task_id, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.Status.String(), nullableText(st.Input), nullableText(st.Output),
		st.ParentID, st.ParentTaskID, formatTime(st.CreatedAt), formatTime(st.LastUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create instance %q: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: create instance %q: %w", st.ID, ErrDuplicateInstance)
	}

	if err := insertEvent(ctx, tx, st.ID, start); err != nil {
		return err
	}
	return tx.Commit()
}

// Append appends events under the optimistic sequence check. The check, the
// inserts, and the materialized-state update commit atomically.
func (s *SQLiteHistoryStore) Append(ctx context.Context, instanceID string, events []*HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append for %q: %w", instanceID, err)
	}
	defer tx.Rollback()

	state, err := getInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}

	var last int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM history_events WHERE instance_id = ?`, instanceID)
	if err := row.Scan(&last); err != nil {
		return fmt.Errorf("sqlite: read last sequence for %q: %w", instanceID, err)
	}

	for i, ev := range events {
		if ev.SequenceNumber != last+int64(i)+1 {
			return fmt.Errorf("sqlite: append to %q at seq %d (stored %d): %w",
				instanceID, ev.SequenceNumber, last, ErrConcurrencyConflict)
		}
		if err := state.applyEvent(ev); err != nil {
			return fmt.Errorf("sqlite: append to %q: %w", instanceID, err)
		}
		if err := insertEvent(ctx, tx, instanceID, ev); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE instances SET status = ?, output = ?, last_updated_at = ? WHERE id = ?`,
		state.Status.String(), nullableText(state.Output), formatTime(state.LastUpdatedAt), instanceID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update instance %q: %w", instanceID, err)
	}
	return tx.Commit()
}

// ReadHistory returns the instance's events in sequence order. Unknown
// instances yield an empty history.
func (s *SQLiteHistoryStore) ReadHistory(ctx context.Context, instanceID string) ([]*HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, kind, task_id, name, COALESCE(payload, ''), created_at
		FROM   history_events
		WHERE  instance_id = ?
		ORDER  BY sequence_number ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read history for %q: %w", instanceID, err)
	}
	defer rows.Close()

	var history []*HistoryEvent
	for rows.Next() {
		var ev HistoryEvent
		var payload, createdAt string
		if err := rows.Scan(&ev.SequenceNumber, &ev.Kind, &ev.TaskID, &ev.Name, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event for %q: %w", instanceID, err)
		}
		if payload != "" {
			ev.Payload = []byte(payload)
		}
		ev.Timestamp, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		history = append(history, &ev)
	}
	return history, rows.Err()
}

// ListRunningInstances returns the ids of all non-terminal instances.
func (s *SQLiteHistoryStore) ListRunningInstances(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM instances WHERE status IN (?, ?)`,
		StatusPending.String(), StatusRunning.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list running instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetInstance returns the materialized state for an instance.
func (s *SQLiteHistoryStore) GetInstance(ctx context.Context, instanceID string) (*InstanceState, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin get for %q: %w", instanceID, err)
	}
	defer tx.Rollback()
	return getInstanceTx(ctx, tx, instanceID)
}

func getInstanceTx(ctx context.Context, tx *sql.Tx, instanceID string) (*InstanceState, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, status, COALESCE(input, ''), COALESCE(output, ''),
		       parent_id, parent_task_id, created_at, last_updated_at
		FROM   instances WHERE id = ?`, instanceID)

	var st InstanceState
	var status, input, output, createdAt, updatedAt string
	err := row.Scan(&st.ID, &st.Name, &status, &input, &output,
		&st.ParentID, &st.ParentTaskID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: instance %q: %w", instanceID, ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get instance %q: %w", instanceID, err)
	}

	if st.Status, err = ParseStatus(status); err != nil {
		return nil, fmt.Errorf("sqlite: instance %q: %w", instanceID, err)
	}
	if input != "" {
		st.Input = []byte(input)
	}
	if output != "" {
		st.Output = []byte(output)
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.LastUpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, instanceID string, ev *HistoryEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO history_events
			(instance_id, sequence_number, kind, task_id, name, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		instanceID, ev.SequenceNumber, int(ev.Kind), ev.TaskID, ev.Name,
		nullableText(ev.Payload), formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert event %d for %q: %w", ev.SequenceNumber, instanceID, err)
	}
	return nil
}

// nullableText returns nil for empty payloads so SQLite stores NULL instead
// of an empty TEXT.
func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// SQLite has no native datetime type; timestamps are stored as RFC3339 TEXT.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}
