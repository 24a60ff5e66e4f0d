package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetd/fleetd/internal/logx"
	"github.com/fleetd/fleetd/internal/model"
)

// SQLiteStore is the default Store. Times are stored as unix
// nanoseconds, durations as nanosecond integers.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *logx.Logger
}

func NewSQLiteStore(path string, log *logx.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		success INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recovery_attempts (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		task_id TEXT NOT NULL,
		action TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		cooldown_until INTEGER NOT NULL,
		detail TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_runs_mode_agent ON runs(mode, agent_name, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_name, started_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_started ON recovery_attempts(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordRun(rec model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		id, err := model.GenerateID(model.IDTypeRun)
		if err != nil {
			return err
		}
		rec.ID = id
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, task_id, mode, agent_name, started_at, duration, success)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TaskID, rec.Mode, rec.AgentName, rec.StartedAt.UnixNano(), int64(rec.Duration), boolInt(rec.Success))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordAttempt(att model.RecoveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO recovery_attempts (id, agent_name, task_id, action, started_at, outcome, cooldown_until, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, att.ID, att.AgentName, att.TaskID, att.Action, att.StartedAt.UnixNano(),
		string(att.Outcome), att.CooldownUntil.UnixNano(), att.Detail)
	if err != nil {
		return fmt.Errorf("insert recovery attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastRun(mode, agent string) (model.RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, task_id, mode, agent_name, started_at, duration, success
		FROM runs WHERE mode = ? AND agent_name = ?
		ORDER BY started_at DESC LIMIT 1
	`, mode, agent)

	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return model.RunRecord{}, false
	}
	if err != nil {
		s.log.Errorf("history_last_run mode=%s agent=%s error=%v", mode, agent, err)
		return model.RunRecord{}, false
	}
	return rec, true
}

func (s *SQLiteStore) CountRunsSince(mode, agent string, since time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE mode = ? AND agent_name = ? AND started_at >= ?
	`, mode, agent, since.UnixNano()).Scan(&n)
	if err != nil {
		s.log.Errorf("history_count_runs mode=%s agent=%s error=%v", mode, agent, err)
		return 0
	}
	return n
}

func (s *SQLiteStore) AgentRuntimeSince(agent string, since time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(duration) FROM runs
		WHERE agent_name = ? AND started_at >= ?
	`, agent, since.UnixNano()).Scan(&total)
	if err != nil {
		s.log.Errorf("history_agent_runtime agent=%s error=%v", agent, err)
		return 0
	}
	return time.Duration(total.Int64)
}

func (s *SQLiteStore) Timeline(limit int) ([]model.RecoveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, agent_name, task_id, action, started_at, outcome, cooldown_until, detail
		FROM recovery_attempts ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []model.RecoveryAttempt
	for rows.Next() {
		var att model.RecoveryAttempt
		var started, cooldown int64
		var outcome string
		if err := rows.Scan(&att.ID, &att.AgentName, &att.TaskID, &att.Action,
			&started, &outcome, &cooldown, &att.Detail); err != nil {
			return nil, err
		}
		att.StartedAt = time.Unix(0, started)
		att.Outcome = model.RecoveryOutcome(outcome)
		att.CooldownUntil = time.Unix(0, cooldown)
		out = append(out, att)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneRuns(before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM runs WHERE started_at < ?", before.UnixNano())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.RunRecord, error) {
	var rec model.RunRecord
	var started, duration int64
	var success int
	if err := row.Scan(&rec.ID, &rec.TaskID, &rec.Mode, &rec.AgentName, &started, &duration, &success); err != nil {
		return model.RunRecord{}, err
	}
	rec.StartedAt = time.Unix(0, started)
	rec.Duration = time.Duration(duration)
	rec.Success = success != 0
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
