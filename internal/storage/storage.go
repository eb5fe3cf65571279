package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for render runs and the timestamp cache.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Frame records arrive from one goroutine per run; a single connection
	// keeps SQLite writers serialized.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS render_runs (
            id TEXT PRIMARY KEY,
            project_path TEXT NOT NULL,
            status TEXT NOT NULL,
            frames_total INTEGER DEFAULT 0,
            frames_written INTEGER DEFAULT 0,
            frames_skipped INTEGER DEFAULT 0,
            threads INTEGER DEFAULT 0,
            options_json TEXT,
            summary_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS render_frames (
            run_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            render_time REAL NOT NULL,
            output_path TEXT,
            status TEXT NOT NULL,
            error TEXT,
            duration_ms INTEGER,
            PRIMARY KEY (run_id, frame_index)
        );`,
		`CREATE TABLE IF NOT EXISTS image_timestamps (
            path TEXT PRIMARY KEY,
            mtime_ns INTEGER NOT NULL,
            resolved REAL NOT NULL,
            source TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_render_frames_status ON render_frames(run_id, status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted render run.
type RunRecord struct {
	ID            string     `json:"id"`
	ProjectPath   string     `json:"project_path"`
	Status        string     `json:"status"`
	FramesTotal   int        `json:"frames_total"`
	FramesWritten int        `json:"frames_written"`
	FramesSkipped int        `json:"frames_skipped"`
	Threads       int        `json:"threads"`
	OptionsJSON   string     `json:"options,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// FrameRecord captures the outcome of one frame.
type FrameRecord struct {
	RunID      string  `json:"run_id"`
	Index      int     `json:"index"`
	Time       float64 `json:"time"`
	OutputPath string  `json:"output_path"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO render_runs (id, project_path, status, options_json) VALUES (?, ?, ?, ?);`,
		rec.ID, rec.ProjectPath, rec.Status, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string, framesTotal, threads int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE render_runs SET status='running', frames_total=?, threads=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`,
		framesTotal, threads, id)
	return err
}

// RecordFrame stores one frame outcome.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO render_frames (run_id, frame_index, render_time, output_path, status, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Index, rec.Time, rec.OutputPath, rec.Status, rec.Error, rec.DurationMS)
	return err
}

// RecordRunResult finalizes a run with its counters and summary.
func (s *Store) RecordRunResult(id, status string, written, skipped int, summary map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	summaryJSON, _ := json.Marshal(summary)
	_, err := s.DB.Exec(`UPDATE render_runs SET status=?, frames_written=?, frames_skipped=?, summary_json=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, written, skipped, string(summaryJSON), errMsg, id)
	return err
}

const runColumns = `id, project_path, status, frames_total, frames_written, frames_skipped, threads, options_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var started, completed sql.NullTime
	var options, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.ProjectPath, &rec.Status, &rec.FramesTotal, &rec.FramesWritten, &rec.FramesSkipped,
		&rec.Threads, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM render_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM render_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// RunSummary fetches the summary blob recorded when the run finished.
func (s *Store) RunSummary(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var summaryJSON sql.NullString
	err := s.DB.QueryRow(`SELECT summary_json FROM render_runs WHERE id=?;`, id).Scan(&summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !summaryJSON.Valid || summaryJSON.String == "" {
		return nil, nil
	}
	var summary map[string]any
	if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return summary, nil
}

// Frames lists the frame outcomes of a run in frame order.
func (s *Store) Frames(runID string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, frame_index, render_time, output_path, status, error, duration_ms FROM render_frames WHERE run_id=? ORDER BY frame_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var errMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Time, &rec.OutputPath, &rec.Status, &errMsg, &rec.DurationMS); err != nil {
			return nil, err
		}
		rec.Error = errMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// LookupTimestamp returns a cached creation instant for path when the file
// has not changed since it was stored.
func (s *Store) LookupTimestamp(path string, mtime time.Time) (float64, string, bool, error) {
	if s == nil {
		return 0, "", false, nil
	}
	var stored int64
	var resolved float64
	var source string
	err := s.DB.QueryRow(`SELECT mtime_ns, resolved, source FROM image_timestamps WHERE path=?;`, path).Scan(&stored, &resolved, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	if stored != mtime.UnixNano() {
		return 0, "", false, nil
	}
	return resolved, source, true, nil
}

// StoreTimestamp caches the creation instant of path.
func (s *Store) StoreTimestamp(path string, mtime time.Time, seconds float64, source string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO image_timestamps (path, mtime_ns, resolved, source) VALUES (?, ?, ?, ?);`,
		path, mtime.UnixNano(), seconds, source)
	return err
}
