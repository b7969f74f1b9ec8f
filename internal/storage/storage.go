package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

// ErrNotInitialized is returned by queries on a nil Store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for solve jobs and their solutions.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// One writer at a time.
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
		`CREATE TABLE IF NOT EXISTS solve_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS solutions (
            job_id TEXT PRIMARY KEY,
            input_path TEXT NOT NULL,
            output_path TEXT,
            ra REAL NOT NULL,
            dec REAL NOT NULL,
            orientation REAL NOT NULL,
            field_width REAL NOT NULL,
            field_height REAL NOT NULL,
            pixel_scale REAL,
            star_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS solve_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            message TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_solve_events_job_id ON solve_events(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SolutionRecord is a stored plate solution.
type SolutionRecord struct {
	JobID      string              `json:"job_id"`
	InputPath  string              `json:"input_path"`
	OutputPath string              `json:"output_path"`
	Solution   astro.PlateSolution `json:"solution"`
	StarCount  int                 `json:"star_count"`
	CreatedAt  time.Time           `json:"created_at"`
}

// EventRecord is one engine log line.
type EventRecord struct {
	JobID     string    `json:"job_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solve_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE solve_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE solve_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordSolution stores the solution of a solved job.
func (s *Store) RecordSolution(rec SolutionRecord) error {
	if s == nil {
		return nil
	}
	sol := rec.Solution
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solutions (job_id, input_path, output_path, ra, dec, orientation, field_width, field_height, pixel_scale, star_count)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.InputPath, rec.OutputPath, sol.RA, sol.Dec, sol.Orientation, sol.FieldWidth, sol.FieldHeight, sol.PixelScale, rec.StarCount)
	return err
}

// RecordEvent appends an engine log line for a job.
func (s *Store) RecordEvent(jobID, message string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO solve_events (job_id, message) VALUES (?, ?);`, jobID, message)
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM solve_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches one job by ID. A missing job returns sql.ErrNoRows.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, ErrNotInitialized
	}
	row := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM solve_jobs WHERE id=?;`, id)
	return scanJob(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var created time.Time
	var input, output, options sql.NullString
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.InputPath = input.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, errors.Wrap(err, "unmarshal meta")
	}
	return meta, nil
}

// Solution fetches the solution stored for a job.
func (s *Store) Solution(jobID string) (SolutionRecord, error) {
	if s == nil {
		return SolutionRecord{}, ErrNotInitialized
	}
	row := s.DB.QueryRow(`SELECT job_id, input_path, output_path, ra, dec, orientation, field_width, field_height, pixel_scale, star_count, created_at FROM solutions WHERE job_id=?;`, jobID)
	return scanSolution(row)
}

// RecentSolutions returns the latest solutions up to limit.
func (s *Store) RecentSolutions(limit int) ([]SolutionRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT job_id, input_path, output_path, ra, dec, orientation, field_width, field_height, pixel_scale, star_count, created_at FROM solutions ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SolutionRecord
	for rows.Next() {
		rec, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanSolution(row scanner) (SolutionRecord, error) {
	var rec SolutionRecord
	var output sql.NullString
	var scale sql.NullFloat64
	var stars sql.NullInt64
	sol := &rec.Solution
	if err := row.Scan(&rec.JobID, &rec.InputPath, &output, &sol.RA, &sol.Dec, &sol.Orientation, &sol.FieldWidth, &sol.FieldHeight, &scale, &stars, &rec.CreatedAt); err != nil {
		return SolutionRecord{}, err
	}
	rec.OutputPath = output.String
	sol.PixelScale = scale.Float64
	rec.StarCount = int(stars.Int64)
	return rec, nil
}

// Events returns the engine log lines recorded for a job, oldest first.
func (s *Store) Events(jobID string) ([]EventRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT job_id, message, created_at FROM solve_events WHERE job_id=? ORDER BY id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.JobID, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
