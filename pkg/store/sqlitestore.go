package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// SQLiteStore provides SQLite-based coordinator persistence
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) a SQLite store at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// writes are serialized by SQLite anyway, keep the pool small
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		submitted_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS checkpoints (
		job_id TEXT PRIMARY KEY,
		rounds_completed INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);
	CREATE TABLE IF NOT EXISTS results (
		job_id TEXT PRIMARY KEY,
		success INTEGER NOT NULL,
		completed_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveJob inserts or replaces a job record
func (s *SQLiteStore) SaveJob(job *models.TrainingJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO jobs (id, status, submitted_at, data) VALUES (?, ?, ?, ?)`,
		job.ID, string(job.Status), job.SubmittedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.TrainingJob, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job models.TrainingJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// ListJobs returns all jobs, newest first
func (s *SQLiteStore) ListJobs() ([]*models.TrainingJob, error) {
	rows, err := s.db.Query(`SELECT data FROM jobs ORDER BY submitted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.TrainingJob
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var job models.TrainingJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus updates both the status column and the JSON document
func (s *SQLiteStore) UpdateJobStatus(id string, status models.JobStatus) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	job.Status = status
	return s.SaveJob(job)
}

// SaveCheckpoint persists a job's round checkpoint
func (s *SQLiteStore) SaveCheckpoint(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO checkpoints (job_id, rounds_completed, updated_at, data) VALUES (?, ?, ?, ?)`,
		cp.JobID, cp.RoundsCompleted, cp.UpdatedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a job's latest checkpoint
func (s *SQLiteStore) GetCheckpoint(jobID string) (*Checkpoint, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM checkpoints WHERE job_id = ?`, jobID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveResult persists a terminal job result
func (s *SQLiteStore) SaveResult(result *models.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	success := 0
	if result.Success {
		success = 1
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO results (job_id, success, completed_at, data) VALUES (?, ?, ?, ?)`,
		result.JobID, success, result.CompletedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// GetResult retrieves a job's terminal result
func (s *SQLiteStore) GetResult(jobID string) (*models.JobResult, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM results WHERE job_id = ?`, jobID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	var result models.JobResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}
