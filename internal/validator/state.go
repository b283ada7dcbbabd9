// Package validator runs the background sweep that checks every stored
// session and repairs dead ones, with its history kept in SQLite.
package validator

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/accfleet/fleetd/internal/model"
)

const stateDBFile = "validator.sqlite"

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS sweep_jobs (
	id            TEXT PRIMARY KEY,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME,
	checked       INTEGER NOT NULL DEFAULT 0,
	valid         INTEGER NOT NULL DEFAULT 0,
	invalid       INTEGER NOT NULL DEFAULT 0,
	repaired      INTEGER NOT NULL DEFAULT 0,
	failed_repair INTEGER NOT NULL DEFAULT 0,
	error         TEXT
);

CREATE TABLE IF NOT EXISTS account_checks (
	job_id     TEXT NOT NULL,
	account_id TEXT NOT NULL,
	checked_at DATETIME NOT NULL,
	outcome    TEXT NOT NULL,
	detail     TEXT
);

CREATE INDEX IF NOT EXISTS idx_sweep_jobs_started ON sweep_jobs(started_at);
CREATE INDEX IF NOT EXISTS idx_account_checks_job ON account_checks(job_id);
CREATE INDEX IF NOT EXISTS idx_account_checks_account ON account_checks(account_id);
`

// StateDB keeps sweep history in a SQLite database under the data dir.
type StateDB struct {
	db *sql.DB
}

// OpenStateDB opens or creates the validator state database.
func OpenStateDB(dataDir string) (*StateDB, error) {
	dbPath := filepath.Join(dataDir, stateDBFile)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open validator db: %w", err)
	}

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init validator db: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close releases the database connection.
func (s *StateDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateJob inserts a new sweep job record.
func (s *StateDB) CreateJob() (*model.SweepJob, error) {
	job := model.SweepJob{
		ID:        model.NewID(),
		StartedAt: time.Now(),
	}

	_, err := s.db.Exec(
		`INSERT INTO sweep_jobs (id, started_at) VALUES (?, ?)`,
		job.ID, job.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob updates a sweep job's counters and final state.
func (s *StateDB) UpdateJob(job *model.SweepJob) error {
	_, err := s.db.Exec(
		`UPDATE sweep_jobs SET finished_at = ?, checked = ?, valid = ?, invalid = ?,
		 repaired = ?, failed_repair = ?, error = ? WHERE id = ?`,
		job.FinishedAt, job.Checked, job.Valid, job.Invalid,
		job.Repaired, job.FailedRepair, job.Error, job.ID,
	)
	return err
}

// LastJob returns the most recent sweep job, or nil when none has run.
func (s *StateDB) LastJob() (*model.SweepJob, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, finished_at, checked, valid, invalid, repaired, failed_repair, COALESCE(error, '')
		 FROM sweep_jobs ORDER BY started_at DESC LIMIT 1`,
	)

	var job model.SweepJob
	err := row.Scan(&job.ID, &job.StartedAt, &job.FinishedAt, &job.Checked,
		&job.Valid, &job.Invalid, &job.Repaired, &job.FailedRepair, &job.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// RecordCheck stores one per-account probe result.
func (s *StateDB) RecordCheck(rec model.CheckRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO account_checks (job_id, account_id, checked_at, outcome, detail) VALUES (?, ?, ?, ?, ?)`,
		rec.JobID, rec.AccountID, rec.CheckedAt, rec.Outcome, rec.Detail,
	)
	return err
}

// ChecksForJob returns all per-account results of one sweep.
func (s *StateDB) ChecksForJob(jobID string) ([]model.CheckRecord, error) {
	rows, err := s.db.Query(
		`SELECT job_id, account_id, checked_at, outcome, COALESCE(detail, '')
		 FROM account_checks WHERE job_id = ? ORDER BY checked_at`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []model.CheckRecord
	for rows.Next() {
		var rec model.CheckRecord
		if err := rows.Scan(&rec.JobID, &rec.AccountID, &rec.CheckedAt, &rec.Outcome, &rec.Detail); err != nil {
			return nil, err
		}
		checks = append(checks, rec)
	}
	return checks, rows.Err()
}

// LastCheck returns the most recent probe result for an account.
func (s *StateDB) LastCheck(accountID string) (*model.CheckRecord, error) {
	row := s.db.QueryRow(
		`SELECT job_id, account_id, checked_at, outcome, COALESCE(detail, '')
		 FROM account_checks WHERE account_id = ? ORDER BY checked_at DESC LIMIT 1`,
		accountID,
	)

	var rec model.CheckRecord
	err := row.Scan(&rec.JobID, &rec.AccountID, &rec.CheckedAt, &rec.Outcome, &rec.Detail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
