package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bobarin/cutline/internal/jobs"
	"github.com/bobarin/cutline/internal/models"
)

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

const exportColumns = `
	id, status, progress, timeline, settings, strategy,
	output_path, output_url, error_message, worker, created_at, updated_at`

// ExportStore is a jobs.Store backed by the export_jobs table.
type ExportStore struct {
	db *DB
}

var _ jobs.Store = (*ExportStore)(nil)

func NewExportStore(db *DB) *ExportStore {
	return &ExportStore{db: db}
}

func (s *ExportStore) Create(ctx context.Context, job *models.ExportJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	query := `
		INSERT INTO export_jobs (
			id, status, progress, timeline, settings
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowContext(
		ctx, query,
		job.ID, job.Status, job.Progress, job.Timeline, job.Settings,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if isUniqueViolation(err) {
		return jobs.ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create export job: %w", err)
	}
	return nil
}

func (s *ExportStore) Get(ctx context.Context, id string) (*models.ExportJob, error) {
	query := `SELECT ` + exportColumns + ` FROM export_jobs WHERE id = $1`

	job, err := scanExport(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get export job: %w", err)
	}
	return job, nil
}

// Update locks the row, applies fn and writes the result back in one
// transaction.
func (s *ExportStore) Update(ctx context.Context, id string, fn func(job *models.ExportJob) error) (*models.ExportJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + exportColumns + ` FROM export_jobs WHERE id = $1 FOR UPDATE`
	job, err := scanExport(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock export job: %w", err)
	}

	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now()

	update := `
		UPDATE export_jobs
		SET status = $1, progress = $2, strategy = $3, output_path = $4,
			output_url = $5, error_message = $6, worker = $7, updated_at = $8
		WHERE id = $9
	`
	_, err = tx.ExecContext(ctx, update,
		job.Status, job.Progress, job.Strategy, job.OutputPath,
		job.OutputURL, job.Error, job.Worker, job.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update export job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit export job: %w", err)
	}
	return job, nil
}

func (s *ExportStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM export_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete export job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete export job: %w", err)
	}
	if n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// List returns every export job, newest first.
func (s *ExportStore) List(ctx context.Context) ([]models.ExportJob, error) {
	query := `SELECT ` + exportColumns + ` FROM export_jobs ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query export jobs: %w", err)
	}
	defer rows.Close()

	var out []models.ExportJob
	for rows.Next() {
		job, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExport(row scanner) (*models.ExportJob, error) {
	job := &models.ExportJob{}
	err := row.Scan(
		&job.ID, &job.Status, &job.Progress, &job.Timeline, &job.Settings, &job.Strategy,
		&job.OutputPath, &job.OutputURL, &job.Error, &job.Worker, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
