// Package jobs holds the export job registry: the Store contract, the job
// state machine and the cancellation tokens of running jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/cutline/internal/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the job registry. Reads return copies, so callers never see a
// partially applied update. The timeline of a job is treated as immutable
// once created.
type Store interface {
	Create(ctx context.Context, job *models.ExportJob) error
	Get(ctx context.Context, id string) (*models.ExportJob, error)
	// Update applies fn to the job atomically. If fn returns an error the
	// stored job is left unchanged.
	Update(ctx context.Context, id string, fn func(job *models.ExportJob) error) (*models.ExportJob, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.ExportJob, error)
}

// pipeline ranks the non-terminal states plus complete, in order.
var pipeline = map[models.JobStatus]int{
	models.JobStatusPending:    0,
	models.JobStatusUploading:  1,
	models.JobStatusProcessing: 2,
	models.JobStatusEncoding:   3,
	models.JobStatusComplete:   4,
}

// CanTransition reports whether a job may move from one status to another.
// Jobs only move forward through the pipeline; error and cancelled are
// reachable from any non-terminal state. Terminal states are final.
func CanTransition(from, to models.JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == models.JobStatusError || to == models.JobStatusCancelled {
		return true
	}
	fr, ok := pipeline[from]
	if !ok {
		return false
	}
	tr, ok := pipeline[to]
	return ok && tr > fr
}

// Transition moves job to status, or returns ErrInvalidTransition.
// Completing a job pins its progress to 100.
func Transition(job *models.ExportJob, to models.JobStatus) error {
	if job.Status == to {
		return nil
	}
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	job.Status = to
	if to == models.JobStatusComplete {
		job.Progress = 100
	}
	return nil
}

// SetProgress raises the job progress to p, clamped to [0, 100]. Progress
// never goes backwards and is frozen once the job is terminal.
func SetProgress(job *models.ExportJob, p float64) {
	if job.Status.IsTerminal() {
		return
	}
	if p > 100 {
		p = 100
	}
	if p > job.Progress {
		job.Progress = p
	}
}

// Fail marks the job as errored with a user-visible message.
func Fail(job *models.ExportJob, err error) error {
	if err := Transition(job, models.JobStatusError); err != nil {
		return err
	}
	job.Error = err.Error()
	job.OutputPath = ""
	job.OutputURL = ""
	return nil
}
