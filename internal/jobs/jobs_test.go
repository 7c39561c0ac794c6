package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/cutline/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.JobStatus
		want     bool
	}{
		{models.JobStatusPending, models.JobStatusUploading, true},
		{models.JobStatusPending, models.JobStatusProcessing, true},
		{models.JobStatusProcessing, models.JobStatusEncoding, true},
		{models.JobStatusEncoding, models.JobStatusComplete, true},
		{models.JobStatusEncoding, models.JobStatusProcessing, false},
		{models.JobStatusProcessing, models.JobStatusPending, false},
		{models.JobStatusPending, models.JobStatusCancelled, true},
		{models.JobStatusEncoding, models.JobStatusCancelled, true},
		{models.JobStatusUploading, models.JobStatusError, true},
		{models.JobStatusComplete, models.JobStatusCancelled, false},
		{models.JobStatusCancelled, models.JobStatusError, false},
		{models.JobStatusError, models.JobStatusProcessing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionAndProgress(t *testing.T) {
	job := &models.ExportJob{Status: models.JobStatusProcessing}

	SetProgress(job, 40)
	SetProgress(job, 20)
	if job.Progress != 40 {
		t.Errorf("progress = %v, want 40 (non-decreasing)", job.Progress)
	}
	SetProgress(job, 250)
	if job.Progress != 100 {
		t.Errorf("progress = %v, want clamp to 100", job.Progress)
	}

	if err := Transition(job, models.JobStatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("backwards transition err = %v, want ErrInvalidTransition", err)
	}
	if err := Transition(job, models.JobStatusProcessing); err != nil {
		t.Errorf("same-state transition should be a no-op, got %v", err)
	}

	job.Progress = 80
	if err := Transition(job, models.JobStatusComplete); err != nil {
		t.Fatal(err)
	}
	if job.Progress != 100 {
		t.Errorf("completed progress = %v, want 100", job.Progress)
	}

	cancelled := &models.ExportJob{Status: models.JobStatusEncoding, Progress: 60}
	if err := Transition(cancelled, models.JobStatusCancelled); err != nil {
		t.Fatal(err)
	}
	SetProgress(cancelled, 90)
	if cancelled.Progress != 60 {
		t.Errorf("progress advanced after cancel: %v", cancelled.Progress)
	}
}

func TestFail(t *testing.T) {
	job := &models.ExportJob{Status: models.JobStatusEncoding, OutputPath: "/tmp/x.mp4"}
	if err := Fail(job, errors.New("encoder exited")); err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusError || job.Error != "encoder exited" {
		t.Errorf("job = %+v", job)
	}
	if job.OutputReady() || job.OutputPath != "" {
		t.Error("failed job must not reference an output")
	}
	if err := Fail(job, errors.New("again")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Fail err = %v, want ErrInvalidTransition", err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := &models.ExportJob{ID: "a"}
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusPending || job.CreatedAt.IsZero() {
		t.Errorf("created job = %+v", job)
	}
	if err := s.Create(ctx, &models.ExportJob{ID: "a"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create err = %v, want ErrExists", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	got.Status = models.JobStatusComplete
	again, _ := s.Get(ctx, "a")
	if again.Status != models.JobStatusPending {
		t.Error("Get must return a copy")
	}

	_, err = s.Update(ctx, "a", func(j *models.ExportJob) error {
		j.Progress = 50
		return Transition(j, models.JobStatusComplete)
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Update(ctx, "a", func(j *models.ExportJob) error {
		j.Progress = 10
		return Transition(j, models.JobStatusProcessing)
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("update err = %v, want ErrInvalidTransition", err)
	}
	stored, _ := s.Get(ctx, "a")
	if stored.Progress != 100 || stored.Status != models.JobStatusComplete {
		t.Errorf("failed update leaked: %+v", stored)
	}

	if _, err := s.Update(ctx, "missing", func(*models.ExportJob) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing err = %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete err = %v", err)
	}
	if err := s.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Create(ctx, &models.ExportJob{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "new" || list[2].ID != "old" {
		t.Errorf("list order = %v", list)
	}
}

func TestMemoryStoreConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, &models.ExportJob{ID: "a", Status: models.JobStatusProcessing}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			s.Update(ctx, "a", func(j *models.ExportJob) error {
				SetProgress(j, float64(i))
				return nil
			})
		}
	}()

	last := 0.0
	for i := 0; i < 100; i++ {
		j, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		if j.Progress < last {
			t.Fatalf("progress went backwards: %v after %v", j.Progress, last)
		}
		last = j.Progress
	}
	wg.Wait()
}

func TestTokens(t *testing.T) {
	tokens := NewTokens()
	ctx, release := tokens.Start(context.Background(), "a")

	if !tokens.Running("a") {
		t.Fatal("token not registered")
	}
	if !tokens.Cancel("a") {
		t.Fatal("Cancel reported not running")
	}
	<-ctx.Done()
	if !errors.Is(context.Cause(ctx), models.ErrCancelled) {
		t.Errorf("cause = %v, want ErrCancelled", context.Cause(ctx))
	}

	release()
	release()
	if tokens.Running("a") || tokens.Cancel("a") {
		t.Error("token still registered after release")
	}
}

func TestTokensRestartKeepsNewest(t *testing.T) {
	tokens := NewTokens()
	first, releaseFirst := tokens.Start(context.Background(), "a")
	second, releaseSecond := tokens.Start(context.Background(), "a")
	defer releaseSecond()

	if first.Err() == nil {
		t.Error("starting a new run should cancel the previous one")
	}
	releaseFirst()
	if !tokens.Running("a") {
		t.Error("releasing the old run dropped the new token")
	}
	if second.Err() != nil {
		t.Error("new run was cancelled")
	}
}
