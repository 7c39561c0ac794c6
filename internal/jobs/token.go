package jobs

import (
	"context"
	"sync"

	"github.com/bobarin/cutline/internal/models"
)

// Tokens hands out the cancellation token of each running job. The token
// is the job's context; cancelling it records models.ErrCancelled as the
// cause so every layer of the render reports a cancellation, not a
// failure.
type Tokens struct {
	mu      sync.Mutex
	next    uint64
	cancels map[string]token
}

type token struct {
	gen    uint64
	cancel context.CancelCauseFunc
}

func NewTokens() *Tokens {
	return &Tokens{cancels: make(map[string]token)}
}

// Start derives the token for a job from parent. release must be called
// when the job stops running.
func (t *Tokens) Start(parent context.Context, id string) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancelCause(parent)

	t.mu.Lock()
	if prev, ok := t.cancels[id]; ok {
		prev.cancel(models.ErrCancelled)
	}
	t.next++
	gen := t.next
	t.cancels[id] = token{gen: gen, cancel: cancel}
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		// a newer run of the same id may have replaced this token
		if cur, ok := t.cancels[id]; ok && cur.gen == gen {
			delete(t.cancels, id)
		}
		t.mu.Unlock()
		cancel(nil)
	}
}

// Cancel signals the job's token. It reports whether the job was running.
func (t *Tokens) Cancel(id string) bool {
	t.mu.Lock()
	tok, ok := t.cancels[id]
	t.mu.Unlock()
	if ok {
		tok.cancel(models.ErrCancelled)
	}
	return ok
}

// Running reports whether a token is live for id.
func (t *Tokens) Running(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancels[id]
	return ok
}

// CancelAll signals every running job.
func (t *Tokens) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range t.cancels {
		tok.cancel(models.ErrCancelled)
	}
}
