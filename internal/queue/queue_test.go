package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestLocalQueueOrder(t *testing.T) {
	ctx := context.Background()
	q := NewLocal(4)
	defer q.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if msg == nil || msg.JobID != want {
			t.Fatalf("Dequeue = %+v, want %s", msg, want)
		}
	}
}

func TestLocalQueueTimeoutAndClose(t *testing.T) {
	ctx := context.Background()
	q := NewLocal(1)

	msg, err := q.Dequeue(ctx, 10*time.Millisecond)
	if msg != nil || err != nil {
		t.Fatalf("empty Dequeue = %+v, %v; want nil, nil", msg, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, time.Minute)
		done <- err
	}()
	q.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Dequeue after close = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not wake the consumer")
	}
	if err := q.Enqueue(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close = %v, want ErrClosed", err)
	}
}

func TestLocalQueueFullHonoursContext(t *testing.T) {
	q := NewLocal(1)
	defer q.Close()
	if err := q.Enqueue(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Enqueue on full queue = %v, want deadline exceeded", err)
	}
}

func TestDecodeMessage(t *testing.T) {
	data, err := encodeMessage("job-1")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := decodeMessage(data)
	if err != nil || msg.JobID != "job-1" {
		t.Errorf("decode = %+v, %v", msg, err)
	}
	if _, err := decodeMessage([]byte(`{"created_at":"2026-01-01T00:00:00Z"}`)); err == nil {
		t.Error("expected an error for a message without job id")
	}
	if _, err := decodeMessage([]byte(`not json`)); err == nil {
		t.Error("expected an error for malformed json")
	}
}

func TestRedisQueue(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	q, err := NewRedis(url)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	q.name = "queue:export:test"

	ctx := context.Background()
	q.client.Del(ctx, q.name)
	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	msg, err := q.Dequeue(ctx, time.Second)
	if err != nil || msg == nil || msg.JobID != "job-1" {
		t.Fatalf("Dequeue = %+v, %v", msg, err)
	}
}
