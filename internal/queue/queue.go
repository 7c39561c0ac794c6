package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const QueueExport = "queue:export"

// ErrClosed is returned by a closed in-process queue.
var ErrClosed = errors.New("queue closed")

// Message asks a worker slot to run one export job.
type Message struct {
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Queue hands export job ids to worker slots.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue waits up to timeout for a message. It returns nil, nil when
	// nothing arrived in time.
	Dequeue(ctx context.Context, timeout time.Duration) (*Message, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Redis is a list-backed queue shared by every process pointing at the
// same Redis.
type Redis struct {
	client *redis.Client
	name   string
}

func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, name: QueueExport}, nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}

func (q *Redis) Enqueue(ctx context.Context, jobID string) error {
	data, err := encodeMessage(jobID)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.name, data).Err()
}

func (q *Redis) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	result, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}
	return decodeMessage([]byte(result[1]))
}

func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

func encodeMessage(jobID string) ([]byte, error) {
	data, err := json.Marshal(&Message{JobID: jobID, CreatedAt: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("message without job id")
	}
	return &msg, nil
}

// Local is an in-process queue for single-node deployments without Redis.
type Local struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// NewLocal creates a queue holding up to size pending messages. Enqueue
// blocks while it is full.
func NewLocal(size int) *Local {
	if size < 1 {
		size = 1
	}
	return &Local{
		ch:   make(chan Message, size),
		done: make(chan struct{}),
	}
}

func (q *Local) Enqueue(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- Message{JobID: jobID, CreatedAt: time.Now()}:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Local) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-q.ch:
		return &msg, nil
	case <-q.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Local) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close wakes every waiting consumer.
func (q *Local) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
