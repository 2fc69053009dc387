package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/podushkina/scriptqueue/internal/ledger"
	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/redis/go-redis/v9"
)

const queueKey = "scriptqueue:pending"

// Dial connects to Redis and verifies the connection.
func Dial(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

type Queue struct {
	client redis.UniversalClient
	ledger *ledger.Store
}

func New(client redis.UniversalClient, l *ledger.Store) *Queue {
	return &Queue{client: client, ledger: l}
}

// Push records t as PENDING and enqueues its id in one transaction, so a task
// is never visible without being queued or queued without a record.
func (q *Queue) Push(ctx context.Context, t *task.Task) error {
	pipe := q.client.TxPipeline()
	if err := q.ledger.Stage(ctx, pipe, t); err != nil {
		return err
	}
	pipe.RPush(ctx, queueKey, t.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

// Pop blocks up to timeout for the next task. It returns nil, nil when the
// queue stayed empty. Ids whose record has already expired are dropped.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	result, err := q.client.BLPop(ctx, timeout, queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop task: %w", err)
	}

	id := result[1]
	t, err := q.ledger.Get(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return nil, nil
	case err != nil:
		// put the id back at the head so a transient read error doesn't lose it
		if perr := q.client.LPush(context.WithoutCancel(ctx), queueKey, id).Err(); perr != nil {
			return nil, errors.Join(err, fmt.Errorf("restore %s: %w", id, perr))
		}
		return nil, err
	}
	return t, nil
}

// Requeue appends id to the tail of the queue. It is used when a worker
// released a task it claimed but could not start.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.client.RPush(ctx, queueKey, id).Err(); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
