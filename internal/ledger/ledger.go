// Package ledger is the Redis-backed record of every task, keyed by task id.
//
// Readers use Store.Get and Store.List. The only way to mutate a record is
// through the Writer returned by Store.Claim, and at most one Writer exists
// per task: the claim is a SETNX on an owner key. Each write re-reads the
// record under WATCH, checks the owner and the state machine, then replaces
// the record, so a terminal state can never be overwritten.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	taskPrefix  = "scriptqueue:task:"
	ownerPrefix = "scriptqueue:owner:"

	// DefaultTTL mirrors the broker's result retention.
	DefaultTTL = 24 * time.Hour
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrClaimed           = errors.New("task already claimed")
	ErrConflict          = errors.New("task modified by another writer")
	ErrInvalidTransition = errors.New("invalid state transition")
)

type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// New returns a Store whose records expire after ttl; zero keeps them forever.
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func key(id string) string      { return taskPrefix + id }
func ownerKey(id string) string { return ownerPrefix + id }

// Stage queues the initial record of t into pipe. The caller executes the
// pipeline, typically together with the enqueue.
func (s *Store) Stage(ctx context.Context, pipe redis.Pipeliner, t *task.Task) error {
	now := s.now()
	t.State = task.StatePending
	t.CreatedAt = now
	t.UpdatedAt = now

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe.SetNX(ctx, key(t.ID), data, s.ttl)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	return get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func get(ctx context.Context, c getter, id string) (*task.Task, error) {
	data, err := c.Get(ctx, key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// List returns every stored task, newest first.
func (s *Store) List(ctx context.Context) ([]*task.Task, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, taskPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(keys) == 0 {
		return []*task.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// expired between SCAN and GET
			continue
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

// Claim makes owner the only writer of task id.
func (s *Store) Claim(ctx context.Context, id, owner string) (*Writer, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, ownerKey(id), owner, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClaimed, id)
	}
	return &Writer{store: s, owner: owner, task: t}, nil
}
