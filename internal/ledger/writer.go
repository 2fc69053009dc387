package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/redis/go-redis/v9"
)

// Writer mutates a single claimed task. It is not safe for concurrent use;
// the owning worker drives it sequentially.
type Writer struct {
	store *Store
	owner string
	task  *task.Task
}

// Task returns a copy of the writer's view of the record.
func (w *Writer) Task() task.Task {
	t := *w.task
	t.Logs = append([]string(nil), w.task.Logs...)
	t.Files = append([]string(nil), w.task.Files...)
	return t
}

// Start moves the task to PROGRESS and records the first log line.
func (w *Writer) Start(ctx context.Context, line string) error {
	if w.task.State != task.StatePending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, w.task.State)
	}
	return w.apply(ctx, task.StateProgress, func(t *task.Task) {
		now := w.store.now()
		t.StartedAt = &now
		t.Logs = append(t.Logs, line)
	})
}

// Log appends a progress line. Only valid while the task is in PROGRESS.
func (w *Writer) Log(ctx context.Context, line string) error {
	if w.task.State != task.StateProgress {
		return fmt.Errorf("%w: log in %s", ErrInvalidTransition, w.task.State)
	}
	return w.apply(ctx, task.StateProgress, func(t *task.Task) {
		t.Logs = append(t.Logs, line)
	})
}

// Succeed records the terminal SUCCESS state with output and files.
func (w *Writer) Succeed(ctx context.Context, res task.Result) error {
	return w.apply(ctx, task.StateSuccess, func(t *task.Task) {
		now := w.store.now()
		t.FinishedAt = &now
		t.Output = res.Output
		t.Files = res.Files
		if t.Files == nil {
			t.Files = []string{}
		}
		t.ArtifactSource = res.Source
		t.Logs = append(t.Logs, fmt.Sprintf("files: %v", t.Files))
	})
}

// Fail records the terminal FAILURE state. output may be empty when the
// process never ran.
func (w *Writer) Fail(ctx context.Context, reason, output string) error {
	return w.apply(ctx, task.StateFailure, func(t *task.Task) {
		now := w.store.now()
		t.FinishedAt = &now
		t.Output = output
		t.Error = reason
		t.Logs = append(t.Logs, "Error during execution: "+reason)
	})
}

// Release gives up the claim so another worker can pick the task up. It only
// deletes the owner key while it still names this writer.
func (w *Writer) Release(ctx context.Context) error {
	id := w.task.ID
	err := w.store.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, ownerKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read owner: %w", err)
		}
		if owner != w.owner {
			return fmt.Errorf("%w: owner is %q", ErrConflict, owner)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, ownerKey(id))
			return nil
		})
		return err
	}, ownerKey(id))
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	return err
}

func (w *Writer) apply(ctx context.Context, to task.State, mutate func(*task.Task)) error {
	id := w.task.ID
	from := w.task.State
	if from != to && !task.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to && to != task.StateProgress {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := w.Task()
	mutate(&next)
	next.State = to
	next.UpdatedAt = w.store.now()

	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, ownerKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read owner: %w", err)
		}
		if owner != w.owner {
			return fmt.Errorf("%w: owner is %q", ErrConflict, owner)
		}
		current, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.State != from {
			return fmt.Errorf("%w: stored state %s, expected %s", ErrConflict, current.State, from)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(id), data, w.store.ttl)
			return nil
		})
		return err
	}

	if err := w.store.client.Watch(ctx, txf, key(id), ownerKey(id)); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %s", ErrConflict, id)
		}
		return err
	}
	*w.task = next
	return nil
}
