package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/noetl/orchestrator/internal/kernelerr"

	commonredis "github.com/noetl/orchestrator/common/redis"
)

// CompletionSignal tells the control plane an execution has a terminal
// command outcome (completed, or failed with no attempts left) worth
// re-evaluating, the completion-signal queue referenced alongside the
// command dispatch streams.
type CompletionSignal interface {
	Notify(ctx context.Context, executionID int64) error
	Wait(ctx context.Context) (int64, error)
}

const completionQueueKey = "noetl.completions"

// RedisCompletionSignal is a single shared list: RPUSH on notify, BLPOP
// on wait, grounded on the same Redis list primitive the pack's hitl
// queue helpers use for bounded-wait notification, routed through
// common/redis.Client for the same logged access every other Redis
// collaborator in this package uses.
type RedisCompletionSignal struct {
	client *commonredis.Client
}

func NewRedisCompletionSignal(client *commonredis.Client) *RedisCompletionSignal {
	return &RedisCompletionSignal{client: client}
}

func (s *RedisCompletionSignal) Notify(ctx context.Context, executionID int64) error {
	if err := s.client.PushToList(ctx, completionQueueKey, strconv.FormatInt(executionID, 10)); err != nil {
		return kernelerr.Wrap(kernelerr.Transient, "push completion signal", err)
	}
	return nil
}

func (s *RedisCompletionSignal) Wait(ctx context.Context) (int64, error) {
	res, err := s.client.BlockingPopList(ctx, 5*time.Second, completionQueueKey)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Transient, "blpop completion signal", err)
	}
	if len(res) != 2 {
		return 0, ErrNoMessage
	}
	executionID, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Internal, "parse completion signal payload", err)
	}
	return executionID, nil
}

// MemoryCompletionSignal is an in-process CompletionSignal for the local
// interpreter and tests.
type MemoryCompletionSignal struct {
	ch chan int64
}

func NewMemoryCompletionSignal() *MemoryCompletionSignal {
	return &MemoryCompletionSignal{ch: make(chan int64, 256)}
}

func (s *MemoryCompletionSignal) Notify(ctx context.Context, executionID int64) error {
	select {
	case s.ch <- executionID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryCompletionSignal) Wait(ctx context.Context) (int64, error) {
	select {
	case executionID := <-s.ch:
		return executionID, nil
	case <-time.After(50 * time.Millisecond):
		return 0, ErrNoMessage
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var _ CompletionSignal = (*RedisCompletionSignal)(nil)
var _ CompletionSignal = (*MemoryCompletionSignal)(nil)
