package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	commonredis "github.com/noetl/orchestrator/common/redis"
	"github.com/noetl/orchestrator/internal/kernel/command"
	"github.com/noetl/orchestrator/internal/kernelerr"
)

// ErrNoMessage is returned by Notifier.Next when no command was waiting
// within the poll window; callers loop and try again.
var ErrNoMessage = errors.New("worker: no message available")

// Notifier is the command-issued notification transport a worker
// subscribes to (§4.6: "a pub/sub subject or long-poll; the transport is
// a collaborator"). Generalizes the teacher's http_worker.go
// XReadGroup/XAck consumer-group loop from a single hardcoded stream to
// one stream per pool.
type Notifier interface {
	Publish(ctx context.Context, poolName string, cmd command.Command) error
	Next(ctx context.Context, poolName, consumerName string) (command.Command, string, error)
	Ack(ctx context.Context, poolName, msgID string) error
}

// RedisNotifier delivers commands over a Redis Stream consumer group, one
// stream per pool, grounded on cmd/workflow-runner/worker/http_worker.go's
// XReadGroup/XAck loop, routed through common/redis.Client for the same
// logged access every other Redis collaborator in this package uses.
type RedisNotifier struct {
	client *commonredis.Client
	group  string

	mu      sync.Mutex
	created map[string]bool
}

func NewRedisNotifier(client *commonredis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, group: "noetl_workers", created: make(map[string]bool)}
}

func (n *RedisNotifier) Publish(ctx context.Context, poolName string, cmd command.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "marshal command for publish", err)
	}
	if err := n.ensureGroup(ctx, poolName); err != nil {
		return err
	}
	if _, err := n.client.AddToStream(ctx, streamName(poolName), map[string]interface{}{"command": string(payload)}); err != nil {
		return kernelerr.Wrap(kernelerr.Transient, "publish command", err)
	}
	return nil
}

func (n *RedisNotifier) Next(ctx context.Context, poolName, consumerName string) (command.Command, string, error) {
	if err := n.ensureGroup(ctx, poolName); err != nil {
		return command.Command{}, "", err
	}
	streams, err := n.client.ReadFromStreamGroup(ctx, n.group, consumerName, streamName(poolName), 1, 5*time.Second)
	if err != nil {
		return command.Command{}, "", kernelerr.Wrap(kernelerr.Transient, "read command stream", err)
	}
	if streams == nil {
		return command.Command{}, "", ErrNoMessage
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["command"].(string)
			if !ok {
				continue
			}
			var cmd command.Command
			if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
				return command.Command{}, "", kernelerr.Wrap(kernelerr.Internal, "unmarshal command payload", err)
			}
			return cmd, msg.ID, nil
		}
	}
	return command.Command{}, "", ErrNoMessage
}

func (n *RedisNotifier) Ack(ctx context.Context, poolName, msgID string) error {
	if err := n.client.AckStreamMessage(ctx, streamName(poolName), n.group, msgID); err != nil {
		return kernelerr.Wrap(kernelerr.Transient, "ack command message", err)
	}
	return nil
}

func (n *RedisNotifier) ensureGroup(ctx context.Context, poolName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := poolName
	if n.created[key] {
		return nil
	}
	if err := n.client.CreateStreamGroup(ctx, streamName(poolName), n.group); err != nil {
		return kernelerr.Wrap(kernelerr.Storage, "create consumer group", err)
	}
	n.created[key] = true
	return nil
}

func streamName(poolName string) string {
	return "noetl.commands." + poolName
}

// MemoryNotifier is an in-process Notifier for the local interpreter and
// kernel tests: one buffered channel per pool, acks are no-ops since
// there is nothing to redeliver to.
type MemoryNotifier struct {
	mu     sync.Mutex
	queues map[string]chan command.Command
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{queues: make(map[string]chan command.Command)}
}

func (n *MemoryNotifier) queueFor(poolName string) chan command.Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[poolName]
	if !ok {
		q = make(chan command.Command, 256)
		n.queues[poolName] = q
	}
	return q
}

func (n *MemoryNotifier) Publish(ctx context.Context, poolName string, cmd command.Command) error {
	select {
	case n.queueFor(poolName) <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *MemoryNotifier) Next(ctx context.Context, poolName, _ string) (command.Command, string, error) {
	select {
	case cmd := <-n.queueFor(poolName):
		return cmd, "", nil
	case <-time.After(50 * time.Millisecond):
		return command.Command{}, "", ErrNoMessage
	case <-ctx.Done():
		return command.Command{}, "", ctx.Err()
	}
}

func (n *MemoryNotifier) Ack(ctx context.Context, poolName, msgID string) error { return nil }

var _ Notifier = (*RedisNotifier)(nil)
var _ Notifier = (*MemoryNotifier)(nil)
