// Command worker claims commands from a pool's stream and executes them
// against the tool registry (§4.6-§4.7), grounded on the claim/execute/
// report loop in crates/worker-pool/src/main.rs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noetl/orchestrator/common/bootstrap"
	commonredis "github.com/noetl/orchestrator/common/redis"
	"github.com/noetl/orchestrator/internal/kernel/catalog"
	"github.com/noetl/orchestrator/internal/kernel/coordinator"
	"github.com/noetl/orchestrator/internal/kernel/event"
	"github.com/noetl/orchestrator/internal/kernel/orchestrator"
	"github.com/noetl/orchestrator/internal/kernel/state"
	"github.com/noetl/orchestrator/internal/kernel/tool"
	"github.com/noetl/orchestrator/internal/kernel/worker"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/snowflakeid"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "worker", bootstrap.WithoutCache(), bootstrap.WithoutQueue())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	redisClient := newRedisClient()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		components.Logger.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	wrapped := commonredis.NewClient(redisClient, components.Logger)

	ids, err := snowflakeid.New(nodeID())
	if err != nil {
		components.Logger.Error("failed to build id generator", "error", err)
		os.Exit(1)
	}

	events := event.NewPostgres(components.DB.Pool)
	catalogStore := catalog.NewPostgres(components.DB.Pool)
	poolName := getEnv("NOETL_POOL", "default")

	dispatcher := &nestedDispatcher{
		catalog: catalogStore,
		coord: coordinator.New(coordinator.Opts{
			Events:       events,
			Orchestrator: orchestrator.New(ids),
			Notifier:     worker.NewRedisNotifier(wrapped),
			IDs:          ids,
			PoolName:     poolName,
			Logger:       components.Logger,
		}),
		events:     events,
		pollEvery:  250 * time.Millisecond,
		waitFor:    2 * time.Minute,
	}

	registry := tool.NewDefaultRegistry(dispatcher)

	workerID := getEnv("NOETL_WORKER_ID", fmt.Sprintf("worker-%d", os.Getpid()))
	w := worker.New(
		worker.Config{WorkerID: workerID, PoolName: poolName},
		worker.NewRedisClaimStore(wrapped),
		worker.NewRedisNotifier(wrapped),
		events,
		registry,
		nil,
		ids,
		worker.NewRedisCompletionSignal(wrapped),
	)

	workers := worker.NewRedisRegistry(wrapped)
	if err := workers.Register(ctx, worker.Registration{
		WorkerID: workerID,
		PoolName: poolName,
		System:   worker.CaptureSystemInfo(),
	}); err != nil {
		components.Logger.Error("worker registration failed", "error", err)
	}
	defer func() {
		if err := workers.Deregister(context.Background(), poolName, workerID); err != nil {
			components.Logger.Error("worker deregistration failed", "error", err)
		}
	}()
	go runHeartbeat(ctx, workers, poolName, workerID)

	components.Logger.Info("worker starting", "worker_id", workerID, "pool", poolName)

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			components.Logger.Error("worker stopped with error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	}

	components.Logger.Info("worker stopped")
}

// runHeartbeat refreshes this worker's registration every third of the
// registry's TTL window, until ctx is cancelled.
func runHeartbeat(ctx context.Context, registry worker.Registry, poolName, workerID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = registry.Heartbeat(ctx, poolName, workerID)
		}
	}
}

// nestedDispatcher implements tool.PlaybookDispatcher by triggering a
// nested execution through the same coordinator/catalog path the control
// plane uses, then polling the event log until it finishes. Workers run
// in the same process group as the control plane's shared Postgres/Redis
// infrastructure, so no HTTP round trip is needed.
type nestedDispatcher struct {
	catalog   catalog.Store
	coord     *coordinator.Coordinator
	events    event.Store
	pollEvery time.Duration
	waitFor   time.Duration
}

func (d *nestedDispatcher) Dispatch(ctx context.Context, path, version string, args map[string]interface{}) (map[string]interface{}, error) {
	entry, ok, err := d.catalog.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.New(kernelerr.NotFound, "nested playbook not found: "+path)
	}

	executionID, err := d.coord.Trigger(ctx, entry.CatalogID, entry.Playbook, args)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(d.waitFor)
	for time.Now().Before(deadline) {
		done, err := d.events.HasType(ctx, executionID, event.TypePlaybookCompleted)
		if err != nil {
			return nil, err
		}
		if !done {
			failed, err := d.events.HasType(ctx, executionID, event.TypePlaybookFailed)
			if err != nil {
				return nil, err
			}
			done = failed
		}
		if done {
			history, err := d.events.ByExecution(ctx, executionID)
			if err != nil {
				return nil, err
			}
			wf := state.Fold(history)
			if wf.State == state.ExecutionFailed {
				return nil, kernelerr.New(kernelerr.Internal, "nested playbook execution failed")
			}
			results := make(map[string]interface{}, len(wf.Steps))
			for name, step := range wf.Steps {
				results[name] = step.Result
			}
			return map[string]interface{}{"execution_id": executionID, "steps": results}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pollEvery):
		}
	}
	return nil, kernelerr.New(kernelerr.Timeout, "nested playbook execution did not complete in time")
}

func newRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		Password: getEnv("REDIS_PASSWORD", ""),
	})
}

func nodeID() int64 {
	v, err := strconv.ParseInt(getEnv("NOETL_NODE_ID", "1"), 10, 64)
	if err != nil {
		return 1
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
