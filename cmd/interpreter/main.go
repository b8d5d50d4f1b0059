// Command interpreter runs a single playbook file against sample input
// entirely in-process, with no Postgres or Redis dependency: every
// kernel collaborator is backed by its Memory implementation. Useful for
// authoring and debugging a playbook locally before it ever reaches the
// control plane.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

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
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var workloadJSON string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "interpreter <playbook-file>",
		Short: "Run a playbook against sample input in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workload := map[string]interface{}{}
			if workloadJSON != "" {
				if err := json.Unmarshal([]byte(workloadJSON), &workload); err != nil {
					return fmt.Errorf("invalid --workload JSON: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			r, err := newRunner()
			if err != nil {
				return err
			}

			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := r.catalog.Register(ctx, 1, args[0], "1", source); err != nil {
				return fmt.Errorf("register playbook: %w", err)
			}

			executionID, err := r.run(ctx, args[0], "1", workload)
			if err != nil {
				return err
			}

			history, err := r.events.ByExecution(ctx, executionID)
			if err != nil {
				return err
			}
			wf := state.Fold(history)

			out := map[string]interface{}{
				"execution_id": executionID,
				"state":        wf.State,
				"steps":        wf.Steps,
			}
			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			if wf.State == state.ExecutionFailed {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workloadJSON, "workload", "", "JSON object passed to the playbook as its workload")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "maximum time to wait for the execution to finish")
	return cmd
}

// runner wires every kernel collaborator to its in-memory implementation
// and drives a single execution to completion synchronously.
type runner struct {
	catalog  catalog.Store
	events   event.Store
	notifier *worker.MemoryNotifier
	signal   *worker.MemoryCompletionSignal
	coord    *coordinator.Coordinator
	w        *worker.Worker
	poolName string
}

func newRunner() (*runner, error) {
	ids, err := snowflakeid.New(0)
	if err != nil {
		return nil, err
	}

	catalogStore := catalog.NewMemory()
	events := event.NewMemory()
	notifier := worker.NewMemoryNotifier()
	signal := worker.NewMemoryCompletionSignal()
	claims := worker.NewMemoryClaimStore()

	r := &runner{
		catalog:  catalogStore,
		events:   events,
		notifier: notifier,
		signal:   signal,
		poolName: "local",
	}

	r.coord = coordinator.New(coordinator.Opts{
		Events:       events,
		Orchestrator: orchestrator.New(ids),
		Notifier:     notifier,
		IDs:          ids,
		PoolName:     r.poolName,
	})

	registry := tool.NewDefaultRegistry(r)
	r.w = worker.New(worker.Config{WorkerID: "interpreter", PoolName: r.poolName}, claims, notifier, events, registry, nil, ids, signal)

	return r, nil
}

// Dispatch implements tool.PlaybookDispatcher: nested playbooks run
// through the same in-process loop, recursively.
func (r *runner) Dispatch(ctx context.Context, path, version string, args map[string]interface{}) (map[string]interface{}, error) {
	executionID, err := r.run(ctx, path, version, args)
	if err != nil {
		return nil, err
	}
	history, err := r.events.ByExecution(ctx, executionID)
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

func (r *runner) run(ctx context.Context, path, version string, workload map[string]interface{}) (int64, error) {
	entry, ok, err := r.catalog.Resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, kernelerr.New(kernelerr.NotFound, "playbook not found: "+path)
	}

	executionID, err := r.coord.Trigger(ctx, entry.CatalogID, entry.Playbook, workload)
	if err != nil {
		return executionID, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return executionID, err
		}

		history, err := r.events.ByExecution(ctx, executionID)
		if err != nil {
			return executionID, err
		}
		if wf := state.Fold(history); wf.State == state.ExecutionCompleted ||
			wf.State == state.ExecutionFailed || wf.State == state.ExecutionCancelled {
			return executionID, nil
		}

		if cmd, _, err := r.notifier.Next(ctx, r.poolName, "interpreter"); err == nil {
			if err := r.w.ProcessCommand(ctx, cmd); err != nil && !kernelerr.Is(err, kernelerr.Conflict) {
				return executionID, err
			}
			continue
		} else if err != worker.ErrNoMessage {
			return executionID, err
		}

		if signaledID, err := r.signal.Wait(ctx); err == nil {
			if err := r.coord.ReconcileOne(ctx, signaledID, r.catalog); err != nil {
				return executionID, err
			}
			continue
		} else if err != worker.ErrNoMessage {
			return executionID, err
		}
	}
}
