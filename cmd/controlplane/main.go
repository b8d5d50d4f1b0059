// Command controlplane exposes the event-sourced orchestration kernel
// over HTTP: playbook registration, execution triggers, event ingestion
// and cancellation (§4.1-§4.6). It is not the only writer to the event
// log: worker processes append command.* lifecycle events with ids from
// their own generator, and start nested executions through a coordinator
// of their own.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/noetl/orchestrator/common/bootstrap"
	servicemiddleware "github.com/noetl/orchestrator/common/middleware"
	"github.com/noetl/orchestrator/common/ratelimit"
	commonredis "github.com/noetl/orchestrator/common/redis"
	"github.com/noetl/orchestrator/common/server"
	"github.com/noetl/orchestrator/internal/kernel/catalog"
	"github.com/noetl/orchestrator/internal/kernel/coordinator"
	"github.com/noetl/orchestrator/internal/kernel/event"
	"github.com/noetl/orchestrator/internal/kernel/orchestrator"
	"github.com/noetl/orchestrator/internal/kernel/worker"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/snowflakeid"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "controlplane", bootstrap.WithoutCache(), bootstrap.WithoutQueue())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap control plane: %v\n", err)
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
	coord := coordinator.New(coordinator.Opts{
		Events:       events,
		Orchestrator: orchestrator.New(ids),
		Notifier:     worker.NewRedisNotifier(wrapped),
		IDs:          ids,
		PoolName:     getEnv("NOETL_POOL", "default"),
		Logger:       components.Logger,
	})
	app := &application{
		events:  events,
		catalog: catalogStore,
		ids:     ids,
		coord:   coord,
		workers: worker.NewRedisRegistry(wrapped),
		log:     components.Logger,
	}

	reconcilerCtx, stopReconciler := context.WithCancel(ctx)
	defer stopReconciler()
	go func() {
		signal := worker.NewRedisCompletionSignal(wrapped)
		if err := coord.RunReconciler(reconcilerCtx, signal, catalogStore); err != nil {
			components.Logger.Error("reconciler stopped", "error", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	rateLimiter := ratelimit.NewRateLimiter(redisClient, components.Logger)
	app.rateLimiter = rateLimiter
	globalLimit := int64(600)
	e.Use(servicemiddleware.GlobalRateLimitMiddleware(rateLimiter, globalLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "controlplane"})
	})
	e.POST("/api/playbooks", app.registerPlaybook)
	e.POST("/api/executions", app.triggerExecution)
	e.GET("/api/executions/:id", app.getExecution)
	e.POST("/api/executions/:id/cancel", app.cancelExecution)
	e.POST("/api/events", app.ingestEvent)
	e.GET("/api/workers", app.listWorkers)

	srv := server.New("controlplane", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

type logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type application struct {
	events      event.Store
	catalog     catalog.Store
	ids         *snowflakeid.Generator
	coord       *coordinator.Coordinator
	workers     worker.Registry
	rateLimiter *ratelimit.RateLimiter
	log         logger
}

func (a *application) listWorkers(c echo.Context) error {
	poolName := c.QueryParam("pool")
	if poolName == "" {
		poolName = "default"
	}
	workers, err := a.workers.List(c.Request().Context(), poolName)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"pool": poolName, "workers": workers})
}

type registerPlaybookRequest struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Source  string `json:"source"`
}

func (a *application) registerPlaybook(c echo.Context) error {
	var req registerPlaybookRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	if req.Path == "" || req.Source == "" {
		return c.JSON(http.StatusBadRequest, errBody(kernelerr.New(kernelerr.Validation, "path and source are required")))
	}
	if req.Version == "" {
		req.Version = "1"
	}

	catalogID := a.ids.Next()
	entry, err := a.catalog.Register(c.Request().Context(), catalogID, req.Path, req.Version, []byte(req.Source))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"catalog_id": entry.CatalogID,
		"path":       entry.Path,
		"version":    entry.Version,
	})
}

type triggerExecutionRequest struct {
	Path      string                 `json:"path"`
	CatalogID *int64                 `json:"catalog_id"`
	Workload  map[string]interface{} `json:"workload"`
}

func (a *application) triggerExecution(c echo.Context) error {
	var req triggerExecutionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}

	entry, ok, err := a.resolveCatalog(c.Request().Context(), req.CatalogID, req.Path)
	if err != nil {
		return writeErr(c, err)
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errBody(kernelerr.New(kernelerr.NotFound, "playbook not found")))
	}

	profile := ratelimit.InspectPlaybook(entry.Playbook.StepToolKinds())
	result, err := a.rateLimiter.CheckTieredLimit(c.Request().Context(), entry.Path, profile.Tier)
	if err != nil {
		return writeErr(c, err)
	}
	if !result.Allowed {
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error":               "rate limit exceeded for playbook tier",
			"tier":                profile.Tier,
			"retry_after_seconds": result.RetryAfterSeconds,
		})
	}

	executionID, err := a.coord.Trigger(c.Request().Context(), entry.CatalogID, entry.Playbook, req.Workload)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"execution_id": executionID, "status": "started"})
}

func (a *application) resolveCatalog(ctx context.Context, catalogID *int64, path string) (catalog.Entry, bool, error) {
	if catalogID != nil {
		return a.catalog.Get(ctx, *catalogID)
	}
	if path != "" {
		return a.catalog.Resolve(ctx, path)
	}
	return catalog.Entry{}, false, kernelerr.New(kernelerr.Validation, "either path or catalog_id must be provided")
}

func (a *application) getExecution(c echo.Context) error {
	executionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	events, err := a.events.ByExecution(c.Request().Context(), executionID)
	if err != nil {
		return writeErr(c, err)
	}
	if len(events) == 0 {
		return c.JSON(http.StatusNotFound, errBody(kernelerr.New(kernelerr.NotFound, "execution not found")))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"execution_id": executionID, "events": events})
}

func (a *application) cancelExecution(c echo.Context) error {
	executionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	events, err := a.events.ByExecution(c.Request().Context(), executionID)
	if err != nil {
		return writeErr(c, err)
	}
	if len(events) == 0 {
		return c.JSON(http.StatusNotFound, errBody(kernelerr.New(kernelerr.NotFound, "execution not found")))
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.Bind(&body)
	if err := a.coord.Cancel(c.Request().Context(), executionID, events[0].CatalogID, body.Reason); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

type ingestEventRequest struct {
	ExecutionID int64                  `json:"execution_id"`
	EventType   string                 `json:"event_type"`
	NodeName    string                 `json:"node_name"`
	Result      map[string]interface{} `json:"result"`
}

// ingestEvent lets an external actor (a human-in-the-loop approval, a
// nested playbook callback) append an event directly and re-run
// evaluation, the same re-entry point command.* events use.
func (a *application) ingestEvent(c echo.Context) error {
	var req ingestEventRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	events, err := a.events.ByExecution(c.Request().Context(), req.ExecutionID)
	if err != nil {
		return writeErr(c, err)
	}
	if len(events) == 0 {
		return c.JSON(http.StatusNotFound, errBody(kernelerr.New(kernelerr.NotFound, "execution not found")))
	}

	eventType := event.Normalize(req.EventType)
	appended, err := a.events.Append(c.Request().Context(), event.Event{
		EventID:     a.ids.Next(),
		ExecutionID: req.ExecutionID,
		CatalogID:   events[0].CatalogID,
		EventType:   eventType,
		Status:      event.StatusCompleted,
		NodeName:    req.NodeName,
		Result:      req.Result,
	})
	if err != nil {
		if kernelerr.Is(err, kernelerr.Conflict) {
			return c.JSON(http.StatusConflict, errBody(err))
		}
		return writeErr(c, err)
	}

	entry, ok, err := a.catalog.Get(c.Request().Context(), events[0].CatalogID)
	if err != nil {
		return writeErr(c, err)
	}
	if !ok {
		return c.JSON(http.StatusUnprocessableEntity, errBody(kernelerr.New(kernelerr.NotFound, "catalog entry for execution not found")))
	}

	if err := a.coord.Advance(c.Request().Context(), req.ExecutionID, entry.Playbook, eventType); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, appended)
}

func writeErr(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	if kernelerr.Is(err, kernelerr.Validation) {
		status = http.StatusBadRequest
	} else if kernelerr.Is(err, kernelerr.NotFound) {
		status = http.StatusNotFound
	} else if kernelerr.Is(err, kernelerr.Conflict) {
		status = http.StatusConflict
	}
	return c.JSON(status, errBody(err))
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func newRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		Password: getEnv("REDIS_PASSWORD", ""),
	})
}

func nodeID() int64 {
	v, err := strconv.ParseInt(getEnv("NOETL_NODE_ID", "0"), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
