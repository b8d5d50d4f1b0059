package event

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// Store is the append-only log. Every kernel component reads and writes
// exclusively through this interface; nothing bypasses it to mutate state
// directly.
type Store interface {
	Append(ctx context.Context, e Event) (Event, error)
	ByExecution(ctx context.Context, executionID int64) ([]Event, error)
	ByTypes(ctx context.Context, executionID int64, types ...Type) ([]Event, error)
	Latest(ctx context.Context, executionID int64, t Type) (Event, bool, error)
	ByStep(ctx context.Context, executionID int64, nodeName string) ([]Event, error)
	StepResult(ctx context.Context, executionID int64, nodeName string) (Event, bool, error)
	AllStepResults(ctx context.Context, executionID int64) (map[string]Event, error)
	HasType(ctx context.Context, executionID int64, t Type) (bool, error)
}

// Postgres is the durable event store backing production runs.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The schema is a single append-only
// table keyed by (execution_id, event_id) with event_id minted by the
// caller before Append so that command ids and event ids share a sequence.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Append(ctx context.Context, e Event) (Event, error) {
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return Event{}, kernelerr.Wrap(kernelerr.Internal, "marshal event context", err)
	}
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return Event{}, kernelerr.Wrap(kernelerr.Internal, "marshal event meta", err)
	}
	resultJSON, err := json.Marshal(e.Result)
	if err != nil {
		return Event{}, kernelerr.Wrap(kernelerr.Internal, "marshal event result", err)
	}

	const q = `
		INSERT INTO event (
			event_id, execution_id, catalog_id, parent_event_id, parent_execution_id,
			event_type, status, node_id, node_name, node_type,
			context, meta, result, worker_id, attempt, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())
		ON CONFLICT (execution_id, event_id) DO NOTHING
		RETURNING id, created_at`

	row := s.pool.QueryRow(ctx, q,
		e.EventID, e.ExecutionID, e.CatalogID, e.ParentEventID, e.ParentExecutionID,
		string(e.EventType), string(e.Status), e.NodeID, e.NodeName, nullableString(e.NodeType),
		contextJSON, metaJSON, resultJSON, nullableString(e.WorkerID), e.Attempt,
	)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Event{}, kernelerr.New(kernelerr.Conflict, "event_id already appended for this execution")
		}
		return Event{}, kernelerr.Wrap(kernelerr.Storage, "append event", err)
	}
	return e, nil
}

func (s *Postgres) ByExecution(ctx context.Context, executionID int64) ([]Event, error) {
	const q = `
		SELECT id, event_id, execution_id, catalog_id, parent_event_id, parent_execution_id,
		       event_type, status, node_id, node_name, node_type, context, meta, result,
		       worker_id, attempt, created_at
		FROM event WHERE execution_id = $1 ORDER BY event_id ASC`
	rows, err := s.pool.Query(ctx, q, executionID)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, "query events by execution", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Postgres) ByTypes(ctx context.Context, executionID int64, types ...Type) ([]Event, error) {
	strs := make([]string, len(types))
	for i, t := range types {
		strs[i] = string(t)
	}
	const q = `
		SELECT id, event_id, execution_id, catalog_id, parent_event_id, parent_execution_id,
		       event_type, status, node_id, node_name, node_type, context, meta, result,
		       worker_id, attempt, created_at
		FROM event WHERE execution_id = $1 AND event_type = ANY($2) ORDER BY event_id ASC`
	rows, err := s.pool.Query(ctx, q, executionID, strs)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, "query events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Postgres) Latest(ctx context.Context, executionID int64, t Type) (Event, bool, error) {
	events, err := s.ByTypes(ctx, executionID, t)
	if err != nil {
		return Event{}, false, err
	}
	if len(events) == 0 {
		return Event{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (s *Postgres) ByStep(ctx context.Context, executionID int64, nodeName string) ([]Event, error) {
	const q = `
		SELECT id, event_id, execution_id, catalog_id, parent_event_id, parent_execution_id,
		       event_type, status, node_id, node_name, node_type, context, meta, result,
		       worker_id, attempt, created_at
		FROM event WHERE execution_id = $1 AND node_name = $2 ORDER BY event_id ASC`
	rows, err := s.pool.Query(ctx, q, executionID, nodeName)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, "query events by step", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Postgres) StepResult(ctx context.Context, executionID int64, nodeName string) (Event, bool, error) {
	events, err := s.ByStep(ctx, executionID, nodeName)
	if err != nil {
		return Event{}, false, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == TypeActionCompleted || events[i].EventType == TypeCommandCompleted {
			return events[i], true, nil
		}
	}
	return Event{}, false, nil
}

func (s *Postgres) AllStepResults(ctx context.Context, executionID int64) (map[string]Event, error) {
	events, err := s.ByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Event)
	for _, e := range events {
		if e.EventType == TypeActionCompleted || e.EventType == TypeCommandCompleted {
			out[e.NodeName] = e
		}
	}
	return out, nil
}

func (s *Postgres) HasType(ctx context.Context, executionID int64, t Type) (bool, error) {
	_, ok, err := s.Latest(ctx, executionID, t)
	return ok, err
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var eventType, status string
		var nodeType, workerID *string
		var contextJSON, metaJSON, resultJSON []byte
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.ExecutionID, &e.CatalogID, &e.ParentEventID, &e.ParentExecutionID,
			&eventType, &status, &e.NodeID, &e.NodeName, &nodeType, &contextJSON, &metaJSON, &resultJSON,
			&workerID, &e.Attempt, &e.CreatedAt,
		); err != nil {
			return nil, kernelerr.Wrap(kernelerr.Storage, "scan event row", err)
		}
		e.EventType = Normalize(eventType)
		e.Status = Status(status)
		if nodeType != nil {
			e.NodeType = *nodeType
		}
		if workerID != nil {
			e.WorkerID = *workerID
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &e.Context)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &e.Meta)
		}
		if len(resultJSON) > 0 {
			_ = json.Unmarshal(resultJSON, &e.Result)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, "iterate event rows", err)
	}
	return out, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Memory is an in-process Store used by the local interpreter and by
// kernel tests, where a Postgres instance would be overkill.
type Memory struct {
	mu     sync.Mutex
	events map[int64][]Event
	seen   map[[2]int64]bool
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[int64][]Event),
		seen:   make(map[[2]int64]bool),
	}
}

func (m *Memory) Append(_ context.Context, e Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{e.ExecutionID, e.EventID}
	if m.seen[key] {
		return Event{}, kernelerr.New(kernelerr.Conflict, "event_id already appended for this execution")
	}
	m.seen[key] = true
	e.ID = int64(len(m.events[e.ExecutionID]) + 1)
	m.events[e.ExecutionID] = append(m.events[e.ExecutionID], e)
	return e, nil
}

func (m *Memory) ByExecution(_ context.Context, executionID int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events[executionID]))
	copy(out, m.events[executionID])
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (m *Memory) ByTypes(ctx context.Context, executionID int64, types ...Type) ([]Event, error) {
	all, _ := m.ByExecution(ctx, executionID)
	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Event
	for _, e := range all {
		if want[e.EventType] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Latest(ctx context.Context, executionID int64, t Type) (Event, bool, error) {
	events, _ := m.ByTypes(ctx, executionID, t)
	if len(events) == 0 {
		return Event{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (m *Memory) ByStep(ctx context.Context, executionID int64, nodeName string) ([]Event, error) {
	all, _ := m.ByExecution(ctx, executionID)
	var out []Event
	for _, e := range all {
		if e.NodeName == nodeName {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) StepResult(ctx context.Context, executionID int64, nodeName string) (Event, bool, error) {
	events, _ := m.ByStep(ctx, executionID, nodeName)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == TypeActionCompleted || events[i].EventType == TypeCommandCompleted {
			return events[i], true, nil
		}
	}
	return Event{}, false, nil
}

func (m *Memory) AllStepResults(ctx context.Context, executionID int64) (map[string]Event, error) {
	all, _ := m.ByExecution(ctx, executionID)
	out := make(map[string]Event)
	for _, e := range all {
		if e.EventType == TypeActionCompleted || e.EventType == TypeCommandCompleted {
			out[e.NodeName] = e
		}
	}
	return out, nil
}

func (m *Memory) HasType(ctx context.Context, executionID int64, t Type) (bool, error) {
	_, ok, err := m.Latest(ctx, executionID, t)
	return ok, err
}

var _ Store = (*Postgres)(nil)
var _ Store = (*Memory)(nil)
