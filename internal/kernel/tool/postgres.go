package tool

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// Postgres is the `postgres` tool kind (§4.7): pools per connection
// string, optionally sets search_path, and shares duckdb's
// {columns,rows,row_count}/{affected_rows} result shape.
type Postgres struct {
	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

func NewPostgres() *Postgres {
	return &Postgres{pools: make(map[string]*pgxpool.Pool)}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Execute(ctx context.Context, cfg Config) (Result, error) {
	query, _ := cfg.Map["query"].(string)
	if query == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "postgres tool requires a query")
	}
	connString, _ := cfg.Map["connection_string"].(string)
	if connString == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "postgres tool requires a connection_string")
	}
	asObjects := true
	if v, ok := cfg.Map["as_objects"].(bool); ok {
		asObjects = v
	}
	params := extractParams(cfg.Map["params"])

	pool, err := p.pool(ctx, connString)
	if err != nil {
		return Result{}, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Transient, "acquire postgres connection", err)
	}
	defer conn.Release()

	if schema, ok := cfg.Map["schema"].(string); ok && schema != "" {
		if _, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize()); err != nil {
			return Result{}, kernelerr.Wrap(kernelerr.Tool, "set search_path", err)
		}
	}

	return execPgx(ctx, conn.Conn(), query, params, asObjects)
}

func (p *Postgres) pool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok := p.pools[connString]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, "open postgres pool", err)
	}
	p.pools[connString] = pool
	return pool, nil
}

func execPgx(ctx context.Context, conn *pgx.Conn, query string, params []interface{}, asObjects bool) (Result, error) {
	if !isSelect(query) {
		tag, err := conn.Exec(ctx, query, params...)
		if err != nil {
			return Result{}, kernelerr.Wrap(kernelerr.Tool, "execute postgres statement", err)
		}
		return Result{Status: StatusSuccess, Data: map[string]interface{}{"affected_rows": tag.RowsAffected()}}, nil
	}

	rows, err := conn.Query(ctx, query, params...)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Tool, "execute postgres query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out []interface{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Result{}, kernelerr.Wrap(kernelerr.Tool, "read postgres row", err)
		}
		if asObjects {
			obj := make(map[string]interface{}, len(cols))
			for i, c := range cols {
				obj[c] = values[i]
			}
			out = append(out, obj)
		} else {
			out = append(out, values)
		}
	}
	if err := rows.Err(); err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Tool, "iterate postgres rows", err)
	}

	return Result{
		Status: StatusSuccess,
		Data: map[string]interface{}{
			"columns":   cols,
			"rows":      out,
			"row_count": len(out),
		},
	}, nil
}
