package tool

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// DuckDB is the `duckdb` tool kind (§4.7): opens (or creates) a file
// database when db_path is given, else an in-memory one, and runs a
// single query. Connections are cached per db_path since opening a
// DuckDB file is comparatively expensive.
type DuckDB struct {
	mu    sync.Mutex
	conns map[string]*sql.DB
}

func NewDuckDB() *DuckDB {
	return &DuckDB{conns: make(map[string]*sql.DB)}
}

func (d *DuckDB) Name() string { return "duckdb" }

func (d *DuckDB) Execute(ctx context.Context, cfg Config) (Result, error) {
	query, _ := cfg.Map["query"].(string)
	if query == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "duckdb tool requires a query")
	}
	dbPath, _ := cfg.Map["db_path"].(string)
	if dbPath == "" {
		dbPath = ":memory:"
	}
	asObjects := true
	if v, ok := cfg.Map["as_objects"].(bool); ok {
		asObjects = v
	}
	params := extractParams(cfg.Map["params"])

	db, err := d.conn(dbPath)
	if err != nil {
		return Result{}, err
	}

	return runSQL(ctx, db, query, params, asObjects)
}

func (d *DuckDB) conn(dbPath string) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.conns[dbPath]; ok {
		return db, nil
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, "open duckdb database", err)
	}
	d.conns[dbPath] = db
	return db, nil
}

func extractParams(raw interface{}) []interface{} {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	return list
}

// runSQL executes query against db (duckdb or postgres pool both satisfy
// database/sql's *sql.DB surface through their respective drivers),
// returning {columns, rows, row_count} for a SELECT or {affected_rows}
// otherwise (§4.7 duckdb/postgres shared result shape).
func runSQL(ctx context.Context, db *sql.DB, query string, params []interface{}, asObjects bool) (Result, error) {
	if !isSelect(query) {
		res, err := db.ExecContext(ctx, query, params...)
		if err != nil {
			return Result{}, kernelerr.Wrap(kernelerr.Tool, "execute sql statement", err)
		}
		affected, _ := res.RowsAffected()
		return Result{Status: StatusSuccess, Data: map[string]interface{}{"affected_rows": affected}}, nil
	}

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Tool, "execute sql query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Tool, "read sql columns", err)
	}

	var out []interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, kernelerr.Wrap(kernelerr.Tool, "scan sql row", err)
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
		return Result{}, kernelerr.Wrap(kernelerr.Tool, "iterate sql rows", err)
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

func isSelect(query string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH") ||
		strings.HasPrefix(trimmed, "PRAGMA") || strings.HasPrefix(trimmed, "SHOW") || strings.HasPrefix(trimmed, "DESCRIBE")
}
