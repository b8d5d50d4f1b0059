package tool

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// Transfer is the `transfer` tool kind (§4.7): streams rows from a source
// to a target in chunks. Supports pg<->pg, http->pg, and duckdb<->pg at
// minimum, reusing the registry's postgres/duckdb/http tool instances
// rather than opening separate connections.
type Transfer struct {
	registry *Registry
}

func NewTransfer(registry *Registry) *Transfer {
	return &Transfer{registry: registry}
}

func (t *Transfer) Name() string { return "transfer" }

func (t *Transfer) Execute(ctx context.Context, cfg Config) (Result, error) {
	source, _ := cfg.Map["source"].(map[string]interface{})
	target, _ := cfg.Map["target"].(map[string]interface{})
	if source == nil || target == nil {
		return Result{}, kernelerr.New(kernelerr.Validation, "transfer tool requires source and target")
	}
	chunkSize := 500
	if v, ok := cfg.Map["chunk_size"].(float64); ok && v > 0 {
		chunkSize = int(v)
	}
	mode, _ := cfg.Map["mode"].(string)
	if mode == "" {
		mode = "append"
	}

	rows, err := t.fetchSource(ctx, source, cfg)
	if err != nil {
		return Result{}, err
	}

	written, err := t.writeTarget(ctx, target, rows, mode, chunkSize)
	if err != nil {
		return Result{}, err
	}

	return Result{Status: StatusSuccess, Data: map[string]interface{}{"rows_transferred": written, "mode": mode}}, nil
}

func (t *Transfer) fetchSource(ctx context.Context, source map[string]interface{}, cfg Config) ([]map[string]interface{}, error) {
	srcType, _ := source["type"].(string)
	switch srcType {
	case "postgres", "duckdb":
		var res Result
		var err error
		sourceCfg := Config{Map: source, Ctx: cfg.Ctx}
		if srcType == "postgres" {
			res, err = t.registry.Execute(ctx, "postgres", sourceCfg)
		} else {
			res, err = t.registry.Execute(ctx, "duckdb", sourceCfg)
		}
		if err != nil {
			return nil, err
		}
		if res.Status != StatusSuccess {
			return nil, kernelerr.New(kernelerr.Tool, "transfer source query failed: "+res.Error)
		}
		rows, _ := res.Data["rows"].([]interface{})
		out := make([]map[string]interface{}, 0, len(rows))
		for _, r := range rows {
			if obj, ok := r.(map[string]interface{}); ok {
				out = append(out, obj)
			}
		}
		return out, nil

	case "http":
		res, err := t.registry.Execute(ctx, "http", Config{Map: source, Ctx: cfg.Ctx})
		if err != nil {
			return nil, err
		}
		body, _ := res.Data["body"].([]interface{})
		out := make([]map[string]interface{}, 0, len(body))
		for _, r := range body {
			if obj, ok := r.(map[string]interface{}); ok {
				out = append(out, obj)
			}
		}
		return out, nil

	default:
		return nil, kernelerr.New(kernelerr.Validation, "unsupported transfer source type: "+srcType)
	}
}

func (t *Transfer) writeTarget(ctx context.Context, target map[string]interface{}, rows []map[string]interface{}, mode string, chunkSize int) (int, error) {
	targetType, _ := target["type"].(string)
	table, _ := target["table"].(string)
	if table == "" {
		return 0, kernelerr.New(kernelerr.Validation, "transfer target requires a table")
	}

	var db *sql.DB
	var err error
	switch targetType {
	case "postgres":
		pg, ok := t.registry.tools["postgres"].(*Postgres)
		if !ok {
			return 0, kernelerr.New(kernelerr.Internal, "postgres tool not registered")
		}
		connString, _ := target["connection_string"].(string)
		pool, perr := pg.pool(ctx, connString)
		if perr != nil {
			return 0, perr
		}
		conn, aerr := pool.Acquire(ctx)
		if aerr != nil {
			return 0, kernelerr.Wrap(kernelerr.Transient, "acquire postgres connection", aerr)
		}
		defer conn.Release()
		return writeChunksPgx(ctx, conn.Conn(), table, rows, mode, chunkSize)

	case "duckdb":
		dd, ok := t.registry.tools["duckdb"].(*DuckDB)
		if !ok {
			return 0, kernelerr.New(kernelerr.Internal, "duckdb tool not registered")
		}
		dbPath, _ := target["db_path"].(string)
		if dbPath == "" {
			dbPath = ":memory:"
		}
		db, err = dd.conn(dbPath)
		if err != nil {
			return 0, err
		}
		return writeChunksSQL(ctx, db, table, rows, mode, chunkSize)

	default:
		return 0, kernelerr.New(kernelerr.Validation, "unsupported transfer target type: "+targetType)
	}
}

func writeChunksSQL(ctx context.Context, db *sql.DB, table string, rows []map[string]interface{}, mode string, chunkSize int) (int, error) {
	written := 0
	for _, chunk := range chunkRows(rows, chunkSize) {
		verb := "INSERT INTO"
		if mode == "replace" {
			verb = "INSERT OR REPLACE INTO"
		}
		q, values := buildMultiRowInsert(verb, table, chunk, "?")
		if q == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, q, values...); err != nil {
			return written, kernelerr.Wrap(kernelerr.Tool, "insert transfer chunk", err)
		}
		written += len(chunk)
	}
	return written, nil
}

func writeChunksPgx(ctx context.Context, conn *pgx.Conn, table string, rows []map[string]interface{}, mode string, chunkSize int) (int, error) {
	written := 0
	for _, chunk := range chunkRows(rows, chunkSize) {
		verb := "INSERT INTO"
		if mode == "replace" {
			verb = "INSERT INTO"
		}
		q, values := buildMultiRowInsertPgx(verb, table, chunk)
		if q == "" {
			continue
		}
		onConflict := ""
		if mode == "replace" || mode == "upsert" {
			onConflict = " ON CONFLICT DO NOTHING"
		}
		if _, err := conn.Exec(ctx, q+onConflict, values...); err != nil {
			return written, kernelerr.Wrap(kernelerr.Tool, "insert transfer chunk", err)
		}
		written += len(chunk)
	}
	return written, nil
}

func chunkRows(rows []map[string]interface{}, size int) [][]map[string]interface{} {
	if size <= 0 {
		size = len(rows)
	}
	var chunks [][]map[string]interface{}
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[i:end])
	}
	return chunks
}

// buildMultiRowInsert builds a positional-placeholder (DuckDB's database/sql
// driver accepts `?`) multi-row insert from the first row's key order,
// applied uniformly to every row in the chunk.
func buildMultiRowInsert(verb, table string, chunk []map[string]interface{}, placeholder string) (string, []interface{}) {
	if len(chunk) == 0 {
		return "", nil
	}
	cols := sortedKeys(chunk[0])
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s (%s) VALUES ", verb, table, strings.Join(cols, ", "))
	var values []interface{}
	for i, row := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, c := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(placeholder)
			values = append(values, row[c])
		}
		sb.WriteString(")")
	}
	return sb.String(), values
}

func buildMultiRowInsertPgx(verb, table string, chunk []map[string]interface{}) (string, []interface{}) {
	if len(chunk) == 0 {
		return "", nil
	}
	cols := sortedKeys(chunk[0])
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s (%s) VALUES ", verb, table, strings.Join(cols, ", "))
	var values []interface{}
	n := 1
	for i, row := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, c := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
			values = append(values, row[c])
		}
		sb.WriteString(")")
	}
	return sb.String(), values
}

func sortedKeys(row map[string]interface{}) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
