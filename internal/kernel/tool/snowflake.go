package tool

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// Snowflake is the `snowflake` tool kind (§4.7): authenticates, runs a
// USE sequence for warehouse/database/schema/role, then executes one or
// more statements (plain SQL, a base64-encoded statement, or a list of
// statements), returning per-statement results.
type Snowflake struct{}

func NewSnowflake() *Snowflake { return &Snowflake{} }

func (s *Snowflake) Name() string { return "snowflake" }

func (s *Snowflake) Execute(ctx context.Context, cfg Config) (Result, error) {
	statements, err := snowflakeStatements(cfg.Map)
	if err != nil {
		return Result{}, err
	}

	dsn, err := snowflakeDSN(cfg.Map)
	if err != nil {
		return Result{}, err
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Auth, "open snowflake connection", err)
	}
	defer db.Close()

	for _, use := range snowflakeUseSequence(cfg.Map) {
		if _, err := db.ExecContext(ctx, use); err != nil {
			return Result{}, kernelerr.Wrap(kernelerr.Tool, "run snowflake use statement", err)
		}
	}

	var perStatement []interface{}
	for _, stmt := range statements {
		res, err := runSQL(ctx, db, stmt, nil, true)
		if err != nil {
			return Result{}, err
		}
		perStatement = append(perStatement, res.Data)
	}

	return Result{Status: StatusSuccess, Data: map[string]interface{}{"statements": perStatement}}, nil
}

func snowflakeDSN(cfg map[string]interface{}) (string, error) {
	account, _ := cfg["account"].(string)
	user, _ := cfg["user"].(string)
	password, _ := cfg["password"].(string)
	if account == "" || user == "" {
		return "", kernelerr.New(kernelerr.Validation, "snowflake tool requires account and user")
	}
	dbCfg := sf.Config{
		Account:   account,
		User:      user,
		Password:  password,
		Warehouse: stringField(cfg, "warehouse"),
		Database:  stringField(cfg, "database"),
		Schema:    stringField(cfg, "schema"),
		Role:      stringField(cfg, "role"),
	}
	return sf.DSN(&dbCfg)
}

func snowflakeUseSequence(cfg map[string]interface{}) []string {
	var stmts []string
	if v := stringField(cfg, "warehouse"); v != "" {
		stmts = append(stmts, fmt.Sprintf("USE WAREHOUSE %s", v))
	}
	if v := stringField(cfg, "database"); v != "" {
		stmts = append(stmts, fmt.Sprintf("USE DATABASE %s", v))
	}
	if v := stringField(cfg, "schema"); v != "" {
		stmts = append(stmts, fmt.Sprintf("USE SCHEMA %s", v))
	}
	if v := stringField(cfg, "role"); v != "" {
		stmts = append(stmts, fmt.Sprintf("USE ROLE %s", v))
	}
	return stmts
}

// snowflakeStatements accepts the three SQL input shapes §4.7 lists:
// plain SQL, a base64-encoded statement, or a list of statements.
func snowflakeStatements(cfg map[string]interface{}) ([]string, error) {
	if list, ok := cfg["sql"].([]interface{}); ok {
		out := make([]string, 0, len(list))
		for _, v := range list {
			s, _ := v.(string)
			out = append(out, s)
		}
		return out, nil
	}
	if encoded, ok := cfg["sql_b64"].(string); ok && encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.Validation, "decode base64 snowflake sql", err)
		}
		return []string{string(decoded)}, nil
	}
	if plain, ok := cfg["sql"].(string); ok && plain != "" {
		return []string{plain}, nil
	}
	return nil, kernelerr.New(kernelerr.Validation, "snowflake tool requires sql, sql_b64, or a list of statements")
}

func stringField(cfg map[string]interface{}, key string) string {
	v, _ := cfg[key].(string)
	return strings.TrimSpace(v)
}
