package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sqlTask is the `kind=sql` task shape: a statement and its positional
// parameters, rendered against the step's scope before Execute sees them.
type sqlTask struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

// SQL is the `kind=sql` plugin for the Postgres dialect, backed by the same
// pgxpool connection pool internal/store hands every other component —
// there is no reason a plugin needs its own connection management scheme.
// Dialect is recorded for DuckDB/Snowflake task routing; only "postgres" is
// wired to a live driver in this tree (see DESIGN.md: the pack carries no
// DuckDB or Snowflake Go driver to ground those dialects on).
type SQL struct {
	pool    *pgxpool.Pool
	dialect string
}

// NewSQL builds a SQL plugin for dialect, backed by pool.
func NewSQL(pool *pgxpool.Pool, dialect string) *SQL {
	return &SQL{pool: pool, dialect: dialect}
}

func (s *SQL) Kind() string { return "sql" }

func (s *SQL) Execute(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
	var t sqlTask
	if err := json.Unmarshal(task, &t); err != nil {
		return nil, Fatal(fmt.Errorf("sql: decode task: %w", err))
	}
	if t.Query == "" {
		return nil, Fatal(fmt.Errorf("sql: query is required"))
	}

	rows, err := s.pool.Query(ctx, t.Query, t.Args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, Fatal(fmt.Errorf("sql: scan row: %w", err))
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}

	result, err := json.Marshal(map[string]any{"rows": out, "row_count": len(out)})
	if err != nil {
		return nil, Fatal(fmt.Errorf("sql: marshal result: %w", err))
	}
	return result, nil
}

func classifyPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return Fatal(err)
	}
	return Retryable(fmt.Errorf("sql: query failed: %w", err))
}
