package database

import (
	"context"
	"fmt"
	"regexp"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Query executes a raw SurrealQL query with parameters and returns the rows of
// its first statement.
//
// Example:
//
//	rows, err := Query[map[string]any](ctx, db, "SELECT * FROM issue WHERE open = $open", map[string]any{"open": true})
func Query[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, query, params)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	first := (*results)[0]
	if first.Status != "" && first.Status != "OK" {
		return nil, fmt.Errorf("query failed with status %s", first.Status)
	}
	return first.Result, nil
}

// TableReader reads whole tables as list items.
type TableReader struct {
	db DBConnection
}

// NewTableReader creates a reader over db.
func NewTableReader(db DBConnection) *TableReader {
	return &TableReader{db: db}
}

// QueryItems returns every row of table. Record ids are flattened to their
// "table:id" string form so rows can be addressed by id.
func (r *TableReader) QueryItems(ctx context.Context, table string) ([]map[string]any, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	if timeout := r.db.QueryTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var rows []map[string]any
	err := r.db.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		rows, err = Query[map[string]any](ctx, db, "SELECT * FROM type::table($table)", map[string]any{"table": table})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}

	for i, row := range rows {
		rows[i] = normalizeValue(row).(map[string]any)
	}
	return rows, nil
}

// normalizeValue rewrites driver-specific values into plain JSON-friendly
// ones, recursing into maps and slices.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case models.RecordID:
		return recordIDString(val)
	case *models.RecordID:
		if val == nil {
			return nil
		}
		return recordIDString(*val)
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return v
	}
}

func recordIDString(id models.RecordID) string {
	return fmt.Sprintf("%s:%v", id.Table, id.ID)
}
