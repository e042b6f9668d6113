package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dbmcp/toolengine/pkg/template"
	"github.com/dbmcp/toolengine/pkg/types"
)

func (d *Dispatcher) execSQL(ctx context.Context, bound *template.BoundStatement, h Handle, res *types.ExecutionResult) error {
	if h.Pool == nil {
		return types.ErrConnection(fmt.Errorf("datasource %q has no connection pool", h.ID))
	}
	if got := h.Pool.Dialect(); got != bound.Dialect {
		panic(fmt.Sprintf("dispatch: statement bound for dialect %q executed on %q pool of datasource %q", bound.Dialect, got, h.ID))
	}

	conn, err := h.Pool.Acquire(ctx)
	if err != nil {
		return types.ErrConnection(err)
	}
	defer conn.Release()

	if bound.CountSQL != "" && bound.Page != nil {
		total, err := queryCount(ctx, conn, bound.CountSQL, bound.CountArgs)
		if err != nil {
			return types.ErrSyntaxOrRuntime(err)
		}
		res.Pagination = types.NewPageInfo(*bound.Page, total)
	}

	cols, rows, truncated, err := d.collect(ctx, conn, bound.SQL, bound.Args)
	if err != nil {
		return types.ErrSyntaxOrRuntime(err)
	}
	if truncated {
		res.Warnings = append(res.Warnings, fmt.Sprintf("result truncated at %d rows", d.MaxRows))
	}
	res.Columns = cols
	res.Rows = rows
	res.RowCount = len(rows)
	res.LogicalSuccess = true
	return nil
}

// collect reads every row of one query into ordered records.
func (d *Dispatcher) collect(ctx context.Context, conn Conn, sql string, args []any) (cols []string, out []types.Record, truncated bool, err error) {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	cols = rows.Columns()
	out = []types.Record{}
	for rows.Next() {
		if d.MaxRows > 0 && len(out) >= d.MaxRows {
			truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, false, err
		}
		rec := make(types.Record, len(cols))
		for i, c := range cols {
			var v any
			if i < len(vals) {
				v = normalizeValue(vals[i])
			}
			rec[i] = types.Field{Key: c, Value: v}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}
	return cols, out, truncated, nil
}

func queryCount(ctx context.Context, conn Conn, sql string, args []any) (int, error) {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("count query returned no rows")
	}
	vals, err := rows.Values()
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("count query returned no columns")
	}
	return toInt(vals[0])
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case int32:
		return int(x), nil
	case int:
		return x, nil
	case uint64:
		return int(x), nil
	case float64:
		return int(x), nil
	case []byte:
		return strconv.Atoi(string(x))
	case string:
		return strconv.Atoi(x)
	default:
		return 0, fmt.Errorf("count query returned %T", v)
	}
}

// normalizeValue turns driver-specific values into something that encodes
// cleanly as JSON.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		if utf8.Valid(x) {
			return string(x)
		}
		return x
	case [16]byte:
		return uuid.UUID(x).String()
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
		return x
	case float32:
		return normalizeValue(float64(x))
	case time.Time:
		return x
	case json.Marshaler:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}
