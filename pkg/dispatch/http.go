package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dbmcp/toolengine/pkg/template"
	"github.com/dbmcp/toolengine/pkg/types"
)

const maxErrorBodyBytes = 512

func (d *Dispatcher) execHTTP(ctx context.Context, bound *template.BoundStatement, h Handle, res *types.ExecutionResult) error {
	req := bound.Request
	if req == nil {
		return types.ErrSyntaxOrRuntime(fmt.Errorf("http statement has no request"))
	}
	client := h.HTTP
	if client == nil {
		client = d.HTTPClient
	}
	if client == nil {
		client = http.DefaultClient
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return types.ErrTransport(fmt.Errorf("new request: %w", err))
	}
	for _, hd := range req.Headers {
		httpReq.Header.Set(hd.Name, hd.Value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return types.ErrTransport(err)
	}
	defer resp.Body.Close()

	limit := d.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return types.ErrTransport(fmt.Errorf("read response: %w", err))
	}
	if int64(len(data)) > limit {
		data = data[:limit]
		res.Warnings = append(res.Warnings, fmt.Sprintf("response body truncated at %d bytes", limit))
	}

	res.StatusCode = resp.StatusCode
	shaped := shapeResponse(data)
	res.Columns = shaped.columns
	res.Rows = shaped.rows
	res.RowCount = len(shaped.rows)

	ok2xx := resp.StatusCode >= 200 && resp.StatusCode < 300
	res.LogicalSuccess = ok2xx && shaped.failure == ""
	if !res.LogicalSuccess {
		msg := shaped.failure
		if msg == "" {
			msg = snippet(data)
		}
		res.Error = fmt.Sprintf("http %d: %s", resp.StatusCode, msg)
	}
	return nil
}

type shapedResponse struct {
	columns []string
	rows    []types.Record
	// failure is set when the body itself reports a logical error.
	failure string
}

// shapeResponse turns a response body into rows. A JSON array yields one row
// per element; an object with a "data" array is unwrapped; any other object is
// a single row; anything that is not JSON becomes one {"body": ...} row.
func shapeResponse(data []byte) shapedResponse {
	var out shapedResponse
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		out.rows = []types.Record{}
		return out
	}

	doc, err := types.DecodeOrdered(trimmed)
	if err != nil {
		out.columns = []string{"body"}
		out.rows = []types.Record{{{Key: "body", Value: string(data)}}}
		return out
	}

	switch x := doc.(type) {
	case []any:
		out.rows = recordsFrom(x)
	case types.Record:
		out.failure = bodyFailure(x)
		switch inner, _ := x.Get("data"); v := inner.(type) {
		case []any:
			out.rows = recordsFrom(v)
		case types.Record:
			out.rows = []types.Record{v}
		default:
			out.rows = []types.Record{x}
		}
	default:
		out.rows = []types.Record{{{Key: "value", Value: x}}}
	}
	out.columns = columnsOf(out.rows)
	return out
}

// bodyFailure reports the logical error carried by a JSON envelope such as
// {"success": false, "error": "..."}.
func bodyFailure(rec types.Record) string {
	errVal, _ := rec.Get("error")
	msg := ""
	switch e := errVal.(type) {
	case nil:
	case bool:
		if e {
			msg = "request reported error=true"
		}
	case string:
		msg = e
	default:
		b, _ := json.Marshal(e)
		msg = string(b)
	}
	if s, ok := rec.Get("success"); ok && s == false && msg == "" {
		return "request reported success=false"
	}
	return msg
}

func recordsFrom(items []any) []types.Record {
	rows := make([]types.Record, 0, len(items))
	for _, item := range items {
		if rec, ok := item.(types.Record); ok {
			rows = append(rows, rec)
			continue
		}
		rows = append(rows, types.Record{{Key: "value", Value: item}})
	}
	return rows
}

// columnsOf returns the union of row keys in first-seen order.
func columnsOf(rows []types.Record) []string {
	var cols []string
	seen := map[string]bool{}
	for _, r := range rows {
		for _, f := range r {
			if !seen[f.Key] {
				seen[f.Key] = true
				cols = append(cols, f.Key)
			}
		}
	}
	return cols
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorBodyBytes {
		s = s[:maxErrorBodyBytes] + "..."
	}
	return s
}
