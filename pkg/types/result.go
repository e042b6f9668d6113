package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ──────────────────────────────────────────────────────────────────────────────
// Execution state machine
// ──────────────────────────────────────────────────────────────────────────────

type State string

const (
	StateIdle        State = "idle"
	StateBinding     State = "binding"
	StateDispatching State = "dispatching"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateTimedOut    State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution result
// ──────────────────────────────────────────────────────────────────────────────

// ExecutionResult is built once per execution and never mutated after return.
//
// Success is the outer flag: the engine reached the target and got an answer.
// LogicalSuccess is the inner flag: the user's query or request itself succeeded.
type ExecutionResult struct {
	ExecutionID     string    `json:"execution_id,omitempty"`
	Success         bool      `json:"success"`
	LogicalSuccess  bool      `json:"logical_success"`
	State           State     `json:"state"`
	RowCount        int       `json:"row_count"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	Columns         []string  `json:"columns,omitempty"`
	Rows            []Record  `json:"rows,omitempty"`
	StatusCode      int       `json:"status_code,omitempty"`
	Pagination      *PageInfo `json:"pagination,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`

	// ValidationErrors lists every validation or bind problem when the
	// execution never reached dispatch.
	ValidationErrors Errors `json:"validation_errors,omitempty"`
}

// PageRequest asks for one page of a query result (1-based).
type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Offset returns the row offset of the requested page.
func (p PageRequest) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

type PageInfo struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	TotalItems int  `json:"total_items"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPageInfo derives page navigation from a total row count.
func NewPageInfo(req PageRequest, total int) *PageInfo {
	pages := 0
	if req.PageSize > 0 {
		pages = (total + req.PageSize - 1) / req.PageSize
	}
	return &PageInfo{
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: pages,
		TotalItems: total,
		HasNext:    req.Page < pages,
		HasPrev:    req.Page > 1,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Record: a row whose fields keep their column order
// ──────────────────────────────────────────────────────────────────────────────

type Field struct {
	Key   string
	Value any
}

type Record []Field

// Get returns the value stored under key.
func (r Record) Get(key string) (any, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Keys returns the field names in order.
func (r Record) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Key
	}
	return keys
}

func (r Record) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, f := range r {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("record field %q: %w", f.Key, err)
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON decodes an object keeping document key order. Nested objects
// become Records as well.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeOrdered(dec)
	if err != nil {
		return err
	}
	rec, ok := v.(Record)
	if !ok {
		return fmt.Errorf("record: expected JSON object, got %T", v)
	}
	*r = rec
	return nil
}

// DecodeOrdered decodes a single JSON value; objects become Records.
func DecodeOrdered(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeOrdered(dec)
	if err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

func decodeOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		rec := Record{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			val, err := decodeOrdered(dec)
			if err != nil {
				return nil, err
			}
			rec = append(rec, Field{Key: key, Value: val})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return rec, nil
	case '[':
		arr := []any{}
		for dec.More() {
			val, err := decodeOrdered(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %q", delim)
}
