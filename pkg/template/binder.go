// Package template binds coerced parameter values into a tool's SQL or HTTP
// template, producing a BoundStatement ready for dispatch.
//
// SQL templates are rewritten into the dialect's parameterized form; coerced
// values only ever travel in the argument list. HTTP templates are substituted
// textually and re-validated as JSON.
package template

import (
	"fmt"

	"github.com/dbmcp/toolengine/pkg/canonical"
	"github.com/dbmcp/toolengine/pkg/params"
	"github.com/dbmcp/toolengine/pkg/types"
)

// MaxPageSize bounds a single paginated request.
const MaxPageSize = 10000

// Dialect selects the bind-parameter form of a SQL statement.
type Dialect string

const (
	Postgres Dialect = "postgres" // $1, $2 ...
	SQLite   Dialect = "sqlite"   // ?
	MySQL    Dialect = "mysql"    // ?
	Named    Dialect = "named"    // :p_name with sql.NamedArg values
)

func (d Dialect) Valid() bool {
	switch d {
	case Postgres, SQLite, MySQL, Named:
		return true
	}
	return false
}

// Options carry the datasource-dependent inputs of a bind.
type Options struct {
	// Dialect of the target pool. Defaults to SQLite (positional ?).
	Dialect Dialect
	// Page wraps a query in LIMIT/OFFSET and derives a count query.
	Page *types.PageRequest

	// BaseURL resolves relative HTTP endpoints.
	BaseURL string
	// DefaultHeaders are sent with every HTTP request; tool headers override them.
	DefaultHeaders    map[string]string
	BlockPrivateHosts bool
}

// BoundStatement is the output of Bind. It is never mutated after return.
type BoundStatement struct {
	ToolID   string         `json:"tool_id"`
	ToolType types.ToolType `json:"tool_type"`

	Dialect   Dialect  `json:"dialect,omitempty"`
	SQL       string   `json:"sql,omitempty"`
	Args      []any    `json:"args,omitempty"`
	ArgNames  []string `json:"arg_names,omitempty"`
	CountSQL  string   `json:"count_sql,omitempty"`
	CountArgs []any    `json:"count_args,omitempty"`

	Page    *types.PageRequest `json:"page,omitempty"`
	Request *BoundRequest      `json:"request,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// Fingerprint returns a SHA-256 over the canonical JSON form of the statement.
// Two binds of the same tool and values share a fingerprint.
func (s *BoundStatement) Fingerprint() (string, error) {
	_, hash, err := canonical.Hash(s)
	if err != nil {
		return "", fmt.Errorf("template.Fingerprint: %w", err)
	}
	return hash, nil
}

// Bind substitutes values into tool's template. Every unbound placeholder and
// malformed section is reported in one batch; on error the statement is nil.
func Bind(tool *types.ToolDefinition, values params.Values, opts Options) (*BoundStatement, types.Errors) {
	t := normalizedCopy(tool)
	if opts.Dialect == "" {
		opts.Dialect = SQLite
	}

	b := &binder{
		tool:     t,
		values:   values,
		used:     map[string]bool{},
		reported: map[string]bool{},
	}

	out := &BoundStatement{ToolID: t.ID, ToolType: t.Type}
	switch t.Type {
	case types.ToolQuery:
		if !opts.Dialect.Valid() {
			b.fail(types.KindInvalidDefinition, "dialect", fmt.Sprintf("unsupported dialect %q", opts.Dialect))
			break
		}
		b.bindSQL(out, t.SQL, opts)
	case types.ToolHTTP:
		if t.HTTP == nil {
			b.fail(types.KindInvalidDefinition, "http", "required for http tools")
			break
		}
		out.Request = b.bindHTTP(t.HTTP, opts)
	default:
		b.fail(types.KindInvalidDefinition, "type", fmt.Sprintf("unsupported tool type %q", t.Type))
	}

	if len(b.errs) > 0 {
		return nil, b.errs
	}
	out.Warnings = b.unusedWarnings()
	return out, nil
}

func normalizedCopy(tool *types.ToolDefinition) *types.ToolDefinition {
	t := *tool
	t.Parameters = append([]types.ToolParameter(nil), tool.Parameters...)
	if tool.HTTP != nil {
		h := *tool.HTTP
		t.HTTP = &h
	}
	t.Normalize()
	return &t
}

type binder struct {
	tool     *types.ToolDefinition
	values   params.Values
	errs     types.Errors
	used     map[string]bool
	reported map[string]bool
}

func (b *binder) fail(kind types.ErrorKind, field, reason string) {
	key := string(kind) + "\x00" + field + "\x00" + reason
	if b.reported[key] {
		return
	}
	b.reported[key] = true
	b.errs = append(b.errs, &types.ValidationError{Kind: kind, Field: field, Reason: reason})
}

// lookup resolves a placeholder to its coerced value. where names the template
// section for error messages.
func (b *binder) lookup(name, where string) (params.Value, bool) {
	if name == "" {
		b.fail(types.KindUnboundPlaceholder, where, "empty placeholder {{ }}")
		return params.Value{}, false
	}
	if _, ok := b.tool.Parameter(name); !ok {
		b.fail(types.KindUnboundPlaceholder, name, fmt.Sprintf("in %s does not match any declared parameter", where))
		return params.Value{}, false
	}
	v, ok := b.values[name]
	if !ok {
		b.fail(types.KindUnboundPlaceholder, name, fmt.Sprintf("in %s has no bound value", where))
		return params.Value{}, false
	}
	return v, true
}

func (b *binder) unusedWarnings() []string {
	var warnings []string
	for _, p := range b.tool.Parameters {
		if !b.used[p.Name] {
			warnings = append(warnings, fmt.Sprintf("parameter %q is declared but not used by the template", p.Name))
		}
	}
	return warnings
}
