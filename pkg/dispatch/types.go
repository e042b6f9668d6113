// Package dispatch runs bound statements against SQL pools and HTTP targets and
// normalizes what comes back into an ExecutionResult.
package dispatch

import (
	"context"
	"net/http"

	"github.com/dbmcp/toolengine/pkg/template"
	"github.com/dbmcp/toolengine/pkg/types"
)

// ConnectionPool hands out live connections for one datasource and dialect.
// Implementations must be safe for concurrent use. Acquire, and Query on the
// returned Conn, must return once ctx is done; the execution timeout relies on
// it.
type ConnectionPool interface {
	Dialect() template.Dialect
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is a connection owned by a single execution until Release.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Release()
}

// Rows iterates a result set. Values returns one row in column order.
type Rows interface {
	Columns() []string
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

// HTTPClient issues a single request. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Handle is a resolved datasource: a pool for query tools, an HTTP client and
// request defaults for http tools.
type Handle struct {
	ID   string
	Pool ConnectionPool
	HTTP HTTPClient

	BaseURL           string
	Headers           map[string]string
	BlockPrivateHosts bool
}

// BindOptions derives the template options for statements run on h.
func (h Handle) BindOptions(page *types.PageRequest) template.Options {
	opts := template.Options{
		Page:              page,
		BaseURL:           h.BaseURL,
		DefaultHeaders:    h.Headers,
		BlockPrivateHosts: h.BlockPrivateHosts,
	}
	if h.Pool != nil {
		opts.Dialect = h.Pool.Dialect()
	}
	return opts
}
