package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dbmcp/toolengine/pkg/template"
	"github.com/dbmcp/toolengine/pkg/types"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxResponseBytes = 10 << 20
)

// Dispatcher executes bound statements. It holds no per-call state and may be
// shared by concurrent executions.
type Dispatcher struct {
	// HTTPClient is used when the handle carries none.
	HTTPClient HTTPClient
	// MaxResponseBytes caps how much of an HTTP response body is read.
	MaxResponseBytes int64
	// MaxRows caps collected rows per query; 0 means unlimited.
	MaxRows int
}

// New creates a dispatcher with default limits.
func New() *Dispatcher {
	return &Dispatcher{
		HTTPClient:       &http.Client{},
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// Execute runs bound against h with a single timeout and returns the
// normalized result. Failures are reported in the result, never returned.
//
// Execute panics if a query statement was bound for a different dialect than
// the handle's pool.
func (d *Dispatcher) Execute(ctx context.Context, bound *template.BoundStatement, h Handle, timeout time.Duration) types.ExecutionResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := types.ExecutionResult{State: types.StateDispatching}
	res.Warnings = append(res.Warnings, bound.Warnings...)

	start := time.Now()
	var err error
	switch bound.ToolType {
	case types.ToolQuery:
		err = d.execSQL(ctx, bound, h, &res)
	case types.ToolHTTP:
		err = d.execHTTP(ctx, bound, h, &res)
	default:
		err = types.ErrSyntaxOrRuntime(fmt.Errorf("unsupported tool type %q", bound.ToolType))
	}
	res.ExecutionTimeMS = time.Since(start).Milliseconds()

	return finish(ctx, res, err)
}

func finish(ctx context.Context, res types.ExecutionResult, err error) types.ExecutionResult {
	if err == nil {
		res.Success = true
		res.State = types.StateCompleted
		return res
	}

	res.Success = false
	res.LogicalSuccess = false
	res.Columns, res.Rows, res.RowCount, res.Pagination = nil, nil, 0, nil

	// Whatever the driver reports, an expired context means the call timed out.
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		err = types.ErrTimeout(err)
	}
	var ee *types.ExecError
	if !errors.As(err, &ee) {
		ee = types.ErrSyntaxOrRuntime(err)
	}
	res.ErrorKind = ee.Kind
	res.Error = ee.Error()
	res.State = types.StateFailed
	if ee.Kind == types.KindTimeout {
		res.State = types.StateTimedOut
	}
	return res
}
