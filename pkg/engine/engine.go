// Package engine composes validation, binding, and dispatch into the tool
// execution flow and records each execution in logs, traces, and metrics.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbmcp/toolengine/pkg/dispatch"
	ocOtel "github.com/dbmcp/toolengine/pkg/otel"
	"github.com/dbmcp/toolengine/pkg/params"
	"github.com/dbmcp/toolengine/pkg/template"
	"github.com/dbmcp/toolengine/pkg/types"
)

const instrumentationName = "github.com/dbmcp/toolengine/pkg/engine"

// Engine is safe for concurrent use. It keeps no state between calls.
type Engine struct {
	log        *slog.Logger
	dispatcher *dispatch.Dispatcher
	tracer     trace.Tracer
	inst       *ocOtel.Instruments
}

type Option func(*Engine)

func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

func WithInstruments(i *ocOtel.Instruments) Option {
	return func(e *Engine) { e.inst = i }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an engine. Without options it uses the global OpenTelemetry
// providers and a default dispatcher.
func New(log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{log: log}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = dispatch.New()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	if e.inst == nil {
		inst, err := ocOtel.NewInstruments(otel.Meter(instrumentationName))
		if err != nil {
			log.Warn("engine metrics disabled", "error", err)
		}
		e.inst = inst
	}
	return e
}

// Request is one Run invocation.
type Request struct {
	Tool    *types.ToolDefinition
	Handle  dispatch.Handle
	Values  map[string]string
	Timeout time.Duration
	Page    *types.PageRequest
}

// ValidateAndCoerce checks raw values against the declared parameters.
func (e *Engine) ValidateAndCoerce(parameters []types.ToolParameter, values map[string]string) (params.Values, types.Errors) {
	return params.ValidateAndCoerce(parameters, values)
}

// Bind produces the statement for tool with coerced values.
func (e *Engine) Bind(tool *types.ToolDefinition, values params.Values, opts template.Options) (*template.BoundStatement, types.Errors) {
	return template.Bind(tool, values, opts)
}

// Execute dispatches an already bound statement.
func (e *Engine) Execute(ctx context.Context, bound *template.BoundStatement, h dispatch.Handle, timeout time.Duration) types.ExecutionResult {
	id := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "toolengine.execute", trace.WithAttributes(
		attribute.String("execution.id", id),
		attribute.String("tool.id", bound.ToolID),
		attribute.String("tool.type", string(bound.ToolType)),
		attribute.String("datasource.id", h.ID),
	))
	defer span.End()

	res := e.dispatcher.Execute(ctx, bound, h, timeout)
	res.ExecutionID = id
	e.observe(ctx, span, bound.ToolID, bound.ToolType, h.ID, res)
	return res
}

// Run validates raw values, binds them into the tool's template, and
// dispatches the statement. Validation and bind problems come back as a
// failed result carrying every error.
func (e *Engine) Run(ctx context.Context, req Request) types.ExecutionResult {
	id := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "toolengine.run", trace.WithAttributes(
		attribute.String("execution.id", id),
		attribute.String("tool.id", req.Tool.ID),
		attribute.String("tool.name", req.Tool.Name),
		attribute.String("tool.type", string(req.Tool.Type)),
		attribute.String("datasource.id", req.Handle.ID),
	))
	defer span.End()

	res := e.run(ctx, req)
	res.ExecutionID = id
	e.observe(ctx, span, req.Tool.ID, req.Tool.Type, req.Handle.ID, res)
	return res
}

func (e *Engine) run(ctx context.Context, req Request) types.ExecutionResult {
	tool := copyTool(req.Tool)
	if err := tool.NormalizeAndValidate(); err != nil {
		errs, _ := err.(types.Errors)
		return rejected(errs)
	}

	values, errs := params.ValidateAndCoerce(tool.Parameters, req.Values)
	if len(errs) > 0 {
		return rejected(errs)
	}

	bound, errs := template.Bind(tool, values, req.Handle.BindOptions(req.Page))
	if len(errs) > 0 {
		return rejected(errs)
	}
	if e.log.Enabled(ctx, slog.LevelDebug) {
		fp, _ := bound.Fingerprint()
		e.log.DebugContext(ctx, "statement bound", "tool", tool.Name, "fingerprint", fp, "args", len(bound.Args))
	}

	return e.dispatcher.Execute(ctx, bound, req.Handle, req.Timeout)
}

// rejected maps a validation or bind batch onto a failed result.
func rejected(errs types.Errors) types.ExecutionResult {
	return types.ExecutionResult{
		Success:          false,
		LogicalSuccess:   false,
		State:            types.StateFailed,
		ErrorKind:        errs.Kind(),
		Error:            errs.Error(),
		ValidationErrors: errs,
	}
}

func copyTool(tool *types.ToolDefinition) *types.ToolDefinition {
	t := *tool
	t.Parameters = append([]types.ToolParameter(nil), tool.Parameters...)
	if tool.HTTP != nil {
		h := *tool.HTTP
		t.HTTP = &h
	}
	return &t
}

func (e *Engine) observe(ctx context.Context, span trace.Span, toolID string, toolType types.ToolType, dsID string, res types.ExecutionResult) {
	span.SetAttributes(
		attribute.String("execution.state", string(res.State)),
		attribute.Int("execution.row_count", res.RowCount),
		attribute.Bool("execution.logical_success", res.LogicalSuccess),
	)
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}

	if e.inst != nil {
		attrs := metric.WithAttributes(
			attribute.String("tool_type", string(toolType)),
			attribute.String("state", string(res.State)),
			attribute.String("error_kind", string(res.ErrorKind)),
		)
		e.inst.Executions.Add(ctx, 1, attrs)
		e.inst.Duration.Record(ctx, float64(res.ExecutionTimeMS), attrs)
	}

	fields := []any{
		"execution_id", res.ExecutionID,
		"tool_id", toolID,
		"datasource_id", dsID,
		"state", res.State,
		"row_count", res.RowCount,
		"duration_ms", res.ExecutionTimeMS,
	}
	switch {
	case !res.Success:
		e.log.WarnContext(ctx, "tool execution failed", append(fields, "error_kind", res.ErrorKind, "error", res.Error)...)
	case !res.LogicalSuccess:
		e.log.WarnContext(ctx, "tool execution returned a logical failure", append(fields, "status_code", res.StatusCode, "error", res.Error)...)
	default:
		e.log.InfoContext(ctx, "tool executed", fields...)
	}
}
