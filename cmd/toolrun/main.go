// Toolrun executes one catalog tool against its datasource and prints the
// execution result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbmcp/toolengine/pkg/catalog"
	"github.com/dbmcp/toolengine/pkg/config"
	"github.com/dbmcp/toolengine/pkg/datasource"
	"github.com/dbmcp/toolengine/pkg/dispatch"
	"github.com/dbmcp/toolengine/pkg/engine"
	ocOtel "github.com/dbmcp/toolengine/pkg/otel"
	"github.com/dbmcp/toolengine/pkg/schema"
	"github.com/dbmcp/toolengine/pkg/types"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// paramFlags collects repeated -param name=value flags.
type paramFlags map[string]string

func (p paramFlags) String() string {
	pairs := make([]string, 0, len(p))
	for k, v := range p {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (p paramFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	p[strings.TrimSpace(name)] = value
	return nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "load .env: %v\n", err)
		return exitUsage
	}

	values := paramFlags{}
	fs := flag.NewFlagSet("toolrun", flag.ContinueOnError)
	fs.SetOutput(stderr)
	catalogPath := fs.String("catalog", config.EnvOr("TOOLENGINE_CATALOG", "catalog.yaml"), "catalog file (.yaml, .toml or .json)")
	toolRef := fs.String("tool", "", "tool id or name")
	fs.Var(values, "param", "parameter as name=value (repeatable)")
	principal := fs.String("principal", config.EnvOr("TOOLENGINE_PRINCIPAL", ""), "caller identity checked against datasource principals")
	timeout := fs.Duration("timeout", config.EnvOrDuration("TOOLENGINE_TIMEOUT", dispatch.DefaultTimeout), "execution timeout")
	page := fs.Int("page", 1, "page number, used with -page-size")
	pageSize := fs.Int("page-size", 0, "rows per page; 0 disables pagination")
	describe := fs.Bool("describe", false, "print the tool's input JSON schema instead of executing it")
	list := fs.Bool("list", false, "list catalog tool ids")
	metricsFile := fs.String("metrics-textfile", config.EnvOr("TOOLENGINE_METRICS_TEXTFILE", ""), "write Prometheus metrics to this file on exit")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *toolRef == "" && !*list {
		fmt.Fprintln(stderr, "toolrun: -tool is required")
		fs.Usage()
		return exitUsage
	}

	level := slog.LevelInfo
	if config.EnvOrBool("TOOLENGINE_DEBUG", false) {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	// ── Catalog ──────────────────────────────────────────────────────────
	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		log.Error("catalog load failed", "path", *catalogPath, "error", err)
		return exitFail
	}
	if *list {
		return writeJSON(stdout, cat.List())
	}
	tool, err := cat.Tool(*toolRef)
	if err != nil {
		log.Error("tool lookup failed", "tool", *toolRef, "error", err)
		return exitUsage
	}
	if *describe {
		return writeJSON(stdout, schema.ForTool(tool))
	}

	// ── OpenTelemetry ────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := ocOtel.Setup(ctx, ocOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "toolrun"),
		OTLPEndpoint:   otelEndpoint,
		MetricsEnabled: true,
		TracingEnabled: otelEndpoint != "",
		Registerer:     reg,
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	// ── Execution ────────────────────────────────────────────────────────
	manager := datasource.NewManager(cat, log)
	defer manager.Close()

	d := dispatch.New()
	d.MaxRows = config.EnvOrInt("TOOLENGINE_MAX_ROWS", 0)
	d.MaxResponseBytes = int64(config.EnvOrInt("TOOLENGINE_MAX_RESPONSE_BYTES", dispatch.DefaultMaxResponseBytes))
	eng := engine.New(log, engine.WithDispatcher(d))

	var res types.ExecutionResult
	h, err := manager.Handle(ctx, types.AuthContext{Principal: *principal}, tool.DatasourceID)
	if err != nil {
		log.Error("datasource unavailable", "datasource_id", tool.DatasourceID, "error", err)
		res = types.ExecutionResult{
			State:     types.StateFailed,
			ErrorKind: types.KindConnection,
			Error:     err.Error(),
		}
	} else {
		var pg *types.PageRequest
		if *pageSize > 0 {
			pg = &types.PageRequest{Page: *page, PageSize: *pageSize}
		}
		res = eng.Run(ctx, engine.Request{
			Tool:    tool,
			Handle:  h,
			Values:  values,
			Timeout: *timeout,
			Page:    pg,
		})
	}

	if *metricsFile != "" {
		if err := prometheus.WriteToTextfile(*metricsFile, reg); err != nil {
			log.Warn("metrics textfile write failed", "path", *metricsFile, "error", err)
		}
	}

	if code := writeJSON(stdout, res); code != exitOK {
		return code
	}
	if !res.LogicalSuccess {
		return exitFail
	}
	return exitOK
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return exitFail
	}
	return exitOK
}
