package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dbmcp/toolengine/pkg/template"
	"github.com/dbmcp/toolengine/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

type queryFunc func(ctx context.Context, sql string, args []any) (Rows, error)

type fakePool struct {
	dialect    template.Dialect
	acquireErr error
	query      queryFunc

	mu       sync.Mutex
	acquired int
	released int
}

func (p *fakePool) Dialect() template.Dialect { return p.dialect }

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()
	return &fakeConn{pool: p}, nil
}

func (p *fakePool) counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

type fakeConn struct {
	pool *fakePool
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return c.pool.query(ctx, sql, args)
}

func (c *fakeConn) Release() {
	c.pool.mu.Lock()
	c.pool.released++
	c.pool.mu.Unlock()
}

type fakeRows struct {
	cols []string
	data [][]any
	err  error
	i    int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}
func (r *fakeRows) Values() ([]any, error) { return r.data[r.i-1], nil }
func (r *fakeRows) Err() error             { return r.err }
func (r *fakeRows) Close()                 {}

func staticRows(cols []string, data ...[]any) queryFunc {
	return func(ctx context.Context, sql string, args []any) (Rows, error) {
		return &fakeRows{cols: cols, data: data}, nil
	}
}

func sqlStatement(sql string, args ...any) *template.BoundStatement {
	return &template.BoundStatement{ToolID: "t", ToolType: types.ToolQuery, Dialect: template.SQLite, SQL: sql, Args: args}
}

// ──────────────────────────────────────────────────────────────────────────────
// SQL
// ──────────────────────────────────────────────────────────────────────────────

func TestExecute_SQLSuccess(t *testing.T) {
	id := [16]byte{0x12, 0x34}
	pool := &fakePool{dialect: template.SQLite, query: staticRows(
		[]string{"name", "id", "raw"},
		[]any{"alice", id, []byte("bytes")},
		[]any{"bob", nil, []byte("x")},
	)}

	res := New().Execute(context.Background(), sqlStatement("SELECT 1"), Handle{ID: "ds", Pool: pool}, time.Second)

	if !res.Success || !res.LogicalSuccess || res.State != types.StateCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RowCount != 2 || len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", res.RowCount)
	}
	if strings.Join(res.Columns, ",") != "name,id,raw" {
		t.Errorf("columns = %v", res.Columns)
	}
	if strings.Join(res.Rows[0].Keys(), ",") != "name,id,raw" {
		t.Errorf("row keys out of column order: %v", res.Rows[0].Keys())
	}
	if v, _ := res.Rows[0].Get("id"); v != "12340000-0000-0000-0000-000000000000" {
		t.Errorf("uuid not normalized: %#v", v)
	}
	if v, _ := res.Rows[0].Get("raw"); v != "bytes" {
		t.Errorf("bytes not normalized: %#v", v)
	}
	if a, r := pool.counts(); a != 1 || r != 1 {
		t.Errorf("acquired=%d released=%d", a, r)
	}
}

func TestExecute_SQLPagination(t *testing.T) {
	pool := &fakePool{dialect: template.SQLite}
	pool.query = func(ctx context.Context, sql string, args []any) (Rows, error) {
		if strings.Contains(sql, "count_query") {
			return &fakeRows{cols: []string{"total"}, data: [][]any{{int64(25)}}}, nil
		}
		return &fakeRows{cols: []string{"n"}, data: [][]any{{int64(11)}, {int64(12)}}}, nil
	}
	stmt := sqlStatement("SELECT * FROM (x) AS paged_query LIMIT ? OFFSET ?", int64(10), int64(10))
	stmt.CountSQL = "SELECT COUNT(*) AS total FROM (x) AS count_query"
	stmt.Page = &types.PageRequest{Page: 2, PageSize: 10}

	res := New().Execute(context.Background(), stmt, Handle{Pool: pool}, time.Second)

	want := types.PageInfo{Page: 2, PageSize: 10, TotalPages: 3, TotalItems: 25, HasNext: true, HasPrev: true}
	if res.Pagination == nil || *res.Pagination != want {
		t.Errorf("pagination = %+v", res.Pagination)
	}
	if a, r := pool.counts(); a != 1 || r != 1 {
		t.Errorf("count and page must share one connection: acquired=%d released=%d", a, r)
	}
}

func TestExecute_SQLTimeoutReleasesConnection(t *testing.T) {
	pool := &fakePool{dialect: template.SQLite, query: func(ctx context.Context, sql string, args []any) (Rows, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	start := time.Now()
	res := New().Execute(context.Background(), sqlStatement("SELECT slow()"), Handle{Pool: pool}, 20*time.Millisecond)
	elapsed := time.Since(start)

	if res.Success || res.Error != "timeout" || res.ErrorKind != types.KindTimeout || res.State != types.StateTimedOut {
		t.Errorf("unexpected result: %+v", res)
	}
	if elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if a, r := pool.counts(); a != 1 || r != 1 {
		t.Errorf("connection leaked: acquired=%d released=%d", a, r)
	}
}

func TestExecute_SQLErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		pool         *fakePool
		wantKind     types.ErrorKind
		wantReleased int
	}{
		{
			name:     "acquire fails",
			pool:     &fakePool{dialect: template.SQLite, acquireErr: errors.New("dial tcp: refused")},
			wantKind: types.KindConnection,
		},
		{
			name: "query fails",
			pool: &fakePool{dialect: template.SQLite, query: func(ctx context.Context, sql string, args []any) (Rows, error) {
				return nil, errors.New(`near "SELEC": syntax error`)
			}},
			wantKind:     types.KindSyntaxOrRuntime,
			wantReleased: 1,
		},
		{
			name: "rows fail mid-iteration",
			pool: &fakePool{dialect: template.SQLite, query: func(ctx context.Context, sql string, args []any) (Rows, error) {
				return &fakeRows{cols: []string{"a"}, data: [][]any{{1}}, err: errors.New("division by zero")}, nil
			}},
			wantKind:     types.KindSyntaxOrRuntime,
			wantReleased: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New().Execute(context.Background(), sqlStatement("SELECT 1"), Handle{Pool: tt.pool}, time.Second)
			if res.Success || res.LogicalSuccess || res.State != types.StateFailed {
				t.Errorf("unexpected result: %+v", res)
			}
			if res.ErrorKind != tt.wantKind {
				t.Errorf("kind = %s, want %s", res.ErrorKind, tt.wantKind)
			}
			if !strings.HasPrefix(res.Error, string(tt.wantKind)+": ") {
				t.Errorf("error %q lacks kind prefix", res.Error)
			}
			if res.Rows != nil {
				t.Errorf("failed result must not carry rows")
			}
			if _, r := tt.pool.counts(); r != tt.wantReleased {
				t.Errorf("released = %d, want %d", r, tt.wantReleased)
			}
		})
	}
}

func TestExecute_NoPool(t *testing.T) {
	res := New().Execute(context.Background(), sqlStatement("SELECT 1"), Handle{ID: "ds"}, time.Second)
	if res.ErrorKind != types.KindConnection {
		t.Errorf("kind = %s", res.ErrorKind)
	}
}

func TestExecute_DialectMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for dialect mismatch")
		}
	}()
	pool := &fakePool{dialect: template.Postgres, query: staticRows(nil)}
	New().Execute(context.Background(), sqlStatement("SELECT 1"), Handle{Pool: pool}, time.Second)
}

func TestExecute_MaxRows(t *testing.T) {
	pool := &fakePool{dialect: template.SQLite, query: staticRows([]string{"n"}, []any{1}, []any{2}, []any{3})}
	d := New()
	d.MaxRows = 2

	res := d.Execute(context.Background(), sqlStatement("SELECT n"), Handle{Pool: pool}, time.Second)
	if res.RowCount != 2 || len(res.Warnings) != 1 {
		t.Errorf("rows=%d warnings=%v", res.RowCount, res.Warnings)
	}
}

func TestExecute_ConcurrentShareOnePool(t *testing.T) {
	pool := &fakePool{dialect: template.SQLite}
	pool.query = func(ctx context.Context, sql string, args []any) (Rows, error) {
		return &fakeRows{cols: []string{"arg"}, data: [][]any{{args[0]}}}, nil
	}
	d := New()

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := d.Execute(context.Background(), sqlStatement("SELECT ?", int64(i)), Handle{Pool: pool}, time.Second)
			if v, _ := res.Rows[0].Get("arg"); v != int64(i) {
				errs <- "result crossed executions"
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	if a, r := pool.counts(); a != 20 || r != 20 {
		t.Errorf("acquired=%d released=%d", a, r)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP
// ──────────────────────────────────────────────────────────────────────────────

func httpStatement(url string) *template.BoundStatement {
	return &template.BoundStatement{
		ToolID:   "h",
		ToolType: types.ToolHTTP,
		Request:  &template.BoundRequest{Method: http.MethodGet, URL: url},
	}
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_HTTPShapes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		logical  bool
		rows     int
		columns  string
		errorMsg string
	}{
		{"array of objects", 200, `[{"b":1,"a":2},{"c":3}]`, true, 2, "b,a,c", ""},
		{"data envelope", 200, `{"success":true,"data":[{"x":1}]}`, true, 1, "x", ""},
		{"single object", 201, `{"id":"42"}`, true, 1, "id", ""},
		{"plain text", 200, "pong", true, 1, "body", ""},
		{"empty body", 204, "", true, 0, "", ""},
		{"server error", 500, `{"error":"boom"}`, false, 1, "error", "http 500: boom"},
		{"non-json error", 404, "not here", false, 1, "body", "http 404: not here"},
		{"logical failure on 200", 200, `{"success":false,"error":"bad query"}`, false, 1, "success,error", "http 200: bad query"},
		{"success false without error", 200, `{"success":false}`, false, 1, "success", "http 200: request reported success=false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			res := New().Execute(context.Background(), httpStatement(srv.URL), Handle{}, time.Second)

			if !res.Success || res.State != types.StateCompleted {
				t.Fatalf("transport level must succeed: %+v", res)
			}
			if res.LogicalSuccess != tt.logical {
				t.Errorf("logical = %v, want %v", res.LogicalSuccess, tt.logical)
			}
			if res.StatusCode != tt.status {
				t.Errorf("status = %d", res.StatusCode)
			}
			if res.RowCount != tt.rows {
				t.Errorf("rows = %d, want %d", res.RowCount, tt.rows)
			}
			if strings.Join(res.Columns, ",") != tt.columns {
				t.Errorf("columns = %v, want %s", res.Columns, tt.columns)
			}
			if res.Error != tt.errorMsg {
				t.Errorf("error = %q, want %q", res.Error, tt.errorMsg)
			}
		})
	}
}

func TestExecute_HTTPSendsRequest(t *testing.T) {
	var gotMethod, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	stmt := httpStatement(srv.URL)
	stmt.Request.Method = http.MethodPost
	stmt.Request.Headers = []template.Header{{Name: "Authorization", Value: "Bearer t"}}
	stmt.Request.Body = []byte(`{"id": "42"}`)

	res := New().Execute(context.Background(), stmt, Handle{HTTP: srv.Client()}, time.Second)
	if !res.LogicalSuccess {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotMethod != http.MethodPost || gotAuth != "Bearer t" || gotBody != `{"id": "42"}` {
		t.Errorf("method=%s auth=%s body=%s", gotMethod, gotAuth, gotBody)
	}
}

func TestExecute_HTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	res := New().Execute(context.Background(), httpStatement(srv.URL), Handle{}, 50*time.Millisecond)
	if res.Success || res.Error != "timeout" || res.State != types.StateTimedOut {
		t.Errorf("unexpected result: %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not enforced")
	}
}

func TestExecute_HTTPTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := New().Execute(context.Background(), httpStatement(url), Handle{}, time.Second)
	if res.Success || res.ErrorKind != types.KindTransport || res.State != types.StateFailed {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExecute_HTTPResponseCap(t *testing.T) {
	srv := serve(t, 200, strings.Repeat("a", 64))
	d := New()
	d.MaxResponseBytes = 10

	res := d.Execute(context.Background(), httpStatement(srv.URL), Handle{}, time.Second)
	if v, _ := res.Rows[0].Get("body"); v != strings.Repeat("a", 10) {
		t.Errorf("body = %v", v)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestHandle_BindOptions(t *testing.T) {
	h := Handle{Pool: &fakePool{dialect: template.Postgres}, BaseURL: "https://x.example.com", BlockPrivateHosts: true}
	opts := h.BindOptions(&types.PageRequest{Page: 1, PageSize: 5})
	if opts.Dialect != template.Postgres || opts.BaseURL != h.BaseURL || !opts.BlockPrivateHosts || opts.Page.PageSize != 5 {
		t.Errorf("opts = %+v", opts)
	}
}
