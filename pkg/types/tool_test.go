package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func validQueryTool() ToolDefinition {
	return ToolDefinition{
		ID:           "t1",
		Name:         "recent_orders",
		Type:         ToolQuery,
		DatasourceID: "ds1",
		SQL:          "SELECT * FROM orders LIMIT {{ limit }}",
		Parameters: []ToolParameter{
			{Name: "limit", Type: ParamInteger, Required: false, Default: strPtr("10")},
		},
	}
}

func TestNormalizeAndValidate_OK(t *testing.T) {
	tool := validQueryTool()
	if err := tool.NormalizeAndValidate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNormalizeAndValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*ToolDefinition)
		field string
	}{
		{"missing name", func(d *ToolDefinition) { d.Name = "" }, "name"},
		{"missing datasource", func(d *ToolDefinition) { d.DatasourceID = "" }, "datasource_id"},
		{"missing sql", func(d *ToolDefinition) { d.SQL = "  " }, "sql"},
		{"unknown tool type", func(d *ToolDefinition) { d.Type = "code" }, "type"},
		{"http without template", func(d *ToolDefinition) { d.Type = ToolHTTP }, "http.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := validQueryTool()
			tt.edit(&tool)
			err := tool.NormalizeAndValidate()
			if err == nil {
				t.Fatal("expected error")
			}
			errs, ok := err.(Errors)
			if !ok {
				t.Fatalf("expected Errors, got %T", err)
			}
			if len(errs.ForField(tt.field)) != 1 {
				t.Errorf("expected one error for %q, got %v", tt.field, errs)
			}
			if errs.Kind() != KindInvalidDefinition {
				t.Errorf("expected kind %s, got %s", KindInvalidDefinition, errs.Kind())
			}
		})
	}
}

func TestNormalizeAndValidate_ReportsEveryProblem(t *testing.T) {
	tool := validQueryTool()
	tool.Name = ""
	tool.Parameters = []ToolParameter{
		{Name: "1bad", Type: ParamString},
		{Name: "dup", Type: ParamString},
		{Name: "dup", Type: "decimal"},
	}
	err := tool.NormalizeAndValidate()
	errs, ok := err.(Errors)
	if !ok {
		t.Fatalf("expected Errors, got %T", err)
	}
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
}

func TestNormalize_HTTPMethodAndTypes(t *testing.T) {
	tool := ToolDefinition{
		Name:         "lookup",
		Type:         " HTTP ",
		DatasourceID: "api",
		HTTP:         &HTTPTemplate{Endpoint: "https://example.com/items", Method: "patch"},
		Parameters:   []ToolParameter{{Name: " id ", Type: " Integer "}},
	}
	if err := tool.NormalizeAndValidate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tool.Type != ToolHTTP {
		t.Errorf("expected type http, got %q", tool.Type)
	}
	if tool.HTTP.Method != MethodPatch {
		t.Errorf("expected PATCH, got %q", tool.HTTP.Method)
	}
	if p, ok := tool.Parameter("id"); !ok || p.Type != ParamInteger {
		t.Errorf("expected normalized integer parameter id, got %+v", p)
	}
}

func TestNormalize_DefaultsToQueryAndGet(t *testing.T) {
	tool := ToolDefinition{HTTP: &HTTPTemplate{}}
	tool.Normalize()
	if tool.Type != ToolQuery {
		t.Errorf("expected default type query, got %q", tool.Type)
	}
	if tool.HTTP.Method != MethodGet {
		t.Errorf("expected default method GET, got %q", tool.HTTP.Method)
	}
}

func TestValidate_UnsupportedMethod(t *testing.T) {
	tool := ToolDefinition{
		Name: "x", Type: ToolHTTP, DatasourceID: "api",
		HTTP: &HTTPTemplate{Endpoint: "https://example.com", Method: "TRACE"},
	}
	errs, _ := tool.NormalizeAndValidate().(Errors)
	if len(errs.ForField("http.method")) != 1 {
		t.Fatalf("expected http.method error, got %v", errs)
	}
}

func TestIsIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"limit", true},
		{"_private", true},
		{"user_id2", true},
		{"2fast", false},
		{"has-dash", false},
		{"", false},
		{strings.Repeat("a", MaxParamNameBytes+1), false},
	}
	for _, tt := range tests {
		if got := IsIdentifier(tt.in); got != tt.want {
			t.Errorf("IsIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRecord_MarshalKeepsColumnOrder(t *testing.T) {
	rec := Record{{Key: "z", Value: 1}, {Key: "a", Value: "x"}, {Key: "m", Value: nil}}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"z":1,"a":"x","m":null}`; string(b) != want {
		t.Errorf("expected %s, got %s", want, b)
	}
}

func TestRecord_UnmarshalKeepsDocumentOrder(t *testing.T) {
	var rec Record
	if err := json.Unmarshal([]byte(`{"b":2,"a":{"y":1,"x":[1,2]}}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := strings.Join(rec.Keys(), ","); got != "b,a" {
		t.Errorf("expected key order b,a, got %s", got)
	}
	nested, _ := rec.Get("a")
	inner, ok := nested.(Record)
	if !ok {
		t.Fatalf("expected nested Record, got %T", nested)
	}
	if got := strings.Join(inner.Keys(), ","); got != "y,x" {
		t.Errorf("expected nested key order y,x, got %s", got)
	}
}

func TestDecodeOrdered_RejectsTrailingData(t *testing.T) {
	if _, err := DecodeOrdered([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestNewPageInfo(t *testing.T) {
	info := NewPageInfo(PageRequest{Page: 2, PageSize: 10}, 25)
	if info.TotalPages != 3 || !info.HasNext || !info.HasPrev {
		t.Errorf("unexpected page info: %+v", info)
	}
	last := NewPageInfo(PageRequest{Page: 3, PageSize: 10}, 25)
	if last.HasNext {
		t.Errorf("last page should not have next: %+v", last)
	}
	if off := (PageRequest{Page: 3, PageSize: 10}).Offset(); off != 20 {
		t.Errorf("expected offset 20, got %d", off)
	}
}

func TestExecError_TimeoutMessage(t *testing.T) {
	if got := ErrTimeout(nil).Error(); got != "timeout" {
		t.Errorf("expected timeout, got %q", got)
	}
	var err error = ErrConnection(errString("refused"))
	if KindOf(err, "") != KindConnection {
		t.Errorf("expected connection kind")
	}
	if got := err.Error(); got != "connection_error: refused" {
		t.Errorf("unexpected message %q", got)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestValidate_DoesNotMutate(t *testing.T) {
	tool := validQueryTool()
	tool.Type = " QUERY "
	tool.Parameters[0].Type = "Integer"
	if err := tool.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tool.Type != " QUERY " || tool.Parameters[0].Type != "Integer" {
		t.Errorf("Validate modified the definition: %+v", tool)
	}

	tool.SQL = ""
	err := tool.Validate()
	var errs Errors
	if !errors.As(err, &errs) || !errs.Has(KindInvalidDefinition) {
		t.Errorf("expected invalid definition, got %v", err)
	}
}
