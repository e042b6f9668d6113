// Package types defines the canonical tool, parameter, and result schema shared by every
// engine package.
package types

import (
	"fmt"
	"regexp"
	"strings"
)

// ──────────────────────────────────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────────────────────────────────

const (
	MaxParameters     = 64
	MaxTemplateBytes  = 64 * 1024 // 64 KB
	MaxParamNameBytes = 128
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether s is a valid parameter name.
func IsIdentifier(s string) bool {
	return len(s) <= MaxParamNameBytes && identRe.MatchString(s)
}

// ──────────────────────────────────────────────────────────────────────────────
// Enumerations
// ──────────────────────────────────────────────────────────────────────────────

type ParameterType string

const (
	ParamString   ParameterType = "string"
	ParamInteger  ParameterType = "integer"
	ParamFloat    ParameterType = "float"
	ParamBoolean  ParameterType = "boolean"
	ParamDate     ParameterType = "date"
	ParamDatetime ParameterType = "datetime"
	ParamArray    ParameterType = "array"
	ParamObject   ParameterType = "object"
)

// Valid reports whether t is one of the closed set of parameter types.
func (t ParameterType) Valid() bool {
	switch t {
	case ParamString, ParamInteger, ParamFloat, ParamBoolean,
		ParamDate, ParamDatetime, ParamArray, ParamObject:
		return true
	}
	return false
}

type ToolType string

const (
	ToolQuery ToolType = "query"
	ToolHTTP  ToolType = "http"
)

type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodPatch  HTTPMethod = "PATCH"
	MethodDelete HTTPMethod = "DELETE"
)

func (m HTTPMethod) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// ToolDefinition: a saved SQL or HTTP template plus its parameter schema.
// ──────────────────────────────────────────────────────────────────────────────

type ToolParameter struct {
	Name        string        `json:"name" yaml:"name" toml:"name"`
	Type        ParameterType `json:"type" yaml:"type" toml:"type"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Required    bool          `json:"required" yaml:"required" toml:"required"`

	// Default is parsed as Type when the parameter is optional and no value is supplied.
	Default *string `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
}

type HTTPTemplate struct {
	Endpoint string     `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Method   HTTPMethod `json:"method" yaml:"method" toml:"method"`
	Headers  string     `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	Payload  string     `json:"payload,omitempty" yaml:"payload,omitempty" toml:"payload,omitempty"`
}

type ToolDefinition struct {
	ID           string          `json:"id" yaml:"id" toml:"id"`
	Name         string          `json:"name" yaml:"name" toml:"name"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Type         ToolType        `json:"type" yaml:"type" toml:"type"`
	DatasourceID string          `json:"datasource_id" yaml:"datasource_id" toml:"datasource_id"`
	SQL          string          `json:"sql,omitempty" yaml:"sql,omitempty" toml:"sql,omitempty"`
	HTTP         *HTTPTemplate   `json:"http,omitempty" yaml:"http,omitempty" toml:"http,omitempty"`
	Parameters   []ToolParameter `json:"parameters" yaml:"parameters" toml:"parameters"`
}

// Normalize trims identifiers and upper-cases the HTTP method.
func (d *ToolDefinition) Normalize() {
	d.Type = ToolType(strings.ToLower(strings.TrimSpace(string(d.Type))))
	if d.Type == "" {
		d.Type = ToolQuery
	}
	if d.HTTP != nil {
		d.HTTP.Method = HTTPMethod(strings.ToUpper(strings.TrimSpace(string(d.HTTP.Method))))
		if d.HTTP.Method == "" {
			d.HTTP.Method = MethodGet
		}
	}
	for i := range d.Parameters {
		d.Parameters[i].Name = strings.TrimSpace(d.Parameters[i].Name)
		d.Parameters[i].Type = ParameterType(strings.ToLower(strings.TrimSpace(string(d.Parameters[i].Type))))
	}
}

// NormalizeAndValidate normalizes the definition and reports every invariant
// violation at once.
func (d *ToolDefinition) NormalizeAndValidate() error {
	d.Normalize()

	var errs Errors
	if d.Name == "" {
		errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "name", Reason: "required"})
	}
	if d.DatasourceID == "" {
		errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "datasource_id", Reason: "required"})
	}

	switch d.Type {
	case ToolQuery:
		if strings.TrimSpace(d.SQL) == "" {
			errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "sql", Reason: "required for query tools"})
		}
		if len(d.SQL) > MaxTemplateBytes {
			errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "sql", Reason: fmt.Sprintf("exceeds %d bytes", MaxTemplateBytes)})
		}
	case ToolHTTP:
		if d.HTTP == nil || strings.TrimSpace(d.HTTP.Endpoint) == "" {
			errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "http.endpoint", Reason: "required for http tools"})
		} else {
			if !d.HTTP.Method.Valid() {
				errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "http.method", Reason: fmt.Sprintf("unsupported method %q", d.HTTP.Method)})
			}
			if len(d.HTTP.Headers)+len(d.HTTP.Payload)+len(d.HTTP.Endpoint) > MaxTemplateBytes {
				errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "http", Reason: fmt.Sprintf("exceeds %d bytes", MaxTemplateBytes)})
			}
		}
	default:
		errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "type", Reason: fmt.Sprintf("unsupported tool type %q", d.Type)})
	}

	errs = append(errs, ValidateParameters(d.Parameters)...)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Validate reports every invariant violation without modifying d.
func (d ToolDefinition) Validate() error {
	c := d
	c.Parameters = append([]ToolParameter(nil), d.Parameters...)
	if d.HTTP != nil {
		h := *d.HTTP
		c.HTTP = &h
	}
	return c.NormalizeAndValidate()
}

// ValidateParameters checks a declared parameter list: names, uniqueness, and types.
func ValidateParameters(params []ToolParameter) Errors {
	var errs Errors
	if len(params) > MaxParameters {
		errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: "parameters", Reason: fmt.Sprintf("exceeds %d entries", MaxParameters)})
	}
	seen := make(map[string]bool, len(params))
	for i, p := range params {
		field := fmt.Sprintf("parameters[%d]", i)
		if !IsIdentifier(p.Name) {
			errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: field + ".name", Reason: fmt.Sprintf("invalid identifier %q", p.Name)})
		} else if seen[p.Name] {
			errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: field + ".name", Reason: fmt.Sprintf("duplicate parameter %q", p.Name)})
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			errs = append(errs, &ValidationError{Kind: KindInvalidDefinition, Field: field + ".type", Reason: fmt.Sprintf("unsupported type %q", p.Type)})
		}
	}
	return errs
}

// Parameter returns the declared parameter with the given name.
func (d *ToolDefinition) Parameter(name string) (ToolParameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ToolParameter{}, false
}

// AuthContext carries the caller's credentials to a datasource resolver.
type AuthContext struct {
	Principal string
	Token     string
}
