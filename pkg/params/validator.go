package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dbmcp/toolengine/pkg/types"
)

// coercer converts a raw string into the native value of one parameter type.
type coercer func(raw string) (any, error)

var coercers = map[types.ParameterType]coercer{
	types.ParamString:   coerceString,
	types.ParamInteger:  coerceInteger,
	types.ParamFloat:    coerceFloat,
	types.ParamBoolean:  coerceBoolean,
	types.ParamDate:     coerceDate,
	types.ParamDatetime: coerceDatetime,
	types.ParamArray:    coerceArray,
	types.ParamObject:   coerceObject,
}

// ValidateDefinition checks a declared parameter list on its own: names,
// uniqueness, types, and that defaults coerce to their declared type.
func ValidateDefinition(parameters []types.ToolParameter) types.Errors {
	errs := types.ValidateParameters(parameters)
	for i, p := range parameters {
		if p.Default == nil || !p.Type.Valid() {
			continue
		}
		if _, err := Coerce(p.Type, *p.Default); err != nil {
			errs = append(errs, &types.ValidationError{
				Kind:   types.KindInvalidDefinition,
				Field:  fmt.Sprintf("parameters[%d].default", i),
				Reason: err.Error(),
			})
		}
	}
	return errs
}

// Coerce converts one raw string into a Value of type t.
func Coerce(t types.ParameterType, raw string) (Value, error) {
	c, ok := coercers[t]
	if !ok {
		return Value{}, fmt.Errorf("unsupported type %q", t)
	}
	v, err := c(raw)
	if err != nil {
		return Value{}, err
	}
	return Value{Type: t, V: v}, nil
}

// ValidateAndCoerce checks values against the declared parameters and returns
// the coerced value map. Validation is exhaustive: every parameter is checked
// and all problems are returned together. On failure the returned Values is nil.
func ValidateAndCoerce(parameters []types.ToolParameter, values map[string]string) (Values, types.Errors) {
	var errs types.Errors

	declared := make(map[string]bool, len(parameters))
	for _, p := range parameters {
		declared[p.Name] = true
	}

	unknown := make([]string, 0)
	for name := range values {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, &types.ValidationError{
			Kind:   types.KindUnknownParameter,
			Field:  name,
			Reason: "is not a declared parameter",
		})
	}

	out := make(Values, len(parameters))
	for _, p := range parameters {
		coerce, ok := coercers[p.Type]
		if !ok {
			errs = append(errs, &types.ValidationError{
				Kind:   types.KindInvalidDefinition,
				Field:  p.Name,
				Reason: fmt.Sprintf("unsupported type %q", p.Type),
			})
			continue
		}

		raw, supplied := values[p.Name]
		if supplied && raw == "" {
			supplied = false
		}

		switch {
		case supplied:
		case p.Required:
			errs = append(errs, &types.ValidationError{
				Kind:   types.KindMissingRequired,
				Field:  p.Name,
				Reason: "is required",
			})
			continue
		case p.Default != nil:
			raw = *p.Default
		case p.Type == types.ParamArray:
			out[p.Name] = Value{Type: p.Type, V: []string{}}
			continue
		default:
			out[p.Name] = Value{Type: p.Type, Null: true}
			continue
		}

		v, err := coerce(raw)
		if err != nil {
			reason := err.Error()
			if !supplied {
				reason = "default " + reason
			}
			errs = append(errs, &types.ValidationError{
				Kind:   types.KindTypeMismatch,
				Field:  p.Name,
				Reason: reason,
			})
			continue
		}
		if arr, ok := v.([]string); ok && len(arr) == 0 && p.Required {
			errs = append(errs, &types.ValidationError{
				Kind:   types.KindMissingRequired,
				Field:  p.Name,
				Reason: "is required",
			})
			continue
		}
		out[p.Name] = Value{Type: p.Type, V: v}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Coercers, one per parameter type
// ──────────────────────────────────────────────────────────────────────────────

func coerceString(raw string) (any, error) {
	return raw, nil
}

func coerceInteger(raw string) (any, error) {
	s := strings.TrimSpace(raw)
	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return nil, fmt.Errorf("%q is out of range", raw)
	}
	if _, ferr := strconv.ParseFloat(s, 64); ferr == nil {
		return nil, fmt.Errorf("%q is not a whole number", raw)
	}
	return nil, fmt.Errorf("%q is not an integer", raw)
}

func coerceFloat(raw string) (any, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("%q is not a number", raw)
	}
	return f, nil
}

func coerceBoolean(raw string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return nil, fmt.Errorf("%q is not true or false", raw)
}

func coerceDate(raw string) (any, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%q is not an ISO-8601 date (YYYY-MM-DD)", raw)
	}
	return t, nil
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

func coerceDatetime(raw string) (any, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%q is not an ISO-8601 timestamp", raw)
}

func coerceArray(raw string) (any, error) {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func coerceObject(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("is not valid JSON: %v", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("is not valid JSON: trailing data")
	}
	return v, nil
}
