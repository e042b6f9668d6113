// Package params validates raw parameter input against a tool's declared schema and
// coerces it into native Go values.
package params

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dbmcp/toolengine/pkg/types"
)

// Value is a coerced parameter value tagged with its declared type.
//
// The dynamic type of V depends on Type: string (string), int64 (integer),
// float64 (float), bool (boolean), time.Time (date, datetime), []string (array),
// any decoded JSON (object). Null is set for an optional parameter that
// received neither a value nor a default.
type Value struct {
	Type types.ParameterType
	V    any
	Null bool
}

// Values maps parameter names to coerced values.
type Values map[string]Value

// Text renders v for textual substitution: arrays join with ",", objects
// serialize to JSON, booleans render true/false, dates render ISO-8601.
func (v Value) Text() string {
	if v.Null {
		return ""
	}
	switch x := v.V.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if v.Type == types.ParamDate {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339Nano)
	case []string:
		return strings.Join(x, ",")
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// JSON returns the JSON text form of v, used for object and array binds on
// dialects without a native type for them.
func (v Value) JSON() (string, error) {
	if v.Null {
		return "null", nil
	}
	b, err := json.Marshal(v.V)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
