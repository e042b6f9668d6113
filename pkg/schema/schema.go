// Package schema renders a tool's parameter list as a JSON Schema so clients
// can build input forms or advertise the tool to MCP hosts.
package schema

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/dbmcp/toolengine/pkg/params"
	"github.com/dbmcp/toolengine/pkg/types"
)

// ForTool builds the input schema of tool. Parameters whose default does not
// coerce are emitted without a default.
func ForTool(tool *types.ToolDefinition) *jsonschema.Schema {
	properties := make(map[string]*jsonschema.Schema)
	var required, order []string

	for _, param := range tool.Parameters {
		properties[param.Name] = forParameter(param)
		order = append(order, param.Name)
		if param.Required {
			required = append(required, param.Name)
		}
	}

	inputSchema := &jsonschema.Schema{
		Type:          "object",
		Title:         tool.Name,
		Description:   tool.Description,
		Properties:    properties,
		PropertyOrder: order,
		// Unknown parameters are rejected at execution time.
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
	if len(required) > 0 {
		inputSchema.Required = required
	}
	return inputSchema
}

// datetimePattern matches the datetime forms params accepts: RFC 3339, or a
// local time without offset at minute or second precision.
const datetimePattern = `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?)?$`

func forParameter(param types.ToolParameter) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Description: param.Description,
	}

	switch param.Type {
	case types.ParamString:
		s.Type = "string"
	case types.ParamInteger:
		s.Type = "integer"
	case types.ParamFloat:
		s.Type = "number"
	case types.ParamBoolean:
		s.Type = "boolean"
	case types.ParamDate:
		s.Type = "string"
		s.Format = "date"
	case types.ParamDatetime:
		// Not format date-time: the UTC offset and seconds are optional.
		s.Type = "string"
		s.Pattern = datetimePattern
	case types.ParamArray:
		s.Type = "array"
		s.Items = &jsonschema.Schema{Type: "string"}
	case types.ParamObject:
		// Any JSON value is accepted.
	}

	if param.Default != nil && !param.Required {
		if def, ok := defaultJSON(param); ok {
			s.Default = def
		}
	}
	return s
}

func defaultJSON(param types.ToolParameter) (json.RawMessage, bool) {
	v, err := params.Coerce(param.Type, *param.Default)
	if err != nil {
		return nil, false
	}
	var native any = v.V
	if param.Type == types.ParamDate || param.Type == types.ParamDatetime {
		native = v.Text()
	}
	b, err := json.Marshal(native)
	if err != nil {
		return nil, false
	}
	return b, true
}
