// Package catalog loads datasources and tool definitions from a file and
// serves them to the engine: it resolves datasources for the datasource
// manager and looks tools up by id or name.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"

	"github.com/dbmcp/toolengine/pkg/datasource"
	"github.com/dbmcp/toolengine/pkg/types"
)

// Format names a catalog file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// ErrForbidden is returned when the caller may not use a datasource.
var ErrForbidden = errors.New("datasource not permitted for caller")

// ErrToolNotFound is returned by Tool for an unknown reference.
var ErrToolNotFound = errors.New("tool not found")

// Catalog is immutable after Load and safe for concurrent use.
type Catalog struct {
	Datasources []datasource.Config     `json:"datasources" yaml:"datasources" toml:"datasources"`
	Tools       []types.ToolDefinition `json:"tools" yaml:"tools" toml:"tools"`

	byDatasource map[string]int
	byTool       map[string]int
}

// FormatOf picks the encoding from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("catalog: unsupported file extension %q", filepath.Ext(path))
	}
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog.Load: %w", err)
	}
	c, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("catalog.Load %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data in the given format, expands ${VAR} references in
// datasource credentials, and validates the result.
func Parse(data []byte, format Format) (*Catalog, error) {
	c := &Catalog{}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, c)
	case FormatTOML:
		_, err = toml.Decode(string(data), c)
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(c)
	default:
		return nil, fmt.Errorf("catalog: unknown format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	for i := range c.Datasources {
		expandEnv(&c.Datasources[i])
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

// expandEnv substitutes environment variables in the fields that usually
// carry secrets, so catalog files can be committed without them.
func expandEnv(cfg *datasource.Config) {
	cfg.Host = os.ExpandEnv(cfg.Host)
	cfg.Username = os.ExpandEnv(cfg.Username)
	cfg.Password = os.ExpandEnv(cfg.Password)
	cfg.ConnectionString = os.ExpandEnv(cfg.ConnectionString)
	cfg.BaseURL = os.ExpandEnv(cfg.BaseURL)
	for k, v := range cfg.Headers {
		cfg.Headers[k] = os.ExpandEnv(v)
	}
}

// index validates every entry and builds the lookup tables. All problems
// are reported together.
func (c *Catalog) index() error {
	var errs []error
	c.byDatasource = make(map[string]int, len(c.Datasources))
	for i := range c.Datasources {
		ds := &c.Datasources[i]
		if err := ds.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.byDatasource[ds.ID]; dup {
			errs = append(errs, fmt.Errorf("datasource %q: duplicate id", ds.ID))
			continue
		}
		c.byDatasource[ds.ID] = i
	}

	c.byTool = make(map[string]int, 2*len(c.Tools))
	names := make(map[string]int, len(c.Tools))
	for i := range c.Tools {
		tool := &c.Tools[i]
		if tool.ID == "" {
			tool.ID = tool.Name
		}
		if err := tool.NormalizeAndValidate(); err != nil {
			errs = append(errs, fmt.Errorf("tool %q: %w", tool.Name, err))
			continue
		}
		if _, ok := c.byDatasource[tool.DatasourceID]; !ok {
			errs = append(errs, fmt.Errorf("tool %q: unknown datasource %q", tool.Name, tool.DatasourceID))
			continue
		}
		if _, dup := c.byTool[tool.ID]; dup {
			errs = append(errs, fmt.Errorf("tool %q: duplicate id %q", tool.Name, tool.ID))
			continue
		}
		if _, dup := names[tool.Name]; dup {
			errs = append(errs, fmt.Errorf("tool %q: duplicate name", tool.Name))
			continue
		}
		names[tool.Name] = i
		c.byTool[tool.ID] = i
	}
	// Names are registered after ids so an id always wins over another
	// tool's name.
	for name, i := range names {
		if _, taken := c.byTool[name]; !taken {
			c.byTool[name] = i
		}
	}
	return errors.Join(errs...)
}

// Resolve implements datasource.Resolver.
func (c *Catalog) Resolve(_ context.Context, auth types.AuthContext, id string) (datasource.Config, error) {
	i, ok := c.byDatasource[id]
	if !ok {
		return datasource.Config{}, fmt.Errorf("%w: %q", datasource.ErrNotFound, id)
	}
	cfg := c.Datasources[i]
	if !cfg.Allows(auth) {
		return datasource.Config{}, fmt.Errorf("%w: %q", ErrForbidden, id)
	}
	return cfg, nil
}

// Tool returns a copy of the tool with the given id or name.
func (c *Catalog) Tool(ref string) (*types.ToolDefinition, error) {
	i, ok := c.byTool[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, ref)
	}
	tool := c.Tools[i]
	tool.Parameters = append([]types.ToolParameter(nil), tool.Parameters...)
	if tool.HTTP != nil {
		h := *tool.HTTP
		tool.HTTP = &h
	}
	return &tool, nil
}

// List returns the ids of all valid tools, sorted.
func (c *Catalog) List() []string {
	ids := make([]string, 0, len(c.Tools))
	for i := range c.Tools {
		if j, ok := c.byTool[c.Tools[i].ID]; ok && j == i {
			ids = append(ids, c.Tools[i].ID)
		}
	}
	sort.Strings(ids)
	return ids
}
