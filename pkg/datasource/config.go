// Package datasource resolves datasource ids into live connection pools and HTTP
// handles for the dispatcher.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/dbmcp/toolengine/pkg/template"
	"github.com/dbmcp/toolengine/pkg/types"
)

// ErrNotFound is returned by resolvers for an unknown datasource id.
var ErrNotFound = errors.New("datasource not found")

// Resolver returns the connection parameters of a datasource. Credential
// storage and decryption belong to the implementation.
type Resolver interface {
	Resolve(ctx context.Context, auth types.AuthContext, id string) (Config, error)
}

type Type string

const (
	TypePostgres Type = "postgresql"
	TypeMySQL    Type = "mysql"
	TypeSQLite   Type = "sqlite"
	TypeHTTP     Type = "http"
)

// ParseType accepts the canonical names plus common aliases.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgresql", "postgres", "pg":
		return TypePostgres, nil
	case "mysql", "mariadb":
		return TypeMySQL, nil
	case "sqlite", "sqlite3":
		return TypeSQLite, nil
	case "http", "https", "rest":
		return TypeHTTP, nil
	}
	return "", fmt.Errorf("unsupported datasource type %q", s)
}

// Config describes one datasource. ConnectionString, when set, takes
// precedence over the individual connection fields.
type Config struct {
	ID               string `json:"id" yaml:"id" toml:"id"`
	Name             string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Type             Type   `json:"type" yaml:"type" toml:"type"`
	Host             string `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	Port             int    `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`
	Database         string `json:"database,omitempty" yaml:"database,omitempty" toml:"database,omitempty"`
	Username         string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
	Password         string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty" toml:"connection_string,omitempty"`
	SSLMode          string `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty" toml:"ssl_mode,omitempty"`

	// Params are driver parameters appended to the generated DSN.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty" toml:"params,omitempty"`
	// BindStyle "named" switches sqlite to :name placeholders.
	BindStyle string `json:"bind_style,omitempty" yaml:"bind_style,omitempty" toml:"bind_style,omitempty"`

	BaseURL           string            `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	BlockPrivateHosts bool              `json:"block_private_hosts,omitempty" yaml:"block_private_hosts,omitempty" toml:"block_private_hosts,omitempty"`

	MaxConns int `json:"max_conns,omitempty" yaml:"max_conns,omitempty" toml:"max_conns,omitempty"`
	// AcquireRate limits connection acquisitions per second; 0 disables it.
	AcquireRate float64 `json:"acquire_rate,omitempty" yaml:"acquire_rate,omitempty" toml:"acquire_rate,omitempty"`

	// Principals, when non-empty, restricts resolution to these callers.
	Principals []string `json:"principals,omitempty" yaml:"principals,omitempty" toml:"principals,omitempty"`
}

// Validate normalizes the type and checks the fields that type requires.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("datasource: id is required")
	}
	t, err := ParseType(string(c.Type))
	if err != nil {
		return fmt.Errorf("datasource %q: %w", c.ID, err)
	}
	c.Type = t

	switch {
	case c.Type == TypeHTTP:
		if c.BaseURL == "" {
			return nil
		}
		if _, err := template.ResolveEndpoint(c.BaseURL, "", false); err != nil {
			return fmt.Errorf("datasource %q: base_url %w", c.ID, err)
		}
	case c.ConnectionString != "":
	case c.Type == TypeSQLite:
		if c.Database == "" {
			return fmt.Errorf("datasource %q: database path is required for sqlite", c.ID)
		}
	default:
		if c.Host == "" {
			return fmt.Errorf("datasource %q: host is required", c.ID)
		}
	}
	if c.BindStyle != "" && c.BindStyle != "named" && c.BindStyle != "positional" {
		return fmt.Errorf("datasource %q: unsupported bind_style %q", c.ID, c.BindStyle)
	}
	return nil
}

// Dialect is the placeholder form statements for this datasource must use.
func (c Config) Dialect() template.Dialect {
	switch c.Type {
	case TypePostgres:
		return template.Postgres
	case TypeMySQL:
		return template.MySQL
	case TypeSQLite:
		if c.BindStyle == "named" {
			return template.Named
		}
		return template.SQLite
	}
	return ""
}

// Allows reports whether auth may use this datasource.
func (c Config) Allows(auth types.AuthContext) bool {
	if len(c.Principals) == 0 {
		return true
	}
	for _, p := range c.Principals {
		if p == auth.Principal {
			return true
		}
	}
	return false
}

// DSN builds the driver connection string.
func (c Config) DSN() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}
	switch c.Type {
	case TypePostgres:
		return c.postgresDSN(), nil
	case TypeMySQL:
		return c.mysqlDSN(), nil
	case TypeSQLite:
		return c.sqliteDSN(), nil
	}
	return "", fmt.Errorf("datasource %q: no DSN for type %q", c.ID, c.Type)
}

func (c Config) postgresDSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	q := url.Values{}
	for k, v := range c.Params {
		q.Set(k, v)
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	q.Set("sslmode", sslmode)

	u := &url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:     c.Database,
		RawQuery: q.Encode(),
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

func (c Config) mysqlDSN() string {
	port := c.Port
	if port == 0 {
		port = 3306
	}
	mc := mysql.NewConfig()
	mc.User = c.Username
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
	mc.DBName = c.Database
	mc.ParseTime = true
	if len(c.Params) > 0 {
		mc.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			mc.Params[k] = v
		}
	}
	switch strings.ToLower(c.SSLMode) {
	case "", "disable", "disabled":
	case "prefer", "preferred":
		mc.TLSConfig = "preferred"
	case "require", "required":
		mc.TLSConfig = "skip-verify"
	default:
		mc.TLSConfig = "true"
	}
	return mc.FormatDSN()
}

func (c Config) sqliteDSN() string {
	if len(c.Params) == 0 {
		return c.Database
	}
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(c.Params[k]))
	}
	return c.Database + "?" + strings.Join(parts, "&")
}
