package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/dbmcp/toolengine/pkg/params"
	"github.com/dbmcp/toolengine/pkg/types"
)

// Header is one request header. Headers keep template order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BoundRequest is a fully substituted HTTP request.
type BoundRequest struct {
	Method  string          `json:"method"`
	URL     string          `json:"url"`
	Headers []Header        `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Header returns the value of the named header, matched case-insensitively.
func (r *BoundRequest) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func (b *binder) bindHTTP(h *types.HTTPTemplate, opts Options) *BoundRequest {
	req := &BoundRequest{Method: string(h.Method)}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	endpoint := b.substitute("http.endpoint", h.Endpoint, substURL)
	if u, err := ResolveEndpoint(endpoint, opts.BaseURL, opts.BlockPrivateHosts); err != nil {
		b.fail(types.KindMalformedTemplate, "http.endpoint", err.Error())
	} else {
		req.URL = u
	}

	req.Headers = defaultHeaders(opts.DefaultHeaders)
	if strings.TrimSpace(h.Headers) != "" {
		text := b.substitute("http.headers", h.Headers, substJSON)
		toolHeaders, err := parseHeaders(text)
		if err != nil {
			b.fail(types.KindMalformedTemplate, "http.headers", err.Error())
		}
		req.Headers = mergeHeaders(req.Headers, toolHeaders)
	}

	if strings.TrimSpace(h.Payload) != "" {
		text := b.substitute("http.payload", h.Payload, substJSON)
		if !json.Valid([]byte(text)) {
			b.fail(types.KindMalformedTemplate, "http.payload", "is not valid JSON after substitution")
		} else {
			req.Body = json.RawMessage(text)
		}
		if _, ok := req.Header("Content-Type"); !ok {
			req.Headers = append(req.Headers, Header{Name: "Content-Type", Value: "application/json"})
		}
	}
	return req
}

// Contexts a placeholder can be substituted into.
const (
	substJSON = iota
	substURL
)

// substitute replaces placeholders in s with their values, encoded for where
// they land. In JSON text a value inside a string literal is escaped, and a
// value outside one is written as a JSON token, so it cannot add keys. In a URL
// a value is path-escaped, or query-escaped after '?'; a value that starts the
// URL is left as is.
func (b *binder) substitute(where, s string, mode int) string {
	var out strings.Builder
	var st jsonScanState
	last := 0
	for _, p := range scan(s) {
		seg := s[last:p.start]
		st.advance(seg)
		out.WriteString(seg)
		last = p.end

		v, ok := b.lookup(p.name, where)
		if !ok {
			continue
		}
		b.used[p.name] = true
		switch mode {
		case substURL:
			out.WriteString(urlText(out.String(), v))
		default:
			if st.inString {
				out.WriteString(escapeJSONString(v.Text()))
			} else {
				out.WriteString(jsonToken(v))
			}
		}
	}
	out.WriteString(s[last:])
	return out.String()
}

// jsonToken renders v as a standalone JSON value. Numbers, booleans and
// objects keep their text form; strings, dates and arrays are JSON-encoded.
func jsonToken(v params.Value) string {
	if v.Null {
		return "null"
	}
	switch v.Type {
	case types.ParamString, types.ParamDate, types.ParamDatetime:
		return `"` + escapeJSONString(v.Text()) + `"`
	case types.ParamArray:
		if text, err := v.JSON(); err == nil {
			return text
		}
	}
	return v.Text()
}

func urlText(prefix string, v params.Value) string {
	text := v.Text()
	switch {
	case strings.TrimSpace(prefix) == "":
		return text
	case strings.ContainsAny(prefix, "?#"):
		return url.QueryEscape(text)
	default:
		return url.PathEscape(text)
	}
}

// jsonScanState tracks whether a position in JSON text is inside a string.
type jsonScanState struct {
	inString bool
	escaped  bool
}

func (st *jsonScanState) advance(s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case !st.inString:
			st.inString = c == '"'
		case st.escaped:
			st.escaped = false
		case c == '\\':
			st.escaped = true
		case c == '"':
			st.inString = false
		}
	}
}

func escapeJSONString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return ""
	}
	quoted := bytes.TrimSpace(buf.Bytes())
	return string(quoted[1 : len(quoted)-1])
}

// parseHeaders decodes a substituted headers document: a JSON object whose
// values are scalars.
func parseHeaders(text string) ([]Header, error) {
	doc, err := types.DecodeOrdered([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("is not valid JSON after substitution: %v", err)
	}
	rec, ok := doc.(types.Record)
	if !ok {
		return nil, fmt.Errorf("must be a JSON object")
	}

	out := make([]Header, 0, len(rec))
	for _, f := range rec {
		var value string
		switch x := f.Value.(type) {
		case nil:
			continue
		case string:
			value = x
		case json.Number:
			value = x.String()
		case bool:
			value = strconv.FormatBool(x)
		default:
			return nil, fmt.Errorf("header %q must be a string, number, or boolean", f.Key)
		}
		if !validHeaderName(f.Key) {
			return nil, fmt.Errorf("invalid header name %q", f.Key)
		}
		if strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("header %q contains a line break", f.Key)
		}
		out = append(out, Header{Name: f.Key, Value: value})
	}
	return out, nil
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return true
}

func defaultHeaders(m map[string]string) []Header {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]Header, 0, len(names))
	for _, k := range names {
		out = append(out, Header{Name: k, Value: m[k]})
	}
	return out
}

// mergeHeaders overlays override onto base, replacing same-named entries in place.
func mergeHeaders(base, override []Header) []Header {
	for _, h := range override {
		replaced := false
		for i := range base {
			if strings.EqualFold(base[i].Name, h.Name) {
				base[i].Value = h.Value
				replaced = true
				break
			}
		}
		if !replaced {
			base = append(base, h)
		}
	}
	return base
}

// ──────────────────────────────────────────────────────────────────────────────
// Endpoint resolution
// ──────────────────────────────────────────────────────────────────────────────

// ResolveEndpoint turns a substituted endpoint into an absolute http(s) URL.
// Relative endpoints are joined to baseURL. With blockPrivate set, literal
// loopback, private, and link-local addresses are refused.
func ResolveEndpoint(endpoint, baseURL string, blockPrivate bool) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("is empty after substitution")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if !u.IsAbs() {
		if baseURL == "" {
			return "", fmt.Errorf("relative endpoint %q requires a datasource base URL", endpoint)
		}
		joined := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
		if u, err = url.Parse(joined); err != nil {
			return "", fmt.Errorf("invalid URL: %w", err)
		}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("only http and https schemes allowed, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("empty hostname")
	}
	if blockPrivate {
		if strings.EqualFold(host, "localhost") {
			return "", fmt.Errorf("private/loopback host not allowed: %s", host)
		}
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
				return "", fmt.Errorf("private/loopback IP not allowed: %s", ip)
			}
		}
	}
	return u.String(), nil
}
