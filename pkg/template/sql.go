package template

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dbmcp/toolengine/pkg/params"
	"github.com/dbmcp/toolengine/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// SQL lexing
// ──────────────────────────────────────────────────────────────────────────────

type segmentKind int

const (
	segCode segmentKind = iota
	segString
	segIdent
	segComment
)

type segment struct {
	kind segmentKind
	text string
}

// splitSQL cuts s into code, quoted strings, quoted identifiers, and comments
// so placeholders can be bound according to where they appear. ok is false when
// a quote or block comment is never closed. On MySQL a backslash escapes the
// next character inside '...' and "...".
func splitSQL(s string, dialect Dialect) (segs []segment, ok bool) {
	ok = true
	start := 0
	emit := func(end int, kind segmentKind) {
		if end > start {
			segs = append(segs, segment{kind: kind, text: s[start:end]})
		}
		start = end
	}

	for i := 0; i < len(s); {
		switch {
		case s[i] == '\'':
			emit(i, segCode)
			j, closed := closeQuote(s, i, dialect == MySQL)
			ok = ok && closed
			emit(j, segString)
			i = j
		case s[i] == '"' || s[i] == '`':
			emit(i, segCode)
			j, closed := closeQuote(s, i, dialect == MySQL && s[i] == '"')
			ok = ok && closed
			emit(j, segIdent)
			i = j
		case strings.HasPrefix(s[i:], "--"):
			emit(i, segCode)
			j := strings.IndexByte(s[i:], '\n')
			if j < 0 {
				j = len(s)
			} else {
				j += i
			}
			emit(j, segComment)
			i = j
		case strings.HasPrefix(s[i:], "/*"):
			emit(i, segCode)
			j := strings.Index(s[i+2:], "*/")
			if j < 0 {
				ok = false
				j = len(s)
			} else {
				j += i + 4
			}
			emit(j, segComment)
			i = j
		default:
			i++
		}
	}
	emit(len(s), segCode)
	return segs, ok
}

// closeQuote returns the index just past the quote that closes the one at i.
// A doubled quote character is an escaped quote, as is a backslash-quoted one
// when backslash is set.
func closeQuote(s string, i int, backslash bool) (int, bool) {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		if backslash && s[j] == '\\' {
			j++
			continue
		}
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j + 1, true
	}
	return len(s), false
}

// ──────────────────────────────────────────────────────────────────────────────
// Parameterized rewrite
// ──────────────────────────────────────────────────────────────────────────────

type sqlWriter struct {
	dialect Dialect
	args    []any
	names   []string
	index   map[string]int
}

// marker appends arg for name, or reuses a previous slot where the dialect
// allows it, and returns the bind marker to place in the SQL text.
func (w *sqlWriter) marker(name, slot string, arg any) string {
	switch w.dialect {
	case Postgres:
		if i, ok := w.index[slot]; ok {
			return "$" + strconv.Itoa(i)
		}
		w.args = append(w.args, arg)
		w.names = append(w.names, name)
		w.index[slot] = len(w.args)
		return "$" + strconv.Itoa(len(w.args))
	case Named:
		if _, ok := w.index[slot]; !ok {
			w.args = append(w.args, sql.Named(slot, arg))
			w.names = append(w.names, name)
			w.index[slot] = len(w.args)
		}
		return ":" + slot
	default:
		w.args = append(w.args, arg)
		w.names = append(w.names, name)
		return "?"
	}
}

// sqlArg converts a coerced value into a driver argument. Arrays are native on
// postgres and JSON text elsewhere; objects are always JSON text.
func sqlArg(v params.Value, d Dialect) any {
	if v.Null {
		return nil
	}
	switch v.Type {
	case types.ParamArray:
		items, _ := v.V.([]string)
		if d == Postgres {
			return append([]string{}, items...)
		}
		b, _ := json.Marshal(items)
		return string(b)
	case types.ParamObject:
		s, err := v.JSON()
		if err != nil {
			return nil
		}
		return s
	default:
		return v.V
	}
}

func (b *binder) bindSQL(out *BoundStatement, text string, opts Options) {
	segs, closed := splitSQL(text, opts.Dialect)
	if !closed {
		b.fail(types.KindMalformedTemplate, "sql", "unterminated quoted string or comment")
	}

	w := &sqlWriter{dialect: opts.Dialect, index: map[string]int{}}
	var sb strings.Builder
	for _, seg := range segs {
		switch seg.kind {
		case segCode:
			last := 0
			for _, p := range scan(seg.text) {
				sb.WriteString(seg.text[last:p.start])
				last = p.end
				v, ok := b.lookup(p.name, "sql")
				if !ok {
					continue
				}
				b.used[p.name] = true
				sb.WriteString(w.marker(p.name, "p_"+p.name, sqlArg(v, opts.Dialect)))
			}
			sb.WriteString(seg.text[last:])
		case segString:
			sb.WriteString(b.bindLiteral(w, seg.text))
		case segIdent:
			if phs := scan(seg.text); len(phs) > 0 {
				b.fail(types.KindMalformedTemplate, "sql", fmt.Sprintf("placeholder {{ %s }} inside a quoted identifier cannot be bound", phs[0].name))
			}
			sb.WriteString(seg.text)
		case segComment:
			// Comments are kept verbatim, but their placeholders must still resolve.
			for _, p := range scan(seg.text) {
				b.lookup(p.name, "sql")
			}
			sb.WriteString(seg.text)
		}
	}

	stmt := trimStatement(sb.String())
	out.Dialect = opts.Dialect
	out.SQL = stmt
	out.Args = w.args
	out.ArgNames = w.names

	if opts.Page == nil {
		return
	}
	page := *opts.Page
	if page.Page < 1 {
		b.fail(types.KindMalformedTemplate, "page", "must be at least 1")
	}
	if page.PageSize < 1 || page.PageSize > MaxPageSize {
		b.fail(types.KindMalformedTemplate, "page_size", fmt.Sprintf("must be between 1 and %d", MaxPageSize))
	} else if page.Page > 1 && page.Page-1 > math.MaxInt/page.PageSize {
		b.fail(types.KindMalformedTemplate, "page", "is too large: row offset overflows")
	}

	n := len(w.args)
	out.CountSQL = "SELECT COUNT(*) AS total FROM (\n" + stmt + "\n) AS count_query"
	out.CountArgs = append([]any(nil), w.args[:n]...)

	limit := w.marker("page_size", "page_limit", int64(page.PageSize))
	offset := w.marker("page_offset", "page_offset", int64(page.Offset()))
	out.SQL = "SELECT * FROM (\n" + stmt + "\n) AS paged_query LIMIT " + limit + " OFFSET " + offset
	out.Args = w.args
	out.ArgNames = w.names
	out.Page = &page
}

// bindLiteral rewrites a quoted string containing placeholders into a
// concatenation of literal pieces and bind markers, so the surrounding text is
// kept while the values still travel as arguments.
func (b *binder) bindLiteral(w *sqlWriter, quoted string) string {
	inner := quoted[1:]
	if len(quoted) >= 2 && strings.HasSuffix(quoted, "'") {
		inner = quoted[1 : len(quoted)-1]
	}
	phs := scan(inner)
	if len(phs) == 0 {
		return quoted
	}

	var parts []string
	last := 0
	for _, p := range phs {
		piece := inner[last:p.start]
		if w.dialect == MySQL && oddTrailingBackslashes(piece) {
			b.fail(types.KindMalformedTemplate, "sql", fmt.Sprintf("backslash before placeholder {{ %s }} in a string literal", p.name))
		}
		if piece != "" {
			parts = append(parts, "'"+piece+"'")
		}
		last = p.end
		v, ok := b.lookup(p.name, "sql")
		if !ok {
			continue
		}
		b.used[p.name] = true
		parts = append(parts, w.marker(p.name, "t_"+p.name, v.Text()))
	}
	if piece := inner[last:]; piece != "" {
		parts = append(parts, "'"+piece+"'")
	}

	switch {
	case len(parts) == 0:
		return "''"
	case len(parts) == 1:
		return parts[0]
	case w.dialect == MySQL:
		return "CONCAT(" + strings.Join(parts, ", ") + ")"
	case w.dialect == Postgres:
		for i, p := range parts {
			if strings.HasPrefix(p, "$") {
				parts[i] = p + "::text"
			}
		}
		fallthrough
	default:
		return "(" + strings.Join(parts, " || ") + ")"
	}
}

func oddTrailingBackslashes(s string) bool {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

func trimStatement(s string) string {
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}
