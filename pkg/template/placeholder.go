package template

import "regexp"

// placeholderRE matches {{ name }}. Whitespace inside the braces is ignored and
// braces cannot nest.
var placeholderRE = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

type placeholder struct {
	start, end int
	name       string
}

func scan(s string) []placeholder {
	idx := placeholderRE.FindAllStringSubmatchIndex(s, -1)
	out := make([]placeholder, 0, len(idx))
	for _, m := range idx {
		out = append(out, placeholder{start: m[0], end: m[1], name: s[m[2]:m[3]]})
	}
	return out
}

// Placeholders returns the distinct placeholder names in s in order of first use.
func Placeholders(s string) []string {
	var names []string
	seen := map[string]bool{}
	for _, p := range scan(s) {
		if !seen[p.name] {
			seen[p.name] = true
			names = append(names, p.name)
		}
	}
	return names
}
