package rules

import "strings"

// Interpolate replaces {field} placeholders with resolved snapshot values.
// Unknown placeholders and unbalanced braces are left as written.
func Interpolate(template string, values map[string]Value) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += open

		b.WriteString(rest[:open])
		name := strings.TrimSpace(rest[open+1 : end])
		if v, ok := values[name]; ok {
			b.WriteString(v.String())
		} else {
			b.WriteString(rest[open : end+1])
		}
		rest = rest[end+1:]
	}
	return b.String()
}

// Placeholders returns the field names referenced by {field} placeholders
// in template, in order of appearance, without duplicates.
func Placeholders(template string) []string {
	var names []string
	seen := make(map[string]bool)
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return names
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return names
		}
		end += open

		name := strings.TrimSpace(rest[open+1 : end])
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		rest = rest[end+1:]
	}
}
