package definition

import (
	"fmt"
	"strings"
)

// Render substitutes ${name} placeholders in template with values from vars.
// Dot paths resolve through nested maps the same way Evaluate does.
// Placeholders with no matching variable are left untouched so the invoker
// can see what was unresolved.
func Render(template string, vars map[string]any) string {
	if !strings.Contains(template, "${") {
		return template
	}

	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end += start

		b.WriteString(rest[:start])
		name := rest[start+2 : end]
		if v := lookup(name, vars); v != nil {
			fmt.Fprintf(&b, "%v", v)
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
}
