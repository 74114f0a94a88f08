package notify

import "regexp"

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes {key} placeholders from data. Unresolved placeholders
// stay in the output verbatim; a miss is never an error.
func Render(template string, data map[string]string) string {
	if template == "" {
		return ""
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := data[key]; ok {
			return v
		}
		return m
	})
}
