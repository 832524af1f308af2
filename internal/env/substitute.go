package env

import (
	"strings"
)

// Lookup resolves a single variable name, reporting whether it has a value
// at all (an unset OS environment variable is "not present", not "present
// with empty value").
type Lookup func(name string) (value string, ok bool)

func isValidNameChar(c byte) bool {
	return c == '_' ||
		(c >= '0' && c <= '9') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z')
}

// Substitute expands ${NAME} and ${NAME:-default} references in in, looking
// up each NAME through lookup. A reference to an undefined variable with no
// default value substitutes is replaced with an empty string.
func Substitute(in string, lookup Lookup) string {
	var out strings.Builder
	out.Grow(len(in))

	i := 0
	for i < len(in) {
		dollar := strings.Index(in[i:], "${")
		if dollar < 0 {
			out.WriteString(in[i:])
			return out.String()
		}
		dollar += i
		out.WriteString(in[i:dollar])

		nameStart := dollar + 2
		j := nameStart
		for j < len(in) && isValidNameChar(in[j]) {
			j++
		}

		switch {
		case j < len(in) && in[j] == ':' && j+1 < len(in) && in[j+1] == '-':
			defaultStart := j + 2
			end := strings.IndexByte(in[defaultStart:], '}')
			if end < 0 {
				// Unterminated reference: copy the rest verbatim, matching
				// the original parser's behavior of giving up at this point.
				out.WriteString(in[dollar:])
				return out.String()
			}
			end += defaultStart
			name := in[nameStart:j]
			if value, ok := lookup(name); ok {
				out.WriteString(value)
			} else {
				out.WriteString(in[defaultStart:end])
			}
			i = end + 1

		case j < len(in) && in[j] == '}':
			name := in[nameStart:j]
			if value, ok := lookup(name); ok {
				out.WriteString(value)
			}
			i = j + 1

		default:
			// Not a well-formed reference (invalid name char or end of
			// string before '}'); emit "${" literally and resume just past it.
			out.WriteString(in[dollar:nameStart])
			i = nameStart
		}
	}
	return out.String()
}
