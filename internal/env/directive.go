// Package env resolves a command's environment directives (Required,
// Optional, Inherited) against the variables a client sent and the
// worker's own process environment, exactly as k8psh's original Process.cxx
// does. See Resolve for the precedence rules.
package env

import "fmt"

// Kind identifies how a directive resolves its value.
type Kind int

const (
	// Required directives expect the caller to send the named variable;
	// if it wasn't sent, the directive's default (possibly empty) is used.
	Required Kind = iota
	// Optional directives use the caller's value if sent, otherwise fall
	// back to the worker's own environment when no default is configured.
	Optional
	// Inherited directives always resolve from the worker's own
	// environment or default, ignoring anything the caller sent.
	Inherited
)

func (k Kind) String() string {
	switch k {
	case Required:
		return "Required"
	case Optional:
		return "Optional"
	case Inherited:
		return "Inherited"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Directive is one environment-variable rule attached to a command. Default
// is the raw (possibly still-templated, e.g. "prefix:${NAME}") default text;
// HasDefault distinguishes a configured-but-empty default from "no default
// was written at all", since both parse to an empty Default string.
type Directive struct {
	Kind       Kind
	Name       string
	Default    string
	HasDefault bool
}

// ParseToken parses one command-line environment token, e.g. "NAME",
// "?NAME", "=NAME", "NAME=value", "?NAME=value" or "=NAME=value". The
// prefix character (none, '?', '=') determines Kind; the first '=' at
// index 1 or later (consistent with the original parser, which searches
// for '=' starting at position 1 so a bare prefix character is never
// mistaken for the separator) splits name from default.
func ParseToken(token string) (Directive, error) {
	if token == "" {
		return Directive{}, fmt.Errorf("env: empty directive token")
	}

	kind := Required
	rest := token
	switch token[0] {
	case '?':
		kind = Optional
		rest = token[1:]
	case '=':
		kind = Inherited
		rest = token[1:]
	}
	if rest == "" {
		return Directive{}, fmt.Errorf("env: directive %q has no variable name", token)
	}

	for i := 1; i < len(rest); i++ {
		if rest[i] == '=' {
			return Directive{Kind: kind, Name: rest[:i], Default: rest[i+1:], HasDefault: true}, nil
		}
	}
	return Directive{Kind: kind, Name: rest, HasDefault: false}, nil
}
