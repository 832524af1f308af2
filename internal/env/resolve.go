package env

import (
	"os"
)

// Resolve computes the final environment variable assignments for a
// command's directive list, applying each directive's precedence rule in
// order (directive order matters: a later default can reference a name
// resolved by an earlier directive).
//
//   - Inherited: the worker's own environment wins outright. Empty default ->
//     pass through the worker's value for Name if set, omitted otherwise.
//     Non-empty default -> substitute it against the accumulator and always
//     set it.
//   - Optional: the caller's value wins if sent. Otherwise, empty default ->
//     pass through the worker's environment (omitted if unset); non-empty
//     default -> substitute it.
//   - Required: the caller's value wins if sent; otherwise the default
//     (possibly empty) is substituted and always set.
//
// "Empty default" means the directive's raw Default text is "", exactly as
// Process.cxx keys its fallback on the configured default string being
// empty (not on a separate "no default was written" flag) -- a directive
// spelled "=NAME=" or "?NAME=" has an empty default just as much as a bare
// "=NAME" or "?NAME" does, and both fall back to the worker's environment.
//
// received holds only the variables the caller actually sent (Required and
// Optional directives the client decided to forward); processEnv is the
// worker's own process environment lookup, normally os.LookupEnv.
func Resolve(directives []Directive, received map[string]string, processEnv Lookup) []string {
	if processEnv == nil {
		processEnv = os.LookupEnv
	}

	type resolved struct {
		value string
		set   bool
	}
	values := make(map[string]resolved, len(directives))

	accumulator := func(name string) (string, bool) {
		if r, ok := values[name]; ok && r.set {
			return r.value, true
		}
		return processEnv(name)
	}

	order := make([]string, 0, len(directives))
	for _, d := range directives {
		if _, seen := values[d.Name]; !seen {
			order = append(order, d.Name)
		}

		switch d.Kind {
		case Inherited:
			if d.Default == "" {
				if v, ok := processEnv(d.Name); ok {
					values[d.Name] = resolved{value: v, set: true}
				} else {
					values[d.Name] = resolved{set: false}
				}
			} else {
				values[d.Name] = resolved{value: Substitute(d.Default, accumulator), set: true}
			}

		case Optional:
			if v, ok := received[d.Name]; ok {
				values[d.Name] = resolved{value: v, set: true}
			} else if d.Default == "" {
				if v, ok := processEnv(d.Name); ok {
					values[d.Name] = resolved{value: v, set: true}
				} else {
					values[d.Name] = resolved{set: false}
				}
			} else {
				values[d.Name] = resolved{value: Substitute(d.Default, accumulator), set: true}
			}

		default: // Required
			if v, ok := received[d.Name]; ok {
				values[d.Name] = resolved{value: v, set: true}
			} else {
				values[d.Name] = resolved{value: Substitute(d.Default, accumulator), set: true}
			}
		}
	}

	env := make([]string, 0, len(order))
	for _, name := range order {
		r := values[name]
		if r.set {
			env = append(env, name+"="+r.value)
		}
	}
	return env
}
