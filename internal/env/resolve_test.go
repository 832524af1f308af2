package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S2: Required NAME, no default, caller sends NAME=hi.
func TestResolveRequiredUsesCallerValue(t *testing.T) {
	d, err := ParseToken("NAME")
	require.NoError(t, err)

	env := Resolve([]Directive{d}, map[string]string{"NAME": "hi"}, lookupFrom(nil))
	assert.Equal(t, []string{"NAME=hi"}, env)
}

// S3: Optional ?NAME=fallback, caller does not send NAME.
func TestResolveOptionalFallsBackToDefault(t *testing.T) {
	d, err := ParseToken("?NAME=fallback")
	require.NoError(t, err)

	env := Resolve([]Directive{d}, map[string]string{}, lookupFrom(nil))
	assert.Equal(t, []string{"NAME=fallback"}, env)
}

// S4: Inherited =NAME=prefix:${NAME}, worker has NAME=orig, caller sends NAME=ignored.
func TestResolveInheritedIgnoresCallerValue(t *testing.T) {
	d, err := ParseToken("=NAME=prefix:${NAME}")
	require.NoError(t, err)

	worker := lookupFrom(map[string]string{"NAME": "orig"})
	env := Resolve([]Directive{d}, map[string]string{"NAME": "ignored"}, worker)
	assert.Equal(t, []string{"NAME=prefix:orig"}, env)
}

func TestResolveRequiredWithNoValueAndNoDefaultIsEmpty(t *testing.T) {
	d, err := ParseToken("NAME")
	require.NoError(t, err)

	env := Resolve([]Directive{d}, map[string]string{}, lookupFrom(nil))
	assert.Equal(t, []string{"NAME="}, env)
}

func TestResolveOptionalWithNoDefaultPassesThroughWorkerEnv(t *testing.T) {
	d, err := ParseToken("?NAME")
	require.NoError(t, err)

	worker := lookupFrom(map[string]string{"NAME": "set-by-worker"})
	env := Resolve([]Directive{d}, map[string]string{}, worker)
	assert.Equal(t, []string{"NAME=set-by-worker"}, env)
}

func TestResolveOptionalWithNoDefaultOmittedWhenWorkerUnset(t *testing.T) {
	d, err := ParseToken("?NAME")
	require.NoError(t, err)

	env := Resolve([]Directive{d}, map[string]string{}, lookupFrom(nil))
	assert.Empty(t, env)
}

func TestResolveInheritedWithNoDefaultOmittedWhenWorkerUnset(t *testing.T) {
	d, err := ParseToken("=NAME")
	require.NoError(t, err)

	env := Resolve([]Directive{d}, map[string]string{"NAME": "ignored"}, lookupFrom(nil))
	assert.Empty(t, env)
}

// config can never write a bare "=NAME"/"?NAME" (ParseToken is only ever
// called on a token that matched findEqualsFromPos1's "has a '=' at index
// >= 1" rule); the config-reachable way to spell an empty default is
// "=NAME=" / "?NAME=", which must fall back to the worker's environment
// exactly like the no-default form above, not resolve to "".
func TestResolveOptionalWithEmptyDefaultPassesThroughWorkerEnv(t *testing.T) {
	d, err := ParseToken("?NAME=")
	require.NoError(t, err)
	require.True(t, d.HasDefault)
	require.Equal(t, "", d.Default)

	worker := lookupFrom(map[string]string{"NAME": "set-by-worker"})
	env := Resolve([]Directive{d}, map[string]string{}, worker)
	assert.Equal(t, []string{"NAME=set-by-worker"}, env)
}

func TestResolveOptionalWithEmptyDefaultOmittedWhenWorkerUnset(t *testing.T) {
	d, err := ParseToken("?NAME=")
	require.NoError(t, err)

	env := Resolve([]Directive{d}, map[string]string{}, lookupFrom(nil))
	assert.Empty(t, env)
}

func TestResolveInheritedWithEmptyDefaultPassesThroughWorkerEnv(t *testing.T) {
	d, err := ParseToken("=NAME=")
	require.NoError(t, err)
	require.True(t, d.HasDefault)
	require.Equal(t, "", d.Default)

	worker := lookupFrom(map[string]string{"NAME": "set-by-worker"})
	env := Resolve([]Directive{d}, map[string]string{"NAME": "ignored"}, worker)
	assert.Equal(t, []string{"NAME=set-by-worker"}, env)
}

func TestResolveInheritedWithEmptyDefaultOmittedWhenWorkerUnset(t *testing.T) {
	d, err := ParseToken("=NAME=")
	require.NoError(t, err)

	env := Resolve([]Directive{d}, map[string]string{"NAME": "ignored"}, lookupFrom(nil))
	assert.Empty(t, env)
}

func TestResolveLaterDirectiveDefaultReferencesEarlierDirective(t *testing.T) {
	first, err := ParseToken("BASE=root")
	require.NoError(t, err)
	second, err := ParseToken("DERIVED=${BASE}/sub")
	require.NoError(t, err)

	env := Resolve([]Directive{first, second}, map[string]string{}, lookupFrom(nil))
	assert.Equal(t, []string{"BASE=root", "DERIVED=root/sub"}, env)
}

func TestResolveEachNameAppearsAtMostOnce(t *testing.T) {
	first, err := ParseToken("NAME=first")
	require.NoError(t, err)
	second, err := ParseToken("NAME=second")
	require.NoError(t, err)

	env := Resolve([]Directive{first, second}, map[string]string{}, lookupFrom(nil))
	require.Len(t, env, 1)
	assert.Equal(t, "NAME=second", env[0])
}
