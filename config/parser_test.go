package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k8psh/k8psh/internal/env"
)

func TestLoadBasicHostAndCommand(t *testing.T) {
	data := []byte(`
[worker1:2000]
echo /bin/echo
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)

	cmd, ok := cfg.Commands["echo"]
	require.True(t, ok)
	assert.Equal(t, []string{"/bin/echo"}, cmd.Executable)
	assert.Equal(t, "worker1", cmd.Host.Hostname)
	assert.EqualValues(t, 2000, cmd.Host.Port)
}

func TestLoadAssignsIncrementingDefaultPorts(t *testing.T) {
	data := []byte(`
[worker1]
a
[worker2]
b
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)

	assert.EqualValues(t, DefaultStartingPort, cfg.Commands["a"].Host.Port)
	assert.EqualValues(t, DefaultStartingPort+1, cfg.Commands["b"].Host.Port)
}

func TestLoadCommandDefaultsExecutableToName(t *testing.T) {
	data := []byte(`
[worker1:2000]
ls
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, []string{"ls"}, cfg.Commands["ls"].Executable)
}

func TestLoadParsesEnvironmentDirectives(t *testing.T) {
	// Env directive tokens must precede the executable tokens: once the
	// first token that isn't directive-shaped (no "=" at index >= 1)
	// appears, every later token is treated as an executable argument
	// unconditionally, regardless of its own shape (Configuration.cxx's
	// "!_executable.empty() || ... == npos" rule, carried over exactly).
	// A Required directive with an empty default must be spelled "NAME="
	// to contain the "=" this rule looks for.
	data := []byte(`
[worker1:2000]
build NAME= ?OPT=fallback '=INHERITED=prefix:${INHERITED}' /usr/bin/make
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)

	cmd := cfg.Commands["build"]
	assert.Equal(t, []string{"/usr/bin/make"}, cmd.Executable)
	require.Len(t, cmd.Env, 3)
	assert.Equal(t, env.Directive{Kind: env.Required, Name: "NAME", HasDefault: true}, cmd.Env[0])
	assert.Equal(t, env.Directive{Kind: env.Optional, Name: "OPT", Default: "fallback", HasDefault: true}, cmd.Env[1])
	assert.Equal(t, env.Directive{Kind: env.Inherited, Name: "INHERITED", Default: "prefix:${INHERITED}", HasDefault: true}, cmd.Env[2])
}

// TestLoadBareDirectivePrefixFallsThroughToExecutable documents the
// config-format quirk above directly: a prefixed-but-"="-less token
// ("?NAME", "=NAME") is not recognized as a directive by the config
// reader and is passed through as a literal executable argument instead.
func TestLoadBareDirectivePrefixFallsThroughToExecutable(t *testing.T) {
	data := []byte(`
[worker1:2000]
build ?NAME /usr/bin/make
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)

	cmd := cfg.Commands["build"]
	assert.Equal(t, []string{"?NAME", "/usr/bin/make"}, cmd.Executable)
	assert.Empty(t, cmd.Env)
}

func TestLoadHostOptionsAreCarried(t *testing.T) {
	data := []byte(`
[worker1:2000 gpu fast]
a
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu", "fast"}, cfg.Commands["a"].Host.Options)
}

func TestLoadDoubleQuotedStringSubstitutesAtLoadTime(t *testing.T) {
	t.Setenv("GREETING", "hi")
	data := []byte(`
[worker1:2000]
a /bin/echo "${GREETING}, world"
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/echo", "hi, world"}, cfg.Commands["a"].Executable)
}

func TestLoadSingleQuotedStringDefersSubstitution(t *testing.T) {
	t.Setenv("GREETING", "hi")
	data := []byte(`
[worker1:2000]
a /bin/echo '${GREETING}, world'
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/echo", "${GREETING}, world"}, cfg.Commands["a"].Executable)
}

func TestLoadDoubleQuotedBackslashEscapes(t *testing.T) {
	data := []byte(`
[worker1:2000]
a /bin/echo "line1\nline2\tend"
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/echo", "line1\nline2\tend"}, cfg.Commands["a"].Executable)
}

func TestLoadBaseDirectoryPreamble(t *testing.T) {
	data := []byte(`
baseDirectory = /srv/app
connectTimeoutMs = 2500

[worker1:2000]
a
`)
	cfg, err := Load(data, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "/srv/app", cfg.BaseDirectory)
	assert.Equal(t, 2500, cfg.ConnectTimeoutMs)
}

func TestLoadRejectsCommandBeforeHostSection(t *testing.T) {
	data := []byte("a /bin/echo\n")
	_, err := Load(data, "/tmp")
	assert.Error(t, err)
}

func TestLoadRejectsUnrecognizedPreambleKey(t *testing.T) {
	data := []byte("bogusKey = 1\n[worker1:2000]\na\n")
	_, err := Load(data, "/tmp")
	assert.Error(t, err)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	data := []byte("[worker1:notaport]\na\n")
	_, err := Load(data, "/tmp")
	assert.Error(t, err)
}
