package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/k8psh/k8psh/internal/env"
)

// isWhitespace matches the original reader's definition: tab (9) through
// CR (13) inclusive, plus the literal space.
func isWhitespace(b byte) bool {
	return (b >= 9 && b <= 13) || b == ' '
}

func isNonNewlineWhitespace(b byte) bool {
	return b == '\t' || b == ' '
}

// getRestOfLine returns the text from offset up to (not including) the
// next CR/LF/EOF, for error messages.
func getRestOfLine(data []byte, offset int) string {
	i := offset
	for i < len(data) && data[i] != '\r' && data[i] != '\n' {
		i++
	}
	return string(data[offset:i])
}

func parseHexDigit(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("config: invalid hex character %q", b)
	}
}

// scanQuoted reads the body of a quoted string starting at the opening
// quote character and returns the literal bytes plus the offset just past
// the closing quote. A doubled quote ("" or '') inside the body is an
// escaped literal quote, matching Configuration.cxx's parseString. Double
// quotes additionally support backslash escapes; single quotes never
// process backslashes, so their body (typically a deferred "${NAME}"
// reference) survives to be substituted at session time instead of
// config-load time.
func scanQuoted(data []byte, offset int, quote byte, allowEscapes bool) ([]byte, int, error) {
	start := offset
	offset++ // skip opening quote
	var value []byte

	for {
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("config: unterminated quoted string: %s", getRestOfLine(data, start))
		}
		c := data[offset]

		if c == quote {
			if offset+1 < len(data) && data[offset+1] == quote {
				value = append(value, quote)
				offset += 2
				continue
			}
			offset++
			return value, offset, nil
		}

		if allowEscapes && c == '\\' {
			offset++
			if offset >= len(data) {
				return nil, 0, fmt.Errorf("config: unterminated quoted string: %s", getRestOfLine(data, start))
			}
			switch data[offset] {
			case '"':
				value = append(value, '"')
			case '\\':
				value = append(value, '\\')
			case '\'':
				value = append(value, '\'')
			case 'b':
				value = append(value, '\b')
			case 't':
				value = append(value, '\t')
			case 'n':
				value = append(value, '\n')
			case 'f':
				value = append(value, '\f')
			case 'r':
				value = append(value, '\r')
			case '0':
				value = append(value, 0)
			case 'x':
				if offset+2 >= len(data) {
					return nil, 0, fmt.Errorf("config: truncated hex escape: %s", getRestOfLine(data, start))
				}
				hi, err := parseHexDigit(data[offset+1])
				if err != nil {
					return nil, 0, err
				}
				lo, err := parseHexDigit(data[offset+2])
				if err != nil {
					return nil, 0, err
				}
				value = append(value, hi<<4|lo)
				offset += 2
			default:
				return nil, 0, fmt.Errorf("config: unrecognized escape sequence \\%c in %s", data[offset], getRestOfLine(data, start))
			}
			offset++
			continue
		}

		value = append(value, c)
		offset++
	}
}

// parseString reads one whitespace/comment/terminator-delimited token,
// expanding ${NAME}/${NAME:-default} references immediately in unquoted
// and double-quoted text, but leaving single-quoted text untouched (it's
// substituted later, at session time, by internal/env).
func parseString(data []byte, offset int, terminator byte) (string, int, error) {
	var value []byte
	substituteStart := 0

	for offset < len(data) {
		c := data[offset]
		if isWhitespace(c) || c == '#' || (terminator != 0 && c == terminator) {
			break
		}

		switch c {
		case '\'':
			seg := env.Substitute(string(value[substituteStart:]), lookupOSEnv)
			value = append(value[:substituteStart], []byte(seg)...)

			quoted, newOffset, err := scanQuoted(data, offset, '\'', false)
			if err != nil {
				return "", 0, err
			}
			value = append(value, quoted...)
			offset = newOffset
			substituteStart = len(value)

		case '"':
			quoted, newOffset, err := scanQuoted(data, offset, '"', true)
			if err != nil {
				return "", 0, err
			}
			value = append(value, quoted...)
			offset = newOffset

		default:
			value = append(value, c)
			offset++
		}
	}

	seg := env.Substitute(string(value[substituteStart:]), lookupOSEnv)
	value = append(value[:substituteStart], []byte(seg)...)
	return string(value), offset, nil
}

func lookupOSEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}

func skipComment(data []byte, offset int) int {
	for offset < len(data) && data[offset] != '\n' {
		offset++
	}
	return offset
}

func skipWhitespace(data []byte, offset int) int {
	for offset < len(data) && isWhitespace(data[offset]) {
		offset++
	}
	return offset
}

func skipNonNewlineWhitespace(data []byte, offset int) int {
	for offset < len(data) && isNonNewlineWhitespace(data[offset]) {
		offset++
	}
	return offset
}

// ensureRestOfLineEmpty validates that only whitespace or a comment
// remains before the next newline (or EOF), returning the offset of that
// newline/EOF.
func ensureRestOfLineEmpty(data []byte, offset int) (int, error) {
	offset = skipNonNewlineWhitespace(data, offset)

	if offset < len(data) && data[offset] == '#' {
		return skipComment(data, offset+1), nil
	}

	for offset < len(data) && data[offset] != '\n' {
		if !isWhitespace(data[offset]) {
			return 0, fmt.Errorf("config: expecting end of line, but found %q", getRestOfLine(data, offset))
		}
		offset++
	}
	return offset, nil
}

// getConfigurationValue reads a "key = value" pair from the client
// preamble. If no "=" is found, value is empty and the key alone is
// returned (the caller's ensureRestOfLineEmpty call will reject anything
// unexpected that remains).
func getConfigurationValue(data []byte, offset int) (key, value string, newOffset int, err error) {
	key, offset, err = parseString(data, offset, '=')
	if err != nil {
		return "", "", 0, err
	}

	foundEquals := false
	for offset < len(data) && (data[offset] == '\t' || data[offset] == ' ' || (!foundEquals && data[offset] == '=')) {
		if data[offset] == '=' {
			foundEquals = true
		}
		offset++
	}
	if !foundEquals {
		return key, "", offset, nil
	}

	value, offset, err = parseString(data, offset, 0)
	if err != nil {
		return "", "", 0, err
	}
	return key, value, offset, nil
}

// parseHost reads a `hostname:port options...` section tag up to its
// closing `]`, returning the host token and the option tokens after it.
func parseHost(data []byte, offset int) (string, []string, int, error) {
	host, offset, err := parseString(data, offset, ']')
	if err != nil {
		return "", nil, 0, err
	}
	offset = skipNonNewlineWhitespace(data, offset)

	if host == "" {
		return "", nil, 0, fmt.Errorf("config: expecting hostname, but found %q", getRestOfLine(data, offset))
	}
	var options []string
	for offset < len(data) && data[offset] != ']' && !isWhitespace(data[offset]) && data[offset] != '#' {
		option, newOffset, err := parseString(data, offset, ']')
		if err != nil {
			return "", nil, 0, err
		}
		options = append(options, option)
		offset = skipNonNewlineWhitespace(data, newOffset)
	}
	if offset >= len(data) || data[offset] != ']' {
		return "", nil, 0, fmt.Errorf("config: expecting host section close tag (]), but found %q", getRestOfLine(data, offset))
	}
	return host, options, skipNonNewlineWhitespace(data, offset+1), nil
}

// parseArguments reads whitespace-delimited tokens up to a comment or
// end of line.
func parseArguments(data []byte, offset int) ([]string, int, error) {
	var values []string
	for offset < len(data) && !isWhitespace(data[offset]) && data[offset] != '#' {
		value, newOffset, err := parseString(data, offset, 0)
		if err != nil {
			return nil, 0, err
		}
		values = append(values, value)
		offset = skipNonNewlineWhitespace(data, newOffset)
	}
	return values, offset, nil
}

// findEqualsFromPos1 mirrors std::string::find("=", 1): the position of
// the first '=' at index >= 1, or ok=false if there is none. Searching
// from 1 rather than 0 means a bare "=NAME" or "?NAME" (without a
// trailing "=default") directive token, which has no '=' past its own
// prefix character, is NOT recognized as an environment entry here and
// falls through to the executable array instead - a config-format quirk
// carried over from Configuration.cxx, not reproducible through this
// format (only through the wire protocol's bare-name EnvironmentVariable
// frame, see SPEC_FULL.md §6.2).
func findEqualsFromPos1(v string) (int, bool) {
	for i := 1; i < len(v); i++ {
		if v[i] == '=' {
			return i, true
		}
	}
	return 0, false
}

// Load parses a complete configuration file: a client-settings preamble
// followed by `[hostname:port options...]` sections, each holding
// command lines. workingDirectory anchors a relative baseDirectory
// setting and is the default BaseDirectory if none is set.
func Load(data []byte, workingDirectory string) (*Configuration, error) {
	absWorkingDirectory, err := filepath.Abs(workingDirectory)
	if err != nil {
		return nil, fmt.Errorf("config: resolving working directory: %w", err)
	}

	cfg := &Configuration{
		BaseDirectory:    absWorkingDirectory,
		ConnectTimeoutMs: DefaultConnectTimeoutMs,
		HostCommands:     map[string]map[string]Command{},
		Commands:         map[string]Command{},
	}

	i := 0

	// Client preamble: "key = value" lines until the first host section.
	for {
		i = skipWhitespace(data, i)
		if i >= len(data) || data[i] == '[' {
			break
		}
		if data[i] == '#' {
			i = skipComment(data, i+1)
			continue
		}

		key, value, ni, err := getConfigurationValue(data, i)
		if err != nil {
			return nil, err
		}
		ni, err = ensureRestOfLineEmpty(data, ni)
		if err != nil {
			return nil, err
		}
		i = ni

		switch key {
		case "baseDirectory":
			if filepath.IsAbs(value) {
				cfg.BaseDirectory = value
			} else if cfg.BaseDirectory, err = filepath.Abs(filepath.Join(absWorkingDirectory, value)); err != nil {
				return nil, fmt.Errorf("config: resolving baseDirectory: %w", err)
			}
		case "connectTimeoutMs":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("config: invalid connectTimeoutMs %q: %w", value, err)
			}
			cfg.ConnectTimeoutMs = n
		default:
			return nil, fmt.Errorf("config: unrecognized configuration key %q", key)
		}
	}

	// Host sections and their commands.
	var currentHost *Host
	currentPort := DefaultStartingPort

	for {
		i = skipWhitespace(data, i)
		if i >= len(data) {
			break
		}
		if data[i] == '#' {
			i = skipComment(data, i+1)
			continue
		}

		if data[i] == '[' {
			hostStr, options, ni, err := parseHost(data, skipNonNewlineWhitespace(data, i+1))
			if err != nil {
				return nil, err
			}
			trailing, ni, err := parseArguments(data, ni)
			if err != nil {
				return nil, err
			}
			options = append(options, trailing...)
			ni, err = ensureRestOfLineEmpty(data, ni)
			if err != nil {
				return nil, err
			}
			i = ni

			host := Host{Options: options}
			if colon := strings.IndexByte(hostStr, ':'); colon >= 0 {
				portStr := hostStr[colon+1:]
				for j := 0; j < len(portStr); j++ {
					if portStr[j] < '0' || portStr[j] > '9' {
						return nil, fmt.Errorf("config: invalid port number %q", portStr)
					}
				}
				portValue, err := strconv.ParseUint(portStr, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("config: invalid port number %q: %w", portStr, err)
				}
				if portValue >= 65536 {
					return nil, fmt.Errorf("config: port out of range: %d", portValue)
				}
				currentPort = int(portValue)
				host.Hostname = hostStr[:colon]
			} else {
				host.Hostname = hostStr
			}
			host.Port = uint16(currentPort)
			currentPort++

			currentHost = &host
			if _, ok := cfg.HostCommands[currentHost.Hostname]; !ok {
				cfg.HostCommands[currentHost.Hostname] = map[string]Command{}
			}
			continue
		}

		// Otherwise this line declares a command under currentHost.
		values, ni, err := parseArguments(data, i)
		if err != nil {
			return nil, err
		}
		ni, err = ensureRestOfLineEmpty(data, ni)
		if err != nil {
			return nil, err
		}
		i = ni

		if len(values) == 0 {
			continue
		}
		if currentHost == nil {
			return nil, fmt.Errorf("config: command %q declared before any host section", values[0])
		}

		cmd := Command{Host: *currentHost, Name: values[0]}
		for _, v := range values[1:] {
			if len(cmd.Executable) > 0 || v == "" {
				cmd.Executable = append(cmd.Executable, v)
				continue
			}
			if _, ok := findEqualsFromPos1(v); !ok {
				cmd.Executable = append(cmd.Executable, v)
				continue
			}
			directive, err := env.ParseToken(v)
			if err != nil {
				return nil, fmt.Errorf("config: command %q: %w", cmd.Name, err)
			}
			cmd.Env = append(cmd.Env, directive)
		}
		if len(cmd.Executable) == 0 {
			cmd.Executable = []string{cmd.Name}
		}

		cfg.HostCommands[currentHost.Hostname][cmd.Name] = cmd
		cfg.Commands[cmd.Name] = cmd
	}

	return cfg, nil
}

// LoadFile reads and parses a configuration file from disk, anchoring a
// relative baseDirectory setting on the file's own directory (matching
// Main.cxx, which resolves baseDirectory relative to the configuration
// file's location).
func LoadFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Load(data, filepath.Dir(path))
}
