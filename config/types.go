// Package config reads the relay's text configuration: a client-settings
// preamble followed by one or more host sections, each holding the
// commands runnable on that host. Grounded on original_source's
// Configuration.cxx recursive-descent reader.
package config

import (
	"fmt"

	"github.com/k8psh/k8psh/internal/env"
)

// DefaultStartingPort is the port assigned to a host section that doesn't
// specify one when no earlier section did either. Every host section
// without an explicit port takes the previous section's port plus one.
const DefaultStartingPort = 1120

// Host is one `[hostname:port options...]` section.
type Host struct {
	Hostname string
	Port     uint16
	Options  []string
}

func (h Host) String() string {
	return fmt.Sprintf("%s:%d", h.Hostname, h.Port)
}

// Command is one command line under a host section: a name, the argv used
// to exec it (defaulting to just the name when no explicit argv is given),
// and the environment directives attached to it.
type Command struct {
	Host       Host
	Name       string
	Executable []string
	Env        []env.Directive
}

// DefaultConnectTimeoutMs is used when the configuration preamble doesn't
// set connectTimeoutMs explicitly.
const DefaultConnectTimeoutMs = 5000

// Configuration is a fully parsed and loaded configuration file.
type Configuration struct {
	BaseDirectory string
	// ConnectTimeoutMs bounds how long client.Connect retries before
	// giving up (spec.md §4.C step 1); negative means retry forever.
	ConnectTimeoutMs int
	// HostCommands maps hostname -> command name -> Command, for commands
	// scoped to a single host section.
	HostCommands map[string]map[string]Command
	// Commands maps command name -> Command across the whole file (the
	// last host section to declare a given name wins, matching the
	// original's flat _commands map).
	Commands map[string]Command
}

// CommandsForHost returns the commands declared under hostname, or nil if
// no section with that hostname exists.
func (c *Configuration) CommandsForHost(hostname string) map[string]Command {
	return c.HostCommands[hostname]
}
