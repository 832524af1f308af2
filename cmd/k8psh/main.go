// Command k8psh is the stub/client entry point: invoked directly as
// "k8psh <command> [args...]", or via a symlink named after the command
// (the real stub-install mechanism), it resolves the command from the
// loaded configuration and runs it on the worker that owns it.
//
// Argument parsing deliberately does not go through urfave/cli here
// (unlike cmd/k8pshd and cmd/k8psh-install): everything after the command
// name must be forwarded to the remote process byte-for-byte, including
// flags that look like k8psh's own (-h, -c, ...). This mirrors
// original_source's mainClient, which stops its own option scan at the
// first argument it doesn't recognize and treats it as the command name.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/k8psh/k8psh/client"
	"github.com/k8psh/k8psh/config"
	"github.com/k8psh/k8psh/internal/files"
)

const environmentPrefix = "K8PSH_"

// connectTimeoutExitCode and fatalExitCode give cmd/k8psh's two fatal-error
// classes distinct exit statuses, per SPEC_FULL.md §6's resolution of
// spec.md §9's error-taxonomy open question: a caller scripting against
// k8psh can tell "the worker never came up" apart from any other fatal
// session error without parsing stderr text.
const (
	connectTimeoutExitCode = 2
	fatalExitCode          = 1
)

// version is overridden at build time via
// -ldflags "-X main.version=$(git describe --tags)".
var version = "dev"

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	commandName := baseCommandName(args[0])
	var configPath string
	rest := args[1:]

	if commandName == "k8psh" {
		i := 0
		for ; i < len(rest); i++ {
			arg := rest[i]
			switch {
			case arg == "-v" || arg == "--version":
				fmt.Printf("k8psh %s\n", version)
				return 0

			case arg == "-h" || arg == "--help":
				printUsage(commandName)
				return 0

			case arg == "-c" || arg == "--config":
				if i+1 >= len(rest) {
					fmt.Fprintf(os.Stderr, "expecting [config] after argument %s\n", arg)
					return 1
				}
				i++
				configPath = rest[i]
				continue

			case strings.HasPrefix(arg, "--config="):
				configPath = strings.TrimPrefix(arg, "--config=")
				continue
			}

			commandName = arg
			i++
			break
		}
		rest = rest[i:]
	}

	cfg, err := loadConfiguration(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	command, ok := cfg.Commands[commandName]
	if !ok {
		fmt.Fprintf(os.Stderr, "failed to find command %q in configuration\n", commandName)
		return 1
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log := logger.Named("k8psh").Sugar()

	exitCode, err := client.Run(context.Background(), cfg, command, rest, nil, nil, nil, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, client.ErrConnectTimeout) {
			return connectTimeoutExitCode
		}
		return fatalExitCode
	}
	return exitCode
}

// baseCommandName strips the directory and any ".exe" extension (matched
// case-insensitively, on every platform), like original_source's getBaseCommandName:
// a stub symlink's argv[0] is what tells k8psh which command to run.
func baseCommandName(arg0 string) string {
	name := filepath.Base(arg0)
	if strings.EqualFold(filepath.Ext(name), ".exe") {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

func printUsage(commandName string) {
	fmt.Printf("Usage: %s [options] command...\n", commandName)
	fmt.Println("  Executes a k8psh client command")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config [file]")
	fmt.Printf("      The configuration file loaded by %s. Defaults to $%sCONFIG.\n", commandName, environmentPrefix)
	fmt.Println("  -h, --help")
	fmt.Println("      Displays usage and exits.")
	fmt.Println("  -v, --version")
	fmt.Println("      Prints the version and exits.")
}

func loadConfiguration(flagValue string) (*config.Configuration, error) {
	path := flagValue
	if path == "" {
		if v, ok := os.LookupEnv(environmentPrefix + "CONFIG"); ok {
			path = v
		}
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path = files.FindUp("k8psh.conf", wd)
		if path == "" {
			path = "k8psh.conf"
		}
	}
	return config.LoadFile(path)
}
