// Command k8psh-install generates the per-command stub executables: one
// hardlink (or, where hardlinking fails, a symlink) per configured command,
// named after the command, pointing at the k8psh client binary. This is
// the "stub-executable generation and installation" collaborator
// spec.md §1 names as out of core scope, included as its own thin tool so
// the repository builds an end-to-end deployable artifact. Grounded on
// original_source's Main.cxx mainServer symlink-generation block, adapted
// from a C symlink(2)/CreateHardLinkA split to os.Link with an os.Symlink
// fallback.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/k8psh/k8psh/config"
)

// Manifest describes additional stub targets beyond the command table,
// e.g. aliases that should resolve to the same command. Optional: most
// installs need nothing beyond what the configuration already declares.
type Manifest struct {
	Aliases map[string]string `yaml:"aliases"`
}

func main() {
	app := &cli.App{
		Name:  "k8psh-install",
		Usage: "installs k8psh client stub executables for the commands in a configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "The configuration file to read commands from.",
				Value:   "k8psh.conf",
			},
			&cli.StringFlag{
				Name:    "executable-directory",
				Aliases: []string{"e"},
				Usage:   "The directory used to create the client executables.",
				Value:   ".",
			},
			&cli.StringFlag{
				Name:  "client-executable",
				Usage: "Path to the k8psh client binary the stubs should invoke. Defaults to k8psh in the same directory as the current executable.",
			},
			&cli.StringFlag{
				Name:  "manifest",
				Usage: "Optional YAML manifest of additional stub aliases.",
			},
			&cli.BoolFlag{
				Name:    "overwrite",
				Aliases: []string{"o"},
				Usage:   "Overwrite client executables rather than fail with error.",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadFile(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	clientExecutable := ctx.String("client-executable")
	if clientExecutable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("finding k8psh client executable: %w", err)
		}
		clientExecutable = filepath.Join(filepath.Dir(exe), "k8psh")
	}

	directory := ctx.String("executable-directory")
	overwrite := ctx.Bool("overwrite")

	names := make([]string, 0, len(cfg.Commands))
	for name := range cfg.Commands {
		names = append(names, name)
	}

	if manifestPath := ctx.String("manifest"); manifestPath != "" {
		aliases, err := loadManifest(manifestPath)
		if err != nil {
			return err
		}
		for alias, target := range aliases {
			if _, ok := cfg.Commands[target]; !ok {
				return fmt.Errorf("manifest alias %q targets unknown command %q", alias, target)
			}
			names = append(names, alias)
		}
	}

	for _, name := range names {
		if err := installStub(clientExecutable, filepath.Join(directory, name), overwrite); err != nil {
			return fmt.Errorf("installing stub for %q: %w", name, err)
		}
	}

	return nil
}

func loadManifest(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m.Aliases, nil
}

// installStub links filename to clientExecutable: a hardlink where the
// filesystem allows it (so upgrading the client binary in place upgrades
// every stub at once without touching them), falling back to a symlink.
func installStub(clientExecutable, filename string, overwrite bool) error {
	if overwrite {
		_ = os.Remove(filename)
	} else if _, err := os.Lstat(filename); err == nil {
		return fmt.Errorf("%s already exists (use --overwrite to replace it)", filename)
	}

	if err := os.Link(clientExecutable, filename); err == nil {
		return nil
	}
	return os.Symlink(clientExecutable, filename)
}
