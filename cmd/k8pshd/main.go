// Command k8pshd is the worker daemon: it loads a configuration, binds the
// loopback TCP port for its host section, and supervises one Session per
// accepted connection until asked to shut down.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/k8psh/k8psh/config"
	"github.com/k8psh/k8psh/internal/files"
	"github.com/k8psh/k8psh/worker"
)

const environmentPrefix = "K8PSH_"

// daemonizedMarker is set in the environment of a re-exec'd background
// daemon so the child knows not to fork again, matching the
// re-exec-with-Setsid idiom adapted from chriswa-spaceterm/pty-daemon.
const daemonizedMarker = "K8PSHD_DAEMONIZED"

func main() {
	app := &cli.App{
		Name:  "k8pshd",
		Usage: "starts the k8psh worker server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "The configuration file loaded by k8pshd. Defaults to $K8PSH_CONFIG.",
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "The name used to identify the server. Defaults to $K8PSH_NAME or hostname.",
			},
			&cli.StringFlag{
				Name:    "pidfile",
				Aliases: []string{"p"},
				Usage:   "The file to store the PID of the server.",
				Value:   "/var/run/k8pshd.pid",
			},
			&cli.BoolFlag{
				Name:    "background",
				Aliases: []string{"b"},
				Usage:   "Daemonize the server by sending it to the background.",
			},
			&cli.BoolFlag{
				Name:  "wait-on-clients",
				Usage: "Wait for in-flight sessions to finish before exiting on shutdown.",
				Value: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The zap log level (debug, info, warn, error).",
				Value: "info",
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
	if ctx.Bool("background") && os.Getenv(daemonizedMarker) == "" {
		return daemonize(ctx)
	}

	logger, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	log := logger.Named("k8pshd").Sugar()

	name, err := serverName(ctx.String("name"))
	if err != nil {
		return err
	}

	cfg, err := loadConfiguration(ctx.String("config"))
	if err != nil {
		return err
	}

	if pidfile := ctx.String("pidfile"); pidfile != "" {
		if err := os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			log.Warnw("failed to write pid file", "path", pidfile, "error", err)
		}
		defer os.Remove(pidfile)
	}

	commands := cfg.CommandsForHost(name)
	if len(commands) == 0 {
		log.Warnw("no server commands found in configuration, sleeping", "name", name)
		waitForSignal(log)
		return nil
	}

	var port int
	for _, cmd := range commands {
		port = int(cmd.Host.Port)
		break
	}

	listener, err := worker.Listen(port, cfg.BaseDirectory, commands, log, ctx.Bool("wait-on-clients"))
	if err != nil {
		return fmt.Errorf("binding listener for %s: %w", name, err)
	}
	log.Infow("listening", "name", name, "address", listener.Addr())

	serveErr := make(chan error, 1)
	go func() { serveErr <- listener.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Infow("received signal, shutting down", "signal", sig)
		closed := make(chan error, 1)
		go func() { closed <- listener.Close() }()
		select {
		case err := <-closed:
			if err != nil {
				log.Warnw("error closing listener", "error", err)
			}
		case <-time.After(worker.ShutdownTimeout):
			log.Warnw("shutdown timed out waiting for in-flight sessions")
		}
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listener: %w", err)
		}
	}

	return nil
}

// daemonize re-execs the current binary with the same arguments, detached
// from the controlling terminal via Setsid, then exits the parent.
// Adapted from chriswa-spaceterm/pty-daemon's cmdStart, rewritten for a
// TCP listener instead of a Unix socket (there is no socket path to poll
// for readiness, so the parent simply returns once the child is started).
func daemonize(ctx *cli.Context) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: finding executable: %w", err)
	}

	cmd := exec.Command(exePath, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedMarker+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: starting background process: %w", err)
	}
	fmt.Printf("k8pshd started (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func waitForSignal(log *zap.SugaredLogger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Infow("received signal, exiting", "signal", sig)
}

func serverName(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v, ok := os.LookupEnv(environmentPrefix + "NAME"); ok {
		return v, nil
	}
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "", fmt.Errorf("hostname could not be determined, --name must be specified")
	}
	return name, nil
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

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(level); err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zapLevel))
	if err != nil {
		return nil, err
	}
	return logger, nil
}
