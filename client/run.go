package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/k8psh/k8psh/config"
)

// RelativizeWorkingDirectory expresses the process's current directory
// relative to the configured base directory, the form the wire protocol
// carries and the worker re-anchors against its own base directory (the
// "Relativized path" of the GLOSSARY). If cwd isn't under baseDirectory,
// the absolute path is sent as-is (the worker treats an empty
// baseDirectory the same way, per spec.md §4.D).
func RelativizeWorkingDirectory(baseDirectory string) (string, error) {
	if baseDirectory == "" {
		return "", nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("client: getting working directory: %w", err)
	}

	rel, err := filepath.Rel(baseDirectory, cwd)
	if err != nil || len(rel) >= 2 && rel[:2] == ".." {
		return cwd, nil
	}
	return rel, nil
}

// Run is the entry point cmd/k8psh calls: it connects to the command's
// worker, sends the prelude, and blocks until the remote process exits,
// returning its exit code. stdin/stdout/stderr default to the process's
// own standard streams when nil.
func Run(ctx context.Context, cfg *config.Configuration, command config.Command, args []string, stdin io.Reader, stdout, stderr io.Writer, log *zap.SugaredLogger) (int, error) {
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	conn, err := Connect(ctx, command, cfg.ConnectTimeoutMs)
	if err != nil {
		return -1, err
	}
	defer conn.Close()

	workingDir, err := RelativizeWorkingDirectory(cfg.BaseDirectory)
	if err != nil {
		return -1, err
	}

	session := NewSession(conn, stdin, stdout, stderr, log)
	return session.Run(workingDir, command, args)
}
