// Package files holds small filesystem helpers shared by the cmd/
// entrypoints.
package files

import (
	"os"
	"path/filepath"
)

// FindUp searches dir and each of its ancestors in turn for a file or
// directory entry named name, returning the first match's path or "" if
// none of them has one. Used by cmd/k8pshd and cmd/k8psh to locate
// k8psh.conf when no --config flag or $K8PSH_CONFIG is given, the same way
// a shell tool walks up looking for a project file. An unreadable
// ancestor (permission denied, race with a deletion) just ends the search
// early rather than panicking — the callers fall back to a default
// filename either way.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return ""
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name)
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
