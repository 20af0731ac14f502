// Package paths provides path resolution utilities.
package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// maxSocketPath is the portable length budget for stream socket paths.
// Unix domain socket paths are limited to 104 bytes on BSD/macOS and 108 on
// Linux; we stay under the smaller of the two.
const maxSocketPath = 103

// ControlSocket derives the control socket path for a project.
// The path is a pure function of the cleaned project path, so every process
// pointed at the same project computes the same socket location.
//
// The socket lives in the temp dir rather than the project dir to keep the
// path inside the platform length budget regardless of how deep the project
// is nested.
func ControlSocket(projectPath string) string {
	p := filepath.Join(os.TempDir(), "foreman-"+projectDigest(projectPath)+".sock")
	if len(p) > maxSocketPath {
		// Fall back to an even shorter digest-only name.
		p = filepath.Join(os.TempDir(), "fm-"+projectDigest(projectPath)[:8]+".sock")
	}
	return p
}

// StateDir resolves the per-project state directory (sessions db, logs).
//
// Input normalization:
//   - "/path/to/project" -> "/path/to/project/.foreman"
//   - "/path/to/project/.foreman" -> "/path/to/project/.foreman"
//   - "" -> "./.foreman"
func StateDir(projectPath string) string {
	if projectPath == "" {
		projectPath = "."
	}
	projectPath = filepath.Clean(projectPath)

	if filepath.Base(projectPath) == ".foreman" {
		return projectPath
	}
	return filepath.Join(projectPath, ".foreman")
}

// TaskStoreDir resolves the task store data directory for a project,
// following a redirect file when present (git worktrees keep a redirect in
// place of the real store).
func TaskStoreDir(projectPath string) string {
	if projectPath == "" {
		projectPath = "."
	}
	projectPath = filepath.Clean(projectPath)

	storeDir := projectPath
	if filepath.Base(projectPath) != ".beads" {
		storeDir = filepath.Join(projectPath, ".beads")
	}
	return followRedirect(storeDir)
}

// followRedirect checks for a redirect file and follows it if present.
func followRedirect(dir string) string {
	content, err := os.ReadFile(filepath.Join(dir, "redirect")) //nolint:gosec // redirect path is within the store dir
	if err != nil {
		return dir
	}

	target := strings.TrimSpace(string(content))
	if target == "" {
		return dir
	}
	return filepath.Clean(filepath.Join(dir, target))
}

// projectDigest returns a short stable digest of the cleaned project path.
func projectDigest(projectPath string) string {
	if projectPath == "" {
		projectPath = "."
	}
	abs, err := filepath.Abs(filepath.Clean(projectPath))
	if err != nil {
		abs = filepath.Clean(projectPath)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}
