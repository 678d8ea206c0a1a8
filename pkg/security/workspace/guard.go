// Package workspace enforces working-tree boundaries for file writes. Every
// path in a proposal is checked here before the repository mutator touches
// disk, so a proposal cannot write outside its tree or into protected paths.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultProtectedPatterns are always denied regardless of configuration.
var DefaultProtectedPatterns = []string{
	".git",
	".git/**",
	"**/.git",
	"**/.git/**",
}

// Guard validates relative file paths against a working tree root and a set
// of protected glob patterns.
type Guard struct {
	workspaceDir string
	protected    []glob.Glob
	patterns     []string
}

// NewGuard creates a guard for workspaceDir. The directory is made absolute
// and its symlinks evaluated. Extra protected patterns use gobwas/glob syntax
// with '/' as separator (e.g. "deploy/**", "*.pem").
func NewGuard(workspaceDir string, protected []string) (*Guard, error) {
	if workspaceDir == "" {
		return nil, fmt.Errorf("workspace directory cannot be empty")
	}

	absPath, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace directory: %w", err)
	}

	evalPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate workspace directory symlinks: %w", err)
	}

	patterns := append(append([]string(nil), DefaultProtectedPatterns...), protected...)
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid protected pattern '%s': %w", pattern, err)
		}
		compiled = append(compiled, g)
	}

	return &Guard{
		workspaceDir: evalPath,
		protected:    compiled,
		patterns:     patterns,
	}, nil
}

// ValidatePath checks a proposal-relative path and returns its cleaned,
// slash-separated form.
//
// Returns an error if:
// - The path is empty or absolute
// - The path climbs out of the workspace ("..") or resolves outside it through a symlink
// - The path matches a protected pattern
func (g *Guard) ValidatePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path '%s' contains a NUL byte", path)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("path '%s' must be relative to the repository root", path)
	}

	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path '%s' is outside workspace boundaries", path)
	}

	for i, pattern := range g.protected {
		if pattern.Match(clean) {
			return "", fmt.Errorf("path '%s' is protected (matches '%s')", path, g.patterns[i])
		}
	}

	absPath := filepath.Join(g.workspaceDir, filepath.FromSlash(clean))
	if !g.IsWithinWorkspace(absPath) {
		return "", fmt.Errorf("path '%s' is outside workspace boundaries", path)
	}

	return clean, nil
}

// IsWithinWorkspace reports whether absPath, after resolving symlinks of its
// existing ancestors, is the workspace or a child of it.
func (g *Guard) IsWithinWorkspace(absPath string) bool {
	evalPath := resolveSymlinks(absPath)
	return evalPath == g.workspaceDir ||
		strings.HasPrefix(evalPath+string(filepath.Separator), g.workspaceDir+string(filepath.Separator))
}

// resolveSymlinks resolves symlinks in a path that may not exist yet by
// resolving the deepest existing ancestor and re-appending the rest.
func resolveSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	var components []string
	currentPath := path
	for {
		if resolved, err := filepath.EvalSymlinks(currentPath); err == nil {
			result := resolved
			for i := len(components) - 1; i >= 0; i-- {
				result = filepath.Join(result, components[i])
			}
			return result
		}

		dir := filepath.Dir(currentPath)
		if dir == currentPath || dir == "." || dir == "/" {
			return path
		}
		components = append(components, filepath.Base(currentPath))
		currentPath = dir
	}
}

// WorkspaceDir returns the absolute path of the workspace directory.
func (g *Guard) WorkspaceDir() string {
	return g.workspaceDir
}
