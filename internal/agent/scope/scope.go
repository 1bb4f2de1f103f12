// Package scope enforces the working-directory allow-list. It is the only
// place path policy lives: session creation and directory changes both go
// through Guard.Check.
package scope

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrOutsideScope is returned for paths that normalise fine but fall outside
// every allowed root.
var ErrOutsideScope = errors.New("working directory outside allowed scope")

// Guard holds the canonicalised allow-list roots.
type Guard struct {
	homeDir string
	roots   []string
}

// NewGuard canonicalises the configured roots. Tilde entries expand against
// homeDir. A root that does not normalise is a configuration error and is
// reported rather than silently dropped.
func NewGuard(roots []string, homeDir string) (*Guard, error) {
	if len(roots) == 0 {
		return nil, errors.New("allow-list is empty")
	}
	g := &Guard{homeDir: homeDir}
	for _, r := range roots {
		norm, err := Normalize(r, homeDir)
		if err != nil {
			return nil, fmt.Errorf("allow-list entry %q: %w", r, err)
		}
		g.roots = append(g.roots, norm)
	}
	return g, nil
}

// Roots returns the canonical allow-list.
func (g *Guard) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// Check normalises the candidate directory and accepts it iff it equals an
// allowed root or begins with one followed by a path separator. The
// separator rule keeps /home/user-b from matching the root /home/user.
func (g *Guard) Check(dir string) (string, error) {
	norm, err := Normalize(dir, g.homeDir)
	if err != nil {
		return "", err
	}
	for _, root := range g.roots {
		if norm == root || strings.HasPrefix(norm, root+"/") {
			return norm, nil
		}
	}
	return "", ErrOutsideScope
}

// Normalize sanitises a directory path to absolute canonical form.
// It strips control characters, trims whitespace, expands tilde prefixes
// against homeDir, rejects relative paths and path traversal, and cleans
// the result.
func Normalize(value, homeDir string) (string, error) {
	// Strip control characters (< 0x20 and 0x7F).
	var b strings.Builder
	for _, r := range value {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	if s == "" {
		return "", errors.New("empty path")
	}

	// Expand or reject tilde paths.
	if s == "~" || strings.HasPrefix(s, "~/") {
		if homeDir == "" {
			return "", errors.New("tilde path without a home directory")
		}
		if s == "~" {
			s = homeDir
		} else {
			rest := strings.TrimLeft(s[2:], "/")
			if rest == "" {
				s = homeDir
			} else {
				s = homeDir + "/" + rest
			}
		}
	}

	if !strings.HasPrefix(s, "/") {
		return "", errors.New("not an absolute path")
	}

	// Reject traversal before normalising (Clean resolves ".." components).
	for _, comp := range strings.Split(s, "/") {
		if comp == ".." {
			return "", errors.New("path traversal rejected")
		}
	}

	return path.Clean(s), nil
}
