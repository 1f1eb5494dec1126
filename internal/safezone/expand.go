package safezone

import (
	"os"
	"path/filepath"
	"strings"
)

// zone is an expanded safe-zone root. Roots containing glob metacharacters are
// matched against each ancestor of the candidate path instead of by prefix.
type zone struct {
	root string
	glob bool
}

// developerDirs are conventional project roots added under $HOME when
// auto-expansion is on.
var developerDirs = []string{
	"projects", "Projects", "src", "dev", "code", "workspace",
}

// expandZones resolves configured zone roots and, when autoExpand is set, adds
// their real first-level subdirectories plus common developer directories.
func expandZones(roots []string, autoExpand bool) []zone {
	seen := make(map[string]bool)
	var out []zone

	add := func(root string, glob bool) {
		if root == "" || seen[root] {
			return
		}
		seen[root] = true
		out = append(out, zone{root: root, glob: glob})
	}

	for _, raw := range roots {
		expanded := expandHome(raw)
		if strings.ContainsAny(expanded, "*?[") {
			add(expanded, true)
			continue
		}

		abs, err := filepath.Abs(expanded)
		if err != nil {
			continue
		}
		resolved, err := resolveSymlinks(abs)
		if err != nil {
			resolved = abs
		}
		add(resolved, false)

		if autoExpand {
			for _, sub := range realSubdirs(resolved) {
				add(sub, false)
			}
		}
	}

	if autoExpand {
		if home, err := os.UserHomeDir(); err == nil {
			for _, d := range developerDirs {
				dir := filepath.Join(home, d)
				if info, err := os.Stat(dir); err == nil && info.IsDir() {
					add(dir, false)
				}
			}
		}
	}

	return out
}

// realSubdirs lists first-level real subdirectories, skipping symlinks so an
// attacker-planted link cannot widen the zone.
func realSubdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var subs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		subs = append(subs, filepath.Join(dir, e.Name()))
	}
	return subs
}

// contains reports whether p falls under the zone root.
func (z zone) contains(p string) bool {
	if z.glob {
		for ancestor := p; ; ancestor = filepath.Dir(ancestor) {
			if ok, _ := filepath.Match(z.root, ancestor); ok {
				return true
			}
			if ancestor == filepath.Dir(ancestor) {
				return false
			}
		}
	}
	return isSubpath(p, z.root)
}

// isSubpath checks if child is equal to or inside parent.
func isSubpath(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveSymlinks resolves symlinks, falling back to resolving the parent for
// paths that do not exist yet.
func resolveSymlinks(absPath string) (string, error) {
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			parent := filepath.Dir(absPath)
			resolvedParent, err2 := filepath.EvalSymlinks(parent)
			if err2 != nil {
				return absPath, nil // best effort
			}
			return filepath.Join(resolvedParent, filepath.Base(absPath)), nil
		}
		return absPath, nil
	}
	return resolved, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
