package complexity

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
)

// ProjectContext describes the repository a task runs against.
type ProjectContext struct {
	Root string `json:"root"`
	// Types lists detected ecosystems, primary first.
	Types []string `json:"types"`
	// Markers are the matched marker files relative to Root.
	Markers []string `json:"markers"`
}

// Language is the primary detected ecosystem or "unknown".
func (pc ProjectContext) Language() string {
	if len(pc.Types) == 0 {
		return "unknown"
	}
	return pc.Types[0]
}

// MultiModule reports a monorepo or multi-language checkout: more than one
// ecosystem, or one ecosystem with markers in several directories.
func (pc ProjectContext) MultiModule() bool {
	if len(pc.Types) > 1 {
		return true
	}
	dirs := map[string]bool{}
	for _, m := range pc.Markers {
		dirs[filepath.Dir(m)] = true
	}
	return len(dirs) > 1
}

type markerRule struct {
	Type    string
	Pattern glob.Glob
}

// Marker rules in detection priority order. Patterns match slash-separated
// paths relative to the root, at most one directory deep.
var markerRules = mustRules([][2]string{
	{"go", "{go.mod,*/go.mod}"},
	{"typescript", "{tsconfig.json,*/tsconfig.json}"},
	{"javascript", "{package.json,*/package.json}"},
	{"python", "{pyproject.toml,setup.py,requirements.txt,*/pyproject.toml,*/setup.py,*/requirements.txt}"},
	{"rust", "{Cargo.toml,*/Cargo.toml}"},
	{"java", "{pom.xml,build.gradle,build.gradle.kts,*/pom.xml,*/build.gradle,*/build.gradle.kts}"},
})

func mustRules(defs [][2]string) []markerRule {
	rules := make([]markerRule, len(defs))
	for i, d := range defs {
		rules[i] = markerRule{Type: d[0], Pattern: glob.MustCompile(d[1], '/')}
	}
	return rules
}

// DetectProject scans root and its immediate subdirectories for ecosystem
// marker files. Hidden and vendored directories are skipped.
func DetectProject(root string) (ProjectContext, error) {
	pc := ProjectContext{Root: root}
	info, err := os.Stat(root)
	if err != nil {
		return pc, fmt.Errorf("detect project: %w", err)
	}
	if !info.IsDir() {
		return pc, fmt.Errorf("detect project: %s is not a directory", root)
	}

	var candidates []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			name := d.Name()
			if name[0] == '.' || name == "node_modules" || name == "vendor" || depth(rel) >= 1 {
				return filepath.SkipDir
			}
			return nil
		}
		candidates = append(candidates, rel)
		return nil
	})
	if err != nil {
		return pc, fmt.Errorf("detect project: %w", err)
	}
	sort.Strings(candidates)

	seen := map[string]bool{}
	for _, rule := range markerRules {
		for _, c := range candidates {
			if !rule.Pattern.Match(c) {
				continue
			}
			pc.Markers = append(pc.Markers, c)
			if !seen[rule.Type] {
				seen[rule.Type] = true
				pc.Types = append(pc.Types, rule.Type)
			}
		}
	}
	// A TypeScript checkout always carries package.json too.
	if seen["typescript"] && seen["javascript"] {
		pc.Types = removeType(pc.Types, "javascript")
	}
	return pc, nil
}

func depth(rel string) int {
	n := 0
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			n++
		}
	}
	return n
}

func removeType(types []string, t string) []string {
	out := types[:0]
	for _, v := range types {
		if v != t {
			out = append(out, v)
		}
	}
	return out
}
