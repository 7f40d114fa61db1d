package tools

import (
	"path"
	"path/filepath"
	"strings"
)

// resolve maps a model-supplied path to an absolute path under the workspace
// root and its slash-separated relative form, then checks the allow-list.
func (e *Engine) resolve(p string) (abs, rel string, err error) {
	p = strings.TrimSpace(p)
	if p == "" {
		p = "."
	}
	if filepath.IsAbs(p) {
		if !isWithin(e.root, filepath.Clean(p)) {
			return "", "", newError(NotAllowed, p, "outside workspace")
		}
		r, err := filepath.Rel(e.root, filepath.Clean(p))
		if err != nil {
			return "", "", newError(NotAllowed, p, "outside workspace")
		}
		rel = filepath.ToSlash(r)
	} else {
		rel = path.Clean(filepath.ToSlash(p))
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", newError(NotAllowed, p, "outside workspace")
	}
	if !e.allowed(rel) {
		return "", "", newError(NotAllowed, p, "not under an allowed prefix")
	}
	return filepath.Join(e.root, filepath.FromSlash(rel)), rel, nil
}

// allowed reports whether rel equals, or sits beneath, an allowed prefix.
func (e *Engine) allowed(rel string) bool {
	for _, prefix := range e.prefixes {
		if prefix == "." || rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

// walkRoots returns the relative directories listFiles starts from.
func (e *Engine) walkRoots() []string {
	for _, p := range e.prefixes {
		if p == "." {
			return []string{"."}
		}
	}
	return e.prefixes
}

// defaultCwd is the working directory of a command that names none.
func (e *Engine) defaultCwd() string {
	if len(e.prefixes) == 0 {
		return "."
	}
	return e.walkRoots()[0]
}

func normalizePrefixes(allowed []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		p := "."
		if a != "*" {
			p = path.Clean(strings.TrimPrefix(filepath.ToSlash(a), "/"))
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func isWithin(root, p string) bool {
	if root == "" {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}
