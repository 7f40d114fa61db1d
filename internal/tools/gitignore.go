package tools

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// ignoreMatcher applies the patterns of the workspace root .gitignore.
// A nil matcher ignores nothing.
type ignoreMatcher struct {
	matcher gitignore.Matcher
}

// loadIgnore reads root/.gitignore. A missing file yields a nil matcher and
// no error.
func loadIgnore(root string) (*ignoreMatcher, error) {
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	return &ignoreMatcher{matcher: gitignore.NewMatcher(patterns)}, nil
}

func (m *ignoreMatcher) ignored(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	var segments []string
	for _, part := range strings.Split(rel, "/") {
		if part != "" && part != "." {
			segments = append(segments, part)
		}
	}
	if len(segments) == 0 {
		return false
	}
	return m.matcher.Match(segments, isDir)
}
