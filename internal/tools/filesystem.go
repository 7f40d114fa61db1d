package tools

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/goalrun/internal/bus"
)

const (
	defaultListMax = 200
	maxListMax     = 500
	previewChars   = 2000
)

func listCap(n int) int {
	if n <= 0 {
		n = defaultListMax
	}
	if n > maxListMax {
		n = maxListMax
	}
	return n
}

func (e *Engine) listFiles(a ListFiles) Result {
	limit := listCap(a.Max)
	needle := strings.ToLower(a.Glob)
	detail := ListFilesDetail{Files: []string{}}
	seen := make(map[string]bool)

	for _, start := range e.walkRoots() {
		if detail.Truncated {
			break
		}
		base := filepath.Join(e.root, filepath.FromSlash(start))
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable entries are skipped, not fatal.
				if d != nil && d.IsDir() && p != base {
					return filepath.SkipDir
				}
				return nil
			}
			rel, relErr := filepath.Rel(e.root, p)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if d.Name() == ".git" || (rel != "." && e.ignore.ignored(rel, true)) {
					return filepath.SkipDir
				}
				return nil
			}
			if seen[rel] || e.ignore.ignored(rel, false) {
				return nil
			}
			if needle != "" && !strings.Contains(strings.ToLower(rel), needle) {
				return nil
			}
			if len(detail.Files) == limit {
				detail.Truncated = true
				return filepath.SkipAll
			}
			seen[rel] = true
			detail.Files = append(detail.Files, rel)
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return failure(ActionListFiles, &Error{Kind: Unknown, Path: start, Err: err})
		}
	}
	return Result{Tool: ActionListFiles, Success: true, Detail: detail}
}

func (e *Engine) readFiles(a ReadFiles) Result {
	out := make([]FileContent, 0, len(a.Files))
	for _, f := range a.Files {
		out = append(out, e.readOne(f))
	}
	return Result{Tool: ActionReadFiles, Success: true, Detail: out}
}

func (e *Engine) readOne(p string) FileContent {
	abs, rel, err := e.resolve(p)
	if err != nil {
		return FileContent{Path: p, Error: toResultError(err)}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return FileContent{Path: rel, Error: toResultError(classifyFSError(rel, err))}
	}
	return FileContent{Path: rel, Content: string(data)}
}

func (e *Engine) createFile(ctx context.Context, correlationID string, a CreateFile) Result {
	abs, rel, err := e.resolve(a.Path)
	if err != nil {
		return failure(ActionCreateFile, err)
	}
	if _, err := os.Stat(abs); err == nil {
		return failure(ActionCreateFile, newError(AlreadyExists, rel, "file exists"))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return failure(ActionCreateFile, classifyFSError(rel, err))
	}

	err = e.authorize(ctx, &bus.ApprovalRequest{
		CorrelationID: correlationID,
		ActionKind:    ActionCreateFile,
		Path:          rel,
		Preview:       truncateRunes(a.Content, previewChars),
	})
	if err != nil {
		return failure(ActionCreateFile, err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return failure(ActionCreateFile, classifyFSError(rel, err))
	}
	// The target may have appeared while approval was pending.
	if err := writeAtomic(abs, []byte(a.Content), 0o644, true); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return failure(ActionCreateFile, newError(AlreadyExists, rel, "file exists"))
		}
		return failure(ActionCreateFile, classifyFSError(rel, err))
	}
	return Result{Tool: ActionCreateFile, Success: true, Detail: WriteDetail{Path: rel, Bytes: len(a.Content)}}
}

func (e *Engine) editFile(ctx context.Context, correlationID string, a EditFile) Result {
	abs, rel, err := e.resolve(a.Path)
	if err != nil {
		return failure(ActionEditFile, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return failure(ActionEditFile, classifyFSError(rel, err))
	}
	if info.IsDir() {
		return failure(ActionEditFile, newError(NotFound, rel, "is a directory"))
	}
	current, err := os.ReadFile(abs)
	if err != nil {
		return failure(ActionEditFile, classifyFSError(rel, err))
	}

	err = e.authorize(ctx, &bus.ApprovalRequest{
		CorrelationID: correlationID,
		ActionKind:    ActionEditFile,
		Path:          rel,
		Diff:          UnifiedDiff(rel, string(current), a.Content),
	})
	if err != nil {
		return failure(ActionEditFile, err)
	}

	if err := writeAtomic(abs, []byte(a.Content), info.Mode().Perm(), false); err != nil {
		return failure(ActionEditFile, classifyFSError(rel, err))
	}
	return Result{Tool: ActionEditFile, Success: true, Detail: WriteDetail{Path: rel, Bytes: len(a.Content)}}
}

// writeAtomic writes data to a temp file beside path and moves it into
// place. With exclusive set an existing path is left alone and the returned
// error matches fs.ErrExist.
func writeAtomic(path string, data []byte, perm os.FileMode, exclusive bool) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	needsCleanup := true
	defer func() {
		if needsCleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if exclusive {
		// The temp name is removed by the deferred cleanup once linked.
		return os.Link(tmpPath, path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	needsCleanup = false
	return nil
}

func classifyFSError(rel string, err error) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: NotFound, Path: rel, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Kind: NotAllowed, Path: rel, Err: err}
	default:
		return &Error{Kind: Unknown, Path: rel, Err: err}
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		p = filepath.Join(home, p[1:])
	}
	return p
}

// truncateRunes returns s trimmed to n characters.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
