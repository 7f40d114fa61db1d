package tools

import (
	"fmt"
	"strings"
)

// Result is the outcome of one action. Detail and Error may both be set, for
// example a command that timed out still reports its captured output.
type Result struct {
	Tool    string       `json:"tool"`
	Success bool         `json:"success"`
	Detail  any          `json:"detail,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

// ResultError is the serialisable form of an Error.
type ResultError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ListFilesDetail is the detail of a listFiles result.
type ListFilesDetail struct {
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated"`
}

// FileContent is one entry of a readFiles result.
type FileContent struct {
	Path    string       `json:"path"`
	Content string       `json:"content,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

// WriteDetail is the detail of a createFile or editFile result.
type WriteDetail struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// CommandDetail is the detail of a runCommand result.
type CommandDetail struct {
	Command  string `json:"command"`
	Code     int    `json:"code"`
	Signal   string `json:"signal,omitempty"`
	TimedOut bool   `json:"timedOut"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func failure(tool string, err error) Result {
	return Result{Tool: tool, Error: toResultError(err)}
}

func toResultError(err error) *ResultError {
	if err == nil {
		return nil
	}
	return &ResultError{Kind: KindOf(err), Message: err.Error()}
}

// Summary renders a one-line human readable account of r.
func (r Result) Summary() string {
	if r.Error != nil {
		return fmt.Sprintf("%s failed (%s): %s", r.Tool, r.Error.Kind, r.Error.Message)
	}
	switch d := r.Detail.(type) {
	case ListFilesDetail:
		s := fmt.Sprintf("%s: %d files", r.Tool, len(d.Files))
		if d.Truncated {
			s += " (truncated)"
		}
		return s
	case []FileContent:
		var ok, failed []string
		for _, f := range d {
			if f.Error != nil {
				failed = append(failed, fmt.Sprintf("%s (%s)", f.Path, f.Error.Kind))
			} else {
				ok = append(ok, f.Path)
			}
		}
		s := fmt.Sprintf("%s: read %s", r.Tool, strings.Join(ok, ", "))
		if len(failed) > 0 {
			s += "; failed " + strings.Join(failed, ", ")
		}
		return s
	case WriteDetail:
		return fmt.Sprintf("%s: wrote %d bytes to %s", r.Tool, d.Bytes, d.Path)
	case CommandDetail:
		if r.Success {
			return fmt.Sprintf("%s: `%s` exited 0", r.Tool, d.Command)
		}
		if d.Signal != "" {
			return fmt.Sprintf("%s: `%s` killed by %s", r.Tool, d.Command, d.Signal)
		}
		return fmt.Sprintf("%s: `%s` exited %d", r.Tool, d.Command, d.Code)
	}
	return fmt.Sprintf("%s: ok", r.Tool)
}
