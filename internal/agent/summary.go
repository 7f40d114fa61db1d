package agent

import (
	"fmt"
	"strings"

	"github.com/KafClaw/goalrun/internal/tools"
)

// describeAction renders one action for the "actions taken" fragment.
func describeAction(a tools.Action) string {
	switch v := a.(type) {
	case tools.ListFiles:
		s := "listFiles"
		if v.Glob != "" {
			s += fmt.Sprintf(" matching %q", v.Glob)
		}
		if v.Max > 0 {
			s += fmt.Sprintf(" (max %d)", v.Max)
		}
		return s
	case tools.ReadFiles:
		return "readFiles " + strings.Join(v.Files, ", ")
	case tools.CreateFile:
		return fmt.Sprintf("createFile %s (%d bytes)", v.Path, len(v.Content))
	case tools.EditFile:
		return fmt.Sprintf("editFile %s (%d bytes)", v.Path, len(v.Content))
	case tools.RunCommand:
		s := "runCommand " + v.Command
		if v.Cwd != "" {
			s += " in " + v.Cwd
		}
		return s
	default:
		return a.Kind() + " (invalid)"
	}
}

func actionsFragment(step int, actions []tools.Action) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Step %d actions:", step+1)
	for _, a := range actions {
		sb.WriteString("\n- ")
		sb.WriteString(describeAction(a))
	}
	return sb.String()
}

func resultsFragment(results []tools.Result) string {
	var sb strings.Builder
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	fmt.Fprintf(&sb, "Results (%d/%d succeeded):", ok, len(results))
	for _, r := range results {
		sb.WriteString("\n- ")
		sb.WriteString(r.Summary())
	}
	return sb.String()
}
