package agent

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/KafClaw/goalrun/internal/tools"
)

const diagnosticPrefixChars = 400

func systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(`You are an autonomous agent working inside a project workspace. You reach the user's goal by issuing tool actions, one step at a time, and reading their results.

Reply to every message with exactly one JSON object and nothing else.

While work remains:
{"commentary": "what you are doing and why", "actions": [ ...one or more actions... ], "done": false}

When the goal is reached (or cannot be reached):
{"finalSummary": "what was done, for the user", "done": true}

Available actions:
`)
	sb.WriteString(tools.Schemas())
	sb.WriteString(`

Rules:
- Paths are relative to the workspace root and use forward slashes.
- Actions run in order; every action gets a result, failures included.
- createFile fails if the file exists; use editFile with the full new content instead.
- Mutating actions may need user approval. A rejection is final for that action; do not retry it unchanged.
- Never reply with an empty "actions" list unless "done" is true.`)
	return sb.String()
}

func goalPrompt(goal string) string {
	return "Goal:\n" + goal
}

func resultsPrompt(resultsJSON string) string {
	return "Tool results (JSON, one per action, in order):\n" + resultsJSON + "\n\nContinue with the next step."
}

const parseCorrection = `Your last reply could not be parsed. Reply with exactly one JSON object, either {"commentary": ..., "actions": [...], "done": false} or {"finalSummary": ..., "done": true}. No prose outside the object.`

const emptyActionsCorrection = `Your last reply had no actions and was not final. Either include at least one action in "actions" or reply {"finalSummary": ..., "done": true}.`

func parseDiagnostic(raw string, attempt, limit int) string {
	return fmt.Sprintf("Could not parse model output (retry %d/%d). Output began with:\n%s", attempt, limit, prefix(raw, diagnosticPrefixChars))
}

// step is one decoded model reply.
type step struct {
	Commentary   string `mapstructure:"commentary"`
	Actions      []any  `mapstructure:"actions"`
	Done         bool   `mapstructure:"done"`
	FinalSummary string `mapstructure:"finalSummary"`
}

func decodeStep(obj map[string]any) (step, error) {
	var s step
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return s, err
	}
	if err := dec.Decode(obj); err != nil {
		return s, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if s.FinalSummary == "" {
		if alt, ok := obj["summary"].(string); ok {
			s.FinalSummary = alt
		}
	}
	return s, nil
}

// decodeActions turns the raw action list into tool actions. Entries that do
// not decode become invalid actions so they still produce a result.
func decodeActions(raw []any) []tools.Action {
	out := make([]tools.Action, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			out = append(out, tools.Invalid("", fmt.Errorf("action must be an object, got %T", item)))
			continue
		}
		a, err := tools.DecodeAction(obj)
		if err != nil {
			kind, _ := obj["tool"].(string)
			if kind == "" {
				kind, _ = obj["type"].(string)
			}
			out = append(out, tools.Invalid(kind, err))
			continue
		}
		out = append(out, a)
	}
	return out
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
