// Package tools executes the closed set of file and command actions a plan
// step may request, under a path allow-list and an approval gate.
package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/KafClaw/goalrun/internal/policy"
)

// Action kinds as they appear on the wire.
const (
	ActionListFiles  = "listFiles"
	ActionReadFiles  = "readFiles"
	ActionCreateFile = "createFile"
	ActionEditFile   = "editFile"
	ActionRunCommand = "runCommand"
)

// Action is one validated directive from a plan step. The set of
// implementations is closed.
type Action interface {
	// Kind returns the wire name of the action.
	Kind() string
	action()
}

// ListFiles walks the allowed roots.
type ListFiles struct {
	Glob string `mapstructure:"glob" json:"glob,omitempty"`
	Max  int    `mapstructure:"max" json:"max,omitempty"`
}

// ReadFiles reads each file independently.
type ReadFiles struct {
	Files []string `mapstructure:"files" json:"files"`
}

// CreateFile writes a new file. It fails if the target exists.
type CreateFile struct {
	Path    string `mapstructure:"path" json:"path"`
	Content string `mapstructure:"content" json:"content"`
}

// EditFile replaces the whole content of an existing file.
type EditFile struct {
	Path    string `mapstructure:"path" json:"path"`
	Content string `mapstructure:"content" json:"content"`
}

// RunCommand runs a shell command.
type RunCommand struct {
	Command string `mapstructure:"command" json:"command"`
	Cwd     string `mapstructure:"cwd" json:"cwd,omitempty"`
	// TimeoutMs is nil when the model left it out.
	TimeoutMs *int `mapstructure:"timeoutMs" json:"timeoutMs,omitempty"`
}

// invalid stands in for an action that failed to decode, so that it still
// yields a result in its position.
type invalid struct {
	kind string
	err  error
}

func (ListFiles) Kind() string  { return ActionListFiles }
func (ReadFiles) Kind() string  { return ActionReadFiles }
func (CreateFile) Kind() string { return ActionCreateFile }
func (EditFile) Kind() string   { return ActionEditFile }
func (RunCommand) Kind() string { return ActionRunCommand }
func (a invalid) Kind() string {
	if a.kind == "" {
		return "unknown"
	}
	return a.kind
}

func (ListFiles) action()  {}
func (ReadFiles) action()  {}
func (CreateFile) action() {}
func (EditFile) action()   {}
func (RunCommand) action() {}
func (invalid) action()    {}

// Invalid wraps a decode failure as an Action. Executing it yields an
// InvalidAction result without side effects.
func Invalid(kind string, err error) Action {
	return invalid{kind: kind, err: err}
}

// Tier returns the policy risk tier for an action kind.
func Tier(kind string) int {
	switch kind {
	case ActionCreateFile, ActionEditFile:
		return policy.TierWrite
	case ActionRunCommand:
		return policy.TierHighRisk
	default:
		return policy.TierReadOnly
	}
}

// DecodeAction builds an Action from one raw JSON object. The discriminator
// is "tool", with "type" accepted as an alias.
func DecodeAction(raw map[string]any) (Action, error) {
	kind, _ := raw["tool"].(string)
	if kind == "" {
		kind, _ = raw["type"].(string)
	}

	var a Action
	var err error
	switch kind {
	case ActionListFiles:
		a, err = decodeInto[ListFiles](raw)
	case ActionReadFiles:
		a, err = decodeInto[ReadFiles](raw)
	case ActionCreateFile:
		a, err = decodeInto[CreateFile](raw)
	case ActionEditFile:
		a, err = decodeInto[EditFile](raw)
	case ActionRunCommand:
		a, err = decodeInto[RunCommand](raw)
	case "":
		err = errors.New("missing tool name")
	default:
		err = fmt.Errorf("unknown tool %q", kind)
	}
	if err != nil {
		return nil, &Error{Kind: InvalidAction, Err: err}
	}
	if err := validate(a); err != nil {
		return nil, &Error{Kind: InvalidAction, Err: fmt.Errorf("%s: %w", kind, err)}
	}
	return a, nil
}

func decodeInto[T Action](raw map[string]any) (Action, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}

func validate(a Action) error {
	switch v := a.(type) {
	case ReadFiles:
		if len(v.Files) == 0 {
			return errors.New("files is required")
		}
	case CreateFile:
		if strings.TrimSpace(v.Path) == "" {
			return errors.New("path is required")
		}
	case EditFile:
		if strings.TrimSpace(v.Path) == "" {
			return errors.New("path is required")
		}
	case RunCommand:
		if strings.TrimSpace(v.Command) == "" {
			return errors.New("command is required")
		}
	}
	return nil
}

// Schemas describes the action set for the planning prompt.
func Schemas() string {
	return strings.Join([]string{
		`{"tool":"listFiles","glob"?:string,"max"?:number}  list files; glob is a case-insensitive substring`,
		`{"tool":"readFiles","files":[string]}  read files`,
		`{"tool":"createFile","path":string,"content":string}  create a new file`,
		`{"tool":"editFile","path":string,"content":string}  replace the whole content of an existing file`,
		`{"tool":"runCommand","command":string,"cwd"?:string,"timeoutMs"?:number}  run a shell command`,
	}, "\n")
}
