// Package policy decides whether a tool action runs directly, needs an
// interactive approval, or is refused.
package policy

import (
	"fmt"
	"time"
)

// Risk tier constants.
const (
	TierReadOnly = 0 // listFiles, readFiles
	TierWrite    = 1 // createFile, editFile
	TierHighRisk = 2 // runCommand
)

// Context holds information about a pending tool action.
type Context struct {
	Action        string
	Tier          int
	Path          string
	CorrelationID string
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow            bool
	RequiresApproval bool // true when the action may proceed after an interactive approval
	Reason           string
	Tier             int
	Ts               time.Time
	CorrelationID    string
}

// Engine evaluates whether a tool action should proceed.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// DefaultEngine compares the action tier against an auto-approve ceiling.
type DefaultEngine struct {
	// MaxAutoTier is the highest tier that runs without approval.
	// Actions above it require approval.
	MaxAutoTier int
	// DeniedActions lists action kinds that are never executed.
	DeniedActions map[string]bool
	// AutoApprove lists action kinds that run without approval whatever
	// their tier.
	AutoApprove map[string]bool
}

// NewDefaultEngine creates a policy engine that asks for approval on every
// mutating action.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{
		MaxAutoTier: TierReadOnly,
	}
}

// NewPermissiveEngine creates a policy engine that never asks for approval.
func NewPermissiveEngine() *DefaultEngine {
	return &DefaultEngine{
		MaxAutoTier: TierHighRisk,
	}
}

// Evaluate checks the denied list and the tier ceiling.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	d := Decision{
		Tier:          ctx.Tier,
		Ts:            time.Now(),
		CorrelationID: ctx.CorrelationID,
	}

	if e.DeniedActions[ctx.Action] {
		d.Reason = fmt.Sprintf("action_%s_denied", ctx.Action)
		return d
	}

	if ctx.Tier == TierReadOnly {
		d.Allow = true
		d.Reason = "tier_0_always_allowed"
		return d
	}

	if ctx.Tier > e.MaxAutoTier && !e.AutoApprove[ctx.Action] {
		d.Allow = true
		d.RequiresApproval = true
		d.Reason = fmt.Sprintf("tier_%d_requires_approval", ctx.Tier)
		return d
	}

	d.Allow = true
	d.Reason = fmt.Sprintf("tier_%d_auto_approved", ctx.Tier)
	return d
}
