package provider

import (
	"context"
	"sync"
)

// ScriptedProvider replays canned replies in order. It records every request
// it receives. Once the script is exhausted it repeats the last reply.
type ScriptedProvider struct {
	mu       sync.Mutex
	replies  []ScriptedReply
	requests []ChatRequest
	model    string
}

// ScriptedReply is one canned answer: either text or an error. A non-nil
// Block is waited on (or ctx) before answering.
type ScriptedReply struct {
	Text  string
	Err   error
	Block <-chan struct{}
}

// NewScriptedProvider creates a provider answering with texts in order.
func NewScriptedProvider(texts ...string) *ScriptedProvider {
	p := &ScriptedProvider{model: "scripted"}
	for _, t := range texts {
		p.replies = append(p.replies, ScriptedReply{Text: t})
	}
	return p
}

// Push appends replies to the script.
func (p *ScriptedProvider) Push(replies ...ScriptedReply) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, replies...)
	return p
}

// DefaultModel returns "scripted".
func (p *ScriptedProvider) DefaultModel() string { return p.model }

// Chat returns the next scripted reply.
func (p *ScriptedProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	idx := len(p.requests)
	cp := *req
	cp.Messages = append([]Message(nil), req.Messages...)
	p.requests = append(p.requests, cp)
	var r ScriptedReply
	switch {
	case len(p.replies) == 0:
		p.mu.Unlock()
		return nil, Unavailable("script is empty")
	case idx < len(p.replies):
		r = p.replies[idx]
	default:
		r = p.replies[len(p.replies)-1]
	}
	p.mu.Unlock()

	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &ChatResponse{Content: r.Text, Model: p.model, FinishReason: "stop"}, nil
}

// Calls returns the number of Chat calls so far.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns copies of the received requests.
func (p *ScriptedProvider) Requests() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatRequest(nil), p.requests...)
}
