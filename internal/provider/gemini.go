package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient is the slice of the genai SDK the provider uses.
type GeminiClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// RealGeminiClient wraps the official SDK client to satisfy GeminiClient.
type RealGeminiClient struct {
	client *genai.Client
}

// NewRealGeminiClient creates the SDK client for the Gemini API.
func NewRealGeminiClient(ctx context.Context, apiKey string) (*RealGeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &RealGeminiClient{client: client}, nil
}

// GenerateContent calls the SDK's GenerateContent method.
func (c *RealGeminiClient) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return c.client.Models.GenerateContent(ctx, model, contents, config)
}

// GeminiProvider implements LLMProvider on top of google.golang.org/genai.
type GeminiProvider struct {
	client       GeminiClient
	defaultModel string
}

// NewGeminiProvider creates a provider over client.
func NewGeminiProvider(client GeminiClient, defaultModel string) *GeminiProvider {
	return &GeminiProvider{client: client, defaultModel: defaultModel}
}

// DefaultModel returns the configured default model.
func (p *GeminiProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat sends the conversation to Gemini. System messages become the system
// instruction; assistant turns use the "model" role.
func (p *GeminiProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, Unavailable("no model configured for gemini provider")
	}

	contents, system := toGeminiContents(req.Messages)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		config.Temperature = &t
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := p.client.GenerateContent(ctx, model, contents, config)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapGeminiError(err)
	}
	return fromGeminiResponse(resp, model)
}

func toGeminiContents(messages []Message) ([]*genai.Content, string) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{genai.NewPartFromText(m.Content)}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{genai.NewPartFromText(m.Content)}})
		}
	}
	return contents, strings.Join(system, "\n\n")
}

func fromGeminiResponse(resp *genai.GenerateContentResponse, model string) (*ChatResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Error{Code: CodeBadResponse, Err: errors.New("no candidates in response")}
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, &Error{Code: CodeInvalidRequest, Err: errors.New("content blocked by safety filters")}
	}

	var sb strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}

	out := &ChatResponse{
		Content:      sb.String(),
		Model:        model,
		FinishReason: string(candidate.FinishReason),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// mapGeminiError maps SDK API errors onto the provider error taxonomy.
func mapGeminiError(err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return StatusError(apiErr.Code, apiErr.Message)
	}
	return &Error{Code: CodeNetwork, Retryable: true, Err: err}
}
