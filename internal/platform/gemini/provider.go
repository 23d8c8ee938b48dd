// Package gemini implements the llm.Provider contract on top of Google's
// Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/kestrel-ci/kestrel/internal/config"
	"github.com/kestrel-ci/kestrel/internal/llm"
	"github.com/kestrel-ci/kestrel/internal/retry"
)

// Provider is the Gemini-backed llm.Provider.
type Provider struct {
	logger *slog.Logger
	client *genai.Client
	model  string
}

// compile-time interface check
var _ llm.Provider = (*Provider)(nil)

// NewProvider creates a Gemini provider from the LLM configuration.
func NewProvider(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Provider, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("model name cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Provider{
		logger: logger,
		client: client,
		model:  cfg.ModelName,
	}, nil
}

// Name identifies the vendor.
func (p *Provider) Name() string {
	return "gemini"
}

// generateConfig translates the vendor-agnostic request knobs.
func generateConfig(req llm.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	return cfg
}

// CreateCompletion performs a single blocking completion call.
func (p *Provider) CreateCompletion(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if req.Prompt == "" {
		return nil, retry.NewClassifiedError(retry.KindInvalidRequest, ErrEmptyPrompt)
	}

	p.logger.DebugContext(ctx, "calling Gemini API",
		"model", p.model,
		"prompt_length", len(req.Prompt))

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), generateConfig(req))
	if err != nil {
		return nil, classifyError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		// A well-formed call that produced nothing will not self-heal.
		return nil, retry.NewClassifiedError(retry.KindInvalidRequest, ErrEmptyResponse)
	}

	out := &llm.CompletionResponse{
		Text:         resp.Text(),
		ModelName:    p.model,
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	p.logger.DebugContext(ctx, "Gemini API call successful",
		"model", p.model,
		"finish_reason", out.FinishReason,
		"output_tokens", out.OutputTokens)
	return out, nil
}

// CreateStreamingCompletion starts a streaming completion. Chunks are
// forwarded until the provider stream ends; the final chunk carries
// Done=true. Cancelling ctx stops the underlying stream.
func (p *Provider) CreateStreamingCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	if req.Prompt == "" {
		return nil, retry.NewClassifiedError(retry.KindInvalidRequest, ErrEmptyPrompt)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, genai.Text(req.Prompt), generateConfig(req)) {
			if err != nil {
				select {
				case out <- llm.StreamChunk{Err: classifyError(err)}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- llm.StreamChunk{Delta: resp.Text()}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- llm.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// HealthCheck issues a minimal generation call to verify reachability
// and credentials.
func (p *Provider) HealthCheck(ctx context.Context) error {
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: 1}
	_, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text("ping"), cfg)
	if err != nil {
		return classifyError(err)
	}
	return nil
}
