package openai

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	llm "github.com/rlmgo/rlmgo/internal/infrastructure/llm"
	rlmerrors "github.com/rlmgo/rlmgo/pkg/errors"
)

func init() {
	llm.RegisterFactory("openai", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

const defaultModel = "gpt-4o"

// Provider wraps the official OpenAI client. It also serves any
// OpenAI-compatible endpoint (Bailian/Qwen, DeepSeek, Ollama, vLLM) by
// overriding BaseURL in the provider config.
type Provider struct {
	name   string
	apiKey string
	models []string
	client *openai.Client
	logger *zap.Logger
}

// New creates an OpenAI-compatible provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}

	return &Provider{
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		models: cfg.Models,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger.With(zap.String("provider", cfg.Name), zap.String("type", "openai")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string    { return p.name }
func (p *Provider) Models() []string { return p.models }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// Complete sends the full conversation history as a single (non-streaming)
// chat completion and returns the assistant's reply.
func (p *Provider) Complete(ctx context.Context, history entity.History) (entity.ProviderResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history.Messages))
	for _, msg := range history.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openaiRole(msg.Role),
			Content: msg.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.modelFor(),
		Messages: messages,
	})
	if err != nil {
		return entity.ProviderResponse{}, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return entity.ProviderResponse{}, rlmerrors.New(rlmerrors.KindProtocol, "openai response contained no choices")
	}

	choice := resp.Choices[0]
	return entity.ProviderResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}

func (p *Provider) modelFor() string {
	if len(p.models) > 0 {
		return p.models[0]
	}
	return defaultModel
}

func openaiRole(role entity.Role) string {
	switch role {
	case entity.RoleSystem:
		return openai.ChatMessageRoleSystem
	case entity.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func (p *Provider) wrapError(err error) error {
	var apiErr *openai.APIError
	kind := rlmerrors.KindTimeout
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 429 && apiErr.HTTPStatusCode < 500 {
		kind = rlmerrors.KindConfig
	}
	return rlmerrors.Wrap(kind, "openai completion request failed", err)
}
