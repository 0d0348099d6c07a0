package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	llm "github.com/rlmgo/rlmgo/internal/infrastructure/llm"
	rlmerrors "github.com/rlmgo/rlmgo/pkg/errors"
)

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

const defaultModel = "claude-sonnet-4-20250514"
const defaultMaxTokens = 8192

// Provider drives Claude through the official Anthropic SDK. A single
// completion round trip sends the whole history and returns once the
// model has finished, so no streaming is wired here: the driver only
// ever needs one full response per iteration.
type Provider struct {
	name   string
	apiKey string
	models []string
	client anthropic.Client
	logger *zap.Logger
}

// New creates an Anthropic provider for the completion driver.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Provider{
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		models: cfg.Models,
		client: anthropic.NewClient(opts...),
		logger: logger.With(zap.String("provider", cfg.Name), zap.String("type", "anthropic")),
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

// Complete sends the full conversation history to Claude and returns the
// assistant's reply as a single ProviderResponse. System messages are
// lifted out of the message list into Anthropic's separate System field.
func (p *Provider) Complete(ctx context.Context, history entity.History) (entity.ProviderResponse, error) {
	model := p.modelFor(history)

	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, msg := range history.Messages {
		switch msg.Role {
		case entity.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case entity.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return entity.ProviderResponse{}, p.wrapError(err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			content.WriteString(text.Text)
		}
	}

	return entity.ProviderResponse{
		Content:      content.String(),
		FinishReason: string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Model:        string(msg.Model),
	}, nil
}

func (p *Provider) modelFor(history entity.History) string {
	// The model is selected at provider-construction time via cfg.Models;
	// the first configured model wins, falling back to the Claude default.
	if len(p.models) > 0 {
		return p.models[0]
	}
	return defaultModel
}

func (p *Provider) wrapError(err error) error {
	var apiErr *anthropic.Error
	kind := rlmerrors.KindTimeout
	if errors.As(err, &apiErr) && apiErr.StatusCode != 429 && apiErr.StatusCode < 500 {
		kind = rlmerrors.KindConfig
	}
	return rlmerrors.Wrap(kind, "anthropic completion request failed", err)
}
