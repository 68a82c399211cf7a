package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"memorychat/internal/config"
	"memorychat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// Completer produces a streamed reply for an ordered message list. Every eino
// chat model satisfies it.
type Completer interface {
	Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error)
}

// NewCompleter builds the chat model selected by basic_config.provider.
func NewCompleter(ctx context.Context, cfg *config.Config) (model.BaseChatModel, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	provider := cfg.BasicConfig.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.BasicConfig.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s has no api key", provider)
	}
	temperature := cfg.BasicConfig.Temperature
	if temperature == nil {
		t := float32(0.7)
		temperature = &t
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai", "groq":
		baseURL := provCfg.BaseURL
		if baseURL == "" && provider == "groq" {
			baseURL = groqBaseURL
		}
		if modelName == "" && provider == "groq" {
			modelName = "llama-3.1-8b-instant"
		}
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     baseURL,
			Model:       modelName,
			APIKey:      provCfg.APIKey,
			Temperature: temperature,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       modelName,
			BaseURL:     baseURLPtr,
			MaxTokens:   3000,
			Temperature: temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}
	return chatModel, nil
}

// StreamText runs a completion and hands every non-empty fragment to onChunk
// in arrival order. It returns the concatenation of all fragments once the
// stream ends cleanly. A stream that breaks off returns the upstream error;
// the partial text is discarded.
func StreamText(ctx context.Context, completer Completer, messages []*schema.Message, onChunk func(string) error) (string, error) {
	reader, err := completer.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("open completion stream: %w", err)
	}
	defer reader.Close()

	var full []byte
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return string(full), nil
		}
		if err != nil {
			return "", fmt.Errorf("completion stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full = append(full, chunk.Content...)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return "", err
			}
		}
	}
}

// SchemaRole maps a stored turn role onto the completion API role.
func SchemaRole(role models.Role) schema.RoleType {
	switch role {
	case models.RoleAssistant:
		return schema.Assistant
	case models.RoleSystem:
		return schema.System
	default:
		return schema.User
	}
}
