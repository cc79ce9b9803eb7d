package generate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/josephgoksu/tunewatch/internal/dataset"
	"github.com/josephgoksu/tunewatch/internal/masking"
)

// Remote providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// DefaultOllamaURL is used when an Ollama provider has no base URL.
const DefaultOllamaURL = "http://localhost:11434"

// RemoteConfig selects a server that hosts the checkpoint being trained,
// typically an OpenAI-compatible inference server or Ollama.
type RemoteConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Seed     int
}

// RemoteModel adapts an eino chat model to Model and ChatModel. Conversations
// are sent as chat turns and templated by the server. Text prompts are
// decoded and sent as a single user turn. Both use temperature 0 unless
// sampling is enabled.
type RemoteModel struct {
	chat model.BaseChatModel
	tok  masking.Tokenizer
}

// NewRemoteModel connects to the configured provider.
func NewRemoteModel(ctx context.Context, cfg RemoteConfig, tok masking.Tokenizer) (*RemoteModel, error) {
	chat, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRemoteModelFrom(chat, tok), nil
}

// NewRemoteModelFrom wraps an existing chat model.
func NewRemoteModelFrom(chat model.BaseChatModel, tok masking.Tokenizer) *RemoteModel {
	return &RemoteModel{chat: chat, tok: tok}
}

func newChatModel(ctx context.Context, cfg RemoteConfig) (model.BaseChatModel, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("remote model name is required")
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		temperature := float32(0)
		seed := cfg.Seed
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Temperature: &temperature,
			Seed:        &seed,
		})
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
		})
	}
	return nil, fmt.Errorf("unsupported remote provider: %s (supported: openai, ollama)", cfg.Provider)
}

// GenerateChat implements ChatModel.
func (m *RemoteModel) GenerateChat(ctx context.Context, msgs []dataset.Message, opts DecodeOptions) (string, error) {
	input := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		input = append(input, toSchema(msg))
	}
	return m.complete(ctx, input, opts)
}

// Generate implements Model.
func (m *RemoteModel) Generate(ctx context.Context, inputIDs []int, opts DecodeOptions) ([]int, error) {
	reply, err := m.complete(ctx, []*schema.Message{schema.UserMessage(m.tok.Decode(inputIDs))}, opts)
	if err != nil {
		return nil, err
	}
	completion := m.tok.Encode(reply)
	if opts.MaxNewTokens > 0 && len(completion) > opts.MaxNewTokens {
		completion = completion[:opts.MaxNewTokens]
	}
	return append(slices.Clone(inputIDs), completion...), nil
}

func (m *RemoteModel) complete(ctx context.Context, input []*schema.Message, opts DecodeOptions) (string, error) {
	callOpts := []model.Option{model.WithMaxTokens(opts.MaxNewTokens)}
	if !opts.DoSample {
		callOpts = append(callOpts, model.WithTemperature(0))
	}
	resp, err := m.chat.Generate(ctx, input, callOpts...)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("remote model returned no message")
	}
	return resp.Content, nil
}

func toSchema(msg dataset.Message) *schema.Message {
	switch msg.Role {
	case dataset.RoleSystem:
		return schema.SystemMessage(msg.Content)
	case dataset.RoleAssistant:
		return schema.AssistantMessage(msg.Content, nil)
	}
	return schema.UserMessage(msg.Content)
}
