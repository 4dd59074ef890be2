// Package llm wraps an OpenAI-compatible endpoint for chat completion and
// embeddings.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bernard/ledger/pkg/logger"
)

// ErrNoChoices is returned when a completion response carries no choices.
var ErrNoChoices = errors.New("llm: completion returned no choices")

// ChatConfig configures a ChatClient.
type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
}

// ChatClient performs chat completions.
type ChatClient struct {
	client *openai.Client
	cfg    ChatConfig
	log    logger.Logger
}

func newClient(baseURL, apiKey string) *openai.Client {
	conf := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		conf.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(conf)
}

// NewChatClient creates a ChatClient.
func NewChatClient(cfg ChatConfig, log logger.Logger) (*ChatClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	return &ChatClient{
		client: newClient(cfg.BaseURL, cfg.APIKey),
		cfg:    cfg,
		log:    logger.OrGlobal(log).With("component", "llm", "model", cfg.Model),
	}, nil
}

// Complete sends a system and user message and returns the first choice.
func (c *ChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if c.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = c.cfg.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	c.log.DebugContext(ctx, "chat completion", "finish_reason", resp.Choices[0].FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}

// EmbeddingConfig configures an EmbeddingClient.
type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// EmbeddingClient creates embeddings.
type EmbeddingClient struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewEmbeddingClient creates an EmbeddingClient.
func NewEmbeddingClient(cfg EmbeddingConfig) (*EmbeddingClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	return &EmbeddingClient{
		client: newClient(cfg.BaseURL, cfg.APIKey),
		model:  openai.EmbeddingModel(cfg.Model),
	}, nil
}

// EmbedDocuments embeds texts in one request. Vectors are returned in input
// order.
func (e *EmbeddingClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (e *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
