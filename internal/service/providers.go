package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"
)

const summaryMaxTokens = 2048

// openAICompleter talks to the Chat Completions API or any compatible
// endpoint selected by baseURL.
type openAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI-backed provider. An empty baseURL
// uses the public endpoint.
func NewOpenAIProvider(apiKey, baseURL, model string, maxChars int, opts ...option.RequestOption) Provider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	client := openai.NewClient(reqOpts...)
	return &llmProvider{
		name:     "openai",
		c:        &openAICompleter{client: &client, model: model},
		maxChars: maxChars,
	}
}

func (c *openAICompleter) complete(ctx context.Context, system string, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:     c.model,
		MaxTokens: openai.Int(summaryMaxTokens),
	}
	params.Messages = append(params.Messages, openai.SystemMessage(system))
	for _, m := range messages {
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		} else {
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// geminiCompleter uses the Gemini API through the genai SDK.
type geminiCompleter struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(ctx context.Context, apiKey, model string, maxChars int) (Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &llmProvider{
		name:     "gemini",
		c:        &geminiCompleter{client: client, model: model},
		maxChars: maxChars,
	}, nil
}

func (c *geminiCompleter) complete(ctx context.Context, system string, messages []Message) (string, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	temperature := float32(0.3)
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		Temperature:       &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini generate: empty response")
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// ollamaCompleter calls a local Ollama server over its /api/chat endpoint.
type ollamaCompleter struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaProvider creates a provider for a local Ollama server.
func NewOllamaProvider(baseURL, model string, maxChars int) Provider {
	return &llmProvider{
		name: "ollama",
		c: &ollamaCompleter{
			baseURL: strings.TrimRight(baseURL, "/"),
			model:   model,
			client:  &http.Client{Timeout: 300 * time.Second},
		},
		maxChars: maxChars,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

func (c *ollamaCompleter) complete(ctx context.Context, system string, messages []Message) (string, error) {
	req := ollamaChatRequest{Model: c.model}
	req.Messages = append(req.Messages, ollamaMessage{Role: "system", Content: system})
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("ollama: bad response (status %d): %w", resp.StatusCode, err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama error: %s", result.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// OllamaModel is one entry of the Ollama model list.
type OllamaModel struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// ListOllamaModels returns the models installed on an Ollama server.
func ListOllamaModels(ctx context.Context, baseURL string) ([]OllamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API returned status: %d", resp.StatusCode)
	}

	var result struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Models, nil
}
