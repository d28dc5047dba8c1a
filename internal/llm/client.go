package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lazypower/karmagraph/internal/config"
)

// Client is the interface for generation providers. The memory engine treats
// it as an opaque collaborator: it hands over a prompt built from graph
// context and returns whatever text comes back.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response holds the result of a completion.
type Response struct {
	Content    string `json:"content"`
	Provider   string `json:"provider"`
	TokensUsed int    `json:"tokens_used"`
}

// Options tune generation for every provider.
type Options struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultOptions returns the generation defaults.
func DefaultOptions() Options {
	return Options{Temperature: 0.3, MaxTokens: 2048, Timeout: 120 * time.Second}
}

// NewClient creates a client for the configured provider. Provider "none"
// (or empty) returns a nil client and no error: generation is disabled.
func NewClient(cfg config.LLMConfig) (Client, error) {
	opts := DefaultOptions()
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.AnthropicKey, model, opts), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model, opts), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

// postJSON sends body as JSON and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s api: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s api status %d: %s", provider, resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
