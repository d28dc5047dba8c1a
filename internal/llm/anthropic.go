package llm

import (
	"context"
	"net/http"
	"strings"
)

const anthropicAPI = "https://api.anthropic.com/v1/messages"

// Anthropic calls the Anthropic Messages API directly.
type Anthropic struct {
	apiKey string
	model  string
	url    string
	opts   Options
	client *http.Client
}

// NewAnthropic creates a new Anthropic API client.
func NewAnthropic(apiKey, model string, opts Options) *Anthropic {
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		url:    anthropicAPI,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Complete sends a prompt to the Anthropic API. Text blocks of the reply are
// concatenated.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (*Response, error) {
	req := map[string]any{
		"model":       a.model,
		"max_tokens":  a.opts.MaxTokens,
		"temperature": a.opts.Temperature,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := postJSON(ctx, a.client, "anthropic", a.url, headers, req, &result); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Content:    text.String(),
		Provider:   "anthropic",
		TokensUsed: result.Usage.InputTokens + result.Usage.OutputTokens,
	}, nil
}
