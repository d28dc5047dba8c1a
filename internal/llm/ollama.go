package llm

import (
	"context"
	"net/http"
	"strings"
)

// Ollama calls a local Ollama instance.
type Ollama struct {
	url    string
	model  string
	opts   Options
	client *http.Client
}

// NewOllama creates a new Ollama client.
func NewOllama(url, model string, opts Options) *Ollama {
	return &Ollama{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Complete sends a prompt to Ollama's generate endpoint.
func (o *Ollama) Complete(ctx context.Context, prompt string) (*Response, error) {
	req := map[string]any{
		"model":  o.model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": o.opts.Temperature,
			"num_predict": o.opts.MaxTokens,
		},
	}
	var result struct {
		Response        string `json:"response"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := postJSON(ctx, o.client, "ollama", o.url+"/api/generate", nil, req, &result); err != nil {
		return nil, err
	}
	return &Response{
		Content:    result.Response,
		Provider:   "ollama",
		TokensUsed: result.PromptEvalCount + result.EvalCount,
	}, nil
}
