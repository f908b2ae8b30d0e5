// Package gemini wraps the Gemini API client for text embeddings and review generation.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/upstream"
	"google.golang.org/genai"
)

// Client is bound to one embedding model and one generation model.
type Client struct {
	models         *genai.Models
	embeddingModel string
	generateModel  string
	policy         upstream.Policy
}

// Options configures a Client. BaseURL overrides the public endpoint.
type Options struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	GenerateModel  string
	HTTPClient     *http.Client
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is not set")
	}
	httpCli := opts.HTTPClient
	if httpCli == nil {
		httpCli = &http.Client{Timeout: 120 * time.Second}
	}
	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpCli,
	}
	if base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); base != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base + "/"}
	}
	client, errNew := genai.NewClient(ctx, cfg)
	if errNew != nil {
		return nil, fmt.Errorf("gemini: %w", errNew)
	}
	return &Client{
		models:         client.Models,
		embeddingModel: opts.EmbeddingModel,
		generateModel:  opts.GenerateModel,
		policy:         upstream.Policy{MaxRetries: 3, InitialInterval: time.Second, MaxInterval: 20 * time.Second},
	}, nil
}

func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}

func retryable(err error) bool {
	return upstream.RetryableStatus(statusOf(err))
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp *genai.EmbedContentResponse
	errEmbed := c.policy.Retry(ctx, retryable, func() error {
		var err error
		resp, err = c.models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), nil)
		return err
	})
	if errEmbed != nil {
		return nil, apperr.Upstream("embedding request failed", errEmbed)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, apperr.Upstream("embedding response was empty", nil)
	}
	return resp.Embeddings[0].Values, nil
}

// Generate returns the model's text answer to prompt under the given system instruction.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	var resp *genai.GenerateContentResponse
	errGen := c.policy.Retry(ctx, retryable, func() error {
		var err error
		resp, err = c.models.GenerateContent(ctx, c.generateModel, genai.Text(prompt), config)
		return err
	})
	if errGen != nil {
		return "", apperr.Upstream("generation request failed", errGen)
	}
	text := ""
	if resp != nil {
		text = resp.Text()
	}
	if strings.TrimSpace(text) == "" {
		return "", apperr.Upstream("generation returned no content", nil)
	}
	return text, nil
}
