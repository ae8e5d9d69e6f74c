package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/go-resty/resty/v2"

	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/metrics"
	"github.com/agentbus/agentbus/pkg/models"
)

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	model           string
	apiKey          string
	baseURL         string
	inputCostPer1K  float64
	outputCostPer1K float64
	client          *resty.Client
	metrics         *metrics.Metrics
}

// NewOpenAIClient builds the client from config. The API key is read from the
// environment variable named by llm.api_key_env; retries are handled by the
// Retrying decorator, not here.
func NewOpenAIClient(cfg config.LLMConfig, m *metrics.Metrics) *OpenAIClient {
	client := resty.New()
	client.SetTimeout(cfg.Timeout())

	return &OpenAIClient{
		model:           cfg.Model,
		apiKey:          os.Getenv(cfg.APIKeyEnv),
		baseURL:         cfg.BaseURL,
		inputCostPer1K:  cfg.InputCostPer1K,
		outputCostPer1K: cfg.OutputCostPer1K,
		client:          client,
		metrics:         m,
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete performs one chat completion call.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+c.apiKey).
		SetBody(chatRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}).
		Post(c.baseURL + "/chat/completions")
	if err != nil {
		c.metrics.LLMCall("error", 0, 0, 0)
		return nil, fmt.Errorf("llm request failed: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		c.metrics.LLMCall(fmt.Sprintf("http_%d", resp.StatusCode()), 0, 0, 0)
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	var parsed chatResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	usage := models.Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Calls:        1,
		CostUSD: float64(parsed.Usage.PromptTokens)/1000*c.inputCostPer1K +
			float64(parsed.Usage.CompletionTokens)/1000*c.outputCostPer1K,
	}
	c.metrics.LLMCall("ok", usage.InputTokens, usage.OutputTokens, usage.CostUSD)

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Usage:   usage,
	}, nil
}
