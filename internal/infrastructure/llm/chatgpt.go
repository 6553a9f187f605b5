package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"TradeCollector/internal/config"
	"TradeCollector/internal/infrastructure/fetch"
)

// ChatGPTClient calls an OpenAI-compatible chat completions endpoint.
// Requests go through the caller's fetch.Doer so retries and quotas apply.
type ChatGPTClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	temperature  float64
}

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.ChatGPTConfig) *ChatGPTClient {
	return &ChatGPTClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
	}
}

// Configured reports whether the client has everything needed to call the API.
func (c *ChatGPTClient) Configured() bool {
	return c != nil && c.apiKey != "" && c.endpoint != "" && c.model != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends one system+user exchange and returns the assistant text.
func (c *ChatGPTClient) Complete(ctx context.Context, doer fetch.Doer, system, prompt string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("chatgpt client misconfigured")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.safePrompt(system)},
			{Role: "user", Content: prompt},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	resp, err := doer.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    c.endpoint,
		Headers: map[string]string{
			"Authorization": "Bearer " + c.apiKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return "", fmt.Errorf("chatgpt request: %w", err)
	}

	var decoded chatResponse
	if err := resp.DecodeJSON(&decoded); err != nil {
		return "", fmt.Errorf("chatgpt response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("chatgpt response has no choices")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

func (c *ChatGPTClient) safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt != "" {
		return prompt
	}
	if p := strings.TrimSpace(c.systemPrompt); p != "" {
		return p
	}
	return "You are an analyst of the international textile trade. Answer with strict JSON only."
}
