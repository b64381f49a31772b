// Package llm generates reply text from conversation history via Groq's
// OpenAI-compatible chat completions API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Roles used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GroqClient calls Groq chat completions.
type GroqClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
}

const groqEndpoint = "https://api.groq.com/openai/v1/chat/completions"

type chatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewGroqClient(apiKey, model string) *GroqClient {
	if model == "" {
		model = "llama-3.1-8b-instant"
	}
	return &GroqClient{
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		APIKey:     apiKey,
		Model:      model,
	}
}

// Generate produces one reply for the given ordered history. Cancelling ctx
// aborts the request; spoken replies are kept short via max_tokens.
func (c *GroqClient) Generate(ctx context.Context, history []Message) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("groq api key missing")
	}
	if len(history) == 0 {
		return "", fmt.Errorf("groq: empty history")
	}

	reqBody, _ := json.Marshal(chatCompletionsRequest{
		Model:       c.Model,
		Messages:    history,
		Temperature: 0.7,
		MaxTokens:   150,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, groqEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("groq error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("groq: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
