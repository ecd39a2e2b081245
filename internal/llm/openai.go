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

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, &Error{Message: "prompt is required"}
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"temperature": c.temperature,
	}
	if req.Shape == ShapeJSON {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("marshal chat payload: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("build chat request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("request chat completion: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("read chat response body: %v", err)}
	}
	if resp.StatusCode >= 400 {
		message := fmt.Sprintf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody))
		if resp.StatusCode == http.StatusTooManyRequests || isQuotaMessage(string(rawRespBody)) {
			return Response{}, &Error{Kind: KindQuota, Message: message}
		}
		return Response{}, &Error{Message: message}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("decode chat completion response: %v", err)}
	}
	if len(parsed.Choices) == 0 {
		return Response{}, &Error{Message: "empty chat completion choices"}
	}

	return Response{
		Output:           parsed.Choices[0].Message.Content,
		Model:            c.model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func isQuotaMessage(body string) bool {
	lowered := strings.ToLower(body)
	for _, marker := range []string{"resourceexhausted", "quota", "rate limit", "insufficient_quota"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
