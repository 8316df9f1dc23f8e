package openai

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

	"trustvoice-dialogue/internal/domain"
	"trustvoice-dialogue/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int                `json:"index"`
		Message      domain.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Adapter is the multilingual backend. It speaks the OpenAI-compatible Chat
// Completions protocol, so any compatible gateway can be pointed at.
type Adapter struct {
	baseURL      string
	httpClient   *http.Client
	getter       paramstore.Getter
	paramPrefix  string
	model        string
	systemPrompt string
	temperature  float64
}

type Option func(*Adapter)

func WithBaseURL(baseURL string) Option {
	return func(a *Adapter) {
		if u := strings.TrimSpace(baseURL); u != "" {
			a.baseURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(a *Adapter) {
		if m := strings.TrimSpace(model); m != "" {
			a.model = m
		}
	}
}

func WithTemperature(t float64) Option {
	return func(a *Adapter) {
		a.temperature = t
	}
}

// NewAdapter creates an Adapter. The API key is read from
// <paramPrefix>/open-ai-token on use; wrap getter in a paramstore.Cache to
// avoid a lookup per turn.
func NewAdapter(getter paramstore.Getter, paramPrefix, systemPrompt string, opts ...Option) (*Adapter, error) {
	if getter == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, errors.New("openai: system prompt must not be empty")
	}
	a := &Adapter{
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 20 * time.Second},
		getter:       getter,
		paramPrefix:  paramPrefix,
		model:        defaultModel,
		systemPrompt: systemPrompt,
		temperature:  0.2,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) tokenParameterName() string {
	return a.paramPrefix + "/open-ai-token"
}

func (a *Adapter) resolvedHTTPClient() *http.Client {
	if a.httpClient != nil {
		return a.httpClient
	}
	return &http.Client{Timeout: 20 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// buildMessages lays out the prompt, the prior conversation in order, and the
// current transcript last.
func (a *Adapter) buildMessages(transcript string, history []domain.Message) []domain.ChatMessage {
	prior := domain.HistoryToChat(history)
	msgs := make([]domain.ChatMessage, 0, len(prior)+2)
	msgs = append(msgs, domain.ChatMessage{Role: "system", Content: a.systemPrompt})
	msgs = append(msgs, prior...)
	msgs = append(msgs, domain.ChatMessage{Role: string(domain.RoleUser), Content: transcript})
	return msgs
}

// Invoke returns the raw assistant content for the next turn.
func (a *Adapter) Invoke(ctx context.Context, transcript string, history []domain.Message) (string, error) {
	apiKey, err := paramstore.Token(ctx, a.getter, a.tokenParameterName())
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}

	temperature := a.temperature
	body, err := json.Marshal(chatRequest{
		Model:          a.model,
		Messages:       a.buildMessages(transcript, history),
		Temperature:    &temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(a.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := a.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

func (a *Adapter) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := a.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
