// Package anthropic adapts Claude models to the dialogue protocol. The same
// client also serves as the single-shot fallback interpreter.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"trustvoice-dialogue/internal/domain"
	"trustvoice-dialogue/internal/integrations/paramstore"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 512
)

const interpretPrompt = `Classify a single user request for a donation platform.
Return JSON only: {"intent": "<operation name or empty string>", "entities": {<details stated in the request>}}.
Use an empty intent when the request is unclear or names no supported operation.

Supported Operations:
`

// StatusError exposes the HTTP status of a failed API call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

type Client struct {
	client       anthropic.Client
	getter       paramstore.Getter
	paramPrefix  string
	model        string
	maxTokens    int64
	systemPrompt string
	catalog      string
}

type Option func(*config)

type config struct {
	model      string
	baseURL    string
	httpClient *http.Client
	catalog    string
}

func WithModel(model string) Option {
	return func(c *config) { c.model = strings.TrimSpace(model) }
}

func WithBaseURL(baseURL string) Option {
	return func(c *config) { c.baseURL = strings.TrimSpace(baseURL) }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *config) { c.httpClient = httpClient }
}

// WithIntentCatalog sets the operation list shown to the fallback
// interpreter.
func WithIntentCatalog(catalog string) Option {
	return func(c *config) { c.catalog = catalog }
}

// NewClient builds a client whose API key is read per call from
// <paramPrefix>/anthropic-token. The SDK's own retries are disabled; the
// orchestrator owns retry policy.
func NewClient(getter paramstore.Getter, paramPrefix, systemPrompt string, opts ...Option) (*Client, error) {
	if getter == nil {
		return nil, errors.New("anthropic: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("anthropic: parameter prefix must not be empty")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, errors.New("anthropic: system prompt must not be empty")
	}

	cfg := config{model: defaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.model == "" {
		cfg.model = defaultModel
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Client{
		client:       anthropic.NewClient(reqOpts...),
		getter:       getter,
		paramPrefix:  paramPrefix,
		model:        cfg.model,
		maxTokens:    defaultMaxTokens,
		systemPrompt: systemPrompt,
		catalog:      cfg.catalog,
	}, nil
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/anthropic-token"
}

func toMessages(history []domain.Message, transcript string) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range domain.HistoryToChat(history) {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == string(domain.RoleAssistant) {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(transcript)))
}

// Invoke runs one dialogue turn.
func (c *Client) Invoke(ctx context.Context, transcript string, history []domain.Message) (string, error) {
	return c.complete(ctx, c.systemPrompt, toMessages(history, transcript))
}

// Interpret classifies transcript without conversation context. An empty
// intent with a nil error means the model could not tell.
func (c *Client) Interpret(ctx context.Context, transcript string) (string, map[string]any, error) {
	text, err := c.complete(ctx, interpretPrompt+c.catalog, toMessages(nil, transcript))
	if err != nil {
		return "", nil, err
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start || !gjson.Valid(text[start:end+1]) {
		return "", nil, fmt.Errorf("anthropic: interpreter reply is not JSON: %.80q", text)
	}
	obj := text[start : end+1]

	intent := strings.TrimSpace(gjson.Get(obj, "intent").String())
	var entities map[string]any
	if e := gjson.Get(obj, "entities"); e.IsObject() {
		entities, _ = e.Value().(map[string]any)
	}
	return intent, entities, nil
}

func (c *Client) complete(ctx context.Context, system string, messages []anthropic.MessageParam) (string, error) {
	apiKey, err := paramstore.Token(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  messages,
	}, option.WithAPIKey(apiKey))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic: response has no text content")
	}
	return b.String(), nil
}
