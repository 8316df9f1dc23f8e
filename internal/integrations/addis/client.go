// Package addis adapts a backend specialised in Ethiopian languages
// (Amharic, Afaan Oromo) to the dialogue protocol. One Adapter serves one
// target language.
package addis

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

	"github.com/tidwall/gjson"

	"trustvoice-dialogue/internal/domain"
	"trustvoice-dialogue/internal/integrations/paramstore"
)

const (
	defaultBaseURL   = "https://api.addisassistant.com/api/v1"
	defaultReplyPath = "response_text"
)

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateRequest struct {
	Prompt              string         `json:"prompt"`
	TargetLanguage      string         `json:"target_language"`
	SystemInstruction   string         `json:"system_instruction,omitempty"`
	ConversationHistory []historyEntry `json:"conversation_history"`
	GenerationConfig    generateConfig `json:"generation_config"`
}

type generateConfig struct {
	Temperature float64 `json:"temperature"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("addis: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Adapter struct {
	baseURL      string
	httpClient   *http.Client
	getter       paramstore.Getter
	paramPrefix  string
	language     string
	systemPrompt string
	replyPath    string
}

type Option func(*Adapter)

func WithBaseURL(baseURL string) Option {
	return func(a *Adapter) {
		if u := strings.TrimSpace(baseURL); u != "" {
			a.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = httpClient
	}
}

// WithReplyPath sets the gjson path of the reply text in the response body.
func WithReplyPath(path string) Option {
	return func(a *Adapter) {
		if p := strings.TrimSpace(path); p != "" {
			a.replyPath = p
		}
	}
}

func NewAdapter(getter paramstore.Getter, paramPrefix, language, systemPrompt string, opts ...Option) (*Adapter, error) {
	if getter == nil {
		return nil, errors.New("addis: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("addis: parameter prefix must not be empty")
	}
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return nil, errors.New("addis: language must not be empty")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, errors.New("addis: system prompt must not be empty")
	}
	a := &Adapter{
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 20 * time.Second},
		getter:       getter,
		paramPrefix:  paramPrefix,
		language:     language,
		systemPrompt: systemPrompt,
		replyPath:    defaultReplyPath,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Name() string { return "addis-" + a.language }

func (a *Adapter) tokenParameterName() string {
	return a.paramPrefix + "/addis-ai-token"
}

func toHistory(history []domain.Message) []historyEntry {
	chat := domain.HistoryToChat(history)
	out := make([]historyEntry, 0, len(chat))
	for _, m := range chat {
		role := m.Role
		// The service names the assistant side "model".
		if role == string(domain.RoleAssistant) {
			role = "model"
		}
		out = append(out, historyEntry{Role: role, Content: m.Content})
	}
	return out
}

func (a *Adapter) Invoke(ctx context.Context, transcript string, history []domain.Message) (string, error) {
	apiKey, err := paramstore.Token(ctx, a.getter, a.tokenParameterName())
	if err != nil {
		return "", fmt.Errorf("addis: %w", err)
	}

	body, err := json.Marshal(generateRequest{
		Prompt:              transcript,
		TargetLanguage:      a.language,
		SystemInstruction:   a.systemPrompt,
		ConversationHistory: toHistory(history),
		GenerationConfig:    generateConfig{Temperature: 0.2},
	})
	if err != nil {
		return "", fmt.Errorf("addis: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat_generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("addis: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	res, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("addis: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("addis: read response body: %w", err)
	}
	if !gjson.ValidBytes(buf) {
		return "", errors.New("addis: response is not JSON")
	}
	reply := gjson.GetBytes(buf, a.replyPath)
	if !reply.Exists() {
		return "", fmt.Errorf("addis: response has no %q field", a.replyPath)
	}
	return reply.String(), nil
}
