package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trustvoice-dialogue/internal/domain"
	"trustvoice-dialogue/internal/integrations/paramstore"
)

// HTTPStatusError captures non-2xx responses from the platform.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("executor: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client hands finalized commands to the platform's command webhook.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(getter paramstore.Getter, paramPrefix, endpoint string, opts ...Option) (*Client, error) {
	if getter == nil {
		return nil, errors.New("executor: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("executor: parameter prefix must not be empty")
	}
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("executor: invalid endpoint %q", endpoint)
	}
	c := &Client{
		endpoint:    u.String(),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      getter,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/executor-token"
}

// Execute posts cmd and decodes the platform's result.
func (c *Client) Execute(ctx context.Context, cmd domain.Command) (domain.ExecutionResult, error) {
	if strings.TrimSpace(cmd.Intent) == "" {
		return domain.ExecutionResult{}, errors.New("executor: command has no intent")
	}
	token, err := paramstore.Token(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("executor: %w", err)
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("executor: marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("executor: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("executor: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.ExecutionResult{}, &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}

	var result domain.ExecutionResult
	if res.StatusCode == http.StatusNoContent {
		return result, nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&result); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("executor: decode response: %w", err)
	}
	return result, nil
}
