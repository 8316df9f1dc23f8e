package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trustvoice-dialogue/internal/domain"
)

type fakeGetter struct {
	val string
	err error
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	return f.val, f.err
}

type capturedRequest struct {
	Model    string `json:"model"`
	System   []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func messageBody(text string) string {
	b, _ := json.Marshal(text)
	return fmt.Sprintf(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-test",
		"content": [{"type": "text", "text": %s}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`, b)
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithModel("claude-test"),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	c, err := NewClient(&fakeGetter{val: `{"token":"ak-test"}`}, "/dialogue", "system prompt", opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/p", "prompt")
	require.Error(t, err)
	_, err = NewClient(&fakeGetter{}, "", "prompt")
	require.Error(t, err)
	_, err = NewClient(&fakeGetter{}, "/p", " ")
	require.Error(t, err)

	c, err := NewClient(&fakeGetter{}, "/p/", "prompt", WithModel(""))
	require.NoError(t, err)
	require.Equal(t, defaultModel, c.model)
	require.Equal(t, "/p/anthropic-token", c.tokenParameterName())
	require.Equal(t, "anthropic", c.Name())
}

func TestClient_Invoke_HappyPath(t *testing.T) {
	var got capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "ak-test", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messageBody(`{"message":"Which cause?","ready":false}`)))
	}))
	defer srv.Close()

	raw, err := newTestClient(t, srv).Invoke(context.Background(), "100 dollars", []domain.Message{
		{Role: domain.RoleUser, Text: "I want to donate"},
		{Role: domain.RoleAssistant, Text: "How much?"},
	})
	require.NoError(t, err)
	require.Equal(t, `{"message":"Which cause?","ready":false}`, raw)

	require.Equal(t, "claude-test", got.Model)
	require.Len(t, got.System, 1)
	require.Equal(t, "system prompt", got.System[0].Text)
	require.Len(t, got.Messages, 3)
	require.Equal(t, "user", got.Messages[0].Role)
	require.Equal(t, "assistant", got.Messages[1].Role)
	require.Equal(t, "user", got.Messages[2].Role)
	require.Equal(t, "100 dollars", got.Messages[2].Content[0].Text)
}

func TestClient_Invoke_StatusErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Invoke(context.Background(), "hi", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Equal(t, int32(1), calls.Load())
}

func TestClient_Invoke_TokenError(t *testing.T) {
	c, err := NewClient(&fakeGetter{err: errors.New("ssm unavailable")}, "/dialogue", "prompt")
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), "hi", nil)
	require.ErrorContains(t, err, "ssm unavailable")
}

func TestClient_Interpret(t *testing.T) {
	cases := []struct {
		name       string
		reply      string
		wantIntent string
		wantEnt    map[string]any
		wantErr    bool
	}{
		{
			name:       "clean json",
			reply:      `{"intent":"initiate_donation","entities":{"amount":50,"cause":"school"}}`,
			wantIntent: "initiate_donation",
			wantEnt:    map[string]any{"amount": float64(50), "cause": "school"},
		},
		{
			name:       "json in prose",
			reply:      "Here is the result:\n{\"intent\":\"check_balance\",\"entities\":{}}\nDone.",
			wantIntent: "check_balance",
			wantEnt:    map[string]any{},
		},
		{
			name:  "unclear",
			reply: `{"intent":"","entities":null}`,
		},
		{
			name:    "not json",
			reply:   "I cannot help with that.",
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got capturedRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(messageBody(tc.reply)))
			}))
			defer srv.Close()

			intent, entities, err := newTestClient(t, srv, WithIntentCatalog("- check_balance")).Interpret(context.Background(), "how much have I given")
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantIntent, intent)
			require.Equal(t, tc.wantEnt, entities)
			require.Len(t, got.Messages, 1, "interpreter is context-free")
			require.Contains(t, got.System[0].Text, "- check_balance")
		})
	}
}
