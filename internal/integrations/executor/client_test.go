package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

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

var donation = domain.Command{
	UserID:   "u-1",
	Intent:   "initiate_donation",
	Entities: map[string]any{"amount": float64(500), "currency": "ETB"},
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(&fakeGetter{val: `{"token":"exec-token"}`}, "/dialogue", url)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	g := &fakeGetter{}
	_, err := NewClient(nil, "/p", "https://platform.example/commands")
	require.Error(t, err)
	_, err = NewClient(g, " ", "https://platform.example/commands")
	require.Error(t, err)
	for _, bad := range []string{"", "platform.example", "ftp://platform.example", "https://"} {
		_, err = NewClient(g, "/p", bad)
		require.Error(t, err, bad)
	}
	c, err := NewClient(g, "/p", " https://platform.example/commands ")
	require.NoError(t, err)
	require.Equal(t, "https://platform.example/commands", c.endpoint)
}

func TestExecute_HappyPath(t *testing.T) {
	var got domain.Command
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/commands", r.URL.Path)
		require.Equal(t, "Bearer exec-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":"Donation recorded.","reference":"don-42"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL+"/commands").Execute(context.Background(), donation)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionResult{Message: "Donation recorded.", Reference: "don-42"}, res)
	require.Equal(t, donation, got)
}

func TestExecute_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).Execute(context.Background(), donation)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionResult{}, res)
}

func TestExecute_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"campaign closed"}`))
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).Execute(context.Background(), donation)
		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, http.StatusUnprocessableEntity, statusErr.HTTPStatusCode())
		require.Contains(t, err.Error(), "campaign closed")
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`nope`))
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).Execute(context.Background(), donation)
		require.ErrorContains(t, err, "decode response")
	})

	t.Run("missing intent", func(t *testing.T) {
		_, err := newTestClient(t, "http://127.0.0.1:1").Execute(context.Background(), domain.Command{UserID: "u-1"})
		require.ErrorContains(t, err, "no intent")
	})

	t.Run("token", func(t *testing.T) {
		c, err := NewClient(&fakeGetter{err: errors.New("ssm down")}, "/p", "http://127.0.0.1:1")
		require.NoError(t, err)
		_, err = c.Execute(context.Background(), donation)
		require.ErrorContains(t, err, "ssm down")
	})
}
