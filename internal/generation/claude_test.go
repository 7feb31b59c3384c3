package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaude_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "summarise this", req.Messages[0].Content)

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"Title\":\"x\"}"}]}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "secret", Model: "test-model", BaseURL: srv.URL})
	defer c.Close()

	text, err := c.Generate(context.Background(), "summarise this")
	require.NoError(t, err)
	assert.Equal(t, `{"Title":"x"}`, text)
	assert.Equal(t, 1, c.Stats.Snapshot().Count)
	assert.Equal(t, "test-model", c.Model())
}

func TestClaude_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"overloaded", 529, true},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"type":"x","message":"nope"}}`))
			}))
			defer srv.Close()

			c := NewClaude(ClaudeConfig{APIKey: "k", BaseURL: srv.URL})
			_, err := c.Generate(context.Background(), "p")

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnavailable)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.StatusCode)
			assert.Equal(t, tc.transient, apiErr.Transient())
			assert.Equal(t, 0, c.Stats.Snapshot().Count, "failed calls are not recorded")
		})
	}
}

func TestClaude_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	_, err := NewClaude(ClaudeConfig{BaseURL: srv.URL}).Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrUnavailable)
}
