package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeCollector/internal/config"
	"TradeCollector/internal/infrastructure/fetch"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be terse", req.Messages[0].Content)
		assert.Equal(t, "find news", req.Messages[1].Content)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  {\"articles\":[]} "}}]}`))
	}))
	defer srv.Close()

	client := NewChatGPTClient(config.ChatGPTConfig{Endpoint: srv.URL, Model: "gpt-test", APIKey: "key"})
	out, err := client.Complete(context.Background(), fetch.New(fetch.Config{}), "be terse", "find news")
	require.NoError(t, err)
	assert.Equal(t, `{"articles":[]}`, out)
}

func TestCompleteRequiresConfiguration(t *testing.T) {
	t.Parallel()

	client := NewChatGPTClient(config.ChatGPTConfig{Endpoint: "https://api.example.org", Model: "m"})
	assert.False(t, client.Configured())

	_, err := client.Complete(context.Background(), fetch.New(fetch.Config{}), "", "x")
	require.Error(t, err)
}

func TestCompleteSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewChatGPTClient(config.ChatGPTConfig{Endpoint: srv.URL, Model: "m", APIKey: "k"})
	_, err := client.Complete(context.Background(), fetch.New(fetch.Config{BaseDelay: time.Millisecond}), "", "x")

	kind, ok := fetch.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fetch.KindHTTPStatus, kind)
}

func TestSafePromptFallsBack(t *testing.T) {
	t.Parallel()

	withDefault := NewChatGPTClient(config.ChatGPTConfig{SystemPrompt: "configured"})
	assert.Equal(t, "configured", withDefault.safePrompt("  "))
	assert.Equal(t, "explicit", withDefault.safePrompt("explicit"))
	assert.NotEmpty(t, (&ChatGPTClient{}).safePrompt(""))
}
