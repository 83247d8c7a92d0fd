package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoogleChatCompletionParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.Contains(r.URL.Path, "gemini-1.5-flash:generateContent"))
		assert.Equal(t, "sk-goog-test", r.URL.Query().Get("key"))

		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Parts: []geminiPart{{Text: "hi there"}}}, FinishReason: "STOP"},
			},
			UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 2, TotalTokenCount: 7},
		})
	}))
	defer srv.Close()

	p := NewGoogleProvider(Credential{Family: FamilyGoogle, APIKey: "sk-goog-test"}, srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "gemini-1.5-flash",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestGoogleChatCompletionStreamDeliversChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		events := []geminiResponse{
			{Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "hi"}}}}}},
			{
				Candidates:    []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: " there"}}}, FinishReason: "STOP"}},
				UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 2, TotalTokenCount: 7},
			},
		}
		for _, e := range events {
			b, _ := json.Marshal(e)
			w.Write([]byte("data: " + string(b) + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewGoogleProvider(Credential{Family: FamilyGoogle, APIKey: "sk-goog-test"}, srv.URL, srv.Client())
	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{Model: "gemini-1.5-flash", Stream: true})
	require.NoError(t, err)

	var deltas []string
	var sawDone bool
	for chunk := range ch {
		require.NoError(t, chunk.Error)
		if chunk.Delta != "" {
			deltas = append(deltas, chunk.Delta)
		}
		if chunk.Done {
			sawDone = true
			require.NotNil(t, chunk.Usage)
			assert.Equal(t, 7, chunk.Usage.TotalTokens)
		}
	}

	assert.True(t, sawDone)
	assert.Equal(t, []string{"hi", " there"}, deltas)
}
