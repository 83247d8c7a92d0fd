// Package stream handles SSE writing to the client and capture of streamed
// response text for storage.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/kestrel-labs/memoryrouter/internal/provider"
)

// sseChunk is the top-level JSON object in each SSE event. Our API surface
// matches OpenAI's streaming format regardless of which family actually
// produced the chunk, so every provider.StreamChunk gets translated into
// this shape before it reaches the client.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
	Usage   *sseUsage   `json:"usage,omitempty"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type sseDelta struct {
	Content string `json:"content,omitempty"`
}

type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Write drains chunks and writes each as an OpenAI-compatible
// "data: {json}\n\n" Server-Sent Event, flushing after every write so the
// client sees tokens as they arrive. chunks is ordinarily the client-facing
// half of a stream.Tee — the other half accumulates the same tokens for
// storage — but Write itself only knows about the channel, not where it
// came from.
func Write(w http.ResponseWriter, chunks <-chan provider.StreamChunk) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range chunks {
		if chunk.Error != nil {
			log.Printf("stream error: %v", chunk.Error)
			// Headers are already sent, so the status code can't change at
			// this point. The client learns the stream failed by its
			// absence of a "data: [DONE]" sentinel.
			return chunk.Error
		}

		event := sseChunk{
			ID:     chunk.ID,
			Object: "chat.completion.chunk",
			Model:  chunk.Model,
			Choices: []sseChoice{
				{Index: 0, Delta: sseDelta{Content: chunk.Delta}},
			},
		}

		// A provider can attach trailing content to its final chunk
		// (Gemini does this — text and finishReason in the same event), so
		// flush that as its own content event before the finish event.
		if chunk.Done {
			if chunk.Delta != "" {
				jsonBytes, err := json.Marshal(event)
				if err != nil {
					return fmt.Errorf("marshaling SSE chunk: %w", err)
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
					return fmt.Errorf("writing SSE event: %w", err)
				}
				flusher.Flush()
			}

			reason := "stop"
			event.Choices[0].FinishReason = &reason
			event.Choices[0].Delta = sseDelta{}

			if chunk.Usage != nil {
				event.Usage = &sseUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
		}

		jsonBytes, err := json.Marshal(event)
		if err != nil {
			log.Printf("failed to marshal SSE chunk: %v", err)
			return fmt.Errorf("marshaling SSE chunk: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()
	}

	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()

	return nil
}
