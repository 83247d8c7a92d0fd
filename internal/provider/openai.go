package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// OpenAIProvider speaks the OpenAI chat-completions wire format. It backs
// the "openai" family directly, and is reused — with a different base URL
// and a different Name() — for every family whose API is OpenAI-compatible:
// openrouter, meta-llama, and mistral all fall into this bucket.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider constructs an adapter identifying itself as name,
// talking to baseURL with apiKey as a bearer token.
func NewOpenAIProvider(name, apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{name: name, apiKey: apiKey, baseURL: baseURL, client: client}
}

func (o *OpenAIProvider) Name() string { return o.name }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	Stream    bool            `json:"stream,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	Delta        openAIMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

func toOpenAIRequest(req *ChatRequest) *openAIRequest {
	or := &openAIRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		or.Messages = append(or.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}
	return or
}

func (o *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", o.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("%s API error (status %d): %v", o.name, httpResp.StatusCode, errBody)
	}

	var resp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", o.name, err)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return &ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: text,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (o *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	or := toOpenAIRequest(req)
	or.Stream = true

	body, err := json.Marshal(or)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", o.name, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("%s API error (status %d): %v", o.name, httpResp.StatusCode, errBody)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var respID, model string

		for sse := range scanSSE(ctx, httpResp.Body) {
			if sse.err != nil {
				select {
				case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading %s stream: %w", o.name, sse.err)}:
				case <-ctx.Done():
				}
				return
			}
			if sse.data == "[DONE]" {
				select {
				case ch <- StreamChunk{ID: respID, Model: model, Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var event openAIResponse
			if err := json.Unmarshal([]byte(sse.data), &event); err != nil {
				ch <- StreamChunk{Done: true, Error: fmt.Errorf("decoding %s stream event: %w", o.name, err)}
				return
			}
			if event.ID != "" {
				respID = event.ID
			}
			if event.Model != "" {
				model = event.Model
			}

			if len(event.Choices) == 0 {
				continue
			}
			choice := event.Choices[0]
			chunk := StreamChunk{ID: respID, Model: model, Delta: choice.Delta.Content}
			if choice.FinishReason != "" {
				chunk.Done = true
				if event.Usage.TotalTokens > 0 {
					chunk.Usage = &Usage{
						PromptTokens:     event.Usage.PromptTokens,
						CompletionTokens: event.Usage.CompletionTokens,
						TotalTokens:      event.Usage.TotalTokens,
					}
				}
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return ch, nil
}
