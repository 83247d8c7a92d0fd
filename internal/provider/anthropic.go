package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AnthropicProvider speaks Anthropic's Messages API. Like every adapter
// here, it is constructed fresh per request from the caller's own BYOK
// credential — there is no server-owned Anthropic key anywhere in this
// process.
type AnthropicProvider struct {
	cred    Credential
	baseURL string
	client  *http.Client
}

// NewAnthropicProvider builds an adapter scoped to cred, talking to
// baseURL (the family default unless cred.BaseURL overrode it — see
// Router.Provider).
func NewAnthropicProvider(cred Credential, baseURL string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{cred: cred, baseURL: baseURL, client: client}
}

func (a *AnthropicProvider) Name() string { return FamilyAnthropic }

// anthropicRequest is the /v1/messages request body. Unlike the unified
// ChatRequest, "system" is a top-level string rather than a message with
// role "system", and max_tokens is required.
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// anthropicContentBlock is one block of a response; we only care about
// blocks of type "text" (Anthropic also returns tool_use blocks, which
// this adapter doesn't generate requests for).
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Anthropic's stream sends named events, each a different JSON shape:
// message_start carries the response ID/model/input tokens,
// content_block_delta carries one text token, message_delta carries the
// stop reason and output tokens, message_stop ends the stream. One struct
// covers every shape; fields irrelevant to the current event type stay
// zero-valued.
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// anthropicAPIVersion pins the dated API version Anthropic requires on
// every request.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens fills max_tokens when the caller didn't set one —
// Anthropic rejects requests missing it.
const defaultMaxTokens = 1024

func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{Model: req.Model}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	ar.MaxTokens = defaultMaxTokens
	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	}

	return ar
}

func (a *AnthropicProvider) newRequest(ctx context.Context, anthropicReq *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cred.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	httpReq, err := a.newRequest(ctx, toAnthropicRequest(req))
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("anthropic API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}

	var text string
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return &ChatResponse{
		ID:      anthropicResp.ID,
		Model:   anthropicResp.Model,
		Content: text,
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	anthropicReq := toAnthropicRequest(req)
	anthropicReq.Stream = true

	httpReq, err := a.newRequest(ctx, anthropicReq)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("anthropic API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		// Anthropic spreads response metadata across several events rather
		// than repeating it on each one, so we accumulate it here and
		// assemble the final Done chunk from whatever arrived earlier.
		var (
			respID       string
			model        string
			inputTokens  int
			outputTokens int
		)

		for sse := range scanSSE(ctx, httpResp.Body) {
			if sse.err != nil {
				select {
				case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading anthropic stream: %w", sse.err)}:
				case <-ctx.Done():
				}
				return
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(sse.data), &event); err != nil {
				ch <- StreamChunk{Done: true, Error: fmt.Errorf("decoding anthropic stream event: %w", err)}
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					respID = event.Message.ID
					model = event.Message.Model
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				select {
				case ch <- StreamChunk{ID: respID, Model: model, Delta: event.Delta.Text}:
				case <-ctx.Done():
					return
				}

			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				chunk := StreamChunk{
					ID: respID, Model: model, Done: true,
					Usage: &Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				}
				select {
				case ch <- chunk:
				case <-ctx.Done():
				}
				return

			// content_block_start, content_block_stop, ping carry nothing
			// this adapter needs.
			}
		}
	}()

	return ch, nil
}
