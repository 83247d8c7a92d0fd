package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// GoogleProvider speaks Gemini's generateContent API. Unlike the other two
// families, Gemini authenticates via a query parameter rather than a
// header, so the API key has to be threaded into the URL on every call
// instead of set once on the request.
type GoogleProvider struct {
	cred    Credential
	baseURL string
	client  *http.Client
}

// NewGoogleProvider builds an adapter scoped to cred, talking to baseURL
// (the family default unless cred.BaseURL overrode it — see
// Router.Provider).
func NewGoogleProvider(cred Credential, baseURL string, client *http.Client) *GoogleProvider {
	return &GoogleProvider{cred: cred, baseURL: baseURL, client: client}
}

func (g *GoogleProvider) Name() string { return FamilyGoogle }

// geminiRequest is the generateContent request body. Gemini has no notion
// of a "system" role message; system content is pulled into its own
// top-level field, and assistant turns use role "model" rather than
// "assistant".
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one turn. Parts is an array because Gemini is
// multimodal; this adapter only ever sends a single text part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

// geminiResponse is shared by both generateContent and
// streamGenerateContent — Gemini repeats this same shape on every SSE
// event rather than sending distinct event types the way Anthropic does.
type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func toGeminiRequest(req *ChatRequest) *geminiRequest {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			} else {
				gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: msg.Content})
			}
			continue
		}

		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: msg.Content}}})
	}

	if req.MaxTokens > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}

	return gr
}

func (g *GoogleProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	geminiReq := toGeminiRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, req.Model, g.cred.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("gemini API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	candidate := geminiResp.Candidates[0]
	resp := &ChatResponse{
		Model:   req.Model,
		Content: candidate.Content.Parts[0].Text,
	}
	if geminiResp.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

func (g *GoogleProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	geminiReq := toGeminiRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, req.Model, g.cred.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("gemini API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		for sse := range scanSSE(ctx, httpResp.Body) {
			if sse.err != nil {
				select {
				case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading gemini stream: %w", sse.err)}:
				case <-ctx.Done():
				}
				return
			}

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(sse.data), &geminiResp); err != nil {
				ch <- StreamChunk{Done: true, Error: fmt.Errorf("decoding gemini stream event: %w", err)}
				return
			}
			if len(geminiResp.Candidates) == 0 {
				continue
			}
			candidate := geminiResp.Candidates[0]

			var delta string
			if len(candidate.Content.Parts) > 0 {
				delta = candidate.Content.Parts[0].Text
			}

			chunk := StreamChunk{Model: req.Model, Delta: delta}

			// Gemini repeats the full response shape on every event rather
			// than a distinct terminal marker; an empty FinishReason means
			// more chunks are coming.
			if candidate.FinishReason != "" {
				chunk.Done = true
				if geminiResp.UsageMetadata != nil {
					chunk.Usage = &Usage{
						PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
						CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
					}
				}
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
