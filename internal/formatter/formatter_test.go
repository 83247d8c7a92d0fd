package formatter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFamilyFor(t *testing.T) {
	assert.Equal(t, FamilyClaude, FamilyFor("anthropic/claude-3-opus"))
	assert.Equal(t, FamilyOpenAI, FamilyFor("gpt-4"))
	assert.Equal(t, FamilyOpenAI, FamilyFor("o3-mini"))
	assert.Equal(t, FamilyLlama, FamilyFor("meta-llama/llama-3-70b"))
	assert.Equal(t, FamilyGemini, FamilyFor("gemini-2.0-flash"))
	assert.Equal(t, FamilyGeneric, FamilyFor("mistral-large"))
}

func TestFormatEmptyIsEmptyString(t *testing.T) {
	assert.Equal(t, "", Format("gpt-4", nil))
	assert.Equal(t, "", Format("gpt-4", []Entry{}))
}

func TestFormatClaudeIsXML(t *testing.T) {
	out := Format("claude-3-opus", []Entry{{Role: "user", Window: "HOT", Content: "Kingfisher"}})
	assert.Contains(t, out, "<memory>")
	assert.Contains(t, out, `role="user"`)
	assert.Contains(t, out, "Kingfisher")
}

func TestFormatOpenAIIsMarkdown(t *testing.T) {
	out := Format("gpt-4", []Entry{{Role: "user", Content: "Kingfisher"}})
	assert.Contains(t, out, "## Relevant memory")
	assert.Contains(t, out, "Kingfisher")
}

func TestFormatLlamaIsBracketTag(t *testing.T) {
	out := Format("meta-llama/llama-3-70b", []Entry{{Role: "user", Content: "Kingfisher"}})
	assert.Contains(t, out, "[MEMORY")
	assert.Contains(t, out, "Kingfisher")
}

func TestFormatGeminiIsXMLContext(t *testing.T) {
	out := Format("gemini-2.0-flash", []Entry{{Role: "user", Content: "Kingfisher"}})
	assert.Contains(t, out, "<context>")
	assert.Contains(t, out, "Kingfisher")
}

func TestFormatFallbackIsPlain(t *testing.T) {
	out := Format("mistral-large", []Entry{{Role: "user", Content: "Kingfisher"}})
	assert.Contains(t, out, "Relevant memory:")
	assert.Contains(t, out, "Kingfisher")
}
