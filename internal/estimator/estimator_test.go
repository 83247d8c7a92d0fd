package estimator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	assert.Equal(t, 0, Text(""))
	assert.Equal(t, 1, Text("a"))
	assert.Equal(t, 1, Text("abcd"))
	assert.Equal(t, 2, Text("abcde"))
}

func TestTextExactRatio(t *testing.T) {
	s := "Remember: my codename is Kingfisher."
	assert.Equal(t, (len([]rune(s))+3)/4, Text(s))
}

func TestContent(t *testing.T) {
	parts := []Part{
		{Text: "abcd"},       // 1 token
		{Text: "abcde"},      // 2 tokens
		{IsImage: true},      // 85 tokens
		{IsImage: true},      // 85 tokens
	}
	assert.Equal(t, 1+2+85+85, Content(parts))
}

func TestContentEmpty(t *testing.T) {
	assert.Equal(t, 0, Content(nil))
}
