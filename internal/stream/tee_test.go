package stream

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/memoryrouter/internal/provider"
)

func TestTeeForwardsEveryChunkAndAccumulatesText(t *testing.T) {
	src := make(chan provider.StreamChunk)
	go func() {
		defer close(src)
		src <- provider.StreamChunk{Delta: "hello "}
		src <- provider.StreamChunk{Delta: "world"}
		src <- provider.StreamChunk{Done: true, Usage: &provider.Usage{TotalTokens: 7}}
	}()

	out, result := Tee(src, TeeConfig{})

	var forwarded []provider.StreamChunk
	for c := range out {
		forwarded = append(forwarded, c)
	}
	require.Len(t, forwarded, 3)
	assert.Equal(t, "hello ", forwarded[0].Delta)

	cap := <-result
	assert.Equal(t, "hello world", cap.Text)
	require.NotNil(t, cap.Usage)
	assert.Equal(t, 7, cap.Usage.TotalTokens)
	assert.False(t, cap.Abandoned)
}

func TestTeeAbandonsCaptureWhenOverCap(t *testing.T) {
	src := make(chan provider.StreamChunk)
	go func() {
		defer close(src)
		src <- provider.StreamChunk{Delta: strings.Repeat("x", 100)}
		src <- provider.StreamChunk{Delta: strings.Repeat("y", 100)}
		src <- provider.StreamChunk{Done: true}
	}()

	out, result := Tee(src, TeeConfig{BufferCap: 150})

	for range out {
	}
	cap := <-result
	assert.True(t, cap.Abandoned)
}

func TestDrainUnblocksTeeAfterClientStopsReading(t *testing.T) {
	src := make(chan provider.StreamChunk)
	go func() {
		defer close(src)
		for i := 0; i < 5; i++ {
			src <- provider.StreamChunk{Delta: "x"}
		}
		src <- provider.StreamChunk{Done: true}
	}()

	out, result := Tee(src, TeeConfig{})

	// Simulate a disconnected client: read exactly one chunk, then let
	// Drain take over for the rest, as the orchestrator would.
	<-out
	done := make(chan struct{})
	go func() {
		Drain(out, 500*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not unblock the tee in time")
	}

	cap := <-result
	assert.Equal(t, "xxxxx", cap.Text)
}
