package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/kestrel-labs/memoryrouter/internal/provider"
)

// DefaultCaptureBufferCap bounds how much accumulated text the capture
// branch will hold before giving up on storage for this response.
const DefaultCaptureBufferCap = 1 << 20 // 1 MiB

// DefaultDisconnectGrace is how long the capture branch keeps draining the
// provider after the client has gone away, per spec.md §4.8.
const DefaultDisconnectGrace = 3 * time.Second

// Capture is what the storer needs once a streamed response has finished:
// the assembled assistant text and the usage the provider reported, if any.
type Capture struct {
	Text      string
	Usage     *provider.Usage
	Abandoned bool // capture buffer cap was exceeded; do not store this turn
}

// TeeConfig tunes one capture tee.
type TeeConfig struct {
	BufferCap       int
	DisconnectGrace time.Duration
}

func (c TeeConfig) withDefaults() TeeConfig {
	if c.BufferCap <= 0 {
		c.BufferCap = DefaultCaptureBufferCap
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	return c
}

// Tee duplicates chunks into two independent consumers: the returned
// channel is forwarded to the client exactly as received, and capture
// accumulates deltas into a Capture that is sent on the returned result
// channel once the provider's stream ends.
//
// The client channel never blocks on the capture side — capture work here
// is in-process string concatenation, not I/O, so there is nothing for the
// client branch to wait on; the bounded buffer exists purely to cap memory
// and give up gracefully on pathologically large responses.
func Tee(chunks <-chan provider.StreamChunk, cfg TeeConfig) (toClient <-chan provider.StreamChunk, result <-chan Capture) {
	cfg = cfg.withDefaults()

	out := make(chan provider.StreamChunk)
	done := make(chan Capture, 1)

	go func() {
		defer close(out)
		defer close(done)

		var buf strings.Builder
		abandoned := false
		var usage *provider.Usage

		for chunk := range chunks {
			out <- chunk

			if !abandoned && chunk.Delta != "" {
				if buf.Len()+len(chunk.Delta) > cfg.BufferCap {
					abandoned = true
				} else {
					buf.WriteString(chunk.Delta)
				}
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		}

		done <- Capture{Text: buf.String(), Usage: usage, Abandoned: abandoned}
	}()

	return out, done
}

// Drain consumes ch on the client's behalf after the client has
// disconnected, for up to grace, so the capture branch (fed by the same
// upstream read loop in Tee) still gets a chance to see the rest of the
// response. It is safe to call concurrently with a client-side reader that
// has simply stopped reading; exactly one of them will win each receive.
func Drain(ch <-chan provider.StreamChunk, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultDisconnectGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	var once sync.Once
	stop := make(chan struct{})
	go func() {
		<-timer.C
		once.Do(func() { close(stop) })
	}()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-stop:
			return
		}
	}
}
