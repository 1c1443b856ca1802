package realtime

import (
	"strings"
	"sync"
	"time"
)

// clearGrace is how long a finished transcript stays visible before the
// live buffer is wiped for the next utterance.
const clearGrace = 500 * time.Millisecond

// transcriptBuffer accumulates streaming deltas for one speaker. Clears
// are scheduled with a grace delay; a generation counter makes a stale
// timer a no-op once new deltas have arrived.
type transcriptBuffer struct {
	mu  sync.Mutex
	b   strings.Builder
	gen uint64
}

func (t *transcriptBuffer) append(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b.WriteString(delta)
	t.gen++
}

// set replaces the buffer with a final transcript, superseding any
// partial deltas.
func (t *transcriptBuffer) set(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b.Reset()
	t.b.WriteString(text)
	t.gen++
}

func (t *transcriptBuffer) value() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}

func (t *transcriptBuffer) clearNow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b.Reset()
	t.gen++
}

// scheduleClear wipes the buffer after the grace delay unless newer
// content lands first.
func (t *transcriptBuffer) scheduleClear(delay time.Duration) *time.Timer {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()
	return time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.gen != gen {
			return
		}
		t.b.Reset()
		t.gen++
	})
}
