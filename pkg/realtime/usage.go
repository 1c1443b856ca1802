package realtime

import "sync"

// Usage accumulates token counts across a session. Counters only grow
// until Reset.
type Usage struct {
	InputAudioTokens  int
	OutputAudioTokens int
	InputTextTokens   int
	OutputTextTokens  int
}

// Total returns the sum of all four counters.
func (u Usage) Total() int {
	return u.InputAudioTokens + u.OutputAudioTokens + u.InputTextTokens + u.OutputTextTokens
}

type usageTracker struct {
	mu sync.Mutex
	u  Usage
}

// add folds one response's usage block into the running totals.
func (t *usageTracker) add(in, out tokenDetails) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.u.InputAudioTokens += in.AudioTokens
	t.u.InputTextTokens += in.TextTokens
	t.u.OutputAudioTokens += out.AudioTokens
	t.u.OutputTextTokens += out.TextTokens
}

func (t *usageTracker) snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.u
}

func (t *usageTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.u = Usage{}
}
