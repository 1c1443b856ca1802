package media

import (
	"math"
	"sync"
)

// LevelMeter tracks a smoothed RMS level over recent samples. It exists
// purely for visualization; nothing downstream consumes its output.
type LevelMeter struct {
	mu    sync.Mutex
	level float64
}

// smoothing factor for the exponential moving average.
const meterAlpha = 0.3

// Push folds a block of samples into the running level.
func (m *LevelMeter) Push(samples []int16) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	m.mu.Lock()
	m.level = m.level*(1-meterAlpha) + rms*meterAlpha
	m.mu.Unlock()
}

// Level returns the smoothed level in [0, 1].
func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Reset zeroes the meter.
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
}
