package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"gopkg.in/hraban/opus.v2"

	"github.com/Hectorban/nia/pkg/core"
)

// Capture reads the microphone, encodes 20 ms opus frames, and hands
// them to the session. Mute zeroes samples in place so frame timing
// never changes.
type Capture struct {
	ctx    *Context
	logger *slog.Logger

	mu      sync.Mutex
	device  *malgo.Device
	encoder *opus.Encoder
	pcm     []int16
	label   string

	muted atomic.Bool
	meter LevelMeter
}

// NewCapture creates an idle capture pipeline.
func NewCapture(ctx *Context, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{ctx: ctx, logger: logger}
}

// Start opens the selected input device and begins delivering encoded
// frames. Each frame callback receives one opus packet and its duration.
func (c *Capture) Start(_ context.Context, deviceID string, frame func(encoded []byte, duration time.Duration)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return core.NewInvalidRequestError("capture already running")
	}

	did, label, err := c.ctx.resolveDevice(DeviceCapture, deviceID)
	if err != nil {
		return err
	}

	encoder, err := opus.NewEncoder(captureSampleRate, captureChannels, opus.AppVoIP)
	if err != nil {
		return core.NewProviderError("audio", fmt.Errorf("create opus encoder: %w", err))
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = captureChannels
	cfg.SampleRate = captureSampleRate
	cfg.PeriodSizeInMilliseconds = 20
	if did != nil {
		cfg.Capture.DeviceID = did.Pointer()
	}

	packet := make([]byte, 1500)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.ingest(input, packet, frame)
		},
	}

	device, err := malgo.InitDevice(c.ctx.ctx.Context, cfg, callbacks)
	if err != nil {
		return core.NewProviderError("audio", fmt.Errorf("open input device: %w", err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return core.NewProviderError("audio", fmt.Errorf("start input device: %w", err))
	}

	c.device = device
	c.encoder = encoder
	c.label = label
	c.pcm = c.pcm[:0]
	c.logger.Info("capture started", "device", label)
	return nil
}

// ingest accumulates one block of captured samples and emits encoded
// frames. A callback can land between Stop clearing state and the
// device halting, so a cleared encoder means drop the block.
func (c *Capture) ingest(input, packet []byte, frame func(encoded []byte, duration time.Duration)) {
	samples := bytesToS16(input)
	if c.muted.Load() {
		for i := range samples {
			samples[i] = 0
		}
	}
	c.meter.Push(samples)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder == nil {
		return
	}
	c.pcm = append(c.pcm, samples...)
	for len(c.pcm) >= frameSamples {
		chunk := c.pcm[:frameSamples]
		n, err := c.encoder.Encode(chunk, packet)
		c.pcm = c.pcm[frameSamples:]
		if err != nil {
			c.logger.Debug("opus encode", "error", err)
			continue
		}
		encoded := make([]byte, n)
		copy(encoded, packet[:n])
		frame(encoded, 20*time.Millisecond)
	}
}

// SetMuted toggles the microphone without stopping the device.
func (c *Capture) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Stop releases the input device. The device halts before the encoder
// state is cleared so no callback encodes through a nil encoder. Safe
// when not running.
func (c *Capture) Stop() {
	c.mu.Lock()
	device := c.device
	c.device = nil
	c.mu.Unlock()
	if device != nil {
		device.Stop()
		device.Uninit()
	}
	c.mu.Lock()
	c.encoder = nil
	c.pcm = nil
	c.mu.Unlock()
	c.meter.Reset()
}

// Label names the device in use.
func (c *Capture) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// Level reports the current input level for visualization.
func (c *Capture) Level() float64 {
	return c.meter.Level()
}

func bytesToS16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

func s16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
