package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"

	"github.com/Hectorban/nia/pkg/core"
)

// ~500 ms of decoded audio; older samples are dropped when the consumer
// falls behind.
const sinkBufferSamples = captureSampleRate / 2

// Sink plays the remote audio track. The output device can be rebound
// and the gain scaled while a track is playing.
type Sink struct {
	ctx    *Context
	logger *slog.Logger

	mu     sync.Mutex
	device *malgo.Device
	buf    []int16
	label  string

	muted  atomic.Bool
	volume atomic.Uint64 // float64 bits
	meter  LevelMeter
}

// NewSink creates an idle playback sink at full volume.
func NewSink(ctx *Context, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{ctx: ctx, logger: logger}
	s.volume.Store(math.Float64bits(1.0))
	return s
}

// PlayTrack decodes the track's opus packets into the sink buffer until
// the track ends or the sink stops.
func (s *Sink) PlayTrack(track *webrtc.TrackRemote) error {
	decoder, err := opus.NewDecoder(captureSampleRate, captureChannels)
	if err != nil {
		return core.NewProviderError("audio", fmt.Errorf("create opus decoder: %w", err))
	}
	if err := s.ensureDevice(""); err != nil {
		return err
	}

	go func() {
		pcm := make([]int16, frameSamples*4)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Debug("remote track read", "error", err)
				}
				return
			}
			if len(pkt.Payload) == 0 {
				continue
			}
			n, err := decoder.Decode(pkt.Payload, pcm)
			if err != nil {
				s.logger.Debug("opus decode", "error", err)
				continue
			}
			s.push(pcm[:n*captureChannels])
		}
	}()
	return nil
}

// push applies gain and appends decoded samples, dropping the oldest
// when the buffer is full.
func (s *Sink) push(samples []int16) {
	gain := math.Float64frombits(s.volume.Load())
	if s.muted.Load() {
		gain = 0
	}
	scaled := make([]int16, len(samples))
	for i, v := range samples {
		scaled[i] = int16(math.Max(-32768, math.Min(32767, float64(v)*gain)))
	}
	s.meter.Push(scaled)

	s.mu.Lock()
	s.buf = append(s.buf, scaled...)
	if over := len(s.buf) - sinkBufferSamples; over > 0 {
		s.buf = s.buf[over:]
	}
	s.mu.Unlock()
}

// ensureDevice opens the output device if none is running.
func (s *Sink) ensureDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil
	}
	return s.openDeviceLocked(deviceID)
}

func (s *Sink) openDeviceLocked(deviceID string) error {
	did, label, err := s.ctx.resolveDevice(DevicePlayback, deviceID)
	if err != nil {
		return err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = captureChannels
	cfg.SampleRate = captureSampleRate
	cfg.PeriodSizeInMilliseconds = 20
	if did != nil {
		cfg.Playback.DeviceID = did.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			want := int(frameCount) * captureChannels
			s.mu.Lock()
			n := want
			if n > len(s.buf) {
				n = len(s.buf)
			}
			chunk := s16ToBytes(s.buf[:n])
			s.buf = s.buf[n:]
			s.mu.Unlock()
			copy(output, chunk)
			// Remainder stays zeroed: silence on underrun.
		},
	}

	device, err := malgo.InitDevice(s.ctx.ctx.Context, cfg, callbacks)
	if err != nil {
		return core.NewProviderError("audio", fmt.Errorf("open output device: %w", err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return core.NewProviderError("audio", fmt.Errorf("start output device: %w", err))
	}
	s.device = device
	s.label = label
	s.logger.Info("playback bound", "device", label)
	return nil
}

// Rebind switches to another output device. Buffered audio carries over.
func (s *Sink) Rebind(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	return s.openDeviceLocked(deviceID)
}

// SetVolume scales playback gain. 1.0 is unity.
func (s *Sink) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	s.volume.Store(math.Float64bits(v))
}

// SetMuted silences the sink without detaching the track.
func (s *Sink) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// Stop releases the output device and drops buffered audio.
func (s *Sink) Stop() {
	s.mu.Lock()
	device := s.device
	s.device = nil
	s.buf = nil
	s.mu.Unlock()
	if device != nil {
		device.Stop()
		device.Uninit()
	}
	s.meter.Reset()
}

// Label names the bound output device.
func (s *Sink) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Level reports the current output level for visualization.
func (s *Sink) Level() float64 {
	return s.meter.Level()
}
