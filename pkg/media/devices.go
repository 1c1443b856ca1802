// Package media owns the local audio path: device enumeration, opus
// encoded microphone capture, and playback of the remote track.
package media

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/Hectorban/nia/pkg/core"
)

const (
	// The realtime transport negotiates opus at 48 kHz mono.
	captureSampleRate = 48000
	captureChannels   = 1

	// 20 ms frames, the opus packet size the track expects.
	frameSamples = captureSampleRate / 50
)

// DeviceKind distinguishes inputs from outputs.
type DeviceKind string

const (
	DeviceCapture  DeviceKind = "capture"
	DevicePlayback DeviceKind = "playback"
)

// Device is one audio endpoint the host exposes.
type Device struct {
	ID        string
	Label     string
	Kind      DeviceKind
	IsDefault bool
}

// Context wraps the shared miniaudio context. One per process.
type Context struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

// NewContext initializes the audio backend.
func NewContext(logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, func(message string) {
		logger.Debug("audio backend", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, core.NewProviderError("audio", fmt.Errorf("init context: %w", err))
	}
	return &Context{ctx: ctx, logger: logger}, nil
}

// Close releases the audio backend. Devices must be stopped first.
func (c *Context) Close() error {
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	return err
}

// Devices lists endpoints of one kind.
func (c *Context) Devices(kind DeviceKind) ([]Device, error) {
	deviceType := malgo.Capture
	if kind == DevicePlayback {
		deviceType = malgo.Playback
	}
	infos, err := c.ctx.Devices(deviceType)
	if err != nil {
		return nil, core.NewProviderError("audio", fmt.Errorf("enumerate %s devices: %w", kind, err))
	}
	out := make([]Device, 0, len(infos))
	for _, info := range infos {
		out = append(out, Device{
			ID:        info.ID.String(),
			Label:     info.Name(),
			Kind:      kind,
			IsDefault: info.IsDefault != 0,
		})
	}
	return out, nil
}

// resolveDevice maps a stored device id to the live endpoint. An empty
// id selects the system default; a stale id falls back to the default
// rather than failing the session.
func (c *Context) resolveDevice(kind DeviceKind, id string) (*malgo.DeviceID, string, error) {
	if id == "" {
		return nil, "System Default", nil
	}
	devices, err := c.Devices(kind)
	if err != nil {
		return nil, "", err
	}
	deviceType := malgo.Capture
	if kind == DevicePlayback {
		deviceType = malgo.Playback
	}
	infos, err := c.ctx.Devices(deviceType)
	if err != nil {
		return nil, "", core.NewProviderError("audio", fmt.Errorf("enumerate %s devices: %w", kind, err))
	}
	for i, d := range devices {
		if d.ID == id {
			did := infos[i].ID
			return &did, d.Label, nil
		}
	}
	c.logger.Warn("configured device not found, using default", "kind", kind, "id", id)
	return nil, "System Default", nil
}
