// Package synth renders agent text as speech through ElevenLabs, either
// one-shot or over a streaming websocket session.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const (
	defaultAPIBase = "https://api.elevenlabs.io"
	defaultWSBase  = "wss://api.elevenlabs.io"

	defaultModelID      = "eleven_multilingual_v2"
	defaultOutputFormat = "mp3_44100_128"
)

// voiceSettings mirrors the provider's tuning block.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

var defaultVoiceSettings = voiceSettings{
	Stability:       0.5,
	SimilarityBoost: 0.8,
	Style:           0.0,
	UseSpeakerBoost: true,
}

// Voice is one synthesis voice available to the account.
type Voice struct {
	VoiceID    string            `json:"voice_id"`
	Name       string            `json:"name"`
	PreviewURL string            `json:"preview_url,omitempty"`
	Category   string            `json:"category,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// ChunkPlayer is where synthesized audio goes. *Player satisfies it.
type ChunkPlayer interface {
	Play(mp3Data []byte) error
	PlayChunk(chunk []byte)
	SetVolume(v float64)
	Close() error
}

// ClientConfig configures the ElevenLabs client.
type ClientConfig struct {
	APIKey  string
	VoiceID string

	APIBase string // defaults to the public API
	WSBase  string // defaults to the public websocket host

	HTTPClient *http.Client
	Player     ChunkPlayer
	Logger     *slog.Logger
}

// Client wraps the ElevenLabs text-to-speech API. At most one streaming
// session is active at a time.
type Client struct {
	apiKey     string
	voiceID    string
	apiBase    string
	wsBase     string
	httpClient *http.Client
	player     ChunkPlayer
	logger     *slog.Logger

	mu     sync.Mutex
	stream *streamSession
}

// NewClient creates an ElevenLabs client.
func NewClient(cfg ClientConfig) *Client {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	wsBase := cfg.WSBase
	if wsBase == "" {
		wsBase = defaultWSBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		voiceID:    strings.TrimSpace(cfg.VoiceID),
		apiBase:    strings.TrimRight(apiBase, "/"),
		wsBase:     strings.TrimRight(wsBase, "/"),
		httpClient: httpClient,
		player:     cfg.Player,
		logger:     logger,
	}
}

// Configured reports whether a key and voice are set.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != "" && c.voiceID != ""
}

// ValidateKey makes a cheap read-only call and reports whether the key
// is accepted.
func (c *Client) ValidateKey(ctx context.Context) (bool, error) {
	if c.apiKey == "" {
		return false, nil
	}
	_, err := c.ListVoices(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "status 401") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListVoices returns the voices available to the account.
func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("create voices request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list voices: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return decoded.Voices, nil
}

// Synthesize converts text to a complete mp3 buffer.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("elevenlabs is not configured")
	}
	payload, err := json.Marshal(map[string]any{
		"text":           text,
		"model_id":       defaultModelID,
		"voice_settings": defaultVoiceSettings,
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	endpoint := c.apiBase + "/v1/text-to-speech/" + url.PathEscape(c.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("synthesis failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis audio: %w", err)
	}
	return audio, nil
}

// Speak synthesizes text and plays it through the configured player.
func (c *Client) Speak(ctx context.Context, text string) error {
	if c.player == nil {
		return fmt.Errorf("no audio player configured")
	}
	audio, err := c.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	return c.player.Play(audio)
}

// Close shuts down any active streaming session.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s != nil {
		return s.close()
	}
	return nil
}
