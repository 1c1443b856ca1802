package synth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// streamSession is one stream-input websocket bound to a voice. Audio
// chunks are handed to the player as they arrive; the session ends when
// the server marks the stream final or the socket closes.
type streamSession struct {
	conn   *websocket.Conn
	player ChunkPlayer
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// StartStream opens a streaming synthesis session, closing any prior
// one first. The initial space primes the provider's generator.
func (c *Client) StartStream(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("elevenlabs is not configured")
	}
	if err := c.Close(); err != nil {
		c.logger.Debug("close previous synthesis stream", "error", err)
	}

	wsURL := fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		c.wsBase, url.PathEscape(c.voiceID), defaultModelID, defaultOutputFormat)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial synthesis stream: %w", err)
	}

	s := &streamSession{
		conn:   conn,
		player: c.player,
		logger: c.logger,
		closed: make(chan struct{}),
	}
	if err := s.writeJSON(map[string]any{
		"text":           " ",
		"voice_settings": defaultVoiceSettings,
		"xi_api_key":     c.apiKey,
	}); err != nil {
		s.close()
		return fmt.Errorf("prime synthesis stream: %w", err)
	}
	go s.readLoop()

	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()
	c.logger.Debug("synthesis stream opened", "voice", c.voiceID)
	return nil
}

// StreamActive reports whether a streaming session is open.
func (c *Client) StreamActive() bool {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

// StreamText pushes a text increment into the active session.
func (c *Client) StreamText(text string) error {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no active synthesis stream")
	}
	if text == "" {
		return nil
	}
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": true,
	})
}

// FinishStream signals end of input. The session stays open until the
// server delivers the remaining audio and marks it final.
func (c *Client) FinishStream() error {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no active synthesis stream")
	}
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *streamSession) writeJSON(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return fmt.Errorf("synthesis stream is closed")
	default:
	}
	return s.conn.WriteJSON(payload)
}

// readLoop plays audio chunks as they arrive. Each chunk is independent;
// no reordering or buffering across chunks.
func (s *streamSession) readLoop() {
	defer s.close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed") {
				s.logger.Debug("synthesis stream ended", "error", err)
			}
			return
		}

		var msg struct {
			Audio   string `json:"audio"`
			IsFinal bool   `json:"isFinal"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			s.logger.Warn("synthesis stream error", "error", msg.Error, "message", msg.Message)
		}
		if msg.Audio != "" && s.player != nil {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.logger.Warn("invalid audio base64 in synthesis stream")
			} else {
				s.player.PlayChunk(chunk)
			}
		}
		if msg.IsFinal {
			return
		}
	}
}

func (s *streamSession) close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
	return nil
}
