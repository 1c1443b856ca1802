package synth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// streamServer records inbound stream-input messages and replays a
// scripted set of audio chunks once the flush arrives.
type streamServer struct {
	audio [][]byte

	mu       sync.Mutex
	messages []map[string]any
	dials    int
}

func (s *streamServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/stream-input") {
			t.Errorf("path = %q", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.mu.Lock()
		s.dials++
		s.mu.Unlock()

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, msg)
			s.mu.Unlock()

			// Empty text after the priming message is the flush signal.
			if text, _ := msg["text"].(string); text == "" {
				for i, chunk := range s.audio {
					conn.WriteJSON(map[string]any{
						"audio":   base64.StdEncoding.EncodeToString(chunk),
						"isFinal": i == len(s.audio)-1,
					})
				}
				return
			}
		}
	}
}

func (s *streamServer) recorded() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.messages))
	copy(out, s.messages)
	return out
}

func newStreamClient(t *testing.T, server *streamServer, player ChunkPlayer) *Client {
	t.Helper()
	srv := httptest.NewServer(server.handler(t))
	t.Cleanup(srv.Close)
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(ClientConfig{
		APIKey:  "el-test",
		VoiceID: "v1",
		WSBase:  wsBase,
		Player:  player,
		Logger:  quietLogger(),
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStreamingSession(t *testing.T) {
	server := &streamServer{audio: [][]byte{{0x01, 0x02}, {0x03}}}
	player := &fakePlayer{}
	c := newStreamClient(t, server, player)

	if err := c.StartStream(context.Background()); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if !c.StreamActive() {
		t.Fatal("StreamActive = false after StartStream")
	}
	if err := c.StreamText("Hola "); err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	if err := c.StreamText("mundo"); err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	if err := c.FinishStream(); err != nil {
		t.Fatalf("FinishStream: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		player.mu.Lock()
		n := len(player.chunks)
		player.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	player.mu.Lock()
	chunks := player.chunks
	player.mu.Unlock()
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if string(chunks[0]) != "\x01\x02" || string(chunks[1]) != "\x03" {
		t.Fatalf("chunks = %v", chunks)
	}

	msgs := server.recorded()
	if len(msgs) != 4 {
		t.Fatalf("server saw %d messages, want prime + 2 text + flush", len(msgs))
	}
	if text, _ := msgs[0]["text"].(string); text != " " {
		t.Errorf("prime text = %q, want single space", text)
	}
	if msgs[0]["xi_api_key"] != "el-test" {
		t.Errorf("prime message missing api key: %v", msgs[0])
	}
	if msgs[1]["text"] != "Hola " || msgs[1]["try_trigger_generation"] != true {
		t.Errorf("first text message = %v", msgs[1])
	}
	if text, _ := msgs[3]["text"].(string); text != "" {
		t.Errorf("flush text = %q, want empty", text)
	}

	// Session winds down after the final chunk.
	deadline = time.Now().Add(2 * time.Second)
	for c.StreamActive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.StreamActive() {
		t.Fatal("StreamActive = true after final chunk")
	}
}

func TestStartStreamReplacesPriorSession(t *testing.T) {
	server := &streamServer{}
	c := newStreamClient(t, server, &fakePlayer{})

	if err := c.StartStream(context.Background()); err != nil {
		t.Fatalf("first StartStream: %v", err)
	}
	first := c.stream
	if err := c.StartStream(context.Background()); err != nil {
		t.Fatalf("second StartStream: %v", err)
	}
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("first session not closed by second StartStream")
	}
	server.mu.Lock()
	dials := server.dials
	server.mu.Unlock()
	if dials != 2 {
		t.Fatalf("dials = %d, want 2", dials)
	}
}

func TestStreamTextWithoutSession(t *testing.T) {
	c := NewClient(ClientConfig{APIKey: "el-test", VoiceID: "v1", Logger: quietLogger()})
	if err := c.StreamText("hi"); err == nil {
		t.Fatal("StreamText = nil error with no session")
	}
	if err := c.FinishStream(); err == nil {
		t.Fatal("FinishStream = nil error with no session")
	}
	if c.StreamActive() {
		t.Fatal("StreamActive = true with no session")
	}
}

func TestStreamMessageDecoding(t *testing.T) {
	// Non-audio JSON messages and invalid base64 must not reach the
	// player or kill the session.
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() // prime
		conn.WriteJSON(map[string]any{"message": "queue status"})
		conn.WriteJSON(map[string]any{"audio": "!!not-base64!!"})
		good := base64.StdEncoding.EncodeToString([]byte{0x09})
		conn.WriteJSON(map[string]any{"audio": good, "isFinal": true})
		var raw json.RawMessage
		conn.ReadJSON(&raw) // wait for client close
	}))
	defer srv.Close()

	player := &fakePlayer{}
	c := NewClient(ClientConfig{
		APIKey:  "el-test",
		VoiceID: "v1",
		WSBase:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Player:  player,
		Logger:  quietLogger(),
	})
	defer c.Close()
	if err := c.StartStream(context.Background()); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		player.mu.Lock()
		n := len(player.chunks)
		player.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.chunks) != 1 || string(player.chunks[0]) != "\x09" {
		t.Fatalf("chunks = %v, want only the valid one", player.chunks)
	}
}
