package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/Hectorban/nia/pkg/core"
	"github.com/Hectorban/nia/pkg/store"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func (f *fakeTransport) Send(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) WriteSample(pionmedia.Sample) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeSettings struct {
	s   store.Settings
	err error
}

func (f fakeSettings) Settings(context.Context) (store.Settings, error) { return f.s, f.err }

type fakeSaver struct {
	mu       sync.Mutex
	calls    int
	session  store.Session
	messages []store.Message
	err      error
}

func (f *fakeSaver) SaveSession(_ context.Context, session store.Session, messages []store.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.session = session
	f.messages = messages
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func validSettings() store.Settings {
	return store.Settings{
		APIKey:        "sk-test",
		Voice:         "alloy",
		Model:         "gpt-4o-realtime-preview",
		SelectedMicID: "mic-1",
		TTSProvider:   store.TTSProviderOpenAI,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newLiveOrchestrator returns an orchestrator already in the connected
// state with a fake transport attached.
func newLiveOrchestrator(saver *fakeSaver) (*Orchestrator, *fakeTransport) {
	o := New(Config{
		Settings: fakeSettings{s: validSettings()},
		Sessions: saver,
		Logger:   quietLogger(),
	})
	ft := &fakeTransport{}
	o.transport = ft
	o.state = StateConnected
	o.settings = validSettings()
	o.model = o.settings.Model
	o.sessionStart = time.Now().UnixMilli()
	return o, ft
}

func event(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func TestUserDeltaConcatenation(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	for _, d := range []string{"turn ", "on ", "the ", "lights"} {
		o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptDelta, "delta": d}))
	}
	user, _ := o.Transcripts()
	if user != "turn on the lights" {
		t.Fatalf("user transcript = %q", user)
	}
}

func TestAgentDeltaConcatenation(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	for _, d := range []string{"Sure", ", ", "done."} {
		o.handleServerEvent(event(t, map[string]any{"type": eventAudioTranscriptDelta, "delta": d}))
	}
	_, agent := o.Transcripts()
	if agent != "Sure, done." {
		t.Fatalf("agent transcript = %q", agent)
	}
}

func TestInputCompletedAppendsMessageAndClears(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptDelta, "delta": "hello th"}))
	o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptCompleted, "transcript": "hello there"}))

	msgs := o.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Speaker != store.SpeakerUser || msgs[0].Text != "hello there" {
		t.Fatalf("message = %+v", msgs[0])
	}

	// Transcript stays visible through the grace window, then clears.
	if user, _ := o.Transcripts(); user != "hello there" {
		t.Fatalf("transcript before grace = %q", user)
	}
	time.Sleep(clearGrace + 200*time.Millisecond)
	if user, _ := o.Transcripts(); user != "" {
		t.Fatalf("transcript after grace = %q, want empty", user)
	}

	// The finalized text outlives the grace clear.
	if user, _ := o.LastExchange(); user != "hello there" {
		t.Fatalf("last user transcript = %q", user)
	}
}

func TestNewerDeltaSurvivesPendingClear(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptCompleted, "transcript": "first utterance"}))
	o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptDelta, "delta": " next"}))
	time.Sleep(clearGrace + 200*time.Millisecond)
	user, _ := o.Transcripts()
	if user != "first utterance next" {
		t.Fatalf("transcript = %q, stale clear erased newer delta", user)
	}
}

func TestEmptyCompletionRecordsNoMessage(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptCompleted, "transcript": "   "}))
	if got := len(o.Messages()); got != 0 {
		t.Fatalf("got %d messages, want 0 for blank transcript", got)
	}
}

func TestSpeechStartedClearsUserBuffer(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptDelta, "delta": "half a sent"}))
	o.handleServerEvent(event(t, map[string]any{"type": eventSpeechStarted}))
	if user, _ := o.Transcripts(); user != "" {
		t.Fatalf("user transcript = %q, want empty after barge-in", user)
	}
}

func TestResponseCreatedClearsAgentBuffer(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent(event(t, map[string]any{"type": eventAudioTranscriptDelta, "delta": "previous answer"}))
	o.handleServerEvent(event(t, map[string]any{"type": eventResponseCreated}))
	if _, agent := o.Transcripts(); agent != "" {
		t.Fatalf("agent transcript = %q, want empty at response start", agent)
	}
}

func TestUsageAccumulation(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent(event(t, map[string]any{
		"type": eventResponseDone,
		"response": map[string]any{
			"usage": map[string]any{
				"input_token_details":  map[string]any{"audio_tokens": 50, "text_tokens": 10},
				"output_token_details": map[string]any{"audio_tokens": 120, "text_tokens": 5},
			},
		},
	}))
	u := o.Usage()
	if u.OutputAudioTokens != 120 {
		t.Fatalf("OutputAudioTokens = %d, want 120", u.OutputAudioTokens)
	}
	if u.InputAudioTokens != 50 || u.InputTextTokens != 10 || u.OutputTextTokens != 5 {
		t.Fatalf("usage = %+v", u)
	}

	// Counters only grow across responses.
	o.handleServerEvent(event(t, map[string]any{
		"type": eventResponseDone,
		"response": map[string]any{
			"usage": map[string]any{
				"output_token_details": map[string]any{"audio_tokens": 30},
			},
		},
	}))
	if got := o.Usage().OutputAudioTokens; got != 150 {
		t.Fatalf("OutputAudioTokens after second response = %d, want 150", got)
	}
}

func TestResponseDoneWithoutUsageIsIgnored(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent(event(t, map[string]any{"type": eventResponseDone, "response": map[string]any{}}))
	if got := o.Usage().Total(); got != 0 {
		t.Fatalf("usage total = %d, want 0", got)
	}
}

func TestUnknownEventKindIgnored(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	o.handleServerEvent([]byte(`not json at all`))
	if got := len(o.Messages()); got != 0 {
		t.Fatalf("unexpected state change from unknown events: %d messages", got)
	}
}

func TestUnknownFunctionCallRoundTrip(t *testing.T) {
	o, ft := newLiveOrchestrator(&fakeSaver{})
	o.handleServerEvent(event(t, map[string]any{
		"type": eventResponseDone,
		"response": map[string]any{
			"output": []map[string]any{
				{"type": "function_call", "name": "foo", "call_id": "call_1", "arguments": "{}"},
			},
		},
	}))

	frames := ft.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want function_call_output + response.create", len(frames))
	}

	var item itemCreate
	if err := json.Unmarshal(frames[0], &item); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if item.Type != "conversation.item.create" || item.Item.Type != "function_call_output" {
		t.Fatalf("first frame = %+v", item)
	}
	if item.Item.CallID != "call_1" {
		t.Fatalf("call_id = %q", item.Item.CallID)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(item.Item.Output), &out); err != nil {
		t.Fatalf("decode tool output: %v", err)
	}
	if out["success"] != false || out["error"] != "Unknown function: foo" {
		t.Fatalf("tool output = %v", out)
	}

	var resume responseCreate
	if err := json.Unmarshal(frames[1], &resume); err != nil {
		t.Fatalf("decode second frame: %v", err)
	}
	if resume.Type != "response.create" {
		t.Fatalf("second frame type = %q", resume.Type)
	}
}

func TestChannelOpenSendsSessionConfig(t *testing.T) {
	o, ft := newLiveOrchestrator(&fakeSaver{})
	o.sessionStart = 0
	o.handleChannelOpen()

	if o.State() != StateConnected {
		t.Fatalf("state = %v, want connected", o.State())
	}
	o.mu.Lock()
	started := o.sessionStart
	o.mu.Unlock()
	if started == 0 {
		t.Fatal("session start not stamped")
	}

	frames := ft.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	var upd sessionUpdate
	if err := json.Unmarshal(frames[0], &upd); err != nil {
		t.Fatalf("decode session.update: %v", err)
	}
	if upd.Type != "session.update" {
		t.Fatalf("type = %q", upd.Type)
	}
	if upd.Session.Voice != "alloy" {
		t.Fatalf("voice = %q", upd.Session.Voice)
	}
	if upd.Session.InputAudioTranscription == nil || upd.Session.InputAudioTranscription.Model != transcriptionModelName {
		t.Fatalf("transcription config = %+v", upd.Session.InputAudioTranscription)
	}
}

func TestSendText(t *testing.T) {
	o, ft := newLiveOrchestrator(&fakeSaver{})
	if err := o.SendText("  hello  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	msgs := o.Messages()
	if len(msgs) != 1 || msgs[0].Speaker != store.SpeakerUser || msgs[0].Text != "hello" {
		t.Fatalf("messages = %+v", msgs)
	}

	frames := ft.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want item + response.create", len(frames))
	}
	var item itemCreate
	json.Unmarshal(frames[0], &item)
	if item.Item.Role != "user" || len(item.Item.Content) != 1 || item.Item.Content[0].Text != "hello" {
		t.Fatalf("item frame = %+v", item)
	}
}

func TestSendTextRequiresConnection(t *testing.T) {
	o := New(Config{Settings: fakeSettings{s: validSettings()}, Logger: quietLogger()})
	err := o.SendText("hi")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrInvalidRequest {
		t.Fatalf("err = %v, want invalid request", err)
	}
}

func TestDisconnectSavesOnceWithFlooredDuration(t *testing.T) {
	saver := &fakeSaver{}
	o, ft := newLiveOrchestrator(saver)
	o.sessionStart = time.Now().UnixMilli() - 2500
	o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptCompleted, "transcript": "hi"}))

	if err := o.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if saver.calls != 1 {
		t.Fatalf("save calls = %d, want 1", saver.calls)
	}
	if saver.session.DurationSeconds != 2 {
		t.Fatalf("duration = %d, want floor(2500ms/1000) = 2", saver.session.DurationSeconds)
	}
	if len(saver.messages) != 1 {
		t.Fatalf("saved %d messages, want 1", len(saver.messages))
	}
	if ft.closed == 0 {
		t.Fatal("transport not closed")
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want idle", o.State())
	}
	if got := o.Usage().Total(); got != 0 {
		t.Fatalf("usage total after disconnect = %d, want 0", got)
	}

	// Second disconnect is a no-op.
	if err := o.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if saver.calls != 1 {
		t.Fatalf("save calls after double disconnect = %d, want 1", saver.calls)
	}
}

func TestDisconnectWithoutMessagesSkipsSave(t *testing.T) {
	saver := &fakeSaver{}
	o, _ := newLiveOrchestrator(saver)
	if err := o.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if saver.calls != 0 {
		t.Fatalf("save calls = %d, want 0", saver.calls)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want idle", o.State())
	}
}

func TestDisconnectProceedsPastSaveFailure(t *testing.T) {
	saver := &fakeSaver{err: errors.New("disk full")}
	o, ft := newLiveOrchestrator(saver)
	o.handleServerEvent(event(t, map[string]any{"type": eventInputTranscriptCompleted, "transcript": "hi"}))

	if err := o.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect returned error despite swallow policy: %v", err)
	}
	if ft.closed == 0 {
		t.Fatal("transport leaked after save failure")
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want idle", o.State())
	}
}

func TestConnectWithoutInputDevice(t *testing.T) {
	s := validSettings()
	s.SelectedMicID = ""
	o := New(Config{Settings: fakeSettings{s: s}, Logger: quietLogger()})
	o.dialFn = func(context.Context, TransportConfig, transportHandlers) (eventTransport, error) {
		t.Fatal("dial must not run without an input device")
		return nil, nil
	}

	err := o.Connect(context.Background())
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrInvalidRequest {
		t.Fatalf("err = %v, want invalid request", err)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want idle", o.State())
	}
}

func TestConnectWithoutAPIKey(t *testing.T) {
	s := validSettings()
	s.APIKey = "  "
	o := New(Config{Settings: fakeSettings{s: s}, Logger: quietLogger()})

	err := o.Connect(context.Background())
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrAuthentication {
		t.Fatalf("err = %v, want authentication error", err)
	}
}

func TestConnectWhileActiveIsNoop(t *testing.T) {
	o, _ := newLiveOrchestrator(&fakeSaver{})
	o.dialFn = func(context.Context, TransportConfig, transportHandlers) (eventTransport, error) {
		t.Fatal("dial must not run while a session is active")
		return nil, nil
	}
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect while connected = %v, want nil no-op", err)
	}
}

func TestConnectRejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	o := New(Config{
		Settings:    fakeSettings{s: validSettings()},
		Logger:      quietLogger(),
		HTTPClient:  srv.Client(),
		KeyCheckURL: srv.URL,
	})
	dialed := false
	o.dialFn = func(context.Context, TransportConfig, transportHandlers) (eventTransport, error) {
		dialed = true
		return &fakeTransport{}, nil
	}

	err := o.Connect(context.Background())
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrAuthentication {
		t.Fatalf("err = %v, want authentication error", err)
	}
	if dialed {
		t.Fatal("dialed transport despite rejected key")
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want idle after abort", o.State())
	}
}

func TestConnectEstablishesTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	o := New(Config{
		Settings:    fakeSettings{s: validSettings()},
		Logger:      quietLogger(),
		HTTPClient:  srv.Client(),
		KeyCheckURL: srv.URL,
	})
	ft := &fakeTransport{}
	var gotCfg TransportConfig
	o.dialFn = func(_ context.Context, tc TransportConfig, h transportHandlers) (eventTransport, error) {
		gotCfg = tc
		return ft, nil
	}

	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if gotCfg.Model != "gpt-4o-realtime-preview" || gotCfg.APIKey != "sk-test" {
		t.Fatalf("dial config = %+v", gotCfg)
	}
	o.mu.Lock()
	attached := o.transport == ft
	o.mu.Unlock()
	if !attached {
		t.Fatal("transport not attached")
	}
}

// lockedCapture mimics the audio backend's locking: frames are
// delivered under the device mutex, and Stop waits on that same mutex.
type lockedCapture struct {
	mu      sync.Mutex
	frame   func([]byte, time.Duration)
	stopped bool
}

func (c *lockedCapture) Start(_ context.Context, _ string, frame func([]byte, time.Duration)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = frame
	return nil
}

func (c *lockedCapture) deliver() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.frame == nil {
		return
	}
	c.frame([]byte{0x01}, 20*time.Millisecond)
}

func (c *lockedCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.frame = nil
}

func (c *lockedCapture) SetMuted(bool)  {}
func (c *lockedCapture) Label() string  { return "fake mic" }
func (c *lockedCapture) Level() float64 { return 0 }

func TestDisconnectReturnsWhileFramesAreFlowing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	capture := &lockedCapture{}
	o := New(Config{
		Settings:    fakeSettings{s: validSettings()},
		Capture:     capture,
		Logger:      quietLogger(),
		HTTPClient:  srv.Client(),
		KeyCheckURL: srv.URL,
	})
	o.dialFn = func(context.Context, TransportConfig, transportHandlers) (eventTransport, error) {
		return &fakeTransport{}, nil
	}
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	o.mu.Lock()
	o.state = StateConnected
	o.mu.Unlock()

	// Hammer frames from another goroutine so a delivery is always in
	// flight holding the device mutex when Disconnect runs.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				capture.deliver()
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		o.Disconnect(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect did not return while capture frames were in flight")
	}
	close(stop)
	wg.Wait()

	if o.State() != StateIdle {
		t.Fatalf("state = %v, want idle", o.State())
	}
}

func TestConnectDialFailureResetsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	o := New(Config{
		Settings:    fakeSettings{s: validSettings()},
		Logger:      quietLogger(),
		HTTPClient:  srv.Client(),
		KeyCheckURL: srv.URL,
	})
	o.dialFn = func(context.Context, TransportConfig, transportHandlers) (eventTransport, error) {
		return nil, core.NewAPIError("signaling failed (status 500)")
	}

	if err := o.Connect(context.Background()); err == nil {
		t.Fatal("Connect = nil, want error")
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want idle after failed connect", o.State())
	}
}
