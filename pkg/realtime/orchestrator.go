package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/Hectorban/nia/pkg/core"
	"github.com/Hectorban/nia/pkg/store"
)

const defaultKeyCheckURL = "https://api.openai.com/v1/models"

// transcription model used for inbound speech.
const transcriptionModelName = "gpt-4o-transcribe"

// State is the orchestrator's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "idle"
	}
}

// SettingsSource supplies the current user configuration.
type SettingsSource interface {
	Settings(ctx context.Context) (store.Settings, error)
}

// SessionSaver persists a finished session atomically.
type SessionSaver interface {
	SaveSession(ctx context.Context, session store.Session, messages []store.Message) (int64, error)
}

// CaptureSource is the microphone pipeline: started with a device, it
// delivers encoded audio frames until stopped.
type CaptureSource interface {
	Start(ctx context.Context, deviceID string, frame func(encoded []byte, duration time.Duration)) error
	SetMuted(muted bool)
	Stop()
	Label() string
	Level() float64
}

// PlaybackSink renders the remote audio track. Rebind switches output
// device without interrupting the session.
type PlaybackSink interface {
	PlayTrack(track *webrtc.TrackRemote) error
	SetVolume(v float64)
	SetMuted(muted bool)
	Rebind(deviceID string) error
	Stop()
	Label() string
	Level() float64
}

// Synthesizer renders agent text as speech through a third-party voice.
type Synthesizer interface {
	Configured() bool
	Speak(ctx context.Context, text string) error
	StartStream(ctx context.Context) error
	StreamText(text string) error
	FinishStream() error
	StreamActive() bool
	Close() error
}

// eventTransport is what the orchestrator needs from the wire.
type eventTransport interface {
	Send(raw []byte) error
	WriteSample(s pionmedia.Sample) error
	Close() error
}

// Config wires the orchestrator's collaborators. Settings and Sessions
// are required; adapters and media may be nil when unavailable.
type Config struct {
	Settings SettingsSource
	Sessions SessionSaver

	Synth   Synthesizer
	Avatar  AvatarController
	Fetcher Fetcher

	Capture CaptureSource
	Sink    PlaybackSink

	Logger     *slog.Logger
	HTTPClient *http.Client

	// Test overrides for the provider endpoints.
	SignalingURL string
	KeyCheckURL  string
}

// Orchestrator owns one live realtime session end to end: transport,
// transcript state, token accounting, tool dispatch, and persistence on
// teardown. At most one session is active per instance.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	transport    eventTransport
	sessionStart int64 // unix ms, zero until the channel opens
	model        string
	settings     store.Settings
	useSynth     bool
	messages     []store.Message

	lastUserTranscript  string
	lastAgentTranscript string

	userT  transcriptBuffer
	agentT transcriptBuffer
	usage  usageTracker

	// replaced in tests
	dialFn func(ctx context.Context, cfg TransportConfig, h transportHandlers) (eventTransport, error)
}

// New creates an idle orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{cfg: cfg, logger: logger}
	o.dialFn = func(ctx context.Context, tc TransportConfig, h transportHandlers) (eventTransport, error) {
		return dialTransport(ctx, tc, h)
	}
	return o
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Usage returns the session's token counters so far.
func (o *Orchestrator) Usage() Usage {
	return o.usage.snapshot()
}

// Cost returns the running cost of the session in USD.
func (o *Orchestrator) Cost() float64 {
	o.mu.Lock()
	model := o.model
	o.mu.Unlock()
	return EstimateCost(model, o.usage.snapshot())
}

// Transcripts returns the live accumulators for both speakers.
func (o *Orchestrator) Transcripts() (user, agent string) {
	return o.userT.value(), o.agentT.value()
}

// LastExchange returns the most recent finalized utterance per speaker.
func (o *Orchestrator) LastExchange() (user, agent string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUserTranscript, o.lastAgentTranscript
}

// Messages returns a copy of the messages recorded so far.
func (o *Orchestrator) Messages() []store.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]store.Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// Connect validates configuration, establishes the peer transport, and
// starts streaming the microphone. A no-op when already connecting or
// connected. Missing credentials or input device abort before any
// resource is acquired.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil
	}

	settings, err := o.cfg.Settings.Settings(ctx)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("load settings: %w", err)
	}
	if strings.TrimSpace(settings.APIKey) == "" {
		o.mu.Unlock()
		return core.NewAuthenticationError("api key is not configured")
	}
	if strings.TrimSpace(settings.SelectedMicID) == "" {
		o.mu.Unlock()
		return core.NewInvalidRequestError("no input device selected")
	}

	o.state = StateConnecting
	o.settings = settings
	o.model = settings.Model
	o.useSynth = settings.TTSProvider == store.TTSProviderElevenLabs &&
		o.cfg.Synth != nil && o.cfg.Synth.Configured()
	o.mu.Unlock()

	if err := o.validateKey(ctx, settings.APIKey); err != nil {
		o.abortConnect()
		return err
	}

	if o.cfg.Capture != nil {
		err := o.cfg.Capture.Start(ctx, settings.SelectedMicID, func(encoded []byte, duration time.Duration) {
			o.mu.Lock()
			t := o.transport
			o.mu.Unlock()
			if t == nil {
				return
			}
			if err := t.WriteSample(pionmedia.Sample{Data: encoded, Duration: duration}); err != nil {
				o.logger.Debug("write mic sample", "error", err)
			}
		})
		if err != nil {
			o.abortConnect()
			return fmt.Errorf("start capture: %w", err)
		}
	}

	transport, err := o.dialFn(ctx, TransportConfig{
		APIKey:     settings.APIKey,
		Model:      settings.Model,
		BaseURL:    o.cfg.SignalingURL,
		HTTPClient: o.cfg.HTTPClient,
		Logger:     o.logger,
	}, transportHandlers{
		onOpen:        o.handleChannelOpen,
		onEvent:       o.handleServerEvent,
		onRemoteTrack: o.handleRemoteTrack,
	})
	if err != nil {
		o.abortConnect()
		return err
	}

	o.mu.Lock()
	o.transport = transport
	o.mu.Unlock()
	o.logger.Info("transport established", "model", settings.Model)
	return nil
}

// abortConnect tears down partial connect state without persisting.
func (o *Orchestrator) abortConnect() {
	o.teardown()
}

// validateKey makes a cheap read-only call to reject a bad credential
// before any media is acquired.
func (o *Orchestrator) validateKey(ctx context.Context, apiKey string) error {
	checkURL := o.cfg.KeyCheckURL
	if checkURL == "" {
		checkURL = defaultKeyCheckURL
	}
	client := o.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return core.NewAPIError(fmt.Sprintf("create key check request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := client.Do(req)
	if err != nil {
		return core.NewAPIError(fmt.Sprintf("key check failed: %v", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return core.NewAuthenticationError("api key was rejected")
	}
	if resp.StatusCode >= 300 {
		return core.NewAPIError(fmt.Sprintf("key check returned status %d", resp.StatusCode))
	}
	return nil
}

// handleChannelOpen runs when the data channel opens: the session is now
// live, so stamp its start and push the session configuration.
func (o *Orchestrator) handleChannelOpen() {
	o.mu.Lock()
	o.state = StateConnected
	o.sessionStart = time.Now().UnixMilli()
	settings := o.settings
	o.mu.Unlock()

	cfg := sessionConfig{
		Voice:                   settings.Voice,
		Instructions:            settings.Prompt,
		InputAudioTranscription: &transcriptionModel{Model: transcriptionModelName},
		Tools:                   toolDeclarations(o.cfg.Avatar, o.cfg.Fetcher),
	}
	if err := o.sendJSON(sessionUpdate{Type: "session.update", Session: cfg}); err != nil {
		o.logger.Warn("send session.update", "error", err)
	}
	o.logger.Info("session started", "voice", settings.Voice, "model", settings.Model)
}

func (o *Orchestrator) handleRemoteTrack(track *webrtc.TrackRemote) {
	if o.cfg.Sink == nil {
		return
	}
	o.mu.Lock()
	muted := o.useSynth
	speakerID := o.settings.SelectedSpeakerID
	o.mu.Unlock()

	if speakerID != "" {
		if err := o.cfg.Sink.Rebind(speakerID); err != nil {
			o.logger.Warn("bind output device", "device", speakerID, "error", err)
		}
	}
	// Model audio is silenced when a third-party voice renders the
	// agent's speech, so the user never hears both.
	o.cfg.Sink.SetMuted(muted)
	if err := o.cfg.Sink.PlayTrack(track); err != nil {
		o.logger.Warn("play remote track", "error", err)
	}
}

// handleServerEvent dispatches one inbound data channel message.
// Unrecognized kinds are ignored.
func (o *Orchestrator) handleServerEvent(raw []byte) {
	ev, err := decodeServerEvent(raw)
	if err != nil {
		o.logger.Debug("drop undecodable event", "error", err)
		return
	}

	switch ev.Type {
	case eventInputTranscriptDelta:
		o.userT.append(ev.Delta)

	case eventInputTranscriptCompleted:
		o.completeTranscript(store.SpeakerUser, ev.Transcript)

	case eventResponseTextDelta:
		o.agentT.append(ev.Delta)

	case eventResponseTextDone:
		o.completeTranscript(store.SpeakerAgent, ev.Text)

	case eventAudioTranscriptDelta:
		o.agentT.append(ev.Delta)
		o.streamSynthDelta(ev.Delta)

	case eventAudioTranscriptDone:
		o.finishSynth(ev.Transcript)
		o.completeTranscript(store.SpeakerAgent, ev.Transcript)

	case eventResponseCreated:
		o.agentT.clearNow()
		o.startSynthStream()

	case eventSpeechStarted:
		o.userT.clearNow()

	case eventResponseDone:
		if ev.Response.Usage != nil {
			o.usage.add(ev.Response.Usage.InputTokenDetails, ev.Response.Usage.OutputTokenDetails)
		}
		for _, item := range ev.Response.Output {
			if item.Type == "function_call" {
				o.handleFunctionCall(item)
			}
		}

	case eventError:
		o.logger.Warn("server error event", "code", ev.Error.Code, "message", ev.Error.Message)
	}
}

// completeTranscript records a finished utterance and schedules the live
// buffer to clear after the grace delay.
func (o *Orchestrator) completeTranscript(speaker store.Speaker, text string) {
	buf := &o.userT
	if speaker == store.SpeakerAgent {
		buf = &o.agentT
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		buf.scheduleClear(clearGrace)
		return
	}

	o.mu.Lock()
	o.messages = append(o.messages, store.Message{
		Speaker:   speaker,
		Text:      trimmed,
		Timestamp: time.Now().UnixMilli(),
	})
	if speaker == store.SpeakerUser {
		o.lastUserTranscript = trimmed
	} else {
		o.lastAgentTranscript = trimmed
	}
	o.mu.Unlock()

	buf.set(text)
	buf.scheduleClear(clearGrace)
}

func (o *Orchestrator) startSynthStream() {
	o.mu.Lock()
	useSynth := o.useSynth
	o.mu.Unlock()
	if !useSynth {
		return
	}
	if err := o.cfg.Synth.StartStream(context.Background()); err != nil {
		o.logger.Warn("start synthesis stream", "error", err)
	}
}

func (o *Orchestrator) streamSynthDelta(delta string) {
	o.mu.Lock()
	useSynth := o.useSynth
	o.mu.Unlock()
	if !useSynth || !o.cfg.Synth.StreamActive() {
		return
	}
	if err := o.cfg.Synth.StreamText(delta); err != nil {
		o.logger.Warn("stream synthesis text", "error", err)
	}
}

// finishSynth closes the active synthesis stream, or falls back to
// one-shot synthesis of the whole transcript when no stream was open.
func (o *Orchestrator) finishSynth(transcript string) {
	o.mu.Lock()
	useSynth := o.useSynth
	o.mu.Unlock()
	if !useSynth {
		return
	}
	if o.cfg.Synth.StreamActive() {
		if err := o.cfg.Synth.FinishStream(); err != nil {
			o.logger.Warn("finish synthesis stream", "error", err)
		}
		return
	}
	if strings.TrimSpace(transcript) == "" {
		return
	}
	if err := o.cfg.Synth.Speak(context.Background(), transcript); err != nil {
		o.logger.Warn("one-shot synthesis", "error", err)
	}
}

// handleFunctionCall runs a tool and always sends an output for the call
// id, then asks the model to resume its turn.
func (o *Orchestrator) handleFunctionCall(item outputItem) {
	o.logger.Info("tool call", "name", item.Name, "call_id", item.CallID)
	output := dispatchTool(context.Background(), o.cfg.Avatar, o.cfg.Fetcher, item.Name, item.Arguments)

	if err := o.sendJSON(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: item.CallID,
			Output: output,
		},
	}); err != nil {
		o.logger.Warn("send tool output", "call_id", item.CallID, "error", err)
		return
	}
	if err := o.sendJSON(responseCreate{Type: "response.create"}); err != nil {
		o.logger.Warn("request response after tool output", "error", err)
	}
}

// SendText posts a typed user message into the conversation and requests
// a model response. Valid only while connected.
func (o *Orchestrator) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.NewInvalidRequestError("message text is empty")
	}

	o.mu.Lock()
	if o.state != StateConnected {
		o.mu.Unlock()
		return core.NewInvalidRequestError("not connected")
	}
	o.messages = append(o.messages, store.Message{
		Speaker:   store.SpeakerUser,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
	o.mu.Unlock()

	if err := o.sendJSON(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return o.sendJSON(responseCreate{Type: "response.create"})
}

// SetMuted toggles the microphone in place without stopping capture.
func (o *Orchestrator) SetMuted(muted bool) {
	if o.cfg.Capture != nil {
		o.cfg.Capture.SetMuted(muted)
	}
}

// SetVolume scales the output sink's gain live.
func (o *Orchestrator) SetVolume(v float64) {
	if o.cfg.Sink != nil {
		o.cfg.Sink.SetVolume(v)
	}
}

// SetOutputDevice rebinds the active sink to another device.
func (o *Orchestrator) SetOutputDevice(deviceID string) error {
	if o.cfg.Sink == nil {
		return nil
	}
	return o.cfg.Sink.Rebind(deviceID)
}

// InputLevel and OutputLevel expose the visualization meters.
func (o *Orchestrator) InputLevel() float64 {
	if o.cfg.Capture == nil {
		return 0
	}
	return o.cfg.Capture.Level()
}

func (o *Orchestrator) OutputLevel() float64 {
	if o.cfg.Sink == nil {
		return 0
	}
	return o.cfg.Sink.Level()
}

// Disconnect persists the session when it produced messages, then tears
// everything down and resets to idle. Idempotent; a second call is a
// no-op. The state flips to idle before any resource is released so a
// concurrent caller never saves twice.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return nil
	}
	o.state = StateIdle
	sessionStart := o.sessionStart
	model := o.model
	messages := make([]store.Message, len(o.messages))
	copy(messages, o.messages)
	o.mu.Unlock()

	if sessionStart > 0 && len(messages) > 0 && o.cfg.Sessions != nil {
		end := time.Now().UnixMilli()
		u := o.usage.snapshot()
		session := store.Session{
			StartTime:         sessionStart,
			EndTime:           end,
			DurationSeconds:   (end - sessionStart) / 1000,
			Model:             model,
			TotalCost:         EstimateCost(model, u),
			InputAudioTokens:  int64(u.InputAudioTokens),
			OutputAudioTokens: int64(u.OutputAudioTokens),
			InputTextTokens:   int64(u.InputTextTokens),
			OutputTextTokens:  int64(u.OutputTextTokens),
		}
		if o.cfg.Capture != nil {
			session.MicDevice = o.cfg.Capture.Label()
		}
		if o.cfg.Sink != nil {
			session.SpeakerDevice = o.cfg.Sink.Label()
		}

		if _, err := o.cfg.Sessions.SaveSession(ctx, session, messages); err != nil {
			// Teardown proceeds regardless; losing one record beats
			// leaking the transport.
			o.logger.Error("save session", "error", err)
		} else {
			o.logger.Info("session saved",
				"duration_s", session.DurationSeconds,
				"messages", len(messages),
				"cost", session.TotalCost)
		}
	}

	o.teardown()
	return nil
}

// teardown releases every live resource and resets in-memory state. It
// must not run under o.mu: the capture data callback takes o.mu from
// inside the device lock, so holding o.mu across Capture.Stop would
// close the lock cycle.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	transport := o.transport
	o.transport = nil
	o.state = StateIdle
	o.sessionStart = 0
	o.model = ""
	o.useSynth = false
	o.messages = nil
	o.lastUserTranscript = ""
	o.lastAgentTranscript = ""
	o.mu.Unlock()

	if o.cfg.Capture != nil {
		o.cfg.Capture.Stop()
	}
	if o.cfg.Sink != nil {
		o.cfg.Sink.Stop()
	}
	if o.cfg.Synth != nil {
		if err := o.cfg.Synth.Close(); err != nil {
			o.logger.Debug("close synthesizer", "error", err)
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			o.logger.Debug("close transport", "error", err)
		}
	}

	o.userT.clearNow()
	o.agentT.clearNow()
	o.usage.reset()
}

func (o *Orchestrator) sendJSON(v any) error {
	o.mu.Lock()
	t := o.transport
	o.mu.Unlock()
	if t == nil {
		return core.NewInvalidRequestError("transport is not open")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return core.NewAPIError(fmt.Sprintf("encode command: %v", err))
	}
	return t.Send(raw)
}
