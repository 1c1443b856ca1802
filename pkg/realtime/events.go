package realtime

import (
	"encoding/json"
	"fmt"
)

// Server event types carried over the data channel.
const (
	eventInputTranscriptDelta     = "conversation.item.input_audio_transcription.delta"
	eventInputTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	eventResponseTextDelta        = "response.text.delta"
	eventResponseTextDone         = "response.text.done"
	eventAudioTranscriptDelta     = "response.audio_transcript.delta"
	eventAudioTranscriptDone      = "response.audio_transcript.done"
	eventResponseCreated          = "response.created"
	eventResponseDone             = "response.done"
	eventSpeechStarted            = "input_audio_buffer.speech_started"
	eventError                    = "error"
)

type tokenDetails struct {
	AudioTokens int `json:"audio_tokens"`
	TextTokens  int `json:"text_tokens"`
}

type responseUsage struct {
	InputTokenDetails  tokenDetails `json:"input_token_details"`
	OutputTokenDetails tokenDetails `json:"output_token_details"`
}

type outputItem struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
}

// serverEvent is the decoded union of data channel payloads. Only the
// fields relevant to the event's type are populated.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Response   struct {
		Usage  *responseUsage `json:"usage"`
		Output []outputItem   `json:"output"`
	} `json:"response"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeServerEvent(raw []byte) (*serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	return &ev, nil
}

// sessionUpdate is the first command sent after the data channel opens.
type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioTranscription *transcriptionModel `json:"input_audio_transcription,omitempty"`
	Tools                   []toolDecl          `json:"tools,omitempty"`
}

type transcriptionModel struct {
	Model string `json:"model"`
}

// itemCreate posts a conversation item (user text or a tool result).
type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
	Content []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreate struct {
	Type string `json:"type"`
}
