package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/Hectorban/nia/pkg/core"
)

const defaultRealtimeBaseURL = "https://api.openai.com/v1/realtime"

const dataChannelLabel = "oai-events"

// TransportConfig controls the WebRTC signaling handshake.
type TransportConfig struct {
	APIKey  string
	Model   string
	BaseURL string // defaults to the OpenAI realtime endpoint

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// transportHandlers receive transport-level callbacks. All callbacks fire
// on pion-owned goroutines.
type transportHandlers struct {
	onEvent       func(raw []byte)
	onOpen        func()
	onRemoteTrack func(track *webrtc.TrackRemote)
	onClosed      func()
}

// Transport owns the peer connection, the event data channel, and the
// outgoing microphone track.
type Transport struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	track  *webrtc.TrackLocalStaticSample
	logger *slog.Logger
}

// dialTransport runs the full offer/answer handshake: create the peer
// connection, attach the mic track and data channel, POST the local SDP
// and apply the answer.
func dialTransport(ctx context.Context, cfg TransportConfig, h transportHandlers) (*Transport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewAuthenticationError("api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, core.NewInvalidRequestError("model is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultRealtimeBaseURL
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, core.NewProviderError("webrtc", fmt.Errorf("create peer connection: %w", err))
	}

	t := &Transport{pc: pc, logger: logger}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, "audio", "microphone")
	if err != nil {
		pc.Close()
		return nil, core.NewProviderError("webrtc", fmt.Errorf("create audio track: %w", err))
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, core.NewProviderError("webrtc", fmt.Errorf("add audio track: %w", err))
	}
	t.track = track

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, core.NewProviderError("webrtc", fmt.Errorf("create data channel: %w", err))
	}
	t.dc = dc

	dc.OnOpen(func() {
		logger.Debug("data channel open", "label", dataChannelLabel)
		if h.onOpen != nil {
			h.onOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h.onEvent != nil {
			h.onEvent(msg.Data)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("remote track", "codec", remote.Codec().MimeType)
		if h.onRemoteTrack != nil {
			h.onRemoteTrack(remote)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			if h.onClosed != nil {
				h.onClosed()
			}
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, core.NewProviderError("webrtc", fmt.Errorf("create offer: %w", err))
	}
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, core.NewProviderError("webrtc", fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	answerSDP, err := exchangeSDP(ctx, httpClient, baseURL, cfg.Model, cfg.APIKey, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		pc.Close()
		return nil, core.NewProviderError("webrtc", fmt.Errorf("set remote description: %w", err))
	}

	return t, nil
}

// exchangeSDP POSTs the local offer and returns the answer SDP.
func exchangeSDP(ctx context.Context, client *http.Client, baseURL, model, apiKey, offerSDP string) (string, error) {
	endpoint := baseURL + "?model=" + url.QueryEscape(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", core.NewAPIError(fmt.Sprintf("create signaling request: %v", err))
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return "", core.NewAPIError(fmt.Sprintf("signaling request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.NewAPIError(fmt.Sprintf("read signaling response: %v", err))
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", core.NewAuthenticationError("realtime API rejected the key")
	case resp.StatusCode >= 300:
		return "", core.NewAPIError(fmt.Sprintf("signaling failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return string(body), nil
}

// Send writes one JSON command over the data channel.
func (t *Transport) Send(raw []byte) error {
	if t.dc == nil {
		return core.NewInvalidRequestError("data channel is not open")
	}
	return t.dc.SendText(string(raw))
}

// WriteSample pushes one encoded audio frame onto the mic track.
func (t *Transport) WriteSample(s media.Sample) error {
	return t.track.WriteSample(s)
}

// Close tears down the peer connection. Safe to call more than once.
func (t *Transport) Close() error {
	if t.pc == nil {
		return nil
	}
	return t.pc.Close()
}
