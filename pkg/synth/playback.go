package synth

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/Hectorban/nia/pkg/core"
)

const (
	playbackSampleRate = 44100

	// A chunk that still fails to decode after this many merge attempts
	// is dropped rather than retried forever.
	maxDecodeAttempts = 3
)

// Player renders mp3 buffers through the system output. Chunks play
// independently; overlap between consecutive chunks is accepted.
type Player struct {
	ctx    *oto.Context
	logger *slog.Logger

	mu       sync.Mutex
	volume   float64
	pending  []byte
	attempts int
	closed   bool
}

// NewPlayer initializes the audio output context.
func NewPlayer(logger *slog.Logger) (*Player, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   playbackSampleRate,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, core.NewProviderError("audio", fmt.Errorf("open output context: %w", err))
	}
	<-ready
	return &Player{ctx: ctx, logger: logger, volume: 1.0}, nil
}

// SetVolume scales playback gain for subsequently played chunks.
func (p *Player) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Play decodes and plays one complete mp3 buffer, blocking until the
// audio has finished.
func (p *Player) Play(mp3Data []byte) error {
	pcm, err := decodeMP3(mp3Data)
	if err != nil {
		return err
	}
	p.playPCM(pcm, true)
	return nil
}

// PlayChunk handles one streamed mp3 fragment. Fragments can split mid
// mp3 frame, so a failed decode is held and merged with the next
// fragment; after maxDecodeAttempts the pending data is dropped.
func (p *Player) PlayChunk(chunk []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, chunk...)
	data := make([]byte, len(p.pending))
	copy(data, p.pending)
	p.mu.Unlock()

	pcm, err := decodeMP3(data)
	if err != nil {
		p.mu.Lock()
		p.attempts++
		give := p.attempts >= maxDecodeAttempts
		if give {
			p.pending = nil
			p.attempts = 0
		}
		p.mu.Unlock()
		if give {
			p.logger.Warn("dropping undecodable audio chunk", "bytes", len(data), "error", err)
		}
		return
	}

	p.mu.Lock()
	p.pending = nil
	p.attempts = 0
	p.mu.Unlock()
	p.playPCM(pcm, false)
}

func (p *Player) playPCM(pcm []byte, wait bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	vol := p.volume
	player := p.ctx.NewPlayer(bytes.NewReader(pcm))
	p.mu.Unlock()

	player.SetVolume(vol)
	player.Play()
	finish := func() {
		for player.IsPlaying() {
			time.Sleep(10 * time.Millisecond)
		}
		player.Close()
	}
	if wait {
		finish()
	} else {
		go finish()
	}
}

// Close stops accepting new playback. In-flight chunks finish on their
// own goroutines.
func (p *Player) Close() error {
	p.mu.Lock()
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	return nil
}

// decodeMP3 converts an mp3 buffer to 16-bit stereo PCM at the player's
// fixed sample rate.
func decodeMP3(data []byte) ([]byte, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, core.NewProviderError("audio", fmt.Errorf("decode mp3: %w", err))
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, core.NewProviderError("audio", fmt.Errorf("read mp3 frames: %w", err))
	}
	if len(pcm) == 0 {
		return nil, core.NewProviderError("audio", fmt.Errorf("mp3 decoded to no samples"))
	}
	return pcm, nil
}
