// Package main is the Nia voice chat CLI: it wires the local store, the
// audio path, and the side-channel adapters into a realtime session and
// drives them from an interactive prompt.
//
// Usage:
//
//	go run ./cmd/nia
//
// Environment variables:
//
//	NIA_DB        - SQLite database path (default: nia.db)
//	NIA_LOG_LEVEL - debug | info | warn | error (default: info)
//
// Commands at the prompt:
//
//	connect             start a realtime session
//	disconnect          end the session and save it
//	say <text>          send a typed message into the session
//	mute / unmute       toggle the microphone
//	volume <0..2>       set playback gain
//	status              session state, levels, live transcripts
//	devices             list audio devices
//	voices              list ElevenLabs voices
//	sessions            list saved sessions
//	show <id>           print one session with its messages
//	delete <id>         delete a saved session
//	stats               aggregate usage statistics
//	set <key> <value>   update a setting (apiKey, voice, model, ...)
//	settings            print the current settings
//	usage               token usage and cost of the live session
//	quit                disconnect and exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Hectorban/nia/pkg/avatar"
	"github.com/Hectorban/nia/pkg/media"
	"github.com/Hectorban/nia/pkg/realtime"
	"github.com/Hectorban/nia/pkg/store"
	"github.com/Hectorban/nia/pkg/synth"
	"github.com/Hectorban/nia/pkg/webfetch"
)

func main() {
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("NIA_LOG_LEVEL"))

	dbPath := os.Getenv("NIA_DB")
	if dbPath == "" {
		dbPath = "nia.db"
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		logger.Error("open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	settings, err := st.Settings(ctx)
	if err != nil {
		logger.Error("load settings", "error", err)
		os.Exit(1)
	}

	audioCtx, err := media.NewContext(logger)
	if err != nil {
		logger.Error("init audio", "error", err)
		os.Exit(1)
	}
	defer audioCtx.Close()
	capture := media.NewCapture(audioCtx, logger)
	sink := media.NewSink(audioCtx, logger)

	var player synth.ChunkPlayer
	if p, err := synth.NewPlayer(logger); err != nil {
		logger.Warn("synthesis playback unavailable", "error", err)
	} else {
		player = p
		defer p.Close()
	}
	voice := synth.NewClient(synth.ClientConfig{
		APIKey:  settings.ElevenLabsKey,
		VoiceID: settings.ElevenLabsVoice,
		Player:  player,
		Logger:  logger,
	})

	vts := avatar.NewClient("", st, logger)
	if err := vts.Connect(ctx); err != nil {
		logger.Info("vtube studio not available", "error", err)
	}
	defer vts.Close()

	fetcher := webfetch.NewClient(settings.FirecrawlKey, "", nil, logger)

	orch := realtime.New(realtime.Config{
		Settings: st,
		Sessions: st,
		Synth:    voice,
		Avatar:   vts,
		Fetcher:  fetcher,
		Capture:  capture,
		Sink:     sink,
		Logger:   logger,
	})

	fmt.Println("nia voice chat - type 'help' for commands")
	runLoop(ctx, orch, st, voice, audioCtx, logger)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := orch.Disconnect(shutdownCtx); err != nil {
		logger.Warn("disconnect on exit", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func runLoop(ctx context.Context, orch *realtime.Orchestrator, st *store.Store, voice *synth.Client, audioCtx *media.Context, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		rest = strings.TrimSpace(rest)
		switch cmd {
		case "":
		case "help":
			fmt.Println("commands: connect disconnect say mute unmute volume status devices voices sessions show delete stats set settings usage quit")

		case "connect":
			if err := orch.Connect(ctx); err != nil {
				fmt.Println("connect failed:", err)
			} else {
				fmt.Println("connected")
			}

		case "disconnect":
			if err := orch.Disconnect(ctx); err != nil {
				fmt.Println("disconnect failed:", err)
			} else {
				fmt.Println("disconnected")
			}

		case "say":
			if rest == "" {
				fmt.Println("usage: say <text>")
				continue
			}
			if err := orch.SendText(rest); err != nil {
				fmt.Println("send failed:", err)
			}

		case "mute":
			orch.SetMuted(true)
		case "unmute":
			orch.SetMuted(false)

		case "volume":
			v, err := strconv.ParseFloat(rest, 64)
			if err != nil {
				fmt.Println("usage: volume <0..2>")
				continue
			}
			orch.SetVolume(v)

		case "devices":
			printDevices(audioCtx)

		case "voices":
			voices, err := voice.ListVoices(ctx)
			if err != nil {
				fmt.Println("list voices failed:", err)
				continue
			}
			for _, v := range voices {
				fmt.Printf("  %s  %s (%s)\n", v.VoiceID, v.Name, v.Category)
			}

		case "sessions":
			printSessions(ctx, st)

		case "show":
			printSession(ctx, st, rest)

		case "delete":
			id, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				fmt.Println("usage: delete <id>")
				continue
			}
			if err := st.DeleteSession(ctx, id); err != nil {
				fmt.Println("delete failed:", err)
			}

		case "stats":
			stats, err := st.SessionStats(ctx)
			if err != nil {
				fmt.Println("stats failed:", err)
				continue
			}
			fmt.Printf("  sessions: %d  messages: %d\n", stats.TotalSessions, stats.TotalMessages)
			fmt.Printf("  total duration: %ds  average: %.1fs\n", stats.TotalDuration, stats.AverageDuration)
			fmt.Printf("  total cost: $%.2f\n", stats.TotalCost)

		case "set":
			key, value, _ := strings.Cut(rest, " ")
			value = strings.TrimSpace(value)
			if err := applySetting(ctx, st, key, value); err != nil {
				fmt.Println("set failed:", err)
				continue
			}
			// Speaker changes take effect mid-session.
			if key == "speaker" && orch.State() == realtime.StateConnected {
				if err := orch.SetOutputDevice(value); err != nil {
					fmt.Println("rebind failed:", err)
				}
			}

		case "settings":
			printSettings(ctx, st)

		case "usage":
			u := orch.Usage()
			fmt.Printf("  audio in/out: %d/%d  text in/out: %d/%d  cost: $%.2f\n",
				u.InputAudioTokens, u.OutputAudioTokens, u.InputTextTokens, u.OutputTextTokens, orch.Cost())

		case "status":
			user, agent := orch.Transcripts()
			if user == "" && agent == "" {
				user, agent = orch.LastExchange()
			}
			fmt.Printf("  state: %s  mic level: %.2f  speaker level: %.2f\n", orch.State(), orch.InputLevel(), orch.OutputLevel())
			if user != "" {
				fmt.Println("  you:  ", user)
			}
			if agent != "" {
				fmt.Println("  agent:", agent)
			}

		case "quit", "q", "exit":
			return

		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

func printDevices(audioCtx *media.Context) {
	for _, kind := range []media.DeviceKind{media.DeviceCapture, media.DevicePlayback} {
		devices, err := audioCtx.Devices(kind)
		if err != nil {
			fmt.Printf("  %s: %v\n", kind, err)
			continue
		}
		fmt.Printf("%s:\n", kind)
		for _, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("  %s %s  %s\n", marker, d.ID, d.Label)
		}
	}
}

func printSessions(ctx context.Context, st *store.Store) {
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		fmt.Println("list failed:", err)
		return
	}
	for _, s := range sessions {
		start := time.UnixMilli(s.StartTime).Format("2006-01-02 15:04")
		fmt.Printf("  #%d  %s  %ds  %s  $%.2f\n", s.ID, start, s.DurationSeconds, s.Model, s.TotalCost)
	}
}

func printSession(ctx context.Context, st *store.Store, arg string) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Println("usage: show <id>")
		return
	}
	full, err := st.GetSessionWithMessages(ctx, id)
	if err != nil {
		fmt.Println("load failed:", err)
		return
	}
	if full == nil {
		fmt.Println("no such session")
		return
	}
	s := full.Session
	fmt.Printf("session #%d  model=%s  duration=%ds  cost=$%.2f\n", s.ID, s.Model, s.DurationSeconds, s.TotalCost)
	for _, m := range full.Messages {
		ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
		fmt.Printf("  [%s] %s: %s\n", ts, m.Speaker, m.Text)
	}
}

func applySetting(ctx context.Context, st *store.Store, key, value string) error {
	patch := store.SettingsPatch{}
	switch key {
	case "apiKey":
		patch.APIKey = &value
	case "voice":
		patch.Voice = &value
	case "prompt":
		patch.Prompt = &value
	case "model":
		patch.Model = &value
	case "language":
		patch.Language = &value
	case "mic":
		patch.SelectedMicID = &value
	case "speaker":
		patch.SelectedSpeakerID = &value
	case "ttsProvider":
		p := store.TTSProvider(value)
		if p != store.TTSProviderOpenAI && p != store.TTSProviderElevenLabs {
			return fmt.Errorf("ttsProvider must be openai or elevenlabs")
		}
		patch.TTSProvider = &p
	case "elevenLabsKey":
		patch.ElevenLabsKey = &value
	case "elevenLabsVoice":
		patch.ElevenLabsVoice = &value
	case "firecrawlKey":
		patch.FirecrawlKey = &value
	case "darkMode":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("darkMode must be true or false")
		}
		patch.DarkMode = &b
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return st.ApplySettings(ctx, patch)
}

func printSettings(ctx context.Context, st *store.Store) {
	s, err := st.Settings(ctx)
	if err != nil {
		fmt.Println("load failed:", err)
		return
	}
	fmt.Printf("  model: %s  voice: %s  language: %s\n", s.Model, s.Voice, s.Language)
	fmt.Printf("  apiKey: %s  ttsProvider: %s\n", maskKey(s.APIKey), s.TTSProvider)
	fmt.Printf("  elevenLabsKey: %s  elevenLabsVoice: %s\n", maskKey(s.ElevenLabsKey), s.ElevenLabsVoice)
	fmt.Printf("  firecrawlKey: %s\n", maskKey(s.FirecrawlKey))
	fmt.Printf("  mic: %s  speaker: %s\n", s.SelectedMicID, s.SelectedSpeakerID)
}

func maskKey(k string) string {
	if k == "" {
		return "(unset)"
	}
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "..." + k[len(k)-4:]
}
