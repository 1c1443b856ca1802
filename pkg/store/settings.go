package store

import (
	"context"
	"fmt"
	"strconv"
)

// TTSProvider selects who renders the agent's speech.
type TTSProvider string

const (
	TTSProviderOpenAI     TTSProvider = "openai"
	TTSProviderElevenLabs TTSProvider = "elevenlabs"
)

// Settings is the full user configuration.
type Settings struct {
	APIKey            string
	Voice             string
	Prompt            string
	Model             string
	Language          string
	DarkMode          bool
	SelectedMicID     string
	SelectedSpeakerID string

	TTSProvider     TTSProvider
	ElevenLabsKey   string
	ElevenLabsVoice string

	FirecrawlKey string

	VTubeAuthAccepted bool
	VTubeAuthToken    string
}

// SettingsPatch is a partial settings update; nil fields are left untouched.
type SettingsPatch struct {
	APIKey            *string
	Voice             *string
	Prompt            *string
	Model             *string
	Language          *string
	DarkMode          *bool
	SelectedMicID     *string
	SelectedSpeakerID *string
	TTSProvider       *TTSProvider
	ElevenLabsKey     *string
	ElevenLabsVoice   *string
	FirecrawlKey      *string
}

const (
	keyAPIKey            = "apiKey"
	keyVoice             = "voice"
	keyPrompt            = "prompt"
	keyModel             = "model"
	keyLanguage          = "language"
	keyDarkMode          = "darkMode"
	keySelectedMicID     = "selectedMicId"
	keySelectedSpeakerID = "selectedSpeakerId"
	keyTTSProvider       = "ttsProvider"
	keyElevenLabsKey     = "elevenLabsKey"
	keyElevenLabsVoice   = "elevenLabsVoice"
	keyFirecrawlKey      = "firecrawlKey"
	keyVTubeAuthAccepted = "vtubeAuthAccepted"
	keyVTubeAuthToken    = "vtubeAuthToken"
)

// Settings loads all settings. Missing keys yield defaults.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	out := Settings{
		Voice:       "alloy",
		Model:       "gpt-4o-realtime-preview",
		Language:    "en",
		TTSProvider: TTSProviderOpenAI,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Settings{}, fmt.Errorf("scan setting: %w", err)
		}
		switch key {
		case keyAPIKey:
			out.APIKey = value
		case keyVoice:
			if value != "" {
				out.Voice = value
			}
		case keyPrompt:
			out.Prompt = value
		case keyModel:
			if value != "" {
				out.Model = value
			}
		case keyLanguage:
			if value != "" {
				out.Language = value
			}
		case keyDarkMode:
			out.DarkMode, _ = strconv.ParseBool(value)
		case keySelectedMicID:
			out.SelectedMicID = value
		case keySelectedSpeakerID:
			out.SelectedSpeakerID = value
		case keyTTSProvider:
			if value != "" {
				out.TTSProvider = TTSProvider(value)
			}
		case keyElevenLabsKey:
			out.ElevenLabsKey = value
		case keyElevenLabsVoice:
			out.ElevenLabsVoice = value
		case keyFirecrawlKey:
			out.FirecrawlKey = value
		case keyVTubeAuthAccepted:
			out.VTubeAuthAccepted, _ = strconv.ParseBool(value)
		case keyVTubeAuthToken:
			out.VTubeAuthToken = value
		}
	}
	return out, rows.Err()
}

// ApplySettings writes the non-nil fields of patch.
func (s *Store) ApplySettings(ctx context.Context, patch SettingsPatch) error {
	set := func(key, value string) error { return s.setSetting(ctx, key, value) }

	type entry struct {
		key string
		val *string
	}
	strs := []entry{
		{keyAPIKey, patch.APIKey},
		{keyVoice, patch.Voice},
		{keyPrompt, patch.Prompt},
		{keyModel, patch.Model},
		{keyLanguage, patch.Language},
		{keySelectedMicID, patch.SelectedMicID},
		{keySelectedSpeakerID, patch.SelectedSpeakerID},
		{keyElevenLabsKey, patch.ElevenLabsKey},
		{keyElevenLabsVoice, patch.ElevenLabsVoice},
		{keyFirecrawlKey, patch.FirecrawlKey},
	}
	for _, e := range strs {
		if e.val == nil {
			continue
		}
		if err := set(e.key, *e.val); err != nil {
			return err
		}
	}
	if patch.DarkMode != nil {
		if err := set(keyDarkMode, strconv.FormatBool(*patch.DarkMode)); err != nil {
			return err
		}
	}
	if patch.TTSProvider != nil {
		if err := set(keyTTSProvider, string(*patch.TTSProvider)); err != nil {
			return err
		}
	}
	return nil
}

// SaveVTubeAuth records an accepted avatar-control auth token.
func (s *Store) SaveVTubeAuth(ctx context.Context, token string) error {
	if err := s.setSetting(ctx, keyVTubeAuthAccepted, "true"); err != nil {
		return err
	}
	return s.setSetting(ctx, keyVTubeAuthToken, token)
}

// ClearVTubeAuth forgets any stored avatar-control auth token.
func (s *Store) ClearVTubeAuth(ctx context.Context) error {
	if err := s.setSetting(ctx, keyVTubeAuthAccepted, "false"); err != nil {
		return err
	}
	return s.setSetting(ctx, keyVTubeAuthToken, "")
}

// VTubeAuth returns the stored avatar-control auth state.
func (s *Store) VTubeAuth(ctx context.Context) (accepted bool, token string, err error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return false, "", err
	}
	return settings.VTubeAuthAccepted, settings.VTubeAuthToken, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("save setting %q: %w", key, err)
	}
	return nil
}
