package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Speaker identifies who produced a message.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Session is one completed realtime conversation. Immutable once saved.
type Session struct {
	ID                int64
	StartTime         int64 // unix milliseconds
	EndTime           int64 // unix milliseconds
	DurationSeconds   int64
	Model             string
	InputAudioTokens  int64
	OutputAudioTokens int64
	InputTextTokens   int64
	OutputTextTokens  int64
	TotalCost         float64
	MicDevice         string
	SpeakerDevice     string
	CreatedAt         int64 // unix seconds
}

// Message is one utterance inside a session.
type Message struct {
	ID        int64
	SessionID int64
	Speaker   Speaker
	Text      string
	Timestamp int64 // unix milliseconds
}

// SessionWithMessages pairs a session with its ordered messages.
type SessionWithMessages struct {
	Session  Session
	Messages []Message
}

// Stats aggregates across all stored sessions.
type Stats struct {
	TotalSessions   int64
	TotalDuration   int64
	TotalCost       float64
	AverageDuration float64
	TotalMessages   int64
}

// SaveSession stores a session and its messages in one transaction.
func (s *Store) SaveSession(ctx context.Context, session Session, messages []Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (
			start_time, end_time, duration_seconds, model,
			input_audio_tokens, output_audio_tokens, input_text_tokens, output_text_tokens,
			total_cost, mic_device, speaker_device
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.StartTime, session.EndTime, session.DurationSeconds, session.Model,
		session.InputAudioTokens, session.OutputAudioTokens, session.InputTextTokens, session.OutputTextTokens,
		session.TotalCost, nullable(session.MicDevice), nullable(session.SpeakerDevice))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session id: %w", err)
	}

	for _, msg := range messages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, speaker, text, timestamp) VALUES (?, ?, ?, ?)`,
			sessionID, string(msg.Speaker), msg.Text, msg.Timestamp); err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit session: %w", err)
	}
	return sessionID, nil
}

// ListSessions returns all sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_time, end_time, duration_seconds, model,
			input_audio_tokens, output_audio_tokens, input_text_tokens, output_text_tokens,
			total_cost, COALESCE(mic_device, ''), COALESCE(speaker_device, ''), created_at
		 FROM sessions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.ID, &sess.StartTime, &sess.EndTime, &sess.DurationSeconds, &sess.Model,
			&sess.InputAudioTokens, &sess.OutputAudioTokens, &sess.InputTextTokens, &sess.OutputTextTokens,
			&sess.TotalCost, &sess.MicDevice, &sess.SpeakerDevice, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSessionWithMessages returns one session and its messages ordered by
// timestamp, or nil if the session does not exist.
func (s *Store) GetSessionWithMessages(ctx context.Context, id int64) (*SessionWithMessages, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, start_time, end_time, duration_seconds, model,
			input_audio_tokens, output_audio_tokens, input_text_tokens, output_text_tokens,
			total_cost, COALESCE(mic_device, ''), COALESCE(speaker_device, ''), created_at
		 FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.StartTime, &sess.EndTime, &sess.DurationSeconds, &sess.Model,
		&sess.InputAudioTokens, &sess.OutputAudioTokens, &sess.InputTextTokens, &sess.OutputTextTokens,
		&sess.TotalCost, &sess.MicDevice, &sess.SpeakerDevice, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, speaker, text, timestamp
		 FROM messages WHERE session_id = ? ORDER BY timestamp, id`, id)
	if err != nil {
		return nil, fmt.Errorf("get messages for session %d: %w", id, err)
	}
	defer rows.Close()

	out := &SessionWithMessages{Session: sess}
	for rows.Next() {
		var msg Message
		var speaker string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &speaker, &msg.Text, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Speaker = Speaker(speaker)
		out.Messages = append(out.Messages, msg)
	}
	return out, rows.Err()
}

// DeleteSession removes a session; its messages cascade.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	return nil
}

// SessionStats aggregates counts, duration and cost across all sessions.
func (s *Store) SessionStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(duration_seconds), 0),
			COALESCE(SUM(total_cost), 0),
			COALESCE(AVG(duration_seconds), 0),
			(SELECT COUNT(*) FROM messages)
		 FROM sessions`).Scan(
		&stats.TotalSessions, &stats.TotalDuration, &stats.TotalCost,
		&stats.AverageDuration, &stats.TotalMessages)
	if err != nil {
		return Stats{}, fmt.Errorf("session stats: %w", err)
	}
	return stats, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
