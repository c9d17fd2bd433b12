package telegram

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sessionTimeLayout = "2006-01-02 15:04:05"

// Session types and states.
const (
	SessionRefine          = "refine"
	StateAwaitingFeedback  = "awaiting_feedback"
	defaultSessionDuration = 10 * time.Minute
)

// Session represents an active user session (e.g., awaiting refine feedback)
type Session struct {
	ID          int64
	UserID      string
	SessionType string
	State       string
	ContextData string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// SessionContextData holds structured data stored in the context_data JSON field
type SessionContextData struct {
	Date            string `json:"date"`
	PromptMessageID int    `json:"prompt_message_id,omitempty"`
}

// SessionRepository provides access to session persistence operations
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create creates a new session and returns its ID
func (sr *SessionRepository) Create(ctx context.Context, userID, sessionType, state string, contextData SessionContextData, ttl time.Duration, now time.Time) (int64, error) {
	jsonData, err := json.Marshal(contextData)
	if err != nil {
		return 0, err
	}

	res, err := sr.db.ExecContext(ctx, `
		INSERT INTO telegram_sessions (user_id, session_type, state, context_data, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, sessionType, state, string(jsonData),
		now.Add(ttl).UTC().Format(sessionTimeLayout), now.UTC().Format(sessionTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	return res.LastInsertId()
}

// GetActive retrieves the most recent active session for a user (non-expired)
func (sr *SessionRepository) GetActive(ctx context.Context, userID string, now time.Time) (*Session, error) {
	var (
		s                  Session
		expires, createdAt string
	)
	err := sr.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_type, state, context_data, expires_at, created_at
		FROM telegram_sessions
		WHERE user_id = ? AND expires_at > ?
		ORDER BY id DESC
		LIMIT 1`,
		userID, now.UTC().Format(sessionTimeLayout),
	).Scan(&s.ID, &s.UserID, &s.SessionType, &s.State, &s.ContextData, &expires, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if s.ExpiresAt, err = time.Parse(sessionTimeLayout, expires); err != nil {
		return nil, fmt.Errorf("failed to parse session expiry: %w", err)
	}
	if s.CreatedAt, err = time.Parse(sessionTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse session creation time: %w", err)
	}
	return &s, nil
}

// GetContextData unmarshals the context_data JSON field
func (s *Session) GetContextData() (SessionContextData, error) {
	var data SessionContextData
	err := json.Unmarshal([]byte(s.ContextData), &data)
	return data, err
}

// Update updates the state and context_data for a session
func (sr *SessionRepository) Update(ctx context.Context, sessionID int64, state string, contextData SessionContextData) error {
	jsonData, err := json.Marshal(contextData)
	if err != nil {
		return err
	}
	_, err = sr.db.ExecContext(ctx, `UPDATE telegram_sessions SET state = ?, context_data = ? WHERE id = ?`,
		state, string(jsonData), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// Delete removes a session
func (sr *SessionRepository) Delete(ctx context.Context, sessionID int64) error {
	if _, err := sr.db.ExecContext(ctx, `DELETE FROM telegram_sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpired removes all expired sessions and returns how many were removed.
func (sr *SessionRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := sr.db.ExecContext(ctx, `DELETE FROM telegram_sessions WHERE expires_at <= ?`,
		now.UTC().Format(sessionTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return res.RowsAffected()
}
