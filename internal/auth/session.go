package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediahub/pkg/models"
)

var ErrNoSession = errors.New("not signed in")

// Session is the signed-in identity a client keeps between runs.
type Session struct {
	UserID    string      `json:"user_id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	Tier      models.Tier `json:"tier"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func SessionFromResponse(resp AuthResponse) (Session, error) {
	exp, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse expiry: %w", err)
	}
	return Session{
		UserID:    resp.User.ID,
		Username:  resp.User.Username,
		Email:     resp.User.Email,
		Tier:      models.ParseTier(string(resp.User.Tier)),
		Token:     resp.Token,
		ExpiresAt: exp,
	}, nil
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func SaveSession(path string, s Session) error {
	if s.Token == "" || s.UserID == "" {
		return errors.New("save session: empty token or user")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadSession returns ErrNoSession when there is no saved session or it
// has expired.
func LoadSession(path string, now time.Time) (Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	s.Token = strings.TrimSpace(s.Token)
	if s.Token == "" || s.UserID == "" || s.Expired(now) {
		return Session{}, ErrNoSession
	}
	return s, nil
}

func ClearSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
