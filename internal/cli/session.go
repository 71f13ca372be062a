package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const sessionFile = "session.json"

var ErrNoSession = errors.New("no saved session, run `matrixctl login`")

// Session is what `matrixctl login` remembers between invocations.
type Session struct {
	Token      string    `json:"token"`
	APIBaseURL string    `json:"api_base_url"`
	SavedAt    time.Time `json:"saved_at"`
}

// Client targets the API remembered at login unless override is set.
func (s Session) Client(override string) *Client {
	base := strings.TrimSpace(override)
	if base == "" {
		base = s.APIBaseURL
	}
	return NewClient(base, s.Token)
}

// BaseDir is ~/.matrixctl, or $MATRIXCTL_HOME when set. It is created on
// first use.
func BaseDir() (string, error) {
	dir := strings.TrimSpace(os.Getenv("MATRIXCTL_HOME"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		dir = filepath.Join(home, ".matrixctl")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func SaveSession(s Session) error {
	if strings.TrimSpace(s.Token) == "" {
		return errors.New("refusing to save a session without a token")
	}
	dir, err := BaseDir()
	if err != nil {
		return err
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now().UTC()
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, sessionFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, sessionFile))
}

// LoadSession returns ErrNoSession when nobody is logged in.
func LoadSession() (Session, error) {
	dir, err := BaseDir()
	if err != nil {
		return Session{}, err
	}
	body, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, fmt.Errorf("corrupt session file: %w", err)
	}
	if strings.TrimSpace(s.Token) == "" {
		return Session{}, ErrNoSession
	}
	return s, nil
}

func ClearSession() error {
	dir, err := BaseDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, sessionFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
