// Package syncq keeps mutating matrixctl commands that could not reach the
// API so `matrixctl sync` can replay them later with the same
// idempotency key.
package syncq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Command struct {
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Body           map[string]any `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	QueuedAt       time.Time      `json:"queued_at"`
	Attempts       int            `json:"attempts,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

func queuePath() (string, error) {
	dir := strings.TrimSpace(os.Getenv("MATRIXCTL_HOME"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".matrixctl")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.json"), nil
}

func Load() ([]Command, error) {
	path, err := queuePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Save(commands []Command) error {
	path, err := queuePath()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func Push(cmd Command) error {
	commands, err := Load()
	if err != nil {
		return err
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	commands = append(commands, cmd)
	return Save(commands)
}

// Outcome is what a replay attempt decided for one command.
type Outcome int

const (
	Done Outcome = iota
	Keep
	Discard
)

// Replay runs send over the queue in order and persists whatever is kept.
// It stops at the first Keep so later commands do not overtake earlier ones.
func Replay(send func(Command) (Outcome, error)) (done, discarded, kept int, err error) {
	commands, err := Load()
	if err != nil {
		return 0, 0, 0, err
	}
	for i, cmd := range commands {
		outcome, sendErr := send(cmd)
		switch outcome {
		case Done:
			done++
		case Discard:
			discarded++
		default:
			cmd.Attempts++
			if sendErr != nil {
				cmd.LastError = sendErr.Error()
			}
			rest := append([]Command{cmd}, commands[i+1:]...)
			return done, discarded, len(rest), Save(rest)
		}
	}
	return done, discarded, 0, Save([]Command{})
}
