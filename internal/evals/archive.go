package evals

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/chat"
)

// Entry is one human-labeled message captured from reaction feedback. The
// chat/message ids reference the original source message, so entries can be
// joined with the trace store.
type Entry struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Text      string `json:"text"`
}

// Archive stores feedback entries as append-only JSONL, one file per
// destination entity reference. It is the local stand-in for the feedback
// channel history that eval datasets are generated from.
type Archive struct {
	dir    string
	logger *zap.Logger

	mu sync.Mutex
}

func NewArchive(dir string, logger *zap.Logger) *Archive {
	return &Archive{dir: dir, logger: logger}
}

func (a *Archive) path(ref string) string {
	return filepath.Join(a.dir, chat.SafeName(ref)+".jsonl")
}

// Append adds one entry to the archive for the given entity reference.
func (a *Archive) Append(ref string, e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create feedback dir: %w", err)
	}
	f, err := os.OpenFile(a.path(ref), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open feedback archive: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append feedback entry: %w", err)
	}
	return nil
}

// Read returns all entries archived for the given entity reference. A missing
// archive reads as empty; malformed lines are skipped with a warning.
func (a *Archive) Read(ref string) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path(ref))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			a.logger.Warn("Skipping malformed feedback line",
				zap.String("ref", ref), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
