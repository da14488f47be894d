package trace

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/storage"
)

// Store maps (chat id, message id) to an external trace id, so forwarded
// messages can later be correlated with evaluation traces. At most one trace
// id per pair; last write wins.
type Store struct {
	mu            sync.Mutex
	doc           storage.Document
	logger        *zap.Logger
	flushInterval time.Duration
	lastFlush     time.Time
	dirty         bool
	data          map[string]map[string]string
}

func NewStore(doc storage.Document, flushInterval time.Duration, logger *zap.Logger) *Store {
	s := &Store{
		doc:           doc,
		logger:        logger,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
		data:          make(map[string]map[string]string),
	}

	raw, err := doc.Load()
	if err != nil {
		logger.Error("Failed to load trace ids, starting empty", zap.Error(err))
		return s
	}
	if len(raw) == 0 {
		return s
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		logger.Error("Corrupt trace id document, starting empty", zap.Error(err))
		s.data = make(map[string]map[string]string)
	}
	if s.data == nil {
		s.data = make(map[string]map[string]string)
	}
	return s
}

// Set records the trace id for a (chat, message) pair. Empty trace ids are
// ignored.
func (s *Store) Set(chatID int64, messageID int, traceID string) {
	if traceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := s.data[key(chatID)]
	if chat == nil {
		chat = make(map[string]string)
		s.data[key(chatID)] = chat
	}
	chat[strconv.Itoa(messageID)] = traceID
	s.dirty = true
	if time.Since(s.lastFlush) >= s.flushInterval {
		s.flushLocked()
	}
}

// Get returns the trace id for a (chat, message) pair, or "" when absent.
func (s *Store) Get(chatID int64, messageID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key(chatID)][strconv.Itoa(messageID)]
}

func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Store) flushLocked() {
	if !s.dirty {
		return
	}
	s.logger.Debug("Flushing trace ids")
	data, err := json.MarshalIndent(s.data, "", "    ")
	if err != nil {
		s.logger.Error("Failed to encode trace ids", zap.Error(err))
		return
	}
	if err := s.doc.Save(data); err != nil {
		s.logger.Error("Failed to flush trace ids", zap.Error(err))
		return
	}
	s.lastFlush = time.Now()
	s.dirty = false
}

func key(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
