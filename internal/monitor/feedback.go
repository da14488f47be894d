package monitor

import (
	"context"

	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/chat"
	"github.com/okozlov/tgwatch/internal/evals"
	"github.com/okozlov/tgwatch/internal/models"
)

const (
	thumbsUp   = "\U0001F44D"
	thumbsDown = "\U0001F44E"
)

// handleReaction maps thumbs up/down on a forwarded message to the owning
// instance's true/false-positive destinations. Each polarity fires at most
// once per (chat, message); both polarities are independent, so a message can
// collect one forward of each when the signal is contradictory.
func (m *Manager) handleReaction(ctx context.Context, r chat.ReactionEvent) {
	var positive, negative bool
	for _, emoji := range r.Emoji {
		switch emoji {
		case thumbsUp:
			positive = true
		case thumbsDown:
			negative = true
		}
	}
	if !positive && !negative {
		return
	}

	inst := m.instanceForTarget(r.ChatID)
	if inst == nil {
		return
	}

	key := chat.MessageRef{ChatID: r.ChatID, MessageID: r.MessageID}
	if positive {
		m.forwardFeedback(ctx, inst, key, m.seenPositive, inst.TruePositiveEntity, "positive")
	}
	if negative {
		m.forwardFeedback(ctx, inst, key, m.seenNegative, inst.FalsePositiveEntity, "negative")
	}
}

// instanceForTarget returns the instance whose forwarding target is the chat
// where the reaction occurred.
func (m *Manager) instanceForTarget(chatID int64) *models.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if inst.IsTarget(chatID) {
			return inst
		}
	}
	return nil
}

func (m *Manager) forwardFeedback(ctx context.Context, inst *models.Instance, key chat.MessageRef,
	seen map[chat.MessageRef]struct{}, destRef, polarity string) {

	// Marked seen before the forward is attempted: feedback is at-most-once
	// per polarity, so a failed forward is not retried on a later reaction.
	m.mu.Lock()
	if _, done := seen[key]; done {
		m.mu.Unlock()
		return
	}
	seen[key] = struct{}{}
	rec, known := m.forwards[key]
	m.mu.Unlock()

	if destRef == "" {
		m.logger.Debug("No feedback destination configured",
			zap.String("instance", inst.Name),
			zap.String("polarity", polarity))
		return
	}

	if _, err := m.client.ForwardMessage(ctx, chat.DestName(destRef), key.ChatID, key.MessageID); err != nil {
		m.logger.Error("Failed to forward feedback",
			zap.String("instance", inst.Name),
			zap.String("polarity", polarity),
			zap.Int64("chat_id", key.ChatID),
			zap.Int("message_id", key.MessageID),
			zap.Error(err))
		return
	}
	m.logger.Info("Forwarded feedback",
		zap.String("instance", inst.Name),
		zap.String("polarity", polarity),
		zap.Int("message_id", key.MessageID))

	if known && rec.Text != "" && m.archive != nil {
		entry := evals.Entry{ChatID: rec.ChatID, MessageID: rec.MessageID, Text: rec.Text}
		if err := m.archive.Append(destRef, entry); err != nil {
			m.logger.Error("Failed to archive feedback",
				zap.String("dest", destRef), zap.Error(err))
		}
	}
}
