package monitor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/chat"
	"github.com/okozlov/tgwatch/internal/models"
)

// forward delivers one matched message: an optional annotation followed by
// the forwarded original, to each configured destination in order. Failures
// are logged and absorbed; there is exactly one attempt per destination.
func (m *Manager) forward(ctx context.Context, inst *models.Instance, msg chat.MessageEvent, dec models.Decision) {
	if dec.TraceID != "" {
		m.traces.Set(msg.ChatID, msg.MessageID, dec.TraceID)
	}

	annotation := m.annotation(ctx, msg, dec)
	for _, dest := range destinations(inst) {
		destName := m.names.ByRef(ctx, dest.Ref())

		if !inst.NoForwardMessage {
			if _, err := m.client.SendMessage(ctx, dest, annotation); err != nil {
				m.logger.Error("Failed to send annotation",
					zap.String("instance", inst.Name),
					zap.String("dest", destName),
					zap.Int("message_id", msg.MessageID),
					zap.Error(err))
			}
		}

		ref, err := m.client.ForwardMessage(ctx, dest, msg.ChatID, msg.MessageID)
		if err != nil {
			m.logger.Error("Failed to forward message",
				zap.String("instance", inst.Name),
				zap.String("dest", destName),
				zap.Int64("chat_id", msg.ChatID),
				zap.Int("message_id", msg.MessageID),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.forwards[ref] = forwardRecord{
			ChatID:    msg.ChatID,
			MessageID: msg.MessageID,
			Text:      msg.Text,
		}
		m.mu.Unlock()

		m.logger.Info("Forwarded message",
			zap.String("instance", inst.Name),
			zap.String("method", string(dec.Method)),
			zap.String("dest", destName),
			zap.String("url", chat.MessageURL(msg.ChatID, msg.MessageID)))
	}
}

// destinations returns the instance's configured destinations in order:
// target chat id first, then the named target entity.
func destinations(inst *models.Instance) []chat.Dest {
	var dests []chat.Dest
	if inst.TargetChat != 0 {
		dests = append(dests, chat.DestID(inst.TargetChat))
	}
	if inst.TargetEntity != "" {
		dests = append(dests, chat.DestName(inst.TargetEntity))
	}
	return dests
}

// annotation builds the reason line plus a source-provenance line with a
// deep link when one exists.
func (m *Manager) annotation(ctx context.Context, msg chat.MessageEvent, dec models.Decision) string {
	var b strings.Builder

	if dec.Method == models.MatchWord {
		fmt.Fprintf(&b, "word: %s", dec.Word)
	} else {
		fmt.Fprintf(&b, "%s: %d/5 - `%s`", dec.Prompt.DisplayName(), dec.Score, dec.Quote)
		if dec.Reasoning != "" {
			b.WriteString("\n")
			b.WriteString(dec.Reasoning)
		}
	}

	kind := "chat"
	name := m.names.ByID(ctx, msg.ChatID)
	if entity, err := m.client.GetEntity(ctx, msg.ChatID); err == nil {
		kind = entity.Kind.String()
		name = entity.DisplayName()
	}

	b.WriteString("\n")
	if url := chat.MessageURL(msg.ChatID, msg.MessageID); url != "" {
		fmt.Fprintf(&b, "Forwarded from %s: [%s](%s)", kind, name, url)
	} else {
		fmt.Fprintf(&b, "Forwarded from %s: %s", kind, name)
	}
	return b.String()
}
