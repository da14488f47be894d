package chat

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FallbackName is used when an entity cannot be named at all.
const FallbackName = "chat_history"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SafeName replaces characters outside [A-Za-z0-9_.-] with underscores,
// falling back to FallbackName for empty input.
func SafeName(name string) string {
	safe := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if safe == "" {
		return FallbackName
	}
	return safe
}

// NameCache memoizes filesystem-safe display names for entity references so
// repeated lookups do not hit the network. Entries are never evicted; the
// expected peer cardinality is small relative to process lifetime.
type NameCache struct {
	client Client
	logger *zap.Logger

	mu    sync.Mutex
	names map[string]string
}

func NewNameCache(client Client, logger *zap.Logger) *NameCache {
	return &NameCache{
		client: client,
		logger: logger,
		names:  make(map[string]string),
	}
}

// ByID returns a safe name for a canonical chat id.
func (c *NameCache) ByID(ctx context.Context, chatID int64) string {
	return c.ByRef(ctx, strconv.FormatInt(chatID, 10))
}

// ByRef returns a safe name for an entity reference. When resolution fails
// the reference itself is sanitized: usernames lose their @, links reduce to
// their last path segment, invite links become invite_<hash>.
func (c *NameCache) ByRef(ctx context.Context, ref string) string {
	if ref == "" {
		return FallbackName
	}

	c.mu.Lock()
	if name, ok := c.names[ref]; ok {
		c.mu.Unlock()
		return name
	}
	c.mu.Unlock()

	var name string
	entity, err := c.client.ResolveEntity(ctx, ref)
	if err == nil {
		name = SafeName(entity.DisplayName())
	} else {
		c.logger.Debug("Falling back to reference-derived name",
			zap.String("ref", ref), zap.Error(err))
		name = SafeName(refFallback(ref))
	}

	c.mu.Lock()
	c.names[ref] = name
	c.mu.Unlock()
	return name
}

func refFallback(ref string) string {
	if strings.HasPrefix(ref, "@") {
		return ref[1:]
	}
	if strings.Contains(ref, "//") {
		trimmed := strings.SplitN(ref, "?", 2)[0]
		trimmed = strings.TrimRight(trimmed, "/")
		parts := strings.Split(trimmed, "/")
		last := parts[len(parts)-1]
		if strings.HasPrefix(last, "+") {
			return "invite_" + last[1:]
		}
		return last
	}
	return ref
}
