package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported marks operations the underlying transport cannot perform.
// Callers treat it like any other resolution error: log and skip.
var ErrUnsupported = errors.New("unsupported by transport")

// Kind classifies a resolved peer.
type Kind int

const (
	KindUser Kind = iota
	KindGroup
	KindChannel
)

func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindChannel:
		return "channel"
	default:
		return "private"
	}
}

// Entity is a resolved peer in the canonical id scheme: the int64 chat id as
// delivered with events (supergroups and channels in -100... form).
type Entity struct {
	ID        int64
	Kind      Kind
	Title     string
	Username  string
	FirstName string
	LastName  string
}

// DisplayName returns the human-readable name for the entity.
func (e Entity) DisplayName() string {
	if e.Title != "" {
		return e.Title
	}
	if e.Username != "" {
		return e.Username
	}
	if name := strings.TrimSpace(e.FirstName + " " + e.LastName); name != "" {
		return name
	}
	return fmt.Sprintf("%d", e.ID)
}

// Dest is a message destination: either a canonical chat id or a named
// entity (@username), whichever the configuration provided.
type Dest struct {
	ChatID int64
	Name   string
}

func DestID(id int64) Dest      { return Dest{ChatID: id} }
func DestName(name string) Dest { return Dest{Name: name} }

func (d Dest) IsZero() bool { return d.ChatID == 0 && d.Name == "" }

// Ref returns the destination as a resolvable entity reference.
func (d Dest) Ref() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("%d", d.ChatID)
}

// Folder is a named group of chats the account monitors together.
type Folder struct {
	Name  string
	Peers []string
}

// Topic is a forum discussion topic inside a forum supergroup.
type Topic struct {
	ThreadID int
	Title    string
}

// MessageRef identifies a message that was sent or forwarded.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// MessageEvent is an inbound chat message.
type MessageEvent struct {
	ChatID         int64
	MessageID      int
	Text           string
	SenderID       int64
	SenderUsername string
}

// ReactionEvent is a change of reactions on a message.
type ReactionEvent struct {
	ChatID    int64
	MessageID int
	Emoji     []string
}

// Event is a single item from the update stream; exactly one field is set.
type Event struct {
	Message  *MessageEvent
	Reaction *ReactionEvent
}

// Client is the chat-protocol capability consumed by the monitor. All
// internal logic operates on canonical int64 chat ids and entity reference
// strings, never on transport types.
type Client interface {
	// ResolveEntity resolves a reference (@username, t.me link, or numeric
	// id string) to an entity.
	ResolveEntity(ctx context.Context, ref string) (Entity, error)
	// GetEntity resolves a canonical chat id to an entity.
	GetEntity(ctx context.Context, chatID int64) (Entity, error)

	SendMessage(ctx context.Context, dest Dest, text string) (MessageRef, error)
	ForwardMessage(ctx context.Context, dest Dest, fromChat int64, messageID int) (MessageRef, error)

	DialogFolders(ctx context.Context) ([]Folder, error)

	IsMuted(ctx context.Context, chatID int64) (bool, error)
	MuteChat(ctx context.Context, chatID int64) error

	IsForum(ctx context.Context, chatID int64) (bool, error)
	CreateForumTopic(ctx context.Context, chatID int64, title string) (Topic, error)
	SendTopicMessage(ctx context.Context, chatID int64, threadID int, text string) error

	// Events starts delivering updates. The channel closes when ctx is done.
	Events(ctx context.Context) (<-chan Event, error)
}

const channelIDOffset = 1_000_000_000_000

// MessageURL returns a t.me deep link for messages in channels and
// supergroups, or "" when no public link form exists.
func MessageURL(chatID int64, messageID int) string {
	if chatID >= -channelIDOffset || messageID == 0 {
		return ""
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", -chatID-channelIDOffset, messageID)
}
