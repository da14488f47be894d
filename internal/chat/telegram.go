package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// BotAPI is the slice of tgbotapi.BotAPI the adapter uses; an interface so
// tests can substitute a fake.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *botWrapper) GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	return w.bot.GetChat(config)
}

func (w *botWrapper) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return w.bot.MakeRequest(endpoint, params)
}

func (w *botWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates BotAPI instances (allows mocking).
type BotFactory func(token string, client *http.Client) (BotAPI, error)

var defaultBotFactory BotFactory = func(token string, client *http.Client) (BotAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botWrapper{bot: bot}, nil
}

// Telegram implements Client over the Bot API. The Bot API exposes no dialog
// folders, so folders come from configuration: a name to member-reference
// mapping that the resolver expands exactly like account folders. Reaction
// updates predate the typed library and are read with a raw getUpdates loop.
type Telegram struct {
	bot     BotAPI
	folders map[string][]string
	logger  *zap.Logger
}

func NewTelegram(token, proxy string, folders map[string][]string, logger *zap.Logger) (*Telegram, error) {
	return NewTelegramWithFactory(token, proxy, folders, logger, defaultBotFactory)
}

// NewTelegramWithFactory creates a Telegram adapter with a custom bot
// factory (for testing).
func NewTelegramWithFactory(token, proxy string, folders map[string][]string, logger *zap.Logger, factory BotFactory) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	client := http.DefaultClient
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("failed to parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := factory(token, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("Authorized on telegram", zap.String("username", bot.GetSelf().UserName))

	return &Telegram{bot: bot, folders: folders, logger: logger}, nil
}

func entityFromChat(chat tgbotapi.Chat) Entity {
	e := Entity{
		ID:        chat.ID,
		Title:     chat.Title,
		Username:  chat.UserName,
		FirstName: chat.FirstName,
		LastName:  chat.LastName,
	}
	switch chat.Type {
	case "channel":
		e.Kind = KindChannel
	case "group", "supergroup":
		e.Kind = KindGroup
	default:
		e.Kind = KindUser
	}
	return e
}

// usernameFromRef extracts an @username from a reference; invite links
// (t.me/+hash) cannot be resolved through the Bot API.
func usernameFromRef(ref string) (string, error) {
	if strings.HasPrefix(ref, "@") {
		return ref, nil
	}
	if strings.Contains(ref, "//") {
		trimmed := strings.SplitN(ref, "?", 2)[0]
		trimmed = strings.TrimRight(trimmed, "/")
		parts := strings.Split(trimmed, "/")
		last := parts[len(parts)-1]
		if strings.HasPrefix(last, "+") {
			return "", fmt.Errorf("invite link %s: %w", ref, ErrUnsupported)
		}
		return "@" + last, nil
	}
	return "@" + ref, nil
}

func (t *Telegram) ResolveEntity(ctx context.Context, ref string) (Entity, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return t.GetEntity(ctx, id)
	}

	username, err := usernameFromRef(ref)
	if err != nil {
		return Entity{}, err
	}
	chat, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: username},
	})
	if err != nil {
		return Entity{}, fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	return entityFromChat(chat), nil
}

func (t *Telegram) GetEntity(ctx context.Context, chatID int64) (Entity, error) {
	chat, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return Entity{}, fmt.Errorf("failed to resolve chat %d: %w", chatID, err)
	}
	return entityFromChat(chat), nil
}

func baseChat(dest Dest) tgbotapi.BaseChat {
	if dest.Name != "" {
		name := dest.Name
		if !strings.HasPrefix(name, "@") {
			name = "@" + name
		}
		return tgbotapi.BaseChat{ChannelUsername: name}
	}
	return tgbotapi.BaseChat{ChatID: dest.ChatID}
}

func (t *Telegram) SendMessage(ctx context.Context, dest Dest, text string) (MessageRef, error) {
	msg := tgbotapi.MessageConfig{
		BaseChat:              baseChat(dest),
		Text:                  text,
		ParseMode:             tgbotapi.ModeMarkdown,
		DisableWebPagePreview: true,
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return MessageRef{}, fmt.Errorf("failed to send message: %w", err)
	}
	return refFromMessage(sent), nil
}

func (t *Telegram) ForwardMessage(ctx context.Context, dest Dest, fromChat int64, messageID int) (MessageRef, error) {
	fwd := tgbotapi.ForwardConfig{
		BaseChat:   baseChat(dest),
		FromChatID: fromChat,
		MessageID:  messageID,
	}
	sent, err := t.bot.Send(fwd)
	if err != nil {
		return MessageRef{}, fmt.Errorf("failed to forward message: %w", err)
	}
	return refFromMessage(sent), nil
}

func refFromMessage(m tgbotapi.Message) MessageRef {
	ref := MessageRef{MessageID: m.MessageID}
	if m.Chat != nil {
		ref.ChatID = m.Chat.ID
	}
	return ref
}

func (t *Telegram) DialogFolders(ctx context.Context) ([]Folder, error) {
	folders := make([]Folder, 0, len(t.folders))
	for name, peers := range t.folders {
		folders = append(folders, Folder{Name: name, Peers: peers})
	}
	return folders, nil
}

// Bot accounts cannot change the account owner's notification settings.
func (t *Telegram) IsMuted(ctx context.Context, chatID int64) (bool, error) {
	return false, ErrUnsupported
}

func (t *Telegram) MuteChat(ctx context.Context, chatID int64) error {
	return ErrUnsupported
}

func (t *Telegram) IsForum(ctx context.Context, chatID int64) (bool, error) {
	// Chat.is_forum postdates the typed library, read it raw.
	resp, err := t.bot.MakeRequest("getChat", tgbotapi.Params{
		"chat_id": strconv.FormatInt(chatID, 10),
	})
	if err != nil {
		return false, fmt.Errorf("failed to get chat %d: %w", chatID, err)
	}
	var chat struct {
		IsForum bool `json:"is_forum"`
	}
	if err := json.Unmarshal(resp.Result, &chat); err != nil {
		return false, fmt.Errorf("failed to decode chat %d: %w", chatID, err)
	}
	return chat.IsForum, nil
}

func (t *Telegram) CreateForumTopic(ctx context.Context, chatID int64, title string) (Topic, error) {
	resp, err := t.bot.MakeRequest("createForumTopic", tgbotapi.Params{
		"chat_id": strconv.FormatInt(chatID, 10),
		"name":    title,
	})
	if err != nil {
		return Topic{}, fmt.Errorf("failed to create topic %q: %w", title, err)
	}
	var topic struct {
		MessageThreadID int    `json:"message_thread_id"`
		Name            string `json:"name"`
	}
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return Topic{}, fmt.Errorf("failed to decode topic %q: %w", title, err)
	}
	return Topic{ThreadID: topic.MessageThreadID, Title: topic.Name}, nil
}

func (t *Telegram) SendTopicMessage(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := t.bot.MakeRequest("sendMessage", tgbotapi.Params{
		"chat_id":           strconv.FormatInt(chatID, 10),
		"message_thread_id": strconv.Itoa(threadID),
		"text":              text,
	})
	if err != nil {
		return fmt.Errorf("failed to send topic message: %w", err)
	}
	return nil
}

// Raw update shapes: the typed library predates message_reaction updates, so
// the update loop polls getUpdates directly and decodes only what it needs.
type rawUpdate struct {
	UpdateID        int          `json:"update_id"`
	Message         *rawMessage  `json:"message"`
	ChannelPost     *rawMessage  `json:"channel_post"`
	MessageReaction *rawReaction `json:"message_reaction"`
}

type rawMessage struct {
	MessageID int      `json:"message_id"`
	From      *rawUser `json:"from"`
	Chat      rawChat  `json:"chat"`
	Text      string   `json:"text"`
	Caption   string   `json:"caption"`
}

type rawUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type rawChat struct {
	ID int64 `json:"id"`
}

type rawReaction struct {
	Chat        rawChat           `json:"chat"`
	MessageID   int               `json:"message_id"`
	NewReaction []rawReactionType `json:"new_reaction"`
}

type rawReactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

const pollTimeout = 30

func (t *Telegram) Events(ctx context.Context) (<-chan Event, error) {
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		offset := 0
		for {
			if ctx.Err() != nil {
				return
			}

			resp, err := t.bot.MakeRequest("getUpdates", tgbotapi.Params{
				"offset":          strconv.Itoa(offset),
				"timeout":         strconv.Itoa(pollTimeout),
				"allowed_updates": `["message","channel_post","message_reaction"]`,
			})
			if err != nil {
				t.logger.Error("Failed to get updates", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(3 * time.Second):
				}
				continue
			}

			var updates []rawUpdate
			if err := json.Unmarshal(resp.Result, &updates); err != nil {
				t.logger.Error("Failed to decode updates", zap.Error(err))
				continue
			}

			for _, u := range updates {
				if u.UpdateID >= offset {
					offset = u.UpdateID + 1
				}
				ev := translateUpdate(u)
				if ev == nil {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case events <- *ev:
				}
			}
		}
	}()

	return events, nil
}

func translateUpdate(u rawUpdate) *Event {
	msg := u.Message
	if msg == nil {
		msg = u.ChannelPost
	}
	if msg != nil {
		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		ev := &MessageEvent{
			ChatID:    msg.Chat.ID,
			MessageID: msg.MessageID,
			Text:      text,
		}
		if msg.From != nil {
			ev.SenderID = msg.From.ID
			ev.SenderUsername = msg.From.Username
		}
		return &Event{Message: ev}
	}

	if u.MessageReaction != nil {
		ev := &ReactionEvent{
			ChatID:    u.MessageReaction.Chat.ID,
			MessageID: u.MessageReaction.MessageID,
		}
		for _, r := range u.MessageReaction.NewReaction {
			if r.Type == "emoji" {
				ev.Emoji = append(ev.Emoji, r.Emoji)
			}
		}
		return &Event{Reaction: ev}
	}

	return nil
}
