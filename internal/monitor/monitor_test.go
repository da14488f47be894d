package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/okozlov/tgwatch/internal/chat"
	"github.com/okozlov/tgwatch/internal/evals"
	"github.com/okozlov/tgwatch/internal/models"
	"github.com/okozlov/tgwatch/internal/policy"
	"github.com/okozlov/tgwatch/internal/stats"
	"github.com/okozlov/tgwatch/internal/storage"
	"github.com/okozlov/tgwatch/internal/trace"
	"github.com/okozlov/tgwatch/pkg/config"
)

type sentMessage struct {
	Dest string
	Text string
}

type forwardedMessage struct {
	Dest      string
	FromChat  int64
	MessageID int
}

// fakeClient is an in-memory chat.Client with scripted entities and folders.
type fakeClient struct {
	entities map[string]chat.Entity
	folders  []chat.Folder
	forums   map[int64]bool
	forumErr error

	sent          []sentMessage
	forwarded     []forwardedMessage
	createdTopics []string
	nextMsgID     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{entities: make(map[string]chat.Entity), nextMsgID: 100}
}

func (f *fakeClient) addEntity(ref string, e chat.Entity) {
	f.entities[ref] = e
	f.entities[strconv.FormatInt(e.ID, 10)] = e
}

func (f *fakeClient) ResolveEntity(ctx context.Context, ref string) (chat.Entity, error) {
	if e, ok := f.entities[ref]; ok {
		return e, nil
	}
	return chat.Entity{}, errors.New("unknown entity")
}

func (f *fakeClient) GetEntity(ctx context.Context, chatID int64) (chat.Entity, error) {
	return f.ResolveEntity(ctx, strconv.FormatInt(chatID, 10))
}

func (f *fakeClient) destID(dest chat.Dest) int64 {
	if dest.ChatID != 0 {
		return dest.ChatID
	}
	if e, ok := f.entities[dest.Name]; ok {
		return e.ID
	}
	return 999
}

func (f *fakeClient) SendMessage(ctx context.Context, dest chat.Dest, text string) (chat.MessageRef, error) {
	f.sent = append(f.sent, sentMessage{Dest: dest.Ref(), Text: text})
	f.nextMsgID++
	return chat.MessageRef{ChatID: f.destID(dest), MessageID: f.nextMsgID}, nil
}

func (f *fakeClient) ForwardMessage(ctx context.Context, dest chat.Dest, fromChat int64, messageID int) (chat.MessageRef, error) {
	f.forwarded = append(f.forwarded, forwardedMessage{Dest: dest.Ref(), FromChat: fromChat, MessageID: messageID})
	f.nextMsgID++
	return chat.MessageRef{ChatID: f.destID(dest), MessageID: f.nextMsgID}, nil
}

func (f *fakeClient) DialogFolders(ctx context.Context) ([]chat.Folder, error) {
	return f.folders, nil
}

func (f *fakeClient) IsMuted(ctx context.Context, chatID int64) (bool, error) {
	return false, chat.ErrUnsupported
}

func (f *fakeClient) MuteChat(ctx context.Context, chatID int64) error {
	return chat.ErrUnsupported
}

func (f *fakeClient) IsForum(ctx context.Context, chatID int64) (bool, error) {
	if f.forumErr != nil {
		return false, f.forumErr
	}
	return f.forums[chatID], nil
}

func (f *fakeClient) CreateForumTopic(ctx context.Context, chatID int64, title string) (chat.Topic, error) {
	f.createdTopics = append(f.createdTopics, title)
	return chat.Topic{ThreadID: len(f.createdTopics), Title: title}, nil
}

func (f *fakeClient) SendTopicMessage(ctx context.Context, chatID int64, threadID int, text string) error {
	return chat.ErrUnsupported
}

func (f *fakeClient) Events(ctx context.Context) (<-chan chat.Event, error) {
	ch := make(chan chat.Event)
	close(ch)
	return ch, nil
}

type zeroEvaluator struct{}

func (zeroEvaluator) Evaluate(ctx context.Context, prompt *models.Prompt, text, instanceName, chatName string) models.EvaluateResult {
	return models.EvaluateResult{}
}

func newTestManager(t *testing.T, client *fakeClient, cfg *config.Config) (*Manager, *stats.Tracker) {
	t.Helper()
	return newTestManagerWithLogger(t, client, cfg, zap.NewNop())
}

func newTestManagerWithLogger(t *testing.T, client *fakeClient, cfg *config.Config, logger *zap.Logger) (*Manager, *stats.Tracker) {
	t.Helper()
	dir := t.TempDir()
	tracker := stats.NewTracker(storage.NewFileDocument(filepath.Join(dir, "stats.json")), time.Hour, logger)
	traces := trace.NewStore(storage.NewFileDocument(filepath.Join(dir, "traces.json")), time.Hour, logger)
	archive := evals.NewArchive(filepath.Join(dir, "feedback"), logger)
	pol := policy.New(zeroEvaluator{}, logger)
	names := chat.NewNameCache(client, logger)
	return New("config.yml", cfg, client, pol, tracker, traces, names, archive, logger), tracker
}

func TestRefreshIsMonotonic(t *testing.T) {
	client := newFakeClient()
	client.addEntity("@chan_a", chat.Entity{ID: -1001, Kind: chat.KindChannel, Title: "A"})
	client.addEntity("@chan_b", chat.Entity{ID: -1002, Kind: chat.KindChannel, Title: "B"})
	client.folders = []chat.Folder{{Name: "news", Peers: []string{"@chan_a", "@chan_b"}}}

	inst := &models.Instance{Name: "i", Folders: []string{"news"}, Entities: []string{"@chan_a"}}
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	m.RefreshAll(context.Background())
	if !inst.HasChat(-1001) || !inst.HasChat(-1002) {
		t.Fatalf("chat ids = %v, want both channels", inst.ChatIDs())
	}

	// Shrinking the folder must not unsubscribe previously known chats.
	client.folders = []chat.Folder{{Name: "news", Peers: []string{"@chan_a"}}}
	m.RefreshAll(context.Background())
	if !inst.HasChat(-1002) {
		t.Errorf("chat -1002 was dropped by refresh")
	}
}

func TestRefreshCreatesTopicsInForums(t *testing.T) {
	client := newFakeClient()
	client.addEntity("@forum", chat.Entity{ID: -1001, Kind: chat.KindGroup, Title: "Forum"})
	client.folders = []chat.Folder{{Name: "news", Peers: []string{"@forum"}}}
	client.forums = map[int64]bool{-1001: true}

	inst := &models.Instance{
		Name:         "i",
		Folders:      []string{"news"},
		FolderTopics: []models.FolderTopic{{Name: "matches", Message: "hello"}},
	}
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	m.RefreshAll(context.Background())
	m.RefreshAll(context.Background())

	// Created once per process despite repeated refreshes.
	if len(client.createdTopics) != 1 || client.createdTopics[0] != "matches" {
		t.Errorf("created topics = %v, want [matches]", client.createdTopics)
	}
}

func TestRefreshLogsForumCheckFailure(t *testing.T) {
	client := newFakeClient()
	client.addEntity("@chan", chat.Entity{ID: -1001, Kind: chat.KindGroup, Title: "Chan"})
	client.folders = []chat.Folder{{Name: "news", Peers: []string{"@chan"}}}
	client.forumErr = errors.New("flood wait")

	inst := &models.Instance{
		Name:         "i",
		Folders:      []string{"news"},
		FolderTopics: []models.FolderTopic{{Name: "matches"}},
	}
	core, logs := observer.New(zapcore.WarnLevel)
	m, _ := newTestManagerWithLogger(t, client, &config.Config{Instances: []*models.Instance{inst}}, zap.New(core))

	m.RefreshAll(context.Background())

	if len(client.createdTopics) != 0 {
		t.Errorf("topics created despite forum check failure: %v", client.createdTopics)
	}
	if logs.FilterMessage("Failed to check forum status").Len() != 1 {
		t.Errorf("forum check failure was not logged: %v", logs.All())
	}
}

func TestRefreshResolvesTargets(t *testing.T) {
	client := newFakeClient()
	client.addEntity("@dest", chat.Entity{ID: -2001, Kind: chat.KindChannel, Title: "Dest"})

	inst := &models.Instance{Name: "i", TargetChat: -2000, TargetEntity: "@dest"}
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})
	m.RefreshAll(context.Background())

	if !inst.IsTarget(-2000) || !inst.IsTarget(-2001) {
		t.Errorf("targets not resolved")
	}
}

func TestHandleMessageForwardsWordMatch(t *testing.T) {
	client := newFakeClient()
	client.addEntity("src", chat.Entity{ID: -1001234567890, Kind: chat.KindChannel, Title: "Src Chan"})

	inst := &models.Instance{Name: "work", Words: []string{"golang"}, TargetChat: -2000}
	inst.AddChatIDs([]int64{-1001234567890})
	m, tracker := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	m.handleMessage(context.Background(), chat.MessageEvent{
		ChatID: -1001234567890, MessageID: 7, Text: "need a GOLANG dev",
	})

	if len(client.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 annotation", len(client.sent))
	}
	ann := client.sent[0].Text
	if !strings.HasPrefix(ann, "word: golang\n") {
		t.Errorf("annotation = %q, want word reason line", ann)
	}
	if !strings.Contains(ann, "Forwarded from channel:") || !strings.Contains(ann, "https://t.me/c/1234567890/7") {
		t.Errorf("annotation missing provenance: %q", ann)
	}

	if len(client.forwarded) != 1 || client.forwarded[0].MessageID != 7 {
		t.Fatalf("forwarded = %+v, want original message", client.forwarded)
	}

	snap := tracker.Snapshot()
	if snap.Stats.Total != 1 || snap.Stats.ForwardedTotal != 1 || snap.Stats.ForwardedWords != 1 {
		t.Errorf("stats = %+v", snap.Stats)
	}
}

func TestHandleMessageAnnotationSuppressed(t *testing.T) {
	client := newFakeClient()
	inst := &models.Instance{Name: "i", Words: []string{"go"}, TargetChat: -2000, NoForwardMessage: true}
	inst.AddChatIDs([]int64{-1001})
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	m.handleMessage(context.Background(), chat.MessageEvent{ChatID: -1001, MessageID: 1, Text: "go"})

	if len(client.sent) != 0 {
		t.Errorf("annotation sent despite suppression: %+v", client.sent)
	}
	if len(client.forwarded) != 1 {
		t.Errorf("forwarded = %+v, want 1", client.forwarded)
	}
}

func TestHandleMessageDropNotCounted(t *testing.T) {
	client := newFakeClient()
	inst := &models.Instance{Name: "i", Words: []string{"go"}, IgnoreWords: []string{"spam"}, TargetChat: -2000}
	inst.AddChatIDs([]int64{-1001})
	m, tracker := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	m.handleMessage(context.Background(), chat.MessageEvent{ChatID: -1001, MessageID: 1, Text: "go spam"})

	if len(client.forwarded) != 0 {
		t.Errorf("dropped message was forwarded")
	}
	if snap := tracker.Snapshot(); snap.Stats.Total != 0 {
		t.Errorf("total = %d, want 0 for dropped message", snap.Stats.Total)
	}
}

func TestHandleMessageSenderBlocklist(t *testing.T) {
	client := newFakeClient()
	inst := &models.Instance{Name: "i", Words: []string{"go"}, TargetChat: -2000}
	inst.AddChatIDs([]int64{-1001})
	cfg := &config.Config{
		Instances:       []*models.Instance{inst},
		IgnoreUsernames: []string{"@Spammer"},
		IgnoreUserIDs:   []int64{42},
	}
	m, tracker := newTestManager(t, client, cfg)

	m.handleMessage(context.Background(), chat.MessageEvent{
		ChatID: -1001, MessageID: 1, Text: "go", SenderUsername: "spammer",
	})
	m.handleMessage(context.Background(), chat.MessageEvent{
		ChatID: -1001, MessageID: 2, Text: "go", SenderID: 42,
	})

	if len(client.forwarded) != 0 {
		t.Errorf("blocked sender was forwarded: %+v", client.forwarded)
	}
	if snap := tracker.Snapshot(); snap.Stats.Total != 0 {
		t.Errorf("total = %d, want 0", snap.Stats.Total)
	}
}

func TestReactionFeedbackIdempotent(t *testing.T) {
	client := newFakeClient()
	inst := &models.Instance{
		Name: "i", TargetChat: -2000,
		TruePositiveEntity:  "@tp",
		FalsePositiveEntity: "@fp",
	}
	inst.SetTargetIDs([]int64{-2000})
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	ev := chat.ReactionEvent{ChatID: -2000, MessageID: 5, Emoji: []string{thumbsUp}}
	m.handleReaction(context.Background(), ev)
	m.handleReaction(context.Background(), ev)

	if len(client.forwarded) != 1 || client.forwarded[0].Dest != "@tp" {
		t.Errorf("forwarded = %+v, want exactly one to @tp", client.forwarded)
	}
}

func TestReactionBothPolaritiesIndependent(t *testing.T) {
	client := newFakeClient()
	inst := &models.Instance{
		Name: "i", TargetChat: -2000,
		TruePositiveEntity:  "@tp",
		FalsePositiveEntity: "@fp",
	}
	inst.SetTargetIDs([]int64{-2000})
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	m.handleReaction(context.Background(), chat.ReactionEvent{ChatID: -2000, MessageID: 5, Emoji: []string{thumbsUp}})
	m.handleReaction(context.Background(), chat.ReactionEvent{ChatID: -2000, MessageID: 5, Emoji: []string{thumbsDown}})

	if len(client.forwarded) != 2 {
		t.Fatalf("forwarded = %+v, want one per polarity", client.forwarded)
	}
	dests := []string{client.forwarded[0].Dest, client.forwarded[1].Dest}
	if dests[0] != "@tp" || dests[1] != "@fp" {
		t.Errorf("dests = %v, want [@tp @fp]", dests)
	}
}

func TestReactionIgnoredForNonTargetChat(t *testing.T) {
	client := newFakeClient()
	inst := &models.Instance{Name: "i", TruePositiveEntity: "@tp"}
	inst.SetTargetIDs([]int64{-2000})
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	m.handleReaction(context.Background(), chat.ReactionEvent{ChatID: -3000, MessageID: 5, Emoji: []string{thumbsUp}})
	m.handleReaction(context.Background(), chat.ReactionEvent{ChatID: -2000, MessageID: 5, Emoji: []string{"🔥"}})

	if len(client.forwarded) != 0 {
		t.Errorf("forwarded = %+v, want none", client.forwarded)
	}
}

func TestFeedbackArchivesOriginalText(t *testing.T) {
	client := newFakeClient()
	inst := &models.Instance{
		Name: "i", Words: []string{"go"}, TargetChat: -2000,
		TruePositiveEntity: "@tp",
	}
	inst.AddChatIDs([]int64{-1001})
	inst.SetTargetIDs([]int64{-2000})
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	m.handleMessage(context.Background(), chat.MessageEvent{ChatID: -1001, MessageID: 9, Text: "go jobs here"})
	if len(client.forwarded) != 1 {
		t.Fatalf("forwarded = %+v", client.forwarded)
	}

	// React to the forwarded copy in the target chat.
	m.mu.RLock()
	var copyRef chat.MessageRef
	for ref := range m.forwards {
		copyRef = ref
	}
	m.mu.RUnlock()
	if copyRef.ChatID != -2000 {
		t.Fatalf("forward record = %+v, want copy in target chat", copyRef)
	}

	m.handleReaction(context.Background(), chat.ReactionEvent{
		ChatID: copyRef.ChatID, MessageID: copyRef.MessageID, Emoji: []string{thumbsUp},
	})

	entries, err := m.archive.Read("@tp")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "go jobs here" || entries[0].MessageID != 9 {
		t.Errorf("archive = %+v, want original message", entries)
	}
}

func TestSetConfigAdoptsRuntimeState(t *testing.T) {
	client := newFakeClient()
	inst := &models.Instance{Name: "i", Words: []string{"go"}}
	inst.AddChatIDs([]int64{-1001})
	inst.SetTargetIDs([]int64{-2000})
	m, _ := newTestManager(t, client, &config.Config{Instances: []*models.Instance{inst}})

	replacement := &models.Instance{Name: "i", Words: []string{"rust"}}
	m.setConfig(&config.Config{Instances: []*models.Instance{replacement}})

	if !replacement.HasChat(-1001) || !replacement.IsTarget(-2000) {
		t.Errorf("runtime state not carried over on reload")
	}
}
