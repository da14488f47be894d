// Package monitor owns the runtime: the instance set, the periodic rescan
// loop, the event dispatch loop, and the forwarding and feedback paths.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/chat"
	"github.com/okozlov/tgwatch/internal/evals"
	"github.com/okozlov/tgwatch/internal/models"
	"github.com/okozlov/tgwatch/internal/policy"
	"github.com/okozlov/tgwatch/internal/stats"
	"github.com/okozlov/tgwatch/internal/trace"
	"github.com/okozlov/tgwatch/pkg/config"
)

// forwardRecord remembers the original message behind a forwarded copy, so
// reaction feedback on the copy can be archived with the source text.
type forwardRecord struct {
	ChatID    int64
	MessageID int
	Text      string
}

type topicKey struct {
	ChatID int64
	Title  string
}

// Manager owns the monitored instances and drives the dispatch loop. Event
// handling, the rescan cron and the flush cron run concurrently, so shared
// state goes through the mutex.
type Manager struct {
	configPath string
	client     chat.Client
	policy     *policy.Policy
	stats      *stats.Tracker
	traces     *trace.Store
	names      *chat.NameCache
	archive    *evals.Archive
	logger     *zap.Logger

	rescanInterval time.Duration
	flushInterval  time.Duration

	mu              sync.RWMutex
	instances       []*models.Instance
	ignoreUsernames map[string]struct{}
	ignoreUserIDs   map[int64]struct{}

	// Feedback dedup and forward memory are in-memory only; a restart
	// re-allows feedback forwarding for earlier reactions.
	seenPositive  map[chat.MessageRef]struct{}
	seenNegative  map[chat.MessageRef]struct{}
	forwards      map[chat.MessageRef]forwardRecord
	createdTopics map[topicKey]struct{}
}

func New(configPath string, cfg *config.Config, client chat.Client, pol *policy.Policy,
	tracker *stats.Tracker, traces *trace.Store, names *chat.NameCache,
	archive *evals.Archive, logger *zap.Logger) *Manager {

	m := &Manager{
		configPath:     configPath,
		client:         client,
		policy:         pol,
		stats:          tracker,
		traces:         traces,
		names:          names,
		archive:        archive,
		logger:         logger,
		rescanInterval: time.Duration(cfg.Storage.RescanInterval) * time.Second,
		flushInterval:  time.Duration(cfg.Storage.FlushInterval) * time.Second,
		seenPositive:   make(map[chat.MessageRef]struct{}),
		seenNegative:   make(map[chat.MessageRef]struct{}),
		forwards:       make(map[chat.MessageRef]forwardRecord),
		createdTopics:  make(map[topicKey]struct{}),
	}
	m.setConfig(cfg)
	return m
}

// setConfig installs a new configuration, carrying runtime chat-id and target
// sets over to same-named instances.
func (m *Manager) setConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := make(map[string]*models.Instance, len(m.instances))
	for _, inst := range m.instances {
		prev[inst.Name] = inst
	}
	for _, inst := range cfg.Instances {
		inst.AdoptRuntimeState(prev[inst.Name])
	}
	m.instances = cfg.Instances

	m.ignoreUsernames = make(map[string]struct{}, len(cfg.IgnoreUsernames))
	for _, u := range cfg.IgnoreUsernames {
		m.ignoreUsernames[normalizeUsername(u)] = struct{}{}
	}
	m.ignoreUserIDs = make(map[int64]struct{}, len(cfg.IgnoreUserIDs))
	for _, id := range cfg.IgnoreUserIDs {
		m.ignoreUserIDs[id] = struct{}{}
	}
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(u, "@"))
}

func (m *Manager) instancesSnapshot() []*models.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Instance, len(m.instances))
	copy(out, m.instances)
	return out
}

// Run performs the blocking initial rescan, starts the periodic jobs, and
// dispatches events until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.RefreshAll(ctx)

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.rescanInterval), func() {
		m.reload(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule rescan: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.flushInterval), func() {
		m.stats.Flush()
		m.traces.Flush()
	}); err != nil {
		return fmt.Errorf("failed to schedule flush: %w", err)
	}
	c.Start()
	defer c.Stop()

	events, err := m.client.Events(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	m.logger.Info("Monitoring started", zap.Int("instances", len(m.instancesSnapshot())))

	for ev := range events {
		switch {
		case ev.Message != nil:
			m.handleMessage(ctx, *ev.Message)
		case ev.Reaction != nil:
			m.handleReaction(ctx, *ev.Reaction)
		}
	}

	m.stats.Flush()
	m.traces.Flush()
	return nil
}

// reload re-reads configuration from disk so new folders, words and prompts
// take effect without a restart, then rescans.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := config.LoadConfig(m.configPath)
	if err != nil {
		m.logger.Error("Failed to reload config, keeping current", zap.Error(err))
	} else {
		m.setConfig(cfg)
	}
	m.RefreshAll(ctx)
}

// RefreshAll refreshes every instance. Per-instance failures never abort the
// others.
func (m *Manager) RefreshAll(ctx context.Context) {
	for _, inst := range m.instancesSnapshot() {
		m.refresh(ctx, inst)
	}
}

// refresh recomputes the instance's monitored chat-id set as the union of
// folder members, resolved entity references and previously known ids. Ids
// are only ever added.
func (m *Manager) refresh(ctx context.Context, inst *models.Instance) {
	folders, err := m.client.DialogFolders(ctx)
	if err != nil {
		m.logger.Error("Failed to list folders",
			zap.String("instance", inst.Name), zap.Error(err))
		folders = nil
	}

	var ids, folderIDs []int64
	for _, name := range inst.Folders {
		folder := findFolder(folders, name)
		if folder == nil {
			m.logger.Warn("Folder not found",
				zap.String("instance", inst.Name), zap.String("folder", name))
			continue
		}
		for _, ref := range folder.Peers {
			entity, err := m.client.ResolveEntity(ctx, ref)
			if err != nil {
				m.logger.Warn("Failed to resolve folder member",
					zap.String("folder", name), zap.String("ref", ref), zap.Error(err))
				continue
			}
			ids = append(ids, entity.ID)
			folderIDs = append(folderIDs, entity.ID)
		}
	}

	for _, ref := range inst.Entities {
		entity, err := m.client.ResolveEntity(ctx, ref)
		if err != nil {
			m.logger.Warn("Failed to resolve entity",
				zap.String("instance", inst.Name), zap.String("ref", ref), zap.Error(err))
			continue
		}
		ids = append(ids, entity.ID)
	}

	inst.AddChatIDs(ids)

	if inst.FolderMute {
		for _, id := range folderIDs {
			m.muteIfNeeded(ctx, id)
		}
	}
	m.ensureTopics(ctx, inst, folderIDs)
	m.resolveTargets(ctx, inst)

	m.logger.Info("Instance refreshed",
		zap.String("instance", inst.Name),
		zap.Int("chats", inst.ChatCount()))
}

func findFolder(folders []chat.Folder, name string) *chat.Folder {
	for i := range folders {
		if folders[i].Name == name {
			return &folders[i]
		}
	}
	return nil
}

// muteIfNeeded silences notifications for a chat, checking current state
// first to keep the operation idempotent.
func (m *Manager) muteIfNeeded(ctx context.Context, chatID int64) {
	muted, err := m.client.IsMuted(ctx, chatID)
	if err != nil {
		if !errors.Is(err, chat.ErrUnsupported) {
			m.logger.Warn("Failed to read mute state", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		return
	}
	if muted {
		return
	}
	if err := m.client.MuteChat(ctx, chatID); err != nil {
		m.logger.Warn("Failed to mute chat", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// ensureTopics creates the configured discussion topics in every forum
// supergroup among the instance's folder chats, at most once per process.
func (m *Manager) ensureTopics(ctx context.Context, inst *models.Instance, folderIDs []int64) {
	if len(inst.FolderTopics) == 0 {
		return
	}
	for _, chatID := range folderIDs {
		forum, err := m.client.IsForum(ctx, chatID)
		if err != nil {
			m.logger.Warn("Failed to check forum status",
				zap.Int64("chat_id", chatID), zap.Error(err))
			continue
		}
		if !forum {
			continue
		}
		for _, spec := range inst.FolderTopics {
			key := topicKey{ChatID: chatID, Title: spec.Name}
			m.mu.Lock()
			_, done := m.createdTopics[key]
			if !done {
				m.createdTopics[key] = struct{}{}
			}
			m.mu.Unlock()
			if done {
				continue
			}

			topic, err := m.client.CreateForumTopic(ctx, chatID, spec.Name)
			if err != nil {
				m.logger.Warn("Failed to create forum topic",
					zap.Int64("chat_id", chatID), zap.String("title", spec.Name), zap.Error(err))
				continue
			}
			if spec.Message != "" {
				if err := m.client.SendTopicMessage(ctx, chatID, topic.ThreadID, spec.Message); err != nil {
					m.logger.Warn("Failed to post topic message",
						zap.Int64("chat_id", chatID), zap.String("title", spec.Name), zap.Error(err))
				}
			}
			m.logger.Info("Created forum topic",
				zap.Int64("chat_id", chatID), zap.String("title", spec.Name))
		}
	}
}

// resolveTargets records the instance's forwarding destination chat ids, used
// to match reaction events back to the instance.
func (m *Manager) resolveTargets(ctx context.Context, inst *models.Instance) {
	var targets []int64
	if inst.TargetChat != 0 {
		targets = append(targets, inst.TargetChat)
	}
	if inst.TargetEntity != "" {
		entity, err := m.client.ResolveEntity(ctx, inst.TargetEntity)
		if err != nil {
			m.logger.Warn("Failed to resolve target entity",
				zap.String("instance", inst.Name),
				zap.String("ref", inst.TargetEntity), zap.Error(err))
		} else {
			targets = append(targets, entity.ID)
		}
	}
	inst.SetTargetIDs(targets)
}

func (m *Manager) senderBlocked(msg chat.MessageEvent) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if msg.SenderUsername != "" {
		if _, ok := m.ignoreUsernames[normalizeUsername(msg.SenderUsername)]; ok {
			return true
		}
	}
	if msg.SenderID != 0 {
		if _, ok := m.ignoreUserIDs[msg.SenderID]; ok {
			return true
		}
	}
	return false
}

// handleMessage runs the match policy for every instance listening to the
// message's chat. Dropped messages are not counted; everything else is.
func (m *Manager) handleMessage(ctx context.Context, msg chat.MessageEvent) {
	if m.senderBlocked(msg) {
		m.logger.Debug("Sender blocked",
			zap.Int64("sender_id", msg.SenderID),
			zap.String("sender", msg.SenderUsername))
		return
	}

	for _, inst := range m.instancesSnapshot() {
		if !inst.HasChat(msg.ChatID) {
			continue
		}
		chatName := m.names.ByID(ctx, msg.ChatID)
		dec := m.policy.Decide(ctx, inst, msg.Text, chatName)

		switch dec.Kind {
		case models.DecisionDropped:
			m.logger.Debug("Message dropped",
				zap.String("instance", inst.Name),
				zap.Int64("chat_id", msg.ChatID),
				zap.Int("message_id", msg.MessageID),
				zap.String("reason", dec.DropReason))
		case models.DecisionNoMatch:
			m.stats.Increment(inst.Name, stats.Mark{})
			if dec.Score > 0 {
				m.logger.Debug("Best score below threshold",
					zap.String("instance", inst.Name),
					zap.String("prompt", dec.Prompt.DisplayName()),
					zap.Int("score", dec.Score))
			}
		case models.DecisionForward:
			m.stats.Increment(inst.Name, stats.Mark{
				Forwarded:  true,
				UsedWord:   dec.Method == models.MatchWord,
				UsedPrompt: dec.Method == models.MatchPrompt,
			})
			m.forward(ctx, inst, msg, dec)
		}
	}
}
