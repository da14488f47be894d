package models

import (
	"fmt"
	"sync"
)

// Prompt is a single LLM matching rule: instruction text plus an acceptance
// threshold on the 0-5 similarity scale. The compiled system prompt is built
// once and cached; Recompile must be called if Text changes after hydration.
type Prompt struct {
	Name      string
	Text      string
	Threshold int

	// Optional linkage to an external prompt registry. When RegistryName is
	// set the text is hydrated from the registry at startup.
	RegistryName    string
	RegistryLabel   string
	RegistryVersion int
	RegistryType    string

	// Per-prompt model parameter overrides (model, temperature, top_p).
	Params map[string]any

	compiled string
}

const DefaultThreshold = 4

const scoringRubric = "Evaluate message similarity: 0 - not match at all, 5 - strongly match. " +
	"Cite most similar text fragment without change in quote field."

// Compiled returns the cached system prompt, building it on first use.
func (p *Prompt) Compiled() string {
	if p.compiled == "" {
		p.Recompile()
	}
	return p.compiled
}

// Recompile rebuilds the cached system prompt from the current Text.
func (p *Prompt) Recompile() {
	p.compiled = fmt.Sprintf("%s\n\n%s", p.Text, scoringRubric)
}

// EffectiveThreshold returns the configured threshold, or the default when
// the prompt was configured as a bare string.
func (p *Prompt) EffectiveThreshold() int {
	if p.Threshold <= 0 {
		return DefaultThreshold
	}
	return p.Threshold
}

// DisplayName returns a name suitable for annotation text.
func (p *Prompt) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return "prompt"
}

// EvaluateResult is the structured output of one prompt evaluation.
type EvaluateResult struct {
	Score     int    `json:"score"`
	Quote     string `json:"quote"`
	Reasoning string `json:"reasoning"`

	// TraceID is assigned by the observability layer, not by the model.
	TraceID string `json:"-"`
}

// FolderTopic describes a forum topic to auto-create in every forum
// supergroup of the instance's folders.
type FolderTopic struct {
	Name    string
	Message string
}

// Instance is one independently configured monitoring policy. ChatIDs is the
// effective monitored set, mutated in place by periodic rescans; access goes
// through the mutex because rescans and event handling run concurrently.
type Instance struct {
	Name          string
	Words         []string
	NegativeWords []string
	IgnoreWords   []string

	TargetChat          int64
	TargetEntity        string
	TruePositiveEntity  string
	FalsePositiveEntity string

	Folders  []string
	Entities []string

	FolderMute       bool
	NoForwardMessage bool

	Prompts      []*Prompt
	FolderTopics []FolderTopic

	mu        sync.RWMutex
	chatIDs   map[int64]struct{}
	targetIDs map[int64]struct{}
}

// Empty reports whether the instance has no matching rules and no sources.
func (i *Instance) Empty() bool {
	return len(i.Words) == 0 && len(i.Prompts) == 0 && len(i.Folders) == 0 &&
		len(i.Entities) == 0 && i.ChatCount() == 0
}

// HasChat reports whether the instance listens to the given chat.
func (i *Instance) HasChat(chatID int64) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.chatIDs[chatID]
	return ok
}

// AddChatIDs merges ids into the monitored set. Ids are only ever added;
// removal from a folder does not unsubscribe a chat.
func (i *Instance) AddChatIDs(ids []int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.chatIDs == nil {
		i.chatIDs = make(map[int64]struct{}, len(ids))
	}
	for _, id := range ids {
		i.chatIDs[id] = struct{}{}
	}
}

// ChatIDs returns a snapshot of the monitored set.
func (i *Instance) ChatIDs() []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]int64, 0, len(i.chatIDs))
	for id := range i.chatIDs {
		out = append(out, id)
	}
	return out
}

// ChatCount returns the size of the monitored set.
func (i *Instance) ChatCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.chatIDs)
}

// SetTargetIDs records the resolved forwarding destination chat ids, used to
// match reaction events back to the instance.
func (i *Instance) SetTargetIDs(ids []int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.targetIDs = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		i.targetIDs[id] = struct{}{}
	}
}

// IsTarget reports whether chatID is one of the instance's resolved
// forwarding destinations.
func (i *Instance) IsTarget(chatID int64) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.targetIDs[chatID]
	return ok
}

// AdoptRuntimeState carries the mutable monitored/target sets over from a
// previous incarnation of the same instance after a config reload.
func (i *Instance) AdoptRuntimeState(prev *Instance) {
	if prev == nil {
		return
	}
	i.AddChatIDs(prev.ChatIDs())
	prev.mu.RLock()
	targets := make([]int64, 0, len(prev.targetIDs))
	for id := range prev.targetIDs {
		targets = append(targets, id)
	}
	prev.mu.RUnlock()
	i.SetTargetIDs(targets)
}

// MatchMethod identifies what produced a forwarding decision.
type MatchMethod string

const (
	MatchNone   MatchMethod = "none"
	MatchWord   MatchMethod = "word"
	MatchPrompt MatchMethod = "prompt"
)

// DecisionKind is the outcome of the match policy for one message.
type DecisionKind int

const (
	// DecisionNoMatch means the message is counted but not forwarded.
	DecisionNoMatch DecisionKind = iota
	// DecisionDropped means the message is discarded without counting.
	DecisionDropped
	// DecisionForward means the message is forwarded to the instance targets.
	DecisionForward
)

// Decision is the outcome of MatchPolicy for one (instance, message) pair.
// For prompt matches Score/Quote/Reasoning describe the best evaluation seen,
// which is also reported on NoMatch for observability.
type Decision struct {
	Kind       DecisionKind
	DropReason string

	Method    MatchMethod
	Word      string
	Prompt    *Prompt
	Score     int
	Quote     string
	Reasoning string
	TraceID   string
}
