package stats

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/storage"
)

// Counters is one bundle of message/token counters, kept at the global,
// per-instance and per-instance-per-day levels.
type Counters struct {
	Total           int64 `json:"total"`
	ForwardedTotal  int64 `json:"forwarded_total"`
	ForwardedWords  int64 `json:"forwarded_words"`
	ForwardedPrompt int64 `json:"forwarded_prompt"`
	Tokens          int64 `json:"tokens"`
}

type DayStats struct {
	Stats Counters `json:"stats"`
}

type InstanceStats struct {
	Name   string               `json:"name"`
	Stats  Counters             `json:"stats"`
	Tokens int64                `json:"tokens"`
	Days   map[string]*DayStats `json:"days"`
}

type Snapshot struct {
	Stats     Counters         `json:"stats"`
	Instances []*InstanceStats `json:"instances"`
}

// Mark describes how one processed message should be counted.
type Mark struct {
	Forwarded  bool
	UsedWord   bool
	UsedPrompt bool
}

// Tracker collects statistics about processed messages and flushes them to
// its document when dirty and the flush interval has elapsed, and at exit.
// A corrupt or missing document resets to an empty snapshot.
type Tracker struct {
	mu            sync.Mutex
	doc           storage.Document
	logger        *zap.Logger
	flushInterval time.Duration
	lastFlush     time.Time
	dirty         bool
	data          Snapshot
	now           func() time.Time
}

func NewTracker(doc storage.Document, flushInterval time.Duration, logger *zap.Logger) *Tracker {
	t := &Tracker{
		doc:           doc,
		logger:        logger,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
		now:           time.Now,
	}

	raw, err := doc.Load()
	if err != nil {
		logger.Error("Failed to load stats, starting empty", zap.Error(err))
		return t
	}
	if len(raw) == 0 {
		return t
	}

	snap, err := decode(raw)
	if err != nil {
		logger.Error("Corrupt stats document, starting empty", zap.Error(err))
		return t
	}
	t.data = snap
	return t
}

// decode parses a stored snapshot, transparently migrating the legacy flat
// shape ({total, tokens, instances:[{name,total,tokens,days:{date:int}}]}).
func decode(raw []byte) (Snapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Snapshot{}, err
	}
	if _, ok := probe["stats"]; ok {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return Snapshot{}, err
		}
		return snap, nil
	}

	var legacy legacySnapshot
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return Snapshot{}, err
	}
	return convertLegacy(legacy), nil
}

type legacySnapshot struct {
	Total     int64            `json:"total"`
	Tokens    int64            `json:"tokens"`
	Instances []legacyInstance `json:"instances"`
}

type legacyInstance struct {
	Name   string           `json:"name"`
	Total  int64            `json:"total"`
	Tokens int64            `json:"tokens"`
	Days   map[string]int64 `json:"days"`
}

func convertLegacy(old legacySnapshot) Snapshot {
	snap := Snapshot{
		Stats: Counters{Total: old.Total, Tokens: old.Tokens},
	}
	for _, inst := range old.Instances {
		converted := &InstanceStats{
			Name:   inst.Name,
			Stats:  Counters{Total: inst.Total, Tokens: inst.Tokens},
			Tokens: inst.Tokens,
			Days:   make(map[string]*DayStats, len(inst.Days)),
		}
		for day, count := range inst.Days {
			converted.Days[day] = &DayStats{Stats: Counters{Total: count}}
		}
		snap.Instances = append(snap.Instances, converted)
	}
	return snap
}

func (t *Tracker) instance(name string) *InstanceStats {
	for _, inst := range t.data.Instances {
		if inst.Name == name {
			if inst.Days == nil {
				inst.Days = make(map[string]*DayStats)
			}
			return inst
		}
	}
	inst := &InstanceStats{Name: name, Days: make(map[string]*DayStats)}
	t.data.Instances = append(t.data.Instances, inst)
	return inst
}

func (t *Tracker) day(inst *InstanceStats) *DayStats {
	key := t.now().UTC().Format("2006-01-02")
	day, ok := inst.Days[key]
	if !ok {
		day = &DayStats{}
		inst.Days[key] = day
	}
	return day
}

func bump(c *Counters, m Mark) {
	c.Total++
	if !m.Forwarded {
		return
	}
	c.ForwardedTotal++
	if m.UsedWord {
		c.ForwardedWords++
	} else if m.UsedPrompt {
		c.ForwardedPrompt++
	}
}

// Increment records one processed message for the named instance.
func (t *Tracker) Increment(name string, m Mark) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst := t.instance(name)
	bump(&t.data.Stats, m)
	bump(&inst.Stats, m)
	bump(&t.day(inst).Stats, m)
	t.markDirtyLocked()
}

// AddTokens credits LLM token usage to the named instance.
func (t *Tracker) AddTokens(name string, tokens int64) {
	if tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	inst := t.instance(name)
	t.data.Stats.Tokens += tokens
	inst.Stats.Tokens += tokens
	inst.Tokens = inst.Stats.Tokens
	t.day(inst).Stats.Tokens += tokens
	t.markDirtyLocked()
}

func (t *Tracker) markDirtyLocked() {
	t.dirty = true
	if time.Since(t.lastFlush) >= t.flushInterval {
		t.flushLocked()
	}
}

// Flush writes the snapshot to the document if anything changed.
func (t *Tracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
}

func (t *Tracker) flushLocked() {
	if !t.dirty {
		return
	}
	t.logger.Debug("Flushing stats")
	data, err := json.MarshalIndent(t.data, "", "    ")
	if err != nil {
		t.logger.Error("Failed to encode stats", zap.Error(err))
		return
	}
	if err := t.doc.Save(data); err != nil {
		t.logger.Error("Failed to flush stats", zap.Error(err))
		return
	}
	t.lastFlush = time.Now()
	t.dirty = false
}

// Snapshot returns a deep copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Snapshot{Stats: t.data.Stats}
	for _, inst := range t.data.Instances {
		c := &InstanceStats{
			Name:   inst.Name,
			Stats:  inst.Stats,
			Tokens: inst.Tokens,
			Days:   make(map[string]*DayStats, len(inst.Days)),
		}
		for day, d := range inst.Days {
			copied := *d
			c.Days[day] = &copied
		}
		out.Instances = append(out.Instances, c)
	}
	return out
}
