package policy

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/models"
)

// scriptedEvaluator returns preset scores keyed by prompt name and records
// the call order.
type scriptedEvaluator struct {
	scores map[string]models.EvaluateResult
	calls  []string
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, prompt *models.Prompt, text, instanceName, chatName string) models.EvaluateResult {
	e.calls = append(e.calls, prompt.Name)
	return e.scores[prompt.Name]
}

func newTestPolicy(eval *scriptedEvaluator) *Policy {
	return New(eval, zap.NewNop())
}

func TestIgnoreWordsDropWithoutEvaluatorCalls(t *testing.T) {
	eval := &scriptedEvaluator{scores: map[string]models.EvaluateResult{
		"p1": {Score: 5},
	}}
	inst := &models.Instance{
		Name:        "i",
		Words:       []string{"hi"},
		IgnoreWords: []string{"BAD"},
		Prompts:     []*models.Prompt{{Name: "p1", Text: "x", Threshold: 4}},
	}

	dec := newTestPolicy(eval).Decide(context.Background(), inst, "bad hi", "chat")
	if dec.Kind != models.DecisionDropped || dec.DropReason != "ignore_words" {
		t.Errorf("decision = %+v, want Dropped(ignore_words)", dec)
	}
	if len(eval.calls) != 0 {
		t.Errorf("evaluator called %d times, want 0", len(eval.calls))
	}
}

func TestNegativeWordsDrop(t *testing.T) {
	eval := &scriptedEvaluator{}
	inst := &models.Instance{
		Name:          "i",
		Words:         []string{"hi"},
		NegativeWords: []string{"spam"},
	}

	dec := newTestPolicy(eval).Decide(context.Background(), inst, "hi SPAM", "chat")
	if dec.Kind != models.DecisionDropped || dec.DropReason != "negative_words" {
		t.Errorf("decision = %+v, want Dropped(negative_words)", dec)
	}
}

func TestWordShortCircuitsPrompts(t *testing.T) {
	eval := &scriptedEvaluator{scores: map[string]models.EvaluateResult{
		"p1": {Score: 5},
	}}
	inst := &models.Instance{
		Name:    "i",
		Words:   []string{"golang"},
		Prompts: []*models.Prompt{{Name: "p1", Text: "x", Threshold: 4}},
	}

	dec := newTestPolicy(eval).Decide(context.Background(), inst, "I love GoLang jobs", "chat")
	if dec.Kind != models.DecisionForward || dec.Method != models.MatchWord || dec.Word != "golang" {
		t.Errorf("decision = %+v, want Forward(word, golang)", dec)
	}
	if len(eval.calls) != 0 {
		t.Errorf("evaluator called %d times, want 0", len(eval.calls))
	}
}

func TestPromptOrderAndRunningBest(t *testing.T) {
	eval := &scriptedEvaluator{scores: map[string]models.EvaluateResult{
		"p1": {Score: 3, Quote: "q1"},
		"p2": {Score: 5, Quote: "q2"},
	}}
	p1 := &models.Prompt{Name: "p1", Text: "a", Threshold: 4}
	p2 := &models.Prompt{Name: "p2", Text: "b", Threshold: 2}
	inst := &models.Instance{Name: "i", Prompts: []*models.Prompt{p1, p2}}

	dec := newTestPolicy(eval).Decide(context.Background(), inst, "text", "chat")
	if dec.Kind != models.DecisionForward || dec.Method != models.MatchPrompt {
		t.Fatalf("decision = %+v, want Forward(prompt)", dec)
	}
	if dec.Prompt != p2 || dec.Score != 5 || dec.Quote != "q2" {
		t.Errorf("best = %s/%d/%q, want p2/5/q2", dec.Prompt.Name, dec.Score, dec.Quote)
	}
	if len(eval.calls) != 2 || eval.calls[0] != "p1" || eval.calls[1] != "p2" {
		t.Errorf("call order = %v, want [p1 p2]", eval.calls)
	}
}

func TestEarlyExitSkipsLaterPrompts(t *testing.T) {
	eval := &scriptedEvaluator{scores: map[string]models.EvaluateResult{
		"p1": {Score: 5},
		"p2": {Score: 5},
	}}
	inst := &models.Instance{Name: "i", Prompts: []*models.Prompt{
		{Name: "p1", Text: "a", Threshold: 4},
		{Name: "p2", Text: "b", Threshold: 4},
	}}

	dec := newTestPolicy(eval).Decide(context.Background(), inst, "text", "chat")
	if dec.Kind != models.DecisionForward {
		t.Fatalf("decision = %+v, want Forward", dec)
	}
	if len(eval.calls) != 1 || eval.calls[0] != "p1" {
		t.Errorf("calls = %v, want [p1] only", eval.calls)
	}
}

func TestTieKeepsEarlierPrompt(t *testing.T) {
	eval := &scriptedEvaluator{scores: map[string]models.EvaluateResult{
		"p1": {Score: 3, Quote: "q1"},
		"p2": {Score: 3, Quote: "q2"},
	}}
	p1 := &models.Prompt{Name: "p1", Text: "a", Threshold: 4}
	p2 := &models.Prompt{Name: "p2", Text: "b", Threshold: 4}
	inst := &models.Instance{Name: "i", Prompts: []*models.Prompt{p1, p2}}

	dec := newTestPolicy(eval).Decide(context.Background(), inst, "text", "chat")
	if dec.Kind != models.DecisionNoMatch {
		t.Fatalf("decision = %+v, want NoMatch", dec)
	}
	if dec.Prompt != p1 || dec.Quote != "q1" {
		t.Errorf("best prompt = %v, want p1 kept on tie", dec.Prompt)
	}
}

func TestNoTextNoMatch(t *testing.T) {
	eval := &scriptedEvaluator{}
	inst := &models.Instance{Name: "i", Words: []string{""}}

	dec := newTestPolicy(eval).Decide(context.Background(), inst, "", "chat")
	if dec.Kind != models.DecisionNoMatch || dec.Method != models.MatchNone {
		t.Errorf("decision = %+v, want NoMatch", dec)
	}
}

func TestNoRulesNeverForwards(t *testing.T) {
	eval := &scriptedEvaluator{}
	inst := &models.Instance{Name: "i"}

	dec := newTestPolicy(eval).Decide(context.Background(), inst, "anything", "chat")
	if dec.Kind != models.DecisionNoMatch {
		t.Errorf("decision = %+v, want NoMatch", dec)
	}
}
