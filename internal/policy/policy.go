package policy

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/models"
)

// Evaluator scores a message against a prompt. Implementations absorb their
// own failures and return a zero-score result instead of an error, so one
// failing prompt never aborts the scan.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt *models.Prompt, text, instanceName, chatName string) models.EvaluateResult
}

// Policy decides, per (instance, message), whether a message is dropped,
// forwarded, or passed.
type Policy struct {
	evaluator Evaluator
	logger    *zap.Logger
}

func New(evaluator Evaluator, logger *zap.Logger) *Policy {
	return &Policy{evaluator: evaluator, logger: logger}
}

// wordInText reports whether any of the words is a case-insensitive
// substring of text.
func wordInText(words []string, text string) bool {
	return findWord(words, text) != ""
}

// findWord returns the first word found in text, or "".
func findWord(words []string, text string) string {
	lower := strings.ToLower(text)
	for _, word := range words {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			return word
		}
	}
	return ""
}

// Decide applies the layered match policy in strict order: ignore words,
// negative words, trigger words, then prompts. Keyword matches are cheap and
// deterministic, so they short-circuit before any evaluator call. Prompts
// are scanned in configured order with an early exit as soon as one reaches
// its own threshold; the best score seen so far is tracked for reporting,
// with ties keeping the earlier prompt.
func (p *Policy) Decide(ctx context.Context, inst *models.Instance, text, chatName string) models.Decision {
	if text == "" {
		return models.Decision{Kind: models.DecisionNoMatch, Method: models.MatchNone}
	}

	if wordInText(inst.IgnoreWords, text) {
		return models.Decision{Kind: models.DecisionDropped, DropReason: "ignore_words"}
	}
	if wordInText(inst.NegativeWords, text) {
		return models.Decision{Kind: models.DecisionDropped, DropReason: "negative_words"}
	}

	if word := findWord(inst.Words, text); word != "" {
		return models.Decision{
			Kind:   models.DecisionForward,
			Method: models.MatchWord,
			Word:   word,
		}
	}

	best := models.Decision{Kind: models.DecisionNoMatch, Method: models.MatchNone}
	for _, prompt := range inst.Prompts {
		res := p.evaluator.Evaluate(ctx, prompt, text, inst.Name, chatName)
		p.logger.Debug("Prompt check",
			zap.String("instance", inst.Name),
			zap.String("prompt", prompt.DisplayName()),
			zap.Int("score", res.Score))
		if res.Score > best.Score {
			best.Method = models.MatchPrompt
			best.Prompt = prompt
			best.Score = res.Score
			best.Quote = res.Quote
			best.Reasoning = res.Reasoning
			best.TraceID = res.TraceID
		}
		if res.Score >= prompt.EffectiveThreshold() {
			best.Kind = models.DecisionForward
			return best
		}
	}
	return best
}
