package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/models"
	"github.com/okozlov/tgwatch/internal/observe"
	"github.com/okozlov/tgwatch/internal/stats"
	"github.com/okozlov/tgwatch/pkg/config"
)

const maxScore = 5

var resultSchema = &jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"score": {
			Type:        jsonschema.Integer,
			Description: "Similarity score from 0 to 5",
		},
		"quote": {
			Type:        jsonschema.String,
			Description: "Most similar text fragment, cited verbatim",
		},
		"reasoning": {
			Type:        jsonschema.String,
			Description: "Short explanation of the score",
		},
	},
	Required:             []string{"score", "quote", "reasoning"},
	AdditionalProperties: false,
}

// OpenAI scores messages against prompts via chat completion with a
// structured result. Every failure is absorbed into a zero-score result so
// prompt evaluation never blocks the keyword path or other prompts.
type OpenAI struct {
	client   *openai.Client
	model    string
	stats    *stats.Tracker
	observer observe.Observer
	logger   *zap.Logger
}

func New(cfg config.OpenAIConfig, tracker *stats.Tracker, observer observe.Observer, logger *zap.Logger) (*OpenAI, error) {
	e := &OpenAI{
		model:    cfg.Model,
		stats:    tracker,
		observer: observer,
		logger:   logger,
	}
	if cfg.APIKey == "" {
		logger.Warn("OpenAI API key not configured, prompt evaluation disabled")
		return e, nil
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse openai proxy url: %w", err)
		}
		clientConfig.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	e.client = openai.NewClientWithConfig(clientConfig)
	return e, nil
}

// Evaluate scores text against the prompt. An empty prompt text or missing
// credentials deterministically yield a zero score.
func (e *OpenAI) Evaluate(ctx context.Context, prompt *models.Prompt, text, instanceName, chatName string) models.EvaluateResult {
	if e.client == nil || prompt.Text == "" {
		return models.EvaluateResult{}
	}

	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.Compiled()},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "evaluate_result",
				Schema: resultSchema,
				Strict: true,
			},
		},
	}
	applyParams(&req, prompt.Params)

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		e.logger.Error("Failed to query OpenAI",
			zap.String("instance", instanceName),
			zap.String("prompt", prompt.DisplayName()),
			zap.Error(err))
		return models.EvaluateResult{}
	}

	if resp.Usage.TotalTokens > 0 && instanceName != "" && e.stats != nil {
		e.stats.AddTokens(instanceName, int64(resp.Usage.TotalTokens))
	}

	if len(resp.Choices) == 0 {
		e.logger.Error("OpenAI returned no choices", zap.String("prompt", prompt.DisplayName()))
		return models.EvaluateResult{}
	}

	var result models.EvaluateResult
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		e.logger.Error("Failed to parse evaluation response",
			zap.String("prompt", prompt.DisplayName()),
			zap.String("response", content),
			zap.Error(err))
		return models.EvaluateResult{}
	}

	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > maxScore {
		result.Score = maxScore
	}

	result.TraceID = e.observer.RecordEvaluation(ctx, observe.Evaluation{
		PromptName: prompt.DisplayName(),
		Instance:   instanceName,
		Chat:       chatName,
		Input:      text,
		Output:     result,
	})

	return result
}

// applyParams applies per-prompt model parameter overrides.
func applyParams(req *openai.ChatCompletionRequest, params map[string]any) {
	if params == nil {
		return
	}
	if model, ok := params["model"].(string); ok && model != "" {
		req.Model = model
	}
	if temp, ok := toFloat(params["temperature"]); ok {
		req.Temperature = float32(temp)
	}
	if topP, ok := toFloat(params["top_p"]); ok {
		req.TopP = float32(topP)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
