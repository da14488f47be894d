// Package observe integrates with a Langfuse-compatible backend for two
// optional capabilities: recording evaluation traces and hydrating prompt
// text from the prompt registry. Both are best-effort; every failure is
// logged and absorbed. When no credentials are configured the no-op
// implementation is injected instead.
package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/models"
	"github.com/okozlov/tgwatch/pkg/config"
)

// Evaluation is one evaluator call worth recording.
type Evaluation struct {
	PromptName string
	Instance   string
	Chat       string
	Input      string
	Output     models.EvaluateResult
}

// Observer is the optional observability/registry capability.
type Observer interface {
	// RecordEvaluation records one evaluator call and returns its trace id,
	// or "" when tracing is disabled or failed.
	RecordEvaluation(ctx context.Context, ev Evaluation) string
	// HydratePrompt populates prompt text from the registry when the prompt
	// carries registry linkage, creating the remote prompt if missing.
	HydratePrompt(ctx context.Context, prompt *models.Prompt) error
}

// Noop is the disabled implementation.
type Noop struct{}

func (Noop) RecordEvaluation(ctx context.Context, ev Evaluation) string { return "" }

func (Noop) HydratePrompt(ctx context.Context, prompt *models.Prompt) error { return nil }

// New returns a Langfuse-backed observer when credentials are present, the
// no-op otherwise.
func New(cfg config.RegistryConfig, logger *zap.Logger) Observer {
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		logger.Info("Observability backend not configured")
		return Noop{}
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://cloud.langfuse.com"
	}
	return &Langfuse{
		baseURL:   base,
		publicKey: cfg.PublicKey,
		secretKey: cfg.SecretKey,
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

type Langfuse struct {
	baseURL   string
	publicKey string
	secretKey string
	http      *http.Client
	logger    *zap.Logger
}

func (l *Langfuse) request(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.SetBasicAuth(l.publicKey, l.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var errNotFound = fmt.Errorf("not found")

func (l *Langfuse) RecordEvaluation(ctx context.Context, ev Evaluation) string {
	traceID := uuid.New().String()
	tags := make([]string, 0, 2)
	if ev.Instance != "" {
		tags = append(tags, ev.Instance)
	}
	if ev.Chat != "" {
		tags = append(tags, ev.Chat)
	}

	payload := map[string]any{
		"batch": []map[string]any{{
			"id":        uuid.New().String(),
			"type":      "trace-create",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"body": map[string]any{
				"id":     traceID,
				"name":   ev.PromptName,
				"input":  ev.Input,
				"output": ev.Output,
				"tags":   tags,
			},
		}},
	}

	if err := l.request(ctx, http.MethodPost, "/api/public/ingestion", payload, nil); err != nil {
		l.logger.Error("Failed to record evaluation trace", zap.Error(err))
		return ""
	}
	return traceID
}

type registryPrompt struct {
	Name    string `json:"name"`
	Prompt  string `json:"prompt"`
	Version int    `json:"version"`
}

// HydratePrompt fetches the registry prompt, creating it (or a new version)
// when the local text diverges, and recompiles the cached system prompt.
func (l *Langfuse) HydratePrompt(ctx context.Context, prompt *models.Prompt) error {
	if prompt.RegistryName == "" {
		return nil
	}

	query := url.Values{}
	if prompt.RegistryLabel != "" {
		query.Set("label", prompt.RegistryLabel)
	}
	if prompt.RegistryVersion != 0 {
		query.Set("version", fmt.Sprintf("%d", prompt.RegistryVersion))
	}
	path := "/api/public/v2/prompts/" + url.PathEscape(prompt.RegistryName)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var remote registryPrompt
	err := l.request(ctx, http.MethodGet, path, nil, &remote)
	switch {
	case err == errNotFound:
		remote, err = l.createPrompt(ctx, prompt, prompt.Text)
		if err != nil {
			return fmt.Errorf("failed to create registry prompt %s: %w", prompt.RegistryName, err)
		}
	case err != nil:
		return fmt.Errorf("failed to fetch registry prompt %s: %w", prompt.RegistryName, err)
	default:
		if prompt.Text != "" && remote.Prompt != prompt.Text {
			created, err := l.createPrompt(ctx, prompt, prompt.Text)
			if err != nil {
				// fall back to the fetched version
				l.logger.Error("Failed to push prompt version",
					zap.String("prompt", prompt.RegistryName), zap.Error(err))
			} else {
				remote = created
			}
		}
	}

	prompt.Text = remote.Prompt
	if remote.Version != 0 {
		prompt.RegistryVersion = remote.Version
	}
	prompt.Recompile()
	return nil
}

func (l *Langfuse) createPrompt(ctx context.Context, prompt *models.Prompt, text string) (registryPrompt, error) {
	labels := []string{}
	if prompt.RegistryLabel != "" {
		labels = append(labels, prompt.RegistryLabel)
	}
	body := map[string]any{
		"name":   prompt.RegistryName,
		"prompt": text,
		"labels": labels,
		"type":   prompt.RegistryType,
	}
	if prompt.Params != nil {
		body["config"] = prompt.Params
	}

	var created registryPrompt
	if err := l.request(ctx, http.MethodPost, "/api/public/v2/prompts", body, &created); err != nil {
		return registryPrompt{}, err
	}
	return created, nil
}

// HydrateAll hydrates every registry-linked prompt across instances.
// Failures are logged per prompt and never abort the others.
func HydrateAll(ctx context.Context, obs Observer, instances []*models.Instance, logger *zap.Logger) {
	for _, inst := range instances {
		for _, prompt := range inst.Prompts {
			if err := obs.HydratePrompt(ctx, prompt); err != nil {
				logger.Error("Failed to hydrate prompt",
					zap.String("instance", inst.Name),
					zap.String("prompt", prompt.DisplayName()),
					zap.Error(err))
			}
		}
	}
}
