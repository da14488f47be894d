// Package evals turns reaction feedback into labeled evaluation datasets and
// replays them through the prompt evaluator to measure accuracy.
package evals

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/okozlov/tgwatch/internal/chat"
	"github.com/okozlov/tgwatch/internal/models"
	"github.com/okozlov/tgwatch/internal/policy"
	"github.com/okozlov/tgwatch/internal/trace"
)

// Line is one dataset example in messages.jsonl.
type Line struct {
	Input    string   `json:"input"`
	Expected Expected `json:"expected"`
	TraceID  string   `json:"trace_id,omitempty"`
}

type Expected struct {
	IsMatch bool `json:"is_match"`
}

// DatasetDir returns the directory for one instance x prompt dataset,
// optionally distinguished by a suffix.
func DatasetDir(evalsDir, instanceName, promptName, suffix string) string {
	name := fmt.Sprintf("%s_%s", chat.SafeName(instanceName), chat.SafeName(promptName))
	if suffix != "" {
		name += "_" + chat.SafeName(suffix)
	}
	return filepath.Join(evalsDir, name)
}

// Generator builds datasets from the feedback archive, labeling
// true-positive entries as matches and false-positive entries as non-matches.
type Generator struct {
	archive *Archive
	traces  *trace.Store
	logger  *zap.Logger
}

func NewGenerator(archive *Archive, traces *trace.Store, logger *zap.Logger) *Generator {
	return &Generator{archive: archive, traces: traces, logger: logger}
}

// Generate writes one dataset per instance x prompt pair. Instances without
// both feedback destinations configured, or with an empty archive on either
// side, are skipped: a single-class dataset cannot measure accuracy.
func (g *Generator) Generate(evalsDir string, instances []*models.Instance, suffix string) error {
	for _, inst := range instances {
		if inst.TruePositiveEntity == "" || inst.FalsePositiveEntity == "" {
			g.logger.Info("Skipping instance without feedback destinations",
				zap.String("instance", inst.Name))
			continue
		}

		positives, err := g.archive.Read(inst.TruePositiveEntity)
		if err != nil {
			return fmt.Errorf("failed to read true-positive archive for %s: %w", inst.Name, err)
		}
		negatives, err := g.archive.Read(inst.FalsePositiveEntity)
		if err != nil {
			return fmt.Errorf("failed to read false-positive archive for %s: %w", inst.Name, err)
		}
		if len(positives) == 0 || len(negatives) == 0 {
			g.logger.Warn("Skipping instance with one-sided feedback",
				zap.String("instance", inst.Name),
				zap.Int("positives", len(positives)),
				zap.Int("negatives", len(negatives)))
			continue
		}

		for _, prompt := range inst.Prompts {
			dir := DatasetDir(evalsDir, inst.Name, prompt.DisplayName(), suffix)
			if err := g.writeDataset(dir, inst, prompt, positives, negatives); err != nil {
				return fmt.Errorf("failed to write dataset %s: %w", dir, err)
			}
			g.logger.Info("Generated eval dataset",
				zap.String("dir", dir),
				zap.Int("positives", len(positives)),
				zap.Int("negatives", len(negatives)))
		}
	}
	return nil
}

func (g *Generator) writeDataset(dir string, inst *models.Instance, prompt *models.Prompt, positives, negatives []Entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, "messages.jsonl"))
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	write := func(entries []Entry, isMatch bool) error {
		for _, e := range entries {
			if e.Text == "" {
				continue
			}
			line := Line{Input: e.Text, Expected: Expected{IsMatch: isMatch}}
			if g.traces != nil {
				line.TraceID = g.traces.Get(e.ChatID, e.MessageID)
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(positives, true); err != nil {
		return err
	}
	if err := write(negatives, false); err != nil {
		return err
	}

	task := fmt.Sprintf("name: %s\ninstance: %s\nprompt: %s\nthreshold: %d\n",
		filepath.Base(dir), inst.Name, prompt.DisplayName(), prompt.EffectiveThreshold())
	if err := os.WriteFile(filepath.Join(dir, "task.yml"), []byte(task), 0o644); err != nil {
		return err
	}

	readme := fmt.Sprintf(
		"# %s\n\nEval dataset for instance `%s`, prompt `%s`.\n\n"+
			"%d positive and %d negative examples labeled from reaction feedback.\n"+
			"A prediction counts as a match when score >= %d.\n",
		filepath.Base(dir), inst.Name, prompt.DisplayName(),
		len(positives), len(negatives), prompt.EffectiveThreshold())
	return os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0o644)
}

// Report is the outcome of replaying one dataset.
type Report struct {
	Total   int
	Correct int
}

func (r Report) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Total)
}

// Run replays a dataset's messages through the evaluator and scores
// `score >= threshold` predictions against the expected labels.
func Run(ctx context.Context, dir string, evaluator policy.Evaluator, prompt *models.Prompt, instanceName string, logger *zap.Logger) (Report, error) {
	f, err := os.Open(filepath.Join(dir, "messages.jsonl"))
	if err != nil {
		return Report{}, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var report Report
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return Report{}, fmt.Errorf("malformed dataset line: %w", err)
		}

		res := evaluator.Evaluate(ctx, prompt, line.Input, instanceName, "eval")
		predicted := res.Score >= prompt.EffectiveThreshold()
		if predicted == line.Expected.IsMatch {
			report.Correct++
		} else {
			logger.Info("Misprediction",
				zap.Int("score", res.Score),
				zap.Bool("expected", line.Expected.IsMatch),
				zap.String("input", line.Input))
		}
		report.Total++
	}
	if err := scanner.Err(); err != nil {
		return Report{}, err
	}
	return report, nil
}
