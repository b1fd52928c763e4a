// Package eval scores registered artifacts. Scorers are pluggable; their
// results land in the catalog as append-only evaluation rows.
package eval

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/registry"
)

// Subject is everything a scorer may look at: the catalog row, the payload
// directory, usage over the engine's window, and the user's other rows.
type Subject struct {
	Artifact *registry.Artifact
	Dir      string
	Usage    *registry.UsageStats
	Siblings []registry.Artifact
}

// Outcome is one scorer's verdict. Score is on a 0..1 scale.
type Outcome struct {
	Kind    string             `json:"kind"`
	Score   float64            `json:"score"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Detail  string             `json:"detail,omitempty"`
}

// Scorer produces one quality score for an artifact. Returning a nil
// outcome with a nil error means the scorer has nothing to report for this
// subject.
type Scorer interface {
	Name() string
	Score(ctx context.Context, subj *Subject) (*Outcome, error)
}

// Engine runs scorers and records their outcomes.
type Engine struct {
	log     logrus.FieldLogger
	reg     *registry.Service
	scorers map[string]Scorer
	order   []string
	window  time.Duration
}

// NewEngine creates an engine with the built-in scorers registered, each
// configured from its evaluation.scorers option bag.
func NewEngine(
	log logrus.FieldLogger,
	reg *registry.Service,
	cfg *config.EvaluationConfig,
) (*Engine, error) {
	e := &Engine{
		log:     log.WithField("component", "eval"),
		reg:     reg,
		scorers: make(map[string]Scorer),
		window:  cfg.UsageWindow(),
	}

	builtins := []struct {
		name string
		make func(map[string]any) (Scorer, error)
	}{
		{ScorerIntegrity, newIntegrityScorer},
		{ScorerTraining, newTrainingScorer},
		{ScorerService, newServiceScorer},
		{ScorerRelative, newRelativeScorer},
	}

	for _, b := range builtins {
		s, err := b.make(cfg.Scorers[b.name])
		if err != nil {
			return nil, fmt.Errorf("configuring scorer %s: %w", b.name, err)
		}

		e.Register(s)
	}

	return e, nil
}

// Register adds a scorer, replacing any scorer with the same name.
func (e *Engine) Register(s Scorer) {
	if _, exists := e.scorers[s.Name()]; !exists {
		e.order = append(e.order, s.Name())
	}

	e.scorers[s.Name()] = s
}

// Scorers returns the registered scorer names in registration order.
func (e *Engine) Scorers() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)

	return out
}

// Evaluate runs the requested scorers (all registered when kinds is empty)
// against one artifact, appends an evaluation row per outcome, and returns
// the outcomes in scorer order.
func (e *Engine) Evaluate(
	ctx context.Context, versionID string, kinds ...string,
) ([]Outcome, error) {
	row, err := e.reg.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}

	names := kinds
	if len(names) == 0 {
		names = e.order
	}

	for _, name := range names {
		if _, ok := e.scorers[name]; !ok {
			return nil, fmt.Errorf("%w: unknown scorer %q", errdef.ErrValidation, name)
		}
	}

	subj, err := e.subject(ctx, row)
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome

	for _, name := range names {
		out, err := e.scorers[name].Score(ctx, subj)
		if err != nil {
			return outcomes, fmt.Errorf("scorer %s: %w", name, err)
		}

		if out == nil {
			continue
		}

		ev := &registry.Evaluation{
			VersionID: versionID,
			Kind:      out.Kind,
			Score:     out.Score,
			Evaluator: "engine",
		}
		ev.SetMetrics(out.Metrics)

		if err := e.reg.AddEvaluation(ctx, ev); err != nil {
			return outcomes, err
		}

		e.log.WithFields(logrus.Fields{
			"version": versionID,
			"scorer":  name,
			"score":   out.Score,
		}).Info("Recorded evaluation")

		outcomes = append(outcomes, *out)
	}

	return outcomes, nil
}

// UsageSummary aggregates usage for an artifact; window zero means the
// engine's configured window.
func (e *Engine) UsageSummary(
	ctx context.Context, versionID string, window time.Duration,
) (*registry.UsageStats, error) {
	if window <= 0 {
		window = e.window
	}

	return e.reg.Stats(ctx, versionID, window)
}

func (e *Engine) subject(ctx context.Context, row *registry.Artifact) (*Subject, error) {
	usage, err := e.reg.Stats(ctx, row.VersionID, e.window)
	if err != nil {
		return nil, err
	}

	siblings, err := e.reg.List(ctx, registry.Filter{UserID: row.UserID})
	if err != nil {
		return nil, err
	}

	return &Subject{
		Artifact: row,
		Dir:      row.Path,
		Usage:    usage,
		Siblings: siblings,
	}, nil
}
