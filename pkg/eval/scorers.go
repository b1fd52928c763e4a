package eval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/fsutil"
)

// Built-in scorer names.
const (
	ScorerIntegrity = "integrity"
	ScorerTraining  = "training"
	ScorerService   = "service"
	ScorerRelative  = "relative"
)

// Compile-time interface checks.
var (
	_ Scorer = (*integrityScorer)(nil)
	_ Scorer = (*trainingScorer)(nil)
	_ Scorer = (*serviceScorer)(nil)
	_ Scorer = (*relativeScorer)(nil)
)

// --- integrity ---

type integrityOptions struct {
	MinSizeBytes int64 `mapstructure:"min_size_bytes"`
}

// integrityScorer passes only when the payload files exist, the recomputed
// hash matches the catalog, and the payload is at least min_size_bytes.
type integrityScorer struct {
	opts integrityOptions
}

func newIntegrityScorer(raw map[string]any) (Scorer, error) {
	opts := integrityOptions{MinSizeBytes: 1}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return nil, err
	}

	return &integrityScorer{opts: opts}, nil
}

func (s *integrityScorer) Name() string { return ScorerIntegrity }

func (s *integrityScorer) Score(_ context.Context, subj *Subject) (*Outcome, error) {
	fail := func(detail string, metrics map[string]float64) *Outcome {
		return &Outcome{Kind: ScorerIntegrity, Score: 0, Metrics: metrics, Detail: detail}
	}

	for _, name := range []string{artifact.ModelFileName, artifact.ConfigFileName} {
		if _, err := os.Stat(filepath.Join(subj.Dir, name)); err != nil {
			return fail(fmt.Sprintf("%s missing", name), map[string]float64{"files_present": 0}), nil
		}
	}

	hash, err := artifact.HashDir(subj.Dir)
	if err != nil {
		return nil, fmt.Errorf("hashing payload: %w", err)
	}

	if hash != subj.Artifact.ContentHash {
		return fail("content hash mismatch", map[string]float64{
			"files_present": 1,
			"hash_match":    0,
		}), nil
	}

	size, err := fsutil.DirSize(subj.Dir)
	if err != nil {
		return nil, fmt.Errorf("sizing payload: %w", err)
	}

	if size < s.opts.MinSizeBytes {
		return fail("payload below minimum size", map[string]float64{
			"files_present": 1,
			"hash_match":    1,
			"size_bytes":    float64(size),
		}), nil
	}

	return &Outcome{
		Kind:  ScorerIntegrity,
		Score: 1,
		Metrics: map[string]float64{
			"files_present": 1,
			"hash_match":    1,
			"size_bytes":    float64(size),
		},
	}, nil
}

// --- training ---

type trainingOptions struct {
	TargetLoss   float64 `mapstructure:"target_loss"`
	MaxFinalLoss float64 `mapstructure:"max_final_loss"`
	CurvePenalty float64 `mapstructure:"curve_penalty"`
}

// trainingScorer maps the final loss onto 0..1 linearly between
// max_final_loss (zero) and target_loss (full marks), docking
// curve_penalty when the loss curve ended above where it started.
type trainingScorer struct {
	opts trainingOptions
}

func newTrainingScorer(raw map[string]any) (Scorer, error) {
	opts := trainingOptions{
		TargetLoss:   0.2,
		MaxFinalLoss: 1.0,
		CurvePenalty: 0.1,
	}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return nil, err
	}

	if opts.MaxFinalLoss <= opts.TargetLoss {
		return nil, fmt.Errorf("%w: max_final_loss must exceed target_loss", errdef.ErrValidation)
	}

	return &trainingScorer{opts: opts}, nil
}

func (s *trainingScorer) Name() string { return ScorerTraining }

func (s *trainingScorer) Score(_ context.Context, subj *Subject) (*Outcome, error) {
	final := subj.Artifact.FinalLoss

	var score float64

	switch {
	case final <= s.opts.TargetLoss:
		score = 1
	case final >= s.opts.MaxFinalLoss:
		score = 0
	default:
		score = (s.opts.MaxFinalLoss - final) / (s.opts.MaxFinalLoss - s.opts.TargetLoss)
	}

	metrics := map[string]float64{
		"final_loss": final,
		"best_loss":  subj.Artifact.BestLoss,
	}

	detail := ""

	if curve := subj.Artifact.LossCurve(); len(curve) >= 2 {
		drop := curve[0] - curve[len(curve)-1]
		metrics["loss_drop"] = drop

		if drop < 0 {
			score = clamp(score-s.opts.CurvePenalty, 0, 1)
			detail = "loss curve ended above its start"
		}
	}

	return &Outcome{
		Kind:    ScorerTraining,
		Score:   score,
		Metrics: metrics,
		Detail:  detail,
	}, nil
}

// --- service ---

type serviceOptions struct {
	MinSuccessRate float64 `mapstructure:"min_success_rate"`
	MaxP95Millis   int64   `mapstructure:"max_p95_ms"`
}

// serviceScorer grades observed serving behavior: success rate against
// min_success_rate carries weight 0.6, p95 latency against max_p95_ms
// carries 0.4. No usage in the window means nothing to report.
type serviceScorer struct {
	opts serviceOptions
}

func newServiceScorer(raw map[string]any) (Scorer, error) {
	opts := serviceOptions{
		MinSuccessRate: 0.95,
		MaxP95Millis:   2000,
	}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return nil, err
	}

	if opts.MinSuccessRate <= 0 || opts.MinSuccessRate > 1 {
		return nil, fmt.Errorf("%w: min_success_rate must be in (0, 1]", errdef.ErrValidation)
	}

	if opts.MaxP95Millis <= 0 {
		return nil, fmt.Errorf("%w: max_p95_ms must be positive", errdef.ErrValidation)
	}

	return &serviceScorer{opts: opts}, nil
}

func (s *serviceScorer) Name() string { return ScorerService }

func (s *serviceScorer) Score(_ context.Context, subj *Subject) (*Outcome, error) {
	u := subj.Usage
	if u == nil || u.Requests == 0 {
		return nil, nil
	}

	successPart := clamp(u.SuccessRate/s.opts.MinSuccessRate, 0, 1) * 0.6

	latencyPart := 0.4
	if u.P95LatencyMs > s.opts.MaxP95Millis {
		latencyPart = 0.4 * float64(s.opts.MaxP95Millis) / float64(u.P95LatencyMs)
	}

	detail := ""
	if u.SuccessRate < s.opts.MinSuccessRate || u.P95LatencyMs > s.opts.MaxP95Millis {
		detail = "below serving thresholds"
	}

	return &Outcome{
		Kind:  ScorerService,
		Score: successPart + latencyPart,
		Metrics: map[string]float64{
			"requests":       float64(u.Requests),
			"success_rate":   u.SuccessRate,
			"p95_latency_ms": float64(u.P95LatencyMs),
		},
		Detail: detail,
	}, nil
}

// --- relative ---

type relativeOptions struct {
	Epsilon float64 `mapstructure:"epsilon"`
}

// relativeScorer compares the artifact's best loss with the best loss
// across the user's other versions. Matching or beating the cohort scores
// 1; worse losses score proportionally lower. Nothing to compare against
// means nothing to report.
type relativeScorer struct {
	opts relativeOptions
}

func newRelativeScorer(raw map[string]any) (Scorer, error) {
	opts := relativeOptions{Epsilon: 1e-9}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return nil, err
	}

	return &relativeScorer{opts: opts}, nil
}

func (s *relativeScorer) Name() string { return ScorerRelative }

func (s *relativeScorer) Score(_ context.Context, subj *Subject) (*Outcome, error) {
	cohortBest := 0.0
	found := false

	for i := range subj.Siblings {
		sib := &subj.Siblings[i]
		if sib.VersionID == subj.Artifact.VersionID {
			continue
		}

		if !found || sib.BestLoss < cohortBest {
			cohortBest = sib.BestLoss
			found = true
		}
	}

	if !found {
		return nil, nil
	}

	own := subj.Artifact.BestLoss

	var ratio float64

	switch {
	case own <= s.opts.Epsilon:
		ratio = 1
	case cohortBest <= s.opts.Epsilon:
		ratio = 0
	default:
		ratio = cohortBest / own
	}

	return &Outcome{
		Kind:  ScorerRelative,
		Score: clamp(ratio, 0, 1),
		Metrics: map[string]float64{
			"best_loss":        own,
			"cohort_best_loss": cohortBest,
			"ratio":            ratio,
		},
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
