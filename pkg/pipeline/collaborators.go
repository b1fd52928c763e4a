package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/errdef"
)

// PrepareRequest asks the preprocessor to stage a user's raw dataset.
type PrepareRequest struct {
	UserID     string `json:"user_id"`
	Kind       string `json:"kind"`
	DatasetDir string `json:"dataset_dir"`
}

// PrepareResult reports which samples survived preprocessing. StagedDir,
// when set, replaces the raw dataset dir as the trainer's input.
type PrepareResult struct {
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
	StagedDir string   `json:"staged_dir,omitempty"`
}

// Preprocessor validates and stages training data.
type Preprocessor interface {
	Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResult, error)
}

// TrainRequest describes one training job for the trainer.
type TrainRequest struct {
	UserID       string  `json:"user_id"`
	Kind         string  `json:"kind"`
	DatasetDir   string  `json:"dataset_dir"`
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	BatchSize    int     `json:"batch_size,omitempty"`
	BaseModel    string  `json:"base_model,omitempty"`
	OutputDir    string  `json:"output_dir"`
}

// TrainProgress is one per-epoch progress event.
type TrainProgress struct {
	Epoch       int     `json:"epoch"`
	TotalEpochs int     `json:"total_epochs"`
	Loss        float64 `json:"loss"`
	PercentDone float64 `json:"percent_done"`
}

// TrainResult is the trainer's final report. ModelDir holds the produced
// payload files, normally the requested output dir.
type TrainResult struct {
	ModelDir  string    `json:"model_dir"`
	FinalLoss float64   `json:"final_loss"`
	BestLoss  float64   `json:"best_loss"`
	LossCurve []float64 `json:"loss_curve,omitempty"`
}

// ProgressFunc receives one event per training epoch. A non-nil return
// aborts the trainer call and is returned from Train unchanged.
type ProgressFunc func(p TrainProgress) error

// Trainer produces a model artifact from a staged dataset.
type Trainer interface {
	Train(ctx context.Context, req *TrainRequest, progress ProgressFunc) (*TrainResult, error)
}

// --- HTTP implementations ---

// NewHTTPPreprocessor returns a Preprocessor backed by a remote service.
// Timeout bounds the whole call; preprocessing can take minutes.
func NewHTTPPreprocessor(log logrus.FieldLogger, baseURL string, timeout time.Duration) Preprocessor {
	return &httpPreprocessor{
		log:     log.WithField("component", "preprocessor"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
	}
}

type httpPreprocessor struct {
	log     logrus.FieldLogger
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// Ensure interface compliance.
var _ Preprocessor = (*httpPreprocessor)(nil)

// Prepare POSTs the request and decodes the staged result. A 422 from the
// service is the remote's insufficient-data verdict; everything else
// non-2xx is an external failure.
func (p *httpPreprocessor) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)

		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding prepare request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/prepare", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating prepare request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: calling preprocessor: %v", errdef.ErrExternal, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, fmt.Errorf("%w: preprocessor rejected dataset: %s",
			errdef.ErrInsufficientData, strings.TrimSpace(string(body)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: preprocessor returned status %d", errdef.ErrExternal, resp.StatusCode)
	}

	var result PrepareResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding prepare result: %v", errdef.ErrExternal, err)
	}

	p.log.WithFields(logrus.Fields{
		"user":     req.UserID,
		"accepted": len(result.Accepted),
		"rejected": len(result.Rejected),
	}).Debug("Preprocessing complete")

	return &result, nil
}

// NewHTTPTrainer returns a Trainer backed by a remote service. Timeout
// bounds the whole call including the epoch stream; training runs for
// minutes to hours, so callers should pass a generous value.
func NewHTTPTrainer(log logrus.FieldLogger, baseURL string, timeout time.Duration) Trainer {
	return &httpTrainer{
		log:     log.WithField("component", "trainer"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
	}
}

type httpTrainer struct {
	log     logrus.FieldLogger
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// Ensure interface compliance.
var _ Trainer = (*httpTrainer)(nil)

// trainEvent is one line of the trainer's NDJSON stream. Epoch events
// carry progress fields; the final result event carries the rest.
type trainEvent struct {
	Event       string    `json:"event"`
	Epoch       int       `json:"epoch,omitempty"`
	TotalEpochs int       `json:"total_epochs,omitempty"`
	Loss        float64   `json:"loss,omitempty"`
	PercentDone float64   `json:"percent_done,omitempty"`
	ModelDir    string    `json:"model_dir,omitempty"`
	FinalLoss   float64   `json:"final_loss,omitempty"`
	BestLoss    float64   `json:"best_loss,omitempty"`
	LossCurve   []float64 `json:"loss_curve,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Train POSTs the job and consumes the NDJSON epoch stream until the
// terminating result line. A progress callback error cancels the request
// and is returned as-is so cancellation stays distinguishable from
// trainer failure.
func (t *httpTrainer) Train(
	ctx context.Context, req *TrainRequest, progress ProgressFunc,
) (*TrainResult, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)

		defer cancel()
	}

	ctx, abort := context.WithCancel(ctx)
	defer abort()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding train request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/v1/train", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating train request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: calling trainer: %v", errdef.ErrExternal, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: trainer returned status %d", errdef.ErrExternal, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev trainEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("%w: parsing trainer event: %v", errdef.ErrExternal, err)
		}

		switch ev.Event {
		case "epoch":
			if progress == nil {
				continue
			}

			cbErr := progress(TrainProgress{
				Epoch:       ev.Epoch,
				TotalEpochs: ev.TotalEpochs,
				Loss:        ev.Loss,
				PercentDone: ev.PercentDone,
			})
			if cbErr != nil {
				abort()

				return nil, cbErr
			}
		case "result":
			return &TrainResult{
				ModelDir:  ev.ModelDir,
				FinalLoss: ev.FinalLoss,
				BestLoss:  ev.BestLoss,
				LossCurve: ev.LossCurve,
			}, nil
		case "error":
			return nil, fmt.Errorf("%w: trainer failed: %s", errdef.ErrExternal, ev.Error)
		default:
			t.log.WithField("event", ev.Event).Debug("Ignoring unknown trainer event")
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading trainer stream: %v", errdef.ErrExternal, err)
	}

	return nil, fmt.Errorf("%w: trainer stream ended without a result", errdef.ErrExternal)
}
