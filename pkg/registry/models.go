package registry

import (
	"encoding/json"
	"time"
)

// Artifact statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Run states. A run moves through the pipeline stages in order and ends in
// exactly one terminal state.
const (
	RunStatePending       = "pending"
	RunStatePreprocessing = "preprocessing"
	RunStateTraining      = "training"
	RunStateValidating    = "validating"
	RunStateDeploying     = "deploying"
	RunStateCompleted     = "completed"
	RunStateFailed        = "failed"
	RunStateCancelled     = "cancelled"
)

// RunStateTerminal reports whether state is final.
func RunStateTerminal(state string) bool {
	switch state {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// Artifact is a catalog row describing one stored model version.
type Artifact struct {
	ID            uint       `gorm:"primaryKey" json:"-"`
	VersionID     string     `gorm:"uniqueIndex;not null" json:"version_id"`
	UserID        string     `gorm:"index;not null" json:"user_id"`
	Kind          string     `gorm:"not null" json:"kind"`
	Path          string     `gorm:"not null" json:"path"`
	ContentHash   string     `gorm:"index;not null" json:"content_hash"`
	SizeBytes     int64      `json:"size_bytes"`
	Status        string     `gorm:"index;not null" json:"status"`
	ConfigJSON    string     `json:"-"`
	LossCurveJSON string     `json:"-"`
	FinalLoss     float64    `json:"final_loss"`
	BestLoss      float64    `json:"best_loss"`
	TrainedAt     time.Time  `json:"trained_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ArchiveReason string     `json:"archive_reason,omitempty"`
}

// LossCurve decodes the stored per-epoch loss values.
func (a *Artifact) LossCurve() []float64 {
	if a.LossCurveJSON == "" {
		return nil
	}

	var curve []float64
	if err := json.Unmarshal([]byte(a.LossCurveJSON), &curve); err != nil {
		return nil
	}

	return curve
}

// SetLossCurve encodes the per-epoch loss values.
func (a *Artifact) SetLossCurve(curve []float64) {
	if len(curve) == 0 {
		a.LossCurveJSON = ""

		return
	}

	data, err := json.Marshal(curve)
	if err != nil {
		return
	}

	a.LossCurveJSON = string(data)
}

// Evaluation is an append-only quality score for one artifact version.
// Scores are on a 0..1 scale.
type Evaluation struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	VersionID   string    `gorm:"index;not null" json:"version_id"`
	Kind        string    `gorm:"not null" json:"kind"`
	Score       float64   `json:"score"`
	MetricsJSON string    `json:"-"`
	Evaluator   string    `json:"evaluator"`
	CreatedAt   time.Time `json:"created_at"`
}

// Metrics decodes the stored metric bag.
func (e *Evaluation) Metrics() map[string]float64 {
	if e.MetricsJSON == "" {
		return nil
	}

	var m map[string]float64
	if err := json.Unmarshal([]byte(e.MetricsJSON), &m); err != nil {
		return nil
	}

	return m
}

// SetMetrics encodes the metric bag.
func (e *Evaluation) SetMetrics(m map[string]float64) {
	if len(m) == 0 {
		e.MetricsJSON = ""

		return
	}

	data, err := json.Marshal(m)
	if err != nil {
		return
	}

	e.MetricsJSON = string(data)
}

// UsageRecord is one inference call reported against a deployed version.
type UsageRecord struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	VersionID   string    `gorm:"index;not null" json:"version_id"`
	RecordedAt  time.Time `gorm:"index" json:"recorded_at"`
	LatencyMs   int64     `json:"latency_ms"`
	InputBytes  int64     `json:"input_bytes"`
	OutputBytes int64     `json:"output_bytes"`
	Success     bool      `json:"success"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

// Deployment is the per-user live pointer. History holds previously live
// version ids, newest first, bounded by the controller.
type Deployment struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	UserID        string    `gorm:"uniqueIndex;not null" json:"user_id"`
	LiveVersionID string    `json:"live_version_id"`
	LiveSlot      string    `json:"live_slot"`
	HistoryJSON   string    `json:"-"`
	PromotedAt    time.Time `json:"promoted_at"`
	NotifyAcked   bool      `json:"notify_acked"`
	NotifyError   string    `json:"notify_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// History decodes the rollback history, newest first.
func (d *Deployment) History() []string {
	if d.HistoryJSON == "" {
		return nil
	}

	var history []string
	if err := json.Unmarshal([]byte(d.HistoryJSON), &history); err != nil {
		return nil
	}

	return history
}

// SetHistory encodes the rollback history.
func (d *Deployment) SetHistory(history []string) {
	if len(history) == 0 {
		d.HistoryJSON = ""

		return
	}

	data, err := json.Marshal(history)
	if err != nil {
		return
	}

	d.HistoryJSON = string(data)
}

// MaxRunLogLines bounds the per-run log ring buffer.
const MaxRunLogLines = 100

// Run is a persisted pipeline run. Non-terminal rows survive restarts so
// activity is a catalog query, and are failed on startup rather than
// resumed.
type Run struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	RunID           string     `gorm:"uniqueIndex;not null" json:"run_id"`
	UserID          string     `gorm:"index;not null" json:"user_id"`
	Kind            string     `json:"kind"`
	State           string     `gorm:"index;not null" json:"state"`
	Step            string     `json:"current_step,omitempty"`
	Progress        float64    `json:"progress"`
	Epoch           int        `json:"epoch"`
	TotalEpochs     int        `json:"total_epochs"`
	CurrentLoss     float64    `json:"current_loss"`
	BestLoss        float64    `json:"best_loss"`
	EtaSeconds      int64      `json:"eta_seconds"`
	CPUPercent      float64    `json:"cpu_percent"`
	MemoryPercent   float64    `json:"memory_percent"`
	Warning         string     `json:"warning,omitempty"`
	Error           string     `json:"error,omitempty"`
	LogsJSON        string     `json:"-"`
	LogLines        []string   `gorm:"-" json:"logs,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	VersionID       string     `json:"version_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Logs decodes the run's log ring buffer, oldest first.
func (r *Run) Logs() []string {
	if r.LogsJSON == "" {
		return nil
	}

	var lines []string
	if err := json.Unmarshal([]byte(r.LogsJSON), &lines); err != nil {
		return nil
	}

	return lines
}

// AppendLog appends a line, dropping the oldest beyond MaxRunLogLines.
func (r *Run) AppendLog(line string) {
	lines := append(r.Logs(), line)
	if len(lines) > MaxRunLogLines {
		lines = lines[len(lines)-MaxRunLogLines:]
	}

	data, err := json.Marshal(lines)
	if err != nil {
		return
	}

	r.LogsJSON = string(data)
}

// UsageStats aggregates usage records over a window.
type UsageStats struct {
	VersionID    string     `json:"version_id"`
	Since        time.Time  `json:"since"`
	Requests     int64      `json:"requests"`
	Successes    int64      `json:"successes"`
	Failures     int64      `json:"failures"`
	SuccessRate  float64    `json:"success_rate"`
	AvgLatencyMs float64    `json:"avg_latency_ms"`
	P50LatencyMs int64      `json:"p50_latency_ms"`
	P95LatencyMs int64      `json:"p95_latency_ms"`
	InputBytes   int64      `json:"input_bytes"`
	OutputBytes  int64      `json:"output_bytes"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}
