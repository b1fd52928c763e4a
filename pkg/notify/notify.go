package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/config"
)

// Event describes a promotion handed to the serving side.
type Event struct {
	UserID     string    `json:"user_id"`
	VersionID  string    `json:"version_id"`
	Slot       string    `json:"slot"`
	PromotedAt time.Time `json:"promoted_at"`
	Rollback   bool      `json:"rollback,omitempty"`
}

// Notifier announces promotions to the configured endpoint. Calls are
// best-effort: the deployment controller records failures but never
// unwinds a promotion over them.
type Notifier interface {
	Promoted(ctx context.Context, ev Event) error
}

// NewNotifier creates a Notifier. An empty endpoint yields a no-op.
func NewNotifier(log logrus.FieldLogger, cfg *config.NotifyConfig) Notifier {
	return &notifier{
		log:      log.WithField("component", "notify"),
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: cfg.TimeoutDuration(),
		},
	}
}

type notifier struct {
	log      logrus.FieldLogger
	endpoint string
	client   *http.Client
}

// Ensure interface compliance.
var _ Notifier = (*notifier)(nil)

// Promoted POSTs the event as JSON and treats any non-2xx as failure.
func (n *notifier) Promoted(ctx context.Context, ev Event) error {
	if n.endpoint == "" {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding notify event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notify request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notify event: %w", err)
	}

	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify endpoint returned %d", resp.StatusCode)
	}

	n.log.WithFields(logrus.Fields{
		"user":    ev.UserID,
		"version": ev.VersionID,
	}).Debug("Notify hook acknowledged")

	return nil
}
