package breaker

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TransitionEvent is the webhook payload sent on a breaker state change.
type TransitionEvent struct {
	EventID             string    `json:"event_id"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// Notifier posts breaker transitions to an optional webhook. Delivery is
// fire-and-forget with a bounded timeout; failures are logged and swallowed
// so a broken webhook can never affect breaker behavior.
type Notifier struct {
	url        string
	httpClient *http.Client
	logger     *log.Logger
}

// NewNotifier creates a webhook notifier. Returns nil when url is empty so
// callers can pass the result straight into Options.
func NewNotifier(url string, logger *log.Logger) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// NotifyTransition delivers the event asynchronously.
func (n *Notifier) NotifyTransition(state State, consecutiveFailures int) {
	ev := TransitionEvent{
		EventID:             uuid.New().String(),
		State:               state,
		ConsecutiveFailures: consecutiveFailures,
		OccurredAt:          time.Now().UTC(),
	}
	go n.send(ev)
}

func (n *Notifier) send(ev TransitionEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		if n.logger != nil {
			n.logger.Printf("breaker.notify failed event_id=%s err=%v", ev.EventID, err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && n.logger != nil {
		n.logger.Printf("breaker.notify status=%d event_id=%s", resp.StatusCode, ev.EventID)
	}
}
