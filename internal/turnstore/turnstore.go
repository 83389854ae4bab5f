// Package turnstore persists completed chat turns. Persistence is a
// collaborator of the relay, never on its critical path: writes go through
// the async recorder and failures are logged, not propagated.
package turnstore

import (
	"context"
	"time"
)

// Turn is one persisted prompt/response pair with metadata.
type Turn struct {
	ID            string
	UserID        string
	SessionID     string
	Model         string
	Prompt        string
	Response      string
	RequestTimeMs int64
	Outcome       string
	CreatedAt     time.Time
}

// Store persists and queries turns.
type Store interface {
	Save(ctx context.Context, t Turn) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	Close() error
}
