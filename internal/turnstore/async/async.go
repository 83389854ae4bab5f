// Package async wraps a turnstore.Store with a fire-and-forget recorder so
// persistence failures and latency never touch the stream path.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay-gateway/internal/relay"
	"github.com/chatrelay/chatrelay-gateway/internal/turnstore"
)

// saveTimeout bounds each background write.
const saveTimeout = 10 * time.Second

// Recorder implements relay.TurnRecorder over a turnstore.Store. SaveTurn
// never blocks: turns are queued to a worker and dropped (with a log line)
// when the queue is full.
type Recorder struct {
	store  turnstore.Store
	ch     chan turnstore.Turn
	logger *log.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

var _ relay.TurnRecorder = (*Recorder)(nil)

// NewRecorder starts a recorder with the given queue depth (default 1024).
func NewRecorder(store turnstore.Store, buffer int, logger *log.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Recorder{
		store:  store,
		ch:     make(chan turnstore.Turn, buffer),
		logger: logger,
		stop:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// SaveTurn queues one turn for persistence.
func (r *Recorder) SaveTurn(userID, prompt, response string, meta relay.TurnMeta) {
	t := turnstore.Turn{
		ID:            uuid.New().String(),
		UserID:        userID,
		SessionID:     meta.SessionID,
		Model:         meta.Model,
		Prompt:        prompt,
		Response:      response,
		RequestTimeMs: meta.RequestTimeMs,
		Outcome:       meta.Outcome,
		CreatedAt:     time.Now().UTC(),
	}
	select {
	case r.ch <- t:
	default:
		if r.logger != nil {
			r.logger.Printf("turnstore.async queue full, dropping turn session=%s", meta.SessionID)
		}
	}
}

// Close drains queued turns and stops the worker.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case t := <-r.ch:
			r.save(t)
		case <-r.stop:
			for {
				select {
				case t := <-r.ch:
					r.save(t)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) save(t turnstore.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, t); err != nil && r.logger != nil {
		r.logger.Printf("turnstore.async save failed session=%s err=%v", t.SessionID, err)
	}
}
