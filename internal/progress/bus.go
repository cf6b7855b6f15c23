// Package progress is the per-run ordered event bus. Events are
// durably appended before any live delivery, so a subscriber never
// observes a transition that was not committed.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

const subscriberBuffer = 64

// appendAttempts bounds the retry loop when two publishers race for
// the same per-run sequence number.
const appendAttempts = 5

type Bus struct {
	store  repo.ProgressEventRepository
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewBus(store repo.ProgressEventRepository, logger *slog.Logger) *Bus {
	if store == nil || logger == nil {
		return nil
	}
	return &Bus{
		store:  store,
		logger: logger,
		now:    time.Now,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Publish appends the event to the durable log and then fans it out to
// live subscribers. A sequence collision with a concurrent publisher
// for the same run is retried; the trail must not drop events. Fan-out
// never blocks: a subscriber that cannot keep up misses live delivery
// and catches up via replay.
func (b *Bus) Publish(ctx context.Context, runID string, stage domain.Stage, message string) (domain.ProgressEvent, error) {
	if b == nil {
		return domain.ProgressEvent{}, fmt.Errorf("bus not initialized")
	}
	event := domain.ProgressEvent{
		RunID:     strings.TrimSpace(runID),
		Stage:     stage,
		Message:   message,
		CreatedAt: b.now().UTC(),
	}
	var stored domain.ProgressEvent
	var err error
	for attempt := 1; ; attempt++ {
		stored, err = b.store.AppendEvent(ctx, event)
		if err == nil {
			break
		}
		if !errors.Is(err, repo.ErrConflict) || attempt == appendAttempts {
			return domain.ProgressEvent{}, fmt.Errorf("append progress event: %w", err)
		}
		b.logger.Debug("progress seq collision, retrying",
			"run_id", event.RunID, "attempt", attempt)
	}

	b.mu.Lock()
	for sub := range b.subs[stored.RunID] {
		select {
		case sub.ch <- stored:
		default:
			b.logger.Warn("progress subscriber lagging, dropping live event",
				"run_id", stored.RunID, "seq", stored.Seq)
		}
	}
	b.mu.Unlock()
	return stored, nil
}

// Subscribe registers a live listener for one run. The caller must
// Cancel the subscription when done; Finish closes it from the bus
// side when the run reaches a terminal status.
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		bus:   b,
		runID: strings.TrimSpace(runID),
		ch:    make(chan domain.ProgressEvent, subscriberBuffer),
	}
	sub.C = sub.ch

	b.mu.Lock()
	if b.subs[sub.runID] == nil {
		b.subs[sub.runID] = make(map[*Subscription]struct{})
	}
	b.subs[sub.runID][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Finish closes every live subscription for the run. Called by the
// driver after publishing the terminal event.
func (b *Bus) Finish(runID string) {
	if b == nil {
		return
	}
	runID = strings.TrimSpace(runID)

	b.mu.Lock()
	subs := b.subs[runID]
	delete(b.subs, runID)
	b.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

// Replay reads stored events after the given sequence number, for late
// subscribers catching up.
func (b *Bus) Replay(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.ProgressEvent, error) {
	if b == nil {
		return nil, fmt.Errorf("bus not initialized")
	}
	return b.store.ListEventsAfter(ctx, runID, afterSeq, limit)
}

type Subscription struct {
	// C yields events in publish order; it closes when the run ends or
	// the subscription is cancelled.
	C <-chan domain.ProgressEvent

	bus   *Bus
	runID string
	ch    chan domain.ProgressEvent
	once  sync.Once
}

func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	if subs := s.bus.subs[s.runID]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.subs, s.runID)
		}
	}
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}
