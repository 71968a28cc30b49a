package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/eventbus"
)

// recorded maps bus events to ledger event types. Discovery passes are
// too frequent to be worth keeping.
var recorded = map[eventbus.EventType]EventType{
	eventbus.EventTypeCometAccepted:    EventCometAccepted,
	eventbus.EventTypeCometRejected:    EventCometRejected,
	eventbus.EventTypeCometExpired:     EventCometExpired,
	eventbus.EventTypeFixtureFound:     EventFixtureFound,
	eventbus.EventTypeFixtureConnected: EventFixtureConnected,
	eventbus.EventTypeFixtureLost:      EventFixtureLost,
}

// Recorder writes bus events into the ledger.
type Recorder struct {
	ledger *Ledger
}

// NewRecorder creates a recorder writing to l.
func NewRecorder(l *Ledger) *Recorder {
	return &Recorder{ledger: l}
}

// Subscribe registers the recorder on every recorded event type.
func (r *Recorder) Subscribe(bus *eventbus.Bus) {
	for busType, ledgerType := range recorded {
		bus.Subscribe(busType, func(e eventbus.Event) {
			r.record(ledgerType, e)
		})
	}
}

func (r *Recorder) record(eventType EventType, e eventbus.Event) {
	if err := r.ledger.Append(eventType, subject(e.Data), e.Data); err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("Failed to record ledger entry")
	}
}

// subject picks the identifier an entry is filed under.
func subject(data map[string]any) string {
	if src, ok := data["source"].(string); ok {
		return src
	}
	if id, ok := data["fixture"].(int); ok {
		return fmt.Sprintf("fixture/%02d", id)
	}
	return ""
}

// RunCleanup periodically deletes entries older than retention until ctx is cancelled.
func (r *Recorder) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := r.ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
