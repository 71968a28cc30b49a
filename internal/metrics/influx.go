// Package metrics exports domain events to InfluxDB as time series.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/eventbus"
)

const defaultPingTimeout = 5 * time.Second

// ErrConnectionFailed is returned when InfluxDB cannot be reached at startup.
var ErrConnectionFailed = errors.New("influxdb: connection failed")

// Exporter writes bus events to InfluxDB through the batching, non-blocking write API.
type Exporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	now      func() time.Time
}

// Connect creates an exporter and verifies the server is reachable.
func Connect(ctx context.Context, cfg config.MetricsConfig) (*Exporter, error) {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Duration().Milliseconds())),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	e := &Exporter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		now:      time.Now,
	}
	go e.logWriteErrors(e.writeAPI.Errors())

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Connected to InfluxDB")
	return e, nil
}

func (e *Exporter) logWriteErrors(errs <-chan error) {
	for err := range errs {
		log.Warn().Err(err).Msg("InfluxDB write failed")
	}
}

// Subscribe registers the exporter on every event type it converts.
func (e *Exporter) Subscribe(bus *eventbus.Bus) {
	for _, t := range []eventbus.EventType{
		eventbus.EventTypeCometAccepted,
		eventbus.EventTypeCometRejected,
		eventbus.EventTypeCometExpired,
		eventbus.EventTypeFixtureFound,
		eventbus.EventTypeFixtureConnected,
		eventbus.EventTypeFixtureLost,
		eventbus.EventTypeDiscoveryPass,
	} {
		bus.Subscribe(t, func(ev eventbus.Event) {
			if p := Point(ev, e.now()); p != nil {
				e.writeAPI.WritePoint(p)
			}
		})
	}
}

// Close flushes pending points and closes the client.
func (e *Exporter) Close() {
	e.writeAPI.Flush()
	e.client.Close()
}

// Point converts a bus event to an InfluxDB point, or nil if the event is not exported.
//
//	comets     tags: event          fields: count, lifespan_s, r, g, b
//	fixtures   tags: event, fixture fields: count
//	discovery                       fields: devices, known, connected
func Point(ev eventbus.Event, ts time.Time) *write.Point {
	switch ev.Type {
	case eventbus.EventTypeCometAccepted:
		fields := map[string]any{"count": 1}
		for _, k := range []string{"r", "g", "b"} {
			if v, ok := ev.Data[k].(float64); ok {
				fields[k] = v
			}
		}
		if v, ok := ev.Data["lifespan"].(float64); ok {
			fields["lifespan_s"] = v
		}
		return write.NewPoint("comets", map[string]string{"event": "accepted"}, fields, ts)

	case eventbus.EventTypeCometRejected:
		return write.NewPoint("comets", map[string]string{"event": "rejected"}, map[string]any{"count": 1}, ts)

	case eventbus.EventTypeCometExpired:
		return write.NewPoint("comets", map[string]string{"event": "expired"}, map[string]any{"count": 1}, ts)

	case eventbus.EventTypeFixtureFound, eventbus.EventTypeFixtureConnected, eventbus.EventTypeFixtureLost:
		tags := map[string]string{"event": fixtureEvent(ev.Type)}
		if id, ok := ev.Data["fixture"].(int); ok {
			tags["fixture"] = fmt.Sprintf("%02d", id)
		}
		return write.NewPoint("fixtures", tags, map[string]any{"count": 1}, ts)

	case eventbus.EventTypeDiscoveryPass:
		fields := map[string]any{}
		for _, k := range []string{"devices", "known", "connected"} {
			if v, ok := ev.Data[k].(int); ok {
				fields[k] = v
			}
		}
		if len(fields) == 0 {
			return nil
		}
		return write.NewPoint("discovery", nil, fields, ts)
	}
	return nil
}

func fixtureEvent(t eventbus.EventType) string {
	switch t {
	case eventbus.EventTypeFixtureFound:
		return "found"
	case eventbus.EventTypeFixtureConnected:
		return "connected"
	default:
		return "lost"
	}
}
