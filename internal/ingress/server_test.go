package ingress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dokzlo13/cometd/internal/comet"
	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/eventbus"
)

const redComet = `{"color":{"r":255,"g":0,"b":0},"position":{"x":0,"y":0,"z":0},"lifespan":2}`

type sinkRecorder struct {
	mu      sync.Mutex
	sources []*comet.Source
	added   chan struct{}
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{added: make(chan struct{}, 16)}
}

func (r *sinkRecorder) Add(s *comet.Source) {
	r.mu.Lock()
	r.sources = append(r.sources, s)
	r.mu.Unlock()
	r.added <- struct{}{}
}

func (r *sinkRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

func testConfig() config.IngressConfig {
	return config.IngressConfig{
		Host:            "127.0.0.1",
		Port:            0,
		Path:            "/",
		MaxMessageBytes: 4096,
	}
}

func TestIngestAccepts(t *testing.T) {
	sink := newSinkRecorder()
	s := NewServer(testConfig(), sink, nil)
	born := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return born }

	src, err := s.Ingest([]byte(redComet), "test")
	if err != nil {
		t.Fatalf("Ingest() unexpected error: %v", err)
	}
	if !src.CreatedAt.Equal(born) {
		t.Errorf("CreatedAt = %v, want %v", src.CreatedAt, born)
	}
	if src.Lifespan != 2*time.Second {
		t.Errorf("Lifespan = %v, want 2s", src.Lifespan)
	}
	if sink.Len() != 1 {
		t.Errorf("sink has %d sources, want 1", sink.Len())
	}
}

func TestIngestRejectsWithoutTouchingSink(t *testing.T) {
	sink := newSinkRecorder()
	s := NewServer(testConfig(), sink, nil)

	for _, input := range []string{
		`{"color":{"r":255,"g":0,"b":0},"position":{"x":0,"y":0,"z":0}}`,
		`{"color":{"r":999,"g":0,"b":0},"position":{"x":0,"y":0,"z":0},"lifespan":1}`,
		`not json`,
	} {
		if _, err := s.Ingest([]byte(input), "test"); err == nil {
			t.Errorf("Ingest(%s) expected error", input)
		}
	}
	if sink.Len() != 0 {
		t.Errorf("sink has %d sources, want 0", sink.Len())
	}
}

func TestIngestPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(t.Context())

	got := make(chan eventbus.EventType, 4)
	bus.Subscribe(eventbus.EventTypeCometAccepted, func(e eventbus.Event) { got <- e.Type })
	bus.Subscribe(eventbus.EventTypeCometRejected, func(e eventbus.Event) { got <- e.Type })

	s := NewServer(testConfig(), newSinkRecorder(), bus)
	_, _ = s.Ingest([]byte(redComet), "test")
	_, _ = s.Ingest([]byte(`{}`), "test")

	seen := map[eventbus.EventType]bool{}
	for range 2 {
		select {
		case typ := <-got:
			seen[typ] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for bus events")
		}
	}
	if !seen[eventbus.EventTypeCometAccepted] || !seen[eventbus.EventTypeCometRejected] {
		t.Errorf("events seen = %v, want accepted and rejected", seen)
	}
}

func TestIngestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEventsPerSecond = 1
	sink := newSinkRecorder()
	s := NewServer(cfg, sink, nil)

	if _, err := s.Ingest([]byte(redComet), "test"); err != nil {
		t.Fatalf("first Ingest() unexpected error: %v", err)
	}
	if _, err := s.Ingest([]byte(redComet), "test"); err != ErrRateLimited {
		t.Errorf("second Ingest() error = %v, want ErrRateLimited", err)
	}
	if sink.Len() != 1 {
		t.Errorf("sink has %d sources, want 1", sink.Len())
	}
}

func TestPostComets(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"accepted", redComet, http.StatusAccepted},
		{"bad input", `{"position":{"x":0,"y":0,"z":0},"lifespan":1}`, http.StatusBadRequest},
		{"oversized", `{"pad":"` + strings.Repeat("x", 5000) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(testConfig(), newSinkRecorder(), nil)
			req := httptest.NewRequest(http.MethodPost, "/comets", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			s.Handler().ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestWebsocketIngress(t *testing.T) {
	sink := newSinkRecorder()
	s := NewServer(testConfig(), sink, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	// A malformed frame must not close the connection
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"lifespan":1}`)); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(redComet)); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}

	select {
	case <-sink.added:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for comet from websocket")
	}
	if sink.Len() != 1 {
		t.Errorf("sink has %d sources, want 1", sink.Len())
	}
}
