package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/cometd/internal/comet"
	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/eventbus"
)

// ErrRateLimited is returned when events arrive faster than the configured rate.
var ErrRateLimited = errors.New("comet event rate limit exceeded")

// Sink accepts validated sources.
type Sink interface {
	Add(s *comet.Source)
}

// Server accepts comet events over a websocket (one event per text frame)
// and over plain HTTP (POST /comets, one event per request).
type Server struct {
	addr            string
	path            string
	sink            Sink
	bus             *eventbus.Bus
	limiter         *rate.Limiter
	maxMessageBytes int64
	now             func() time.Time
	upgrader        websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer creates a new ingress server.
func NewServer(cfg config.IngressConfig, sink Sink, bus *eventbus.Bus) *Server {
	limit := rate.Inf
	burst := 1
	if cfg.MaxEventsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxEventsPerSecond)
		burst = max(1, int(cfg.MaxEventsPerSecond))
	}

	return &Server{
		addr:            cfg.Addr(),
		path:            cfg.Path,
		sink:            sink,
		bus:             bus,
		limiter:         rate.NewLimiter(limit, burst),
		maxMessageBytes: cfg.MaxMessageBytes,
		now:             time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Animation clients are served from arbitrary origins
				return true
			},
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP handler serving both endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /comets", s.handlePost)
	mux.HandleFunc(s.path, s.handleWebsocket)
	return mux
}

// Run starts the ingress server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Str("path", s.path).Msg("Starting comet ingress server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ingress server shutdown error")
		}
		// Hijacked websocket connections are not closed by Shutdown
		s.closeAll()
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Ingest decodes one event, builds its source and hands it to the sink.
// Failures are logged and returned; they never affect other sources.
func (s *Server) Ingest(data []byte, remote string) (*comet.Source, error) {
	if !s.limiter.Allow() {
		log.Debug().Str("remote", remote).Msg("Dropping comet event, rate limit exceeded")
		return nil, ErrRateLimited
	}

	ev, err := Decode(data)
	if err != nil {
		s.reject(remote, err)
		return nil, err
	}

	src, err := ev.Source(s.now())
	if err != nil {
		s.reject(remote, err)
		return nil, err
	}

	s.sink.Add(src)

	log.Debug().
		Str("remote", remote).
		Str("source", src.ID.String()).
		Stringer("comet", src).
		Msg("Comet accepted")

	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeCometAccepted,
		Data: map[string]any{
			"source":   src.ID.String(),
			"remote":   remote,
			"r":        src.Color.R,
			"g":        src.Color.G,
			"b":        src.Color.B,
			"x":        src.Position.X,
			"y":        src.Position.Y,
			"z":        src.Position.Z,
			"lifespan": src.Lifespan.Seconds(),
		},
	})
	return src, nil
}

func (s *Server) reject(remote string, err error) {
	log.Warn().Err(err).Str("remote", remote).Msg("Rejected comet event")
	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeCometRejected,
		Data: map[string]any{
			"remote": remote,
			"error":  err.Error(),
		},
	})
}

// handleWebsocket reads events until the client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	if s.maxMessageBytes > 0 {
		conn.SetReadLimit(s.maxMessageBytes)
	}

	s.track(conn)
	defer s.untrack(conn)

	log.Info().Str("remote", r.RemoteAddr).Msg("Websocket connection opened")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket read error")
			}
			log.Info().Str("remote", r.RemoteAddr).Msg("Websocket connection closed")
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		_, _ = s.Ingest(data, r.RemoteAddr)
	}
}

// handlePost accepts a single event per request.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body := io.Reader(r.Body)
	if s.maxMessageBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxMessageBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	src, err := s.Ingest(data, r.RemoteAddr)
	switch {
	case errors.Is(err, ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"source": src.ID.String(),
		})
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// closeAll disconnects every open websocket so read loops can exit.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Int("status", status).Msg("Failed to write response")
	}
}
