package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/ledger"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// FixtureStatus reports fixture counts.
type FixtureStatus interface {
	Len() int
	ConnectedCount() int
}

// CometStatus reports the number of pooled comets.
type CometStatus interface {
	Len() int
}

// History answers queries against the event ledger.
type History interface {
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
	GetBySubject(subject string, limit int) ([]*ledger.Entry, error)
	GetByTimeRange(start, end time.Time, limit int) ([]*ledger.Entry, error)
}

// HealthService provides HTTP health check endpoints and, when the ledger
// is enabled, a read-only view of recent history.
type HealthService struct {
	cfg      *config.Config
	fixtures FixtureStatus
	comets   CometStatus
	history  History
	now      func() time.Time
	server   *http.Server
}

// NewHealthService creates a new HealthService. history may be nil.
func NewHealthService(cfg *config.Config, fixtures FixtureStatus, comets CometStatus, history History) *HealthService {
	return &HealthService{
		cfg:      cfg,
		fixtures: fixtures,
		comets:   comets,
		history:  history,
		now:      time.Now,
	}
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

type healthBody struct {
	Status    string `json:"status"`
	Fixtures  int    `json:"fixtures"`
	Connected int    `json:"connected"`
	Comets    int    `json:"comets"`
}

func (s *HealthService) body(status string) healthBody {
	return healthBody{
		Status:    status,
		Fixtures:  s.fixtures.Len(),
		Connected: s.fixtures.ConnectedCount(),
		Comets:    s.comets.Len(),
	}
}

// handler serves /health (always OK while the process runs) and
// /ready (OK once at least one fixture is connected).
func (s *HealthService) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.body("healthy"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		body := s.body("ready")
		status := http.StatusOK
		if body.Connected == 0 {
			body.Status = "not_ready"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, body)
	})

	if s.history != nil {
		mux.HandleFunc("GET /ledger", s.handleLedger)
	}

	return mux
}

// handleLedger serves recent ledger entries, newest first. Filters:
// ?type=comet_accepted, ?subject=fixture/03, or ?since=10m (default 1h).
// ?limit caps the result.
func (s *HealthService) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var (
		entries []*ledger.Entry
		err     error
	)
	switch {
	case q.Get("type") != "":
		entries, err = s.history.GetByType(ledger.EventType(q.Get("type")), limit)
	case q.Get("subject") != "":
		entries, err = s.history.GetBySubject(q.Get("subject"), limit)
	default:
		since := time.Hour
		if v := q.Get("since"); v != "" {
			since, err = time.ParseDuration(v)
			if err != nil || since <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a positive duration"})
				return
			}
		}
		now := s.now()
		entries, err = s.history.GetByTimeRange(now.Add(-since), now, limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to query ledger")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger query failed"})
		return
	}

	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *HealthService) run(ctx context.Context) {
	addr := s.cfg.Healthcheck.Addr()

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}
