package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/eventbus"
	"github.com/dokzlo13/cometd/internal/ingress"
)

// IngressService wraps the comet ingress server.
type IngressService struct {
	cfg    *config.Config
	server *ingress.Server
}

// NewIngressService creates a new IngressService.
func NewIngressService(cfg *config.Config, sink ingress.Sink, bus *eventbus.Bus) *IngressService {
	return &IngressService{
		cfg:    cfg,
		server: ingress.NewServer(cfg.Ingress, sink, bus),
	}
}

// Start begins accepting comet events.
// A listen failure is fatal: without ingress there is nothing to render.
func (s *IngressService) Start(ctx context.Context, onFatalError func(error)) {
	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Ingress server error")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()
}
