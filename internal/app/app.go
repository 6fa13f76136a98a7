// -----------------------------------------------------------------------
// App - dependency wiring for the dashboard. The session core (registry,
// reconciler, stream, gateway) is constructed here per owner and torn down
// in reverse order on Close.
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/handlers"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/reconciler"
	"github.com/ternarybob/vigil/internal/registry"
	"github.com/ternarybob/vigil/internal/services/events"
	"github.com/ternarybob/vigil/internal/services/gateway"
	"github.com/ternarybob/vigil/internal/services/session"
	"github.com/ternarybob/vigil/internal/services/stream"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	EventService interfaces.EventService
	Registry     *registry.Registry
	Reconciler   *reconciler.Reconciler
	Session      *session.Session

	JobHandler    *handlers.JobHandler
	StatusHandler *handlers.StatusHandler
	APIHandler    *handlers.APIHandler
	WSHandler     *handlers.WebSocketHandler

	cancel context.CancelFunc
}

// New wires and starts the session core for the configured owner
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	ownerID := config.Session.OwnerID
	if ownerID == "" {
		return nil, fmt.Errorf("no session owner configured (set session.owner_id or -owner)")
	}

	appCtx, cancel := context.WithCancel(ctx)

	eventService := events.NewService(logger)
	reg := registry.New(eventService, logger)
	rec := reconciler.New(reg, logger)

	streamManager := stream.NewManager(config.Stream, ownerID, rec, eventService, logger)
	platformClient := gateway.NewClient(config.Platform, logger)

	sess := session.New(config.Session, ownerID, reg, streamManager, platformClient, eventService, logger)

	a := &App{
		Config:       config,
		Logger:       logger,
		EventService: eventService,
		Registry:     reg,
		Reconciler:   rec,
		Session:      sess,

		JobHandler:    handlers.NewJobHandler(sess, logger),
		StatusHandler: handlers.NewStatusHandler(sess, logger),
		APIHandler:    handlers.NewAPIHandler(),
		WSHandler:     handlers.NewWebSocketHandler(eventService, &config.WebSocket, logger),

		cancel: cancel,
	}

	if err := sess.Start(appCtx); err != nil {
		cancel()
		eventService.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	logger.Info().Str("owner_id", ownerID).Msg("Application initialized")
	return a, nil
}

// Close tears down the session and event bus
func (a *App) Close() {
	a.Session.Stop()
	a.cancel()
	a.EventService.Close()
	a.Logger.Info().Msg("Application closed")
}
