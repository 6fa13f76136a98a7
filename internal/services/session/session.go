// -----------------------------------------------------------------------
// Session - explicitly owned, session-scoped wiring of stream, reconciler,
// registry and gateway. Constructed at login, torn down at logout; never a
// module-global.
// -----------------------------------------------------------------------

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/registry"
)

// Session owns the job-tracking core for one authenticated owner. The
// registry and stream are singletons scoped to the session; both are torn
// down and recreated wholesale on logout/login or owner change, never
// partially reset.
type Session struct {
	ownerID           string
	submissionTimeout time.Duration
	refreshSchedule   string

	registry *registry.Registry
	stream   interfaces.StreamService
	client   interfaces.PlatformClient
	events   interfaces.EventService
	logger   arbor.ILogger

	cron *cron.Cron

	mu       sync.Mutex
	timers   []*time.Timer
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New wires a session. The stream's event sink (the reconciler) is bound to
// the registry by the caller; the session only drives lifecycle, reseeding
// and submissions.
func New(cfg common.SessionConfig, ownerID string, reg *registry.Registry, stream interfaces.StreamService, client interfaces.PlatformClient, events interfaces.EventService, logger arbor.ILogger) *Session {
	return &Session{
		ownerID:           ownerID,
		submissionTimeout: common.ParseDuration(cfg.SubmissionTimeout, 30*time.Second),
		refreshSchedule:   cfg.RefreshSchedule,
		registry:          reg,
		stream:            stream,
		client:            client,
		events:            events,
		logger:            logger,
		cron:              cron.New(),
	}
}

// OwnerID returns the session owner
func (s *Session) OwnerID() string {
	return s.ownerID
}

// Registry exposes the read side of the job store
func (s *Session) Registry() *registry.Registry {
	return s.registry
}

// ConnState returns the current stream connectivity
func (s *Session) ConnState() models.ConnState {
	return s.stream.State()
}

// Start seeds the registry, opens the stream and schedules periodic
// reseeds. The initial seed is best effort - the dashboard starts with the
// last known (empty) snapshot and fills in when the platform is reachable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	// Every successful (re)connect reseeds from the authoritative list so
	// events missed during the outage are not lost
	s.stream.OnConnect(func() {
		s.Reseed(s.ctx)
	})

	if s.refreshSchedule != "" {
		if _, err := s.cron.AddFunc(s.refreshSchedule, func() {
			s.Reseed(s.ctx)
		}); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", s.refreshSchedule, err)
		}
		s.cron.Start()
	}

	if err := s.stream.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}

	s.logger.Info().Str("owner_id", s.ownerID).Msg("Session started")
	return nil
}

// Reseed replaces the registry with the platform's authoritative job list.
// A full overwrite: locally-known records the server does not report are
// dropped, and an existing jobId maps to the same single record - reseeding
// never duplicates entries.
func (s *Session) Reseed(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}

	records, err := s.client.ListJobs(ctx, s.ownerID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Registry reseed failed, keeping last known snapshot")
		return
	}

	// A reseed landing after teardown must not touch the cleared registry
	if ctx.Err() != nil {
		return
	}

	s.registry.Refresh(records)
}

// Submit sends a new job to the platform and returns the server-confirmed
// job ID. The registry is populated by the subsequent started event; if
// that event never arrives within the submission timeout, a warning is
// logged and published - the job is never inserted locally on spec.
func (s *Session) Submit(ctx context.Context, parameters json.RawMessage) (string, error) {
	jobID, err := s.client.SubmitJob(ctx, parameters)
	if err != nil {
		return "", err
	}

	s.armSubmissionWatchdog(jobID)
	return jobID, nil
}

// Delete removes a job server-side, then drops the local record. The local
// entry survives if the platform rejects the delete.
func (s *Session) Delete(ctx context.Context, jobID string) error {
	if err := s.client.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.registry.Remove(jobID)
	return nil
}

// Stop tears the session down: stream (with best-effort unsubscribe),
// scheduled reseeds, pending watchdogs, and finally the registry contents.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	timers := s.timers
	s.timers = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.cron.Stop()
	s.stream.Stop()

	for _, timer := range timers {
		timer.Stop()
	}

	s.registry.Clear()
	s.logger.Info().Str("owner_id", s.ownerID).Msg("Session stopped")
}

func (s *Session) armSubmissionWatchdog(jobID string) {
	if s.submissionTimeout <= 0 {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	timer := time.AfterFunc(s.submissionTimeout, func() {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped || s.registry.Has(jobID) {
			return
		}

		s.logger.Warn().
			Str("job_id", jobID).
			Dur("timeout", s.submissionTimeout).
			Msg("Submitted job never emitted a started event")

		s.events.Publish(context.Background(), interfaces.Event{
			Type: interfaces.EventJobWarning,
			Payload: map[string]interface{}{
				"job_id":  jobID,
				"message": fmt.Sprintf("job %s was accepted but has not started after %s", jobID, s.submissionTimeout),
			},
		})
	})
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
}
