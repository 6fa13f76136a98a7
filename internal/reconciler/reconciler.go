// -----------------------------------------------------------------------
// Event Reconciler - merges inbound stream events into the job registry.
// The monotonicity rules here are the sole defense against out-of-order
// and duplicate delivery; they are enforced unconditionally.
// -----------------------------------------------------------------------

package reconciler

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/registry"
)

// DropReason classifies a reconciliation anomaly. Anomalies are absorbed -
// logged and counted, never raised to the caller and never crashing the
// reconciler.
type DropReason string

const (
	DropNone              DropReason = ""
	DropUnknownJob        DropReason = "unknown_job"
	DropDuplicateStarted  DropReason = "duplicate_started"
	DropStaleProgress     DropReason = "stale_progress"
	DropTerminalViolation DropReason = "terminal_violation"
	DropInvalidEvent      DropReason = "invalid_event"
)

// Stats counts applied events and absorbed anomalies
type Stats struct {
	Applied uint64
	Dropped map[DropReason]uint64
}

// Reconciler applies stream events to the registry. It implements
// interfaces.EventSink and is the only component allowed to mutate records.
type Reconciler struct {
	registry *registry.Registry
	logger   arbor.ILogger

	mu      sync.Mutex
	applied uint64
	dropped map[DropReason]uint64

	// now is swappable in tests
	now func() time.Time
}

// New creates a reconciler bound to the given registry
func New(reg *registry.Registry, logger arbor.ILogger) *Reconciler {
	return &Reconciler{
		registry: reg,
		logger:   logger,
		dropped:  make(map[DropReason]uint64),
		now:      time.Now,
	}
}

// Apply merges one inbound event into the registry. Idempotent under
// replay: re-applying any event leaves the registry unchanged.
func (r *Reconciler) Apply(event models.StreamEvent) {
	reason := r.apply(event)
	r.record(event, reason)
}

func (r *Reconciler) apply(event models.StreamEvent) DropReason {
	if !event.Type.IsValid() || event.JobID == "" {
		return DropInvalidEvent
	}

	switch event.Type {
	case models.EventJobStarted:
		return r.applyStarted(event)
	case models.EventJobProgress:
		return r.applyProgress(event)
	case models.EventJobComplete:
		return r.applyComplete(event)
	case models.EventJobError:
		return r.applyError(event)
	}
	return DropInvalidEvent
}

// applyStarted is insert-or-ignore: a record is created at most once per ID,
// so duplicate started events from network retries are no-ops.
func (r *Reconciler) applyStarted(event models.StreamEvent) DropReason {
	record := models.NewJobRecord(event.JobID, event.OwnerID, event.Parameters, event.StartedAt)
	if !r.registry.InsertIfAbsent(record) {
		return DropDuplicateStarted
	}
	return DropNone
}

// applyProgress promotes pending records to processing and applies
// max(existing, incoming) so a reordered lower value is ignored rather than
// regressing the bar.
func (r *Reconciler) applyProgress(event models.StreamEvent) DropReason {
	reason := DropNone
	found, _ := r.registry.Mutate(event.JobID, func(record *models.JobRecord) bool {
		if record.IsTerminal() {
			reason = DropTerminalViolation
			return false
		}

		incoming := clampProgress(event.Progress)
		changed := false

		if record.Status == models.JobStatusPending {
			record.Status = models.JobStatusProcessing
			changed = true
		}
		if incoming > record.Progress {
			record.Progress = incoming
			changed = true
		} else if !changed {
			reason = DropStaleProgress
		}

		return changed
	})
	if !found {
		return DropUnknownJob
	}
	return reason
}

// applyComplete is the terminal transition for successful jobs: status,
// progress=100, result, and completedAt commit as one atomic mutation.
// Already-terminal records are left untouched.
func (r *Reconciler) applyComplete(event models.StreamEvent) DropReason {
	reason := DropNone
	found, _ := r.registry.Mutate(event.JobID, func(record *models.JobRecord) bool {
		if record.IsTerminal() {
			reason = DropTerminalViolation
			return false
		}

		record.Status = models.JobStatusCompleted
		record.Progress = 100
		record.Result = event.Result
		record.ErrorMessage = ""
		completedAt := r.now()
		record.CompletedAt = &completedAt
		return true
	})
	if !found {
		return DropUnknownJob
	}
	return reason
}

// applyError is the terminal transition for failed jobs
func (r *Reconciler) applyError(event models.StreamEvent) DropReason {
	reason := DropNone
	found, _ := r.registry.Mutate(event.JobID, func(record *models.JobRecord) bool {
		if record.IsTerminal() {
			reason = DropTerminalViolation
			return false
		}

		record.Status = models.JobStatusError
		record.ErrorMessage = event.ErrorMessage
		record.Result = nil
		return true
	})
	if !found {
		return DropUnknownJob
	}
	return reason
}

func (r *Reconciler) record(event models.StreamEvent, reason DropReason) {
	r.mu.Lock()
	if reason == DropNone {
		r.applied++
	} else {
		r.dropped[reason]++
	}
	r.mu.Unlock()

	switch reason {
	case DropNone:
		r.logger.Debug().
			Str("event_type", string(event.Type)).
			Str("job_id", event.JobID).
			Msg("Stream event applied")
	case DropDuplicateStarted, DropStaleProgress:
		// Expected under replay/reordering - log quietly
		r.logger.Debug().
			Str("event_type", string(event.Type)).
			Str("job_id", event.JobID).
			Str("reason", string(reason)).
			Msg("Stream event ignored")
	default:
		r.logger.Warn().
			Str("event_type", string(event.Type)).
			Str("job_id", event.JobID).
			Str("reason", string(reason)).
			Msg("Stream event dropped")
	}
}

// Stats returns a snapshot of applied/dropped counters
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := make(map[DropReason]uint64, len(r.dropped))
	for reason, count := range r.dropped {
		dropped[reason] = count
	}
	return Stats{Applied: r.applied, Dropped: dropped}
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
