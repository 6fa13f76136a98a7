// -----------------------------------------------------------------------
// Job Registry - session-scoped in-memory store of job records, the merge
// target for all inbound stream events
// -----------------------------------------------------------------------

package registry

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// Registry is the single source of truth for job state within one
// authenticated session. All mutation goes through the reconciler's
// transition functions; external callers only read or trigger a full
// Refresh from the authoritative job list.
//
// Reads return clones, and every mutation commits under the write lock, so
// a reader can never observe a record mid-transition (e.g. status=completed
// with the result still absent).
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.JobRecord
	events  interfaces.EventService
	logger  arbor.ILogger
}

// New creates an empty registry. The event service may be nil in tests;
// change notifications are then skipped.
func New(events interfaces.EventService, logger arbor.ILogger) *Registry {
	return &Registry{
		records: make(map[string]*models.JobRecord),
		events:  events,
		logger:  logger,
	}
}

// Get returns a clone of the record for jobID, or nil if absent
func (r *Registry) Get(jobID string) *models.JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[jobID]
	if !ok {
		return nil
	}
	return record.Clone()
}

// Values returns clones of all records in no particular order
func (r *Registry) Values() []*models.JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values := make([]*models.JobRecord, 0, len(r.records))
	for _, record := range r.records {
		values = append(values, record.Clone())
	}
	return values
}

// Len returns the number of records
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Has reports whether a record exists for jobID
func (r *Registry) Has(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[jobID]
	return ok
}

// InsertIfAbsent stores the record if no record exists for its ID.
// Returns true if the record was inserted. Called by the reconciler for
// started events - duplicate delivery is a no-op.
func (r *Registry) InsertIfAbsent(record *models.JobRecord) bool {
	r.mu.Lock()
	if _, exists := r.records[record.ID]; exists {
		r.mu.Unlock()
		return false
	}
	r.records[record.ID] = record
	r.mu.Unlock()

	r.notifyJobUpdate(record)
	return true
}

// Mutate applies fn to the record for jobID under the write lock. fn runs on
// a working copy; the copy replaces the stored record only when fn reports a
// change, so partial transitions are never observable. Returns (found,
// changed).
func (r *Registry) Mutate(jobID string, fn func(record *models.JobRecord) bool) (bool, bool) {
	r.mu.Lock()
	record, ok := r.records[jobID]
	if !ok {
		r.mu.Unlock()
		return false, false
	}

	working := record.Clone()
	if !fn(working) {
		r.mu.Unlock()
		return true, false
	}
	r.records[jobID] = working
	r.mu.Unlock()

	r.notifyJobUpdate(working)
	return true, true
}

// Remove deletes the record for jobID. Called only after the platform has
// confirmed a server-side delete.
func (r *Registry) Remove(jobID string) bool {
	r.mu.Lock()
	record, ok := r.records[jobID]
	if ok {
		delete(r.records, jobID)
	}
	r.mu.Unlock()

	if ok {
		r.notifyJobUpdate(record)
	}
	return ok
}

// Refresh replaces the entire registry with the authoritative snapshot list.
// This is a full overwrite, not a merge: records the server does not know
// about are dropped, never resurrected. Invalid snapshots are skipped with
// a warning; duplicate IDs keep the first occurrence.
func (r *Registry) Refresh(records []*models.JobRecord) {
	next := make(map[string]*models.JobRecord, len(records))
	for _, record := range records {
		if err := record.Validate(); err != nil {
			r.logger.Warn().Err(err).Str("job_id", record.ID).Msg("Skipping invalid job snapshot in refresh")
			continue
		}
		if _, exists := next[record.ID]; exists {
			continue
		}
		next[record.ID] = record.Clone()
	}

	r.mu.Lock()
	r.records = next
	count := len(next)
	r.mu.Unlock()

	r.logger.Debug().Int("count", count).Msg("Registry refreshed from authoritative job list")

	if r.events != nil {
		r.events.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventRegistryRefresh,
			Payload: map[string]interface{}{"count": count},
		})
	}
}

// Clear drops every record. Used on session teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.records = make(map[string]*models.JobRecord)
	r.mu.Unlock()
}

func (r *Registry) notifyJobUpdate(record *models.JobRecord) {
	if r.events == nil {
		return
	}
	r.events.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobUpdate,
		Payload: record.Clone(),
	})
}
