package registry

import (
	"sort"

	"github.com/ternarybob/vigil/internal/models"
)

// ListRecent derives a read view over the registry: records sorted by
// CreatedAt descending, optionally filtered to one status, truncated to
// limit. The view is re-derived from the live records on every call and has
// no side effects - nothing is cached. A limit <= 0 means no truncation.
//
// Ties on CreatedAt are broken by ID so repeated calls over an unchanged
// registry return the same order.
func (r *Registry) ListRecent(filterStatus models.JobStatus, limit int) []*models.JobRecord {
	records := r.Values()

	if filterStatus != "" {
		filtered := records[:0]
		for _, record := range records {
			if record.Status == filterStatus {
				filtered = append(filtered, record)
			}
		}
		records = filtered
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records
}

// CountByStatus returns the number of records per status. Used by the
// status endpoint.
func (r *Registry) CountByStatus() map[models.JobStatus]int {
	counts := make(map[models.JobStatus]int, 4)
	for _, record := range r.Values() {
		counts[record.Status]++
	}
	return counts
}
