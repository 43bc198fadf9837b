package generation

import (
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/storyforge/server/internal/domain"
)

// ProgressStore is the keyed, ephemeral store polled by clients while a job
// runs. Each key has a single writer (the orchestrator task that owns the
// job); updates are whole-record replacements, last write wins.
type ProgressStore interface {
	Set(jobID string, record domain.ProgressRecord)
	Get(jobID string) (domain.ProgressRecord, error)
	Clear(jobID string)
}

// Tracker implements ProgressStore on an expiring in-memory cache so stale
// jobs do not accumulate across the process lifetime. Nothing survives a
// restart: pollers observing NotFound after having seen a record must treat
// the job as lost, not retry forever.
type Tracker struct {
	records *cache.Cache
}

// NewTracker constructs a Tracker whose records expire ttl after their last
// update.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	cleanup := ttl / 2
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &Tracker{records: cache.New(ttl, cleanup)}
}

// Set stores the latest progress record for the job. Percent never moves
// backwards for a given job while it is observable.
func (t *Tracker) Set(jobID string, record domain.ProgressRecord) {
	if existing, ok := t.records.Get(jobID); ok {
		if prev, ok := existing.(domain.ProgressRecord); ok && record.Percent < prev.Percent {
			record.Percent = prev.Percent
		}
	}
	t.records.Set(jobID, record, cache.DefaultExpiration)
}

// Get returns the latest record for the job, or domain.ErrNotFound for
// unknown or expired jobs.
func (t *Tracker) Get(jobID string) (domain.ProgressRecord, error) {
	v, ok := t.records.Get(jobID)
	if !ok {
		return domain.ProgressRecord{}, domain.ErrNotFound
	}
	record, ok := v.(domain.ProgressRecord)
	if !ok {
		return domain.ProgressRecord{}, domain.ErrNotFound
	}
	return record, nil
}

// Clear drops the record for the job.
func (t *Tracker) Clear(jobID string) {
	t.records.Delete(jobID)
}
