package store

import (
	"sort"
	"sync"

	"github.com/manu5703/concurrent-analytics-system/pkg/models"
)

// MergeOutcome reports what a mutation did to the store
type MergeOutcome int

const (
	OutcomeInserted MergeOutcome = iota
	OutcomeMerged
	OutcomeStale // merged, but the update's status was behind the record's
	OutcomeDiscarded
)

func (o MergeOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeMerged:
		return "merged"
	case OutcomeStale:
		return "stale"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

type entry struct {
	record models.JobRecord
	seq    uint64 // first-insertion order, breaks submitted_at ties
}

// JobStore holds the canonical, de-duplicated job records keyed by job ID.
// It is the only owner of the records; all mutation goes through
// InsertInitial and MergeUpdate.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	nextSeq uint64
	changes chan struct{}
}

// NewJobStore creates an empty job store
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]*entry),
		changes: make(chan struct{}, 1),
	}
}

// InsertInitial records a freshly submitted job. If a push update for the same
// ID already created the record, the two are merged and the more advanced
// status is kept.
func (s *JobStore) InsertInitial(record models.JobRecord) MergeOutcome {
	if record.JobID == "" {
		return OutcomeDiscarded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.jobs[record.JobID]; ok {
		e.record, _ = mergeRecords(e.record, record)
		s.notifyLocked()
		return OutcomeMerged
	}

	s.insertLocked(record)
	return OutcomeInserted
}

// MergeUpdate applies a (possibly partial) push update. Updates for unknown
// IDs are inserted only when they carry a status; otherwise they are dropped.
// An update whose status would move the job backwards reports OutcomeStale.
func (s *JobStore) MergeUpdate(update models.JobRecord) MergeOutcome {
	if update.JobID == "" {
		return OutcomeDiscarded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[update.JobID]
	if !ok {
		if update.Status == "" {
			return OutcomeDiscarded
		}
		s.insertLocked(update)
		return OutcomeInserted
	}

	var stale bool
	e.record, stale = mergeRecords(e.record, update)
	s.notifyLocked()
	if stale {
		return OutcomeStale
	}
	return OutcomeMerged
}

// Snapshot returns copies of all records, most recently submitted first.
// Equal timestamps are ordered by first insertion, newest first.
func (s *JobStore) Snapshot() []models.JobRecord {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, &entry{record: e.record.Clone(), seq: e.seq})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.record.SubmittedAt != b.record.SubmittedAt {
			return a.record.SubmittedAt > b.record.SubmittedAt
		}
		return a.seq > b.seq
	})

	records := make([]models.JobRecord, len(entries))
	for i, e := range entries {
		records[i] = e.record
	}
	return records
}

// Get retrieves a copy of a record by job ID
func (s *JobStore) Get(jobID string) (models.JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return models.JobRecord{}, false
	}
	return e.record.Clone(), true
}

// Len returns the number of tracked jobs
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Pending returns the number of jobs not yet in a terminal state
func (s *JobStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.jobs {
		if !models.IsTerminalState(e.record.Status) {
			n++
		}
	}
	return n
}

// CountByStatus returns the number of jobs per status
func (s *JobStore) CountByStatus() map[models.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, e := range s.jobs {
		counts[e.record.Status]++
	}
	return counts
}

// Changes returns a channel that receives a value after the store changes.
// Notifications are coalesced: several mutations may produce one signal.
func (s *JobStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *JobStore) insertLocked(record models.JobRecord) {
	s.nextSeq++
	s.jobs[record.JobID] = &entry{record: record.Clone(), seq: s.nextSeq}
	s.notifyLocked()
}

func (s *JobStore) notifyLocked() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Coalesce folds a newer update for the same job into an older one with the
// same rules the store applies
func Coalesce(older, newer models.JobRecord) models.JobRecord {
	out, _ := mergeRecords(older, newer)
	return out
}

// mergeRecords shallow-merges update into existing. Fields present in the
// update win, unless the update carries a status that would move the job
// backwards. Such a stale update may only fill fields the record lacks, and
// only fields that belong to the record's status: a result to a COMPLETED
// job, an error to a FAILED one.
func mergeRecords(existing, update models.JobRecord) (models.JobRecord, bool) {
	out := existing.Clone()

	stale := false
	if update.Status != "" {
		if statusAdvances(existing.Status, update.Status) {
			out.Status = update.Status
		} else {
			stale = true
		}
	}

	take := func(present, missing, belongs bool) bool {
		if !present {
			return false
		}
		return !stale || (missing && belongs)
	}
	completed := out.Status == models.JobStatusCompleted
	failed := out.Status == models.JobStatusFailed

	if take(update.FileName != "", out.FileName == "", true) {
		out.FileName = update.FileName
	}
	if take(update.SubmittedAt != 0, out.SubmittedAt == 0, true) {
		out.SubmittedAt = update.SubmittedAt
	}
	if take(update.Report != "", out.Report == "", completed) {
		out.Report = update.Report
	}
	if take(update.LineCount != nil, out.LineCount == nil, completed) {
		n := *update.LineCount
		out.LineCount = &n
	}
	if take(update.Error != "", out.Error == "", failed) {
		out.Error = update.Error
	}

	return out, stale
}

// statusAdvances reports whether moving from current to next keeps the job
// moving forward. Repeating the same status is allowed; a record without a
// recognised status accepts anything.
func statusAdvances(current, next models.JobStatus) bool {
	if current == next || !models.IsKnownStatus(current) {
		return true
	}
	return models.ValidateTransition(current, next) == nil
}
