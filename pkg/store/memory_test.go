package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manu5703/concurrent-analytics-system/pkg/models"
)

func intPtr(n int) *int { return &n }

func TestMergeUpdatePreservesUnspecifiedFields(t *testing.T) {
	s := NewJobStore()
	s.InsertInitial(models.JobRecord{JobID: "A", FileName: "x.txt", Status: models.JobStatusQueued})

	outcome := s.MergeUpdate(models.JobRecord{JobID: "A", Status: models.JobStatusProcessing})
	assert.Equal(t, OutcomeMerged, outcome)

	got, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, models.JobRecord{JobID: "A", FileName: "x.txt", Status: models.JobStatusProcessing}, got)
}

func TestUpdateBeforeInitialInsert(t *testing.T) {
	s := NewJobStore()

	outcome := s.MergeUpdate(models.JobRecord{JobID: "B", Status: models.JobStatusCompleted, Report: "ok"})
	require.Equal(t, OutcomeInserted, outcome)

	outcome = s.InsertInitial(models.JobRecord{JobID: "B", FileName: "y.txt", Status: models.JobStatusQueued, SubmittedAt: 100})
	require.Equal(t, OutcomeMerged, outcome)

	got, ok := s.Get("B")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "ok", got.Report)
	assert.Equal(t, "y.txt", got.FileName)
	assert.Equal(t, float64(100), got.SubmittedAt)
	assert.Equal(t, 1, s.Len())
}

func TestMergeUpdateUnknownIDWithoutStatusIsDiscarded(t *testing.T) {
	s := NewJobStore()

	outcome := s.MergeUpdate(models.JobRecord{JobID: "ghost", Report: "partial"})
	assert.Equal(t, OutcomeDiscarded, outcome)
	assert.Equal(t, 0, s.Len())

	assert.Equal(t, OutcomeDiscarded, s.MergeUpdate(models.JobRecord{Status: models.JobStatusQueued}))
	assert.Equal(t, OutcomeDiscarded, s.InsertInitial(models.JobRecord{FileName: "no-id.txt"}))
}

func TestDedupAcrossMixedCalls(t *testing.T) {
	s := NewJobStore()
	calls := []func(){
		func() { s.MergeUpdate(models.JobRecord{JobID: "J", Status: models.JobStatusProcessing}) },
		func() {
			s.InsertInitial(models.JobRecord{JobID: "J", FileName: "j.txt", Status: models.JobStatusQueued})
		},
		func() { s.MergeUpdate(models.JobRecord{JobID: "J", Report: "x"}) },
		func() {
			s.InsertInitial(models.JobRecord{JobID: "J", FileName: "j.txt", Status: models.JobStatusQueued})
		},
		func() {
			s.MergeUpdate(models.JobRecord{JobID: "J", Status: models.JobStatusCompleted, LineCount: intPtr(3)})
		},
	}
	for _, call := range calls {
		call()
	}

	assert.Equal(t, 1, s.Len())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.JobStatusCompleted, snap[0].Status)
	assert.Equal(t, "j.txt", snap[0].FileName)
	require.NotNil(t, snap[0].LineCount)
	assert.Equal(t, 3, *snap[0].LineCount)
}

func TestStaleStatusNeverDowngradesTerminal(t *testing.T) {
	tests := []struct {
		name      string
		first     models.JobRecord
		stale     models.JobRecord
		expected  models.JobStatus
		wantError string
	}{
		{
			name:     "Processing after Completed",
			first:    models.JobRecord{Status: models.JobStatusCompleted, Report: "done"},
			stale:    models.JobRecord{Status: models.JobStatusProcessing, Report: "stale", Error: "late"},
			expected: models.JobStatusCompleted,
		},
		{
			name:      "Queued after Failed",
			first:     models.JobRecord{Status: models.JobStatusFailed, Report: "done"},
			stale:     models.JobRecord{Status: models.JobStatusQueued, Report: "stale", Error: "late"},
			expected:  models.JobStatusFailed,
			wantError: "late",
		},
		{
			name:     "Failed after Completed",
			first:    models.JobRecord{Status: models.JobStatusCompleted, Report: "done"},
			stale:    models.JobRecord{Status: models.JobStatusFailed, Error: "boom"},
			expected: models.JobStatusCompleted,
		},
		{
			name:     "Queued after Processing",
			first:    models.JobRecord{Status: models.JobStatusProcessing, Report: "done"},
			stale:    models.JobRecord{Status: models.JobStatusQueued, Error: "late"},
			expected: models.JobStatusProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewJobStore()
			tt.first.JobID, tt.stale.JobID = "K", "K"
			s.MergeUpdate(tt.first)
			assert.Equal(t, OutcomeStale, s.MergeUpdate(tt.stale))

			got, _ := s.Get("K")
			assert.Equal(t, tt.expected, got.Status)
			assert.Equal(t, "done", got.Report, "stale update must not overwrite present fields")
			assert.Equal(t, tt.wantError, got.Error, "stale update may only fill fields of the record's status")
		})
	}
}

func TestStaleUpdateDoesNotAttachErrorToCompletedJob(t *testing.T) {
	s := NewJobStore()
	s.MergeUpdate(models.JobRecord{JobID: "K", Status: models.JobStatusCompleted, Report: "done"})
	s.MergeUpdate(models.JobRecord{JobID: "K", Status: models.JobStatusFailed, Error: "boom"})

	got, _ := s.Get("K")
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "done", got.Report)
	assert.Empty(t, got.Error)
}

func TestStaleUpdateFillsMetadata(t *testing.T) {
	s := NewJobStore()
	s.MergeUpdate(models.JobRecord{JobID: "K", Status: models.JobStatusProcessing})

	outcome := s.MergeUpdate(models.JobRecord{JobID: "K", Status: models.JobStatusQueued, FileName: "k.txt", SubmittedAt: 7, LineCount: intPtr(4)})
	assert.Equal(t, OutcomeStale, outcome)

	got, _ := s.Get("K")
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "k.txt", got.FileName)
	assert.Equal(t, float64(7), got.SubmittedAt)
	assert.Nil(t, got.LineCount, "a line count belongs to a completed job")
}

func TestQueuedMayJumpToCompleted(t *testing.T) {
	s := NewJobStore()
	s.InsertInitial(models.JobRecord{JobID: "Q", Status: models.JobStatusQueued})

	assert.Equal(t, OutcomeMerged, s.MergeUpdate(models.JobRecord{JobID: "Q", Status: models.JobStatusCompleted, Report: "ok"}))
	got, _ := s.Get("Q")
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestCoalesce(t *testing.T) {
	older := models.JobRecord{JobID: "C", Status: models.JobStatusProcessing, FileName: "c.txt"}
	newer := models.JobRecord{JobID: "C", Status: models.JobStatusCompleted, Report: "ok"}

	got := Coalesce(older, newer)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "c.txt", got.FileName)
	assert.Equal(t, "ok", got.Report)

	// reversed arrival keeps the terminal status
	got = Coalesce(newer, older)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestSnapshotOrdering(t *testing.T) {
	s := NewJobStore()
	s.InsertInitial(models.JobRecord{JobID: "a", SubmittedAt: 10})
	s.InsertInitial(models.JobRecord{JobID: "b", SubmittedAt: 30})
	s.InsertInitial(models.JobRecord{JobID: "c", SubmittedAt: 20})

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	var got []float64
	for _, r := range snap {
		got = append(got, r.SubmittedAt)
	}
	assert.Equal(t, []float64{30, 20, 10}, got)
}

func TestSnapshotTiesAreStable(t *testing.T) {
	s := NewJobStore()
	for i := 0; i < 20; i++ {
		s.InsertInitial(models.JobRecord{JobID: fmt.Sprintf("job-%02d", i), SubmittedAt: 42})
	}

	first := s.Snapshot()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Snapshot())
	}
	// newest insert first
	assert.Equal(t, "job-19", first[0].JobID)
	assert.Equal(t, "job-00", first[len(first)-1].JobID)
}

func TestSnapshotReturnsCopies(t *testing.T) {
	s := NewJobStore()
	s.InsertInitial(models.JobRecord{JobID: "c", FileName: "c.txt", LineCount: intPtr(1)})

	snap := s.Snapshot()
	snap[0].FileName = "mutated"
	*snap[0].LineCount = 500

	got, _ := s.Get("c")
	assert.Equal(t, "c.txt", got.FileName)
	assert.Equal(t, 1, *got.LineCount)
}

func TestPendingAndCounts(t *testing.T) {
	s := NewJobStore()
	s.InsertInitial(models.JobRecord{JobID: "1", Status: models.JobStatusQueued})
	s.InsertInitial(models.JobRecord{JobID: "2", Status: models.JobStatusCompleted})
	s.MergeUpdate(models.JobRecord{JobID: "3", Status: models.JobStatusFailed, Error: "boom"})

	assert.Equal(t, 1, s.Pending())
	counts := s.CountByStatus()
	assert.Equal(t, 1, counts[models.JobStatusQueued])
	assert.Equal(t, 1, counts[models.JobStatusCompleted])
	assert.Equal(t, 1, counts[models.JobStatusFailed])
}

func TestChangesAreCoalesced(t *testing.T) {
	s := NewJobStore()
	s.InsertInitial(models.JobRecord{JobID: "1"})
	s.InsertInitial(models.JobRecord{JobID: "2"})

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a change notification")
	}
	select {
	case <-s.Changes():
		t.Fatal("notifications should be coalesced")
	default:
	}

	s.MergeUpdate(models.JobRecord{JobID: "unknown"})
	select {
	case <-s.Changes():
		t.Fatal("discarded update should not notify")
	default:
	}
}

func TestConcurrentInsertAndMerge(t *testing.T) {
	s := NewJobStore()
	numJobs := 50
	var wg sync.WaitGroup

	for i := 0; i < numJobs; i++ {
		id := fmt.Sprintf("job-%d", i)
		wg.Add(3)
		go func() {
			defer wg.Done()
			s.InsertInitial(models.JobRecord{JobID: id, FileName: id + ".txt", Status: models.JobStatusQueued})
		}()
		go func() {
			defer wg.Done()
			s.MergeUpdate(models.JobRecord{JobID: id, Status: models.JobStatusProcessing})
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()

	require.Equal(t, numJobs, s.Len())
	for _, r := range s.Snapshot() {
		assert.Equal(t, models.JobStatusProcessing, r.Status, "job %s lost its update", r.JobID)
		assert.NotEmpty(t, r.FileName)
	}
}
