package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manu5703/concurrent-analytics-system/pkg/api"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/store"
)

// fakeSubmitter fails every file whose name is in failing
type fakeSubmitter struct {
	failing map[string]bool
	delay   time.Duration

	mu         sync.Mutex
	asyncCalls []string
	syncCalls  []string
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
	sessions   []string
}

func (f *fakeSubmitter) SubmitJob(ctx context.Context, file models.File, userID, sessionID string) (*models.JobRecord, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxFlight.Load()
		if n <= cur || f.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.asyncCalls = append(f.asyncCalls, file.Name)
	f.sessions = append(f.sessions, sessionID)
	f.mu.Unlock()

	if f.failing[file.Name] {
		return nil, &api.APIError{StatusCode: 500, Message: "disk full"}
	}
	return &models.JobRecord{
		JobID:       "job-" + file.Name,
		FileName:    file.Name,
		Status:      models.JobStatusQueued,
		SubmittedAt: 1000,
	}, nil
}

func (f *fakeSubmitter) AnalyzeSync(ctx context.Context, file models.File) (*models.SyncResponse, error) {
	f.mu.Lock()
	f.syncCalls = append(f.syncCalls, file.Name)
	f.mu.Unlock()

	if f.failing[file.Name] {
		return nil, &api.APIError{StatusCode: 500, Message: "Server error"}
	}
	return &models.SyncResponse{
		Filename: file.Name,
		Results:  models.AnalysisResult{Report: "Processed 2 lines successfully.", LineCount: 2},
	}, nil
}

type staticIdentity struct {
	sid string
}

func (s staticIdentity) Identity() (string, bool) {
	return s.sid, s.sid != ""
}

func files(names ...string) []models.File {
	out := make([]models.File, len(names))
	for i, n := range names {
		out[i] = models.File{Name: n, Data: []byte("a\nb\n")}
	}
	return out
}

func TestSubmitConcurrentContinuesOnError(t *testing.T) {
	sub := &fakeSubmitter{failing: map[string]bool{"two.txt": true}}
	st := store.NewJobStore()
	o := New(sub, st, staticIdentity{"sid-1"}, Config{UserID: "Analyst_001"})

	result, err := o.SubmitConcurrent(context.Background(), files("one.txt", "two.txt", "three.txt"))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.False(t, result.AllSucceeded())
	assert.False(t, result.Aborted)
	assert.Equal(t, []string{"job-one.txt", "job-three.txt"}, result.JobIDs)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, 2, result.Failures[0].Index)
	assert.Equal(t, "two.txt", result.Failures[0].FileName)
	var apiErr *api.APIError
	assert.True(t, errors.As(result.Failures[0], &apiErr))

	assert.Equal(t, 2, st.Len())
	_, ok := st.Get("job-two.txt")
	assert.False(t, ok)

	assert.Len(t, sub.asyncCalls, 3, "every file is attempted")
	for _, sid := range sub.sessions {
		assert.Equal(t, "sid-1", sid)
	}
	assert.Equal(t, "All 3 file(s) submitted! (2 successfully queued). Check table for real-time status.", result.Message())
}

func TestSubmitConcurrentRunsInParallel(t *testing.T) {
	sub := &fakeSubmitter{delay: 50 * time.Millisecond}
	o := New(sub, store.NewJobStore(), staticIdentity{"sid"}, Config{})

	result, err := o.SubmitConcurrent(context.Background(), files("a", "b", "c", "d"))
	require.NoError(t, err)
	assert.True(t, result.AllSucceeded())
	assert.Greater(t, sub.maxFlight.Load(), int32(1), "submissions should overlap")
}

func TestSubmitSequentialAbortsOnError(t *testing.T) {
	sub := &fakeSubmitter{failing: map[string]bool{"two.txt": true}}
	st := store.NewJobStore()
	o := New(sub, st, staticIdentity{}, Config{})

	result, err := o.SubmitSequential(context.Background(), files("one.txt", "two.txt", "three.txt"))
	require.NoError(t, err)

	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"one.txt", "two.txt"}, sub.syncCalls, "file 3 must never be attempted")
	assert.Equal(t, 1, st.Len())

	require.Len(t, result.Failures, 1)
	assert.Equal(t, 2, result.Failures[0].Index)
	assert.True(t, strings.HasPrefix(result.Message(), "SYNC upload failed during file 2/3: "))
}

func TestSubmitSequentialSynthesizesCompletedRecords(t *testing.T) {
	sub := &fakeSubmitter{}
	st := store.NewJobStore()
	now := time.Unix(1700000000, 0)
	n := 0
	o := New(sub, st, staticIdentity{}, Config{
		Now: func() time.Time { return now },
		NewID: func() string {
			n++
			return fmt.Sprintf("%stest-%d", models.SyncJobPrefix, n)
		},
	})

	result, err := o.SubmitSequential(context.Background(), files("a.txt", "b.txt"))
	require.NoError(t, err)

	assert.True(t, result.AllSucceeded())
	assert.Equal(t, 6*time.Second, result.ExpectedBlocking)
	assert.Equal(t, "All 2 SYNC jobs finished! Total estimated blocking time: 6s.", result.Message())

	rec, ok := st.Get("SYNC-test-1")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, rec.Status)
	assert.Equal(t, "a.txt", rec.FileName)
	assert.Equal(t, float64(1700000000), rec.SubmittedAt)
	require.NotNil(t, rec.LineCount)
	assert.Equal(t, 2, *rec.LineCount)
}

func TestSequentialIDsAreUniqueAndNamespaced(t *testing.T) {
	st := store.NewJobStore()
	o := New(&fakeSubmitter{}, st, staticIdentity{}, Config{})

	result, err := o.SubmitSequential(context.Background(), files("a", "b", "c", "d", "e"))
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, id := range result.JobIDs {
		assert.True(t, strings.HasPrefix(id, models.SyncJobPrefix))
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 5, st.Len())
}

func TestSequentialStopsWhenCancelled(t *testing.T) {
	sub := &fakeSubmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(sub, store.NewJobStore(), staticIdentity{}, Config{})
	result, err := o.SubmitSequential(ctx, files("a", "b"))
	require.NoError(t, err)

	assert.True(t, result.Aborted)
	assert.Empty(t, sub.syncCalls)
	assert.ErrorIs(t, result.Failures[0], context.Canceled)
}

func TestPreconditions(t *testing.T) {
	tests := []struct {
		name     string
		files    []models.File
		identity string
		run      func(*Orchestrator, context.Context, []models.File) (*BatchResult, error)
		want     error
	}{
		{"concurrent no files", nil, "sid", (*Orchestrator).SubmitConcurrent, ErrNoFiles},
		{"concurrent not connected", files("a"), "", (*Orchestrator).SubmitConcurrent, ErrNotConnected},
		{"sequential no files", nil, "", (*Orchestrator).SubmitSequential, ErrNoFiles},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			st := store.NewJobStore()
			o := New(sub, st, staticIdentity{tt.identity}, Config{})

			result, err := tt.run(o, context.Background(), tt.files)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, tt.want)

			var pe *PreconditionError
			assert.ErrorAs(t, err, &pe)
			assert.Empty(t, sub.asyncCalls)
			assert.Empty(t, sub.syncCalls)
			assert.Equal(t, 0, st.Len())
		})
	}
}

func TestSequentialWorksWithoutSession(t *testing.T) {
	o := New(&fakeSubmitter{}, store.NewJobStore(), staticIdentity{}, Config{})
	result, err := o.SubmitSequential(context.Background(), files("a"))
	require.NoError(t, err)
	assert.True(t, result.AllSucceeded())
}

func TestStartMessage(t *testing.T) {
	assert.Equal(t, "Submitting 2 jobs for ASYNC processing...", StartMessage(metrics.StrategyConcurrent, 2, DefaultPerFileCost))
	assert.Contains(t, StartMessage(metrics.StrategySequential, 2, DefaultPerFileCost), "approximately 6 seconds")
}
