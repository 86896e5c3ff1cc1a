package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/manu5703/concurrent-analytics-system/pkg/hostinfo"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/orchestrator"
	"github.com/manu5703/concurrent-analytics-system/pkg/session"
)

func intPtr(n int) *int { return &n }

func sampleRecords() []models.JobRecord {
	return []models.JobRecord{
		{JobID: "c", FileName: "c.txt", Status: models.JobStatusCompleted, SubmittedAt: 30, Report: "Processed 3 lines successfully.", LineCount: intPtr(3)},
		{JobID: "b", FileName: "b.txt", Status: models.JobStatusFailed, SubmittedAt: 20, Error: "Simulated worker crash"},
		{JobID: "a", FileName: "a.txt", Status: models.JobStatusQueued, SubmittedAt: 10},
	}
}

func TestResultText(t *testing.T) {
	recs := sampleRecords()
	assert.Equal(t, "Processed 3 lines successfully.", ResultText(recs[0]))
	assert.Equal(t, "Simulated worker crash", ResultText(recs[1]))
	assert.Equal(t, Placeholder, ResultText(recs[2]))
}

func TestJobsTableKeepsSnapshotOrder(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, FormatTable, false)
	require.NoError(t, r.Jobs(sampleRecords()))

	out := buf.String()
	ci := strings.Index(out, "c.txt")
	bi := strings.Index(out, "b.txt")
	ai := strings.Index(out, "a.txt")
	require.True(t, ci > 0 && bi > 0 && ai > 0)
	assert.True(t, ci < bi && bi < ai, "rows must follow the snapshot order")
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, Placeholder)
	assert.NotContains(t, out, "\x1b[", "colour disabled")
}

func TestJobsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatTable, false).Jobs(nil))
	assert.Equal(t, EmptyMessage+"\n", buf.String())
}

func TestJobsJSONAndYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatJSON, false).Jobs(sampleRecords()))

	var decoded []models.JobRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, sampleRecords(), decoded)

	buf.Reset()
	require.NoError(t, New(&buf, FormatYAML, false).Jobs(sampleRecords()[:1]))
	var y []map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &y))
	require.Len(t, y, 1)
	assert.Equal(t, "c.txt", y[0]["file_name"])
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, FormatTable, false)
	r.Summary(map[models.JobStatus]int{
		models.JobStatusQueued:    1,
		models.JobStatusCompleted: 2,
		models.JobStatusFailed:    1,
	}, 1)
	assert.Equal(t, "Jobs: 4 | Pending: 1 | QUEUED 1 | PROCESSING 0 | COMPLETED 2 | FAILED 1\n", buf.String())

	buf.Reset()
	New(&buf, FormatJSON, false).Summary(map[models.JobStatus]int{models.JobStatusQueued: 1}, 1)
	assert.Empty(t, buf.String())
}

func TestBadgeColours(t *testing.T) {
	r := New(&bytes.Buffer{}, FormatTable, true)
	assert.Contains(t, r.Badge(models.JobStatusCompleted), "\x1b[")
	assert.Contains(t, r.Badge(models.JobStatusCompleted), "COMPLETED")

	plain := New(&bytes.Buffer{}, FormatTable, false)
	assert.Equal(t, "FAILED", plain.Badge(models.JobStatusFailed))
	assert.Equal(t, "PENDING", plain.Badge(""))
}

func TestBanner(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, FormatTable, false)

	r.Banner("Analyst_001", session.SessionState{})
	r.Banner("Analyst_001", session.SessionState{Identity: "sid-1", Connected: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "User: Analyst_001 | Session Status: Disconnected | SID: Connecting...", lines[0])
	assert.Equal(t, "User: Analyst_001 | Session Status: Connected | SID: sid-1", lines[1])
}

func TestBatchSummary(t *testing.T) {
	res := &orchestrator.BatchResult{
		Strategy:  metrics.StrategySequential,
		Total:     3,
		Succeeded: 1,
		Aborted:   true,
		Failures: []*orchestrator.SubmissionError{
			{Index: 2, FileName: "two.txt", Err: errors.New("server returned 500: Server error")},
		},
		Elapsed: 3 * time.Second,
	}

	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatTable, false).Batch(res))
	out := buf.String()
	assert.Contains(t, out, "SYNC upload failed during file 2/3: server returned 500: Server error")
	assert.Contains(t, out, "Elapsed: 3s")

	buf.Reset()
	require.NoError(t, New(&buf, FormatJSON, false).Batch(res))
	var view BatchView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &view))
	assert.True(t, view.Aborted)
	require.Len(t, view.Failures, 1)
	assert.Equal(t, "two.txt", view.Failures[0].File)
}

func TestComparison(t *testing.T) {
	c := &Comparison{
		Files:             4,
		Sequential:        &orchestrator.BatchResult{Strategy: metrics.StrategySequential, Total: 4, Succeeded: 4, Elapsed: 12 * time.Second, ExpectedBlocking: 12 * time.Second},
		Concurrent:        &orchestrator.BatchResult{Strategy: metrics.StrategyConcurrent, Total: 4, Succeeded: 4, Elapsed: 100 * time.Millisecond},
		ConcurrentSettled: 4 * time.Second,
		Host:              hostinfo.Info{OS: "linux", Arch: "amd64", CPUModel: "Test CPU", CPUThreads: 8, MemTotalBytes: 16 << 30},
	}
	assert.InDelta(t, 3.0, c.Speedup(), 0.001)

	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatTable, false).Comparison(c))
	out := buf.String()
	assert.Contains(t, out, "Speedup: 3.00x")
	assert.Contains(t, out, "16.0 GiB")
	assert.Contains(t, out, "sequential")

	assert.Zero(t, (&Comparison{Sequential: c.Sequential}).Speedup())
}

func TestReportIsOneDocument(t *testing.T) {
	res := &orchestrator.BatchResult{Strategy: metrics.StrategyConcurrent, Total: 3, Succeeded: 3, JobIDs: []string{"a", "b", "c"}}

	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatJSON, false).Report(res, sampleRecords()))

	var view ReportView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &view))
	assert.Equal(t, 3, view.Batch.Succeeded)
	assert.Len(t, view.Jobs, 3)

	buf.Reset()
	require.NoError(t, New(&buf, FormatTable, false).Report(res, sampleRecords()))
	assert.Contains(t, buf.String(), "All 3 file(s) submitted! (3 successfully queued)")
}
