package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/store"
	"github.com/manu5703/concurrent-analytics-system/pkg/tracing"
)

// DefaultPerFileCost is the assumed blocking time of one synchronous analysis
const DefaultPerFileCost = 3 * time.Second

// Submitter issues requests to the analysis service
type Submitter interface {
	SubmitJob(ctx context.Context, file models.File, userID, sessionID string) (*models.JobRecord, error)
	AnalyzeSync(ctx context.Context, file models.File) (*models.SyncResponse, error)
}

// JobSink receives the records produced by submissions
type JobSink interface {
	InsertInitial(record models.JobRecord) store.MergeOutcome
}

// IdentitySource reports the current push channel identity
type IdentitySource interface {
	Identity() (string, bool)
}

// Config configures an Orchestrator
type Config struct {
	UserID      string
	PerFileCost time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Tracer      *tracing.Provider

	// Now and NewID are overridable for tests
	Now   func() time.Time
	NewID func() string
}

// Orchestrator runs submission batches with one of the two strategies
type Orchestrator struct {
	submitter Submitter
	sink      JobSink
	identity  IdentitySource

	userID      string
	perFileCost time.Duration
	logger      *logging.Logger
	metrics     *metrics.Metrics
	tracer      *tracing.Provider
	now         func() time.Time
	newID       func() string
}

// New creates an orchestrator
func New(submitter Submitter, sink JobSink, identity IdentitySource, cfg Config) *Orchestrator {
	if cfg.PerFileCost <= 0 {
		cfg.PerFileCost = DefaultPerFileCost
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return models.SyncJobPrefix + uuid.NewString() }
	}

	return &Orchestrator{
		submitter:   submitter,
		sink:        sink,
		identity:    identity,
		userID:      cfg.UserID,
		perFileCost: cfg.PerFileCost,
		logger:      cfg.Logger.Named("orchestrator"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		now:         cfg.Now,
		newID:       cfg.NewID,
	}
}

// SubmitConcurrent submits every file at once without waiting for the others.
// Each accepted file is tracked as soon as its response arrives; a failed file
// does not stop the rest. Progress afterwards arrives on the push channel.
func (o *Orchestrator) SubmitConcurrent(ctx context.Context, files []models.File) (*BatchResult, error) {
	if len(files) == 0 {
		return nil, &PreconditionError{Strategy: metrics.StrategyConcurrent, Err: ErrNoFiles}
	}
	sid, ok := o.identity.Identity()
	if !ok {
		return nil, &PreconditionError{Strategy: metrics.StrategyConcurrent, Err: ErrNotConnected}
	}

	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.SubmitConcurrent",
		attribute.Int("batch.files", len(files)),
		attribute.String("session.id", sid),
	)
	defer span.End()

	o.logger.Info("Submitting batch", map[string]interface{}{
		"strategy": metrics.StrategyConcurrent,
		"files":    len(files),
	})

	start := o.now()
	jobIDs := make([]string, len(files))

	var (
		mu       sync.Mutex
		failures []*SubmissionError
	)

	var g errgroup.Group
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			record, err := o.submitter.SubmitJob(ctx, file, o.userID, sid)
			o.metrics.RecordSubmission(metrics.StrategyConcurrent, err == nil)
			if err != nil {
				o.logger.Warn("Submission failed", map[string]interface{}{
					"file":  file.Name,
					"error": err.Error(),
				})
				mu.Lock()
				failures = append(failures, &SubmissionError{Index: i + 1, FileName: file.Name, Err: err})
				mu.Unlock()
				return nil
			}

			o.sink.InsertInitial(*record)
			jobIDs[i] = record.JobID
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(a, b int) bool { return failures[a].Index < failures[b].Index })

	result := &BatchResult{
		Strategy: metrics.StrategyConcurrent,
		Total:    len(files),
		Failures: failures,
		Elapsed:  o.now().Sub(start),
	}
	for _, id := range jobIDs {
		if id != "" {
			result.JobIDs = append(result.JobIDs, id)
		}
	}
	result.Succeeded = len(result.JobIDs)

	o.finish(ctx, result)
	return result, nil
}

// SubmitSequential analyzes the files one at a time, each call blocking until
// its analysis is finished. The first failure aborts the batch; files already
// analyzed stay tracked.
func (o *Orchestrator) SubmitSequential(ctx context.Context, files []models.File) (*BatchResult, error) {
	if len(files) == 0 {
		return nil, &PreconditionError{Strategy: metrics.StrategySequential, Err: ErrNoFiles}
	}

	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.SubmitSequential",
		attribute.Int("batch.files", len(files)),
	)
	defer span.End()

	result := &BatchResult{
		Strategy:         metrics.StrategySequential,
		Total:            len(files),
		ExpectedBlocking: time.Duration(len(files)) * o.perFileCost,
	}

	o.logger.Info("Submitting batch", map[string]interface{}{
		"strategy":          metrics.StrategySequential,
		"files":             len(files),
		"expected_blocking": result.ExpectedBlocking.String(),
	})

	start := o.now()
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			result.fail(i, file, err)
			break
		}

		out, err := o.submitter.AnalyzeSync(ctx, file)
		o.metrics.RecordSubmission(metrics.StrategySequential, err == nil)
		if err != nil {
			o.logger.Warn("Blocking analysis failed, aborting batch", map[string]interface{}{
				"file":  file.Name,
				"index": i + 1,
				"error": err.Error(),
			})
			result.fail(i, file, err)
			break
		}

		lineCount := out.Results.LineCount
		record := models.JobRecord{
			JobID:       o.newID(),
			FileName:    out.Filename,
			Status:      models.JobStatusCompleted,
			SubmittedAt: models.EpochSeconds(o.now()),
			Report:      out.Results.Report,
			LineCount:   &lineCount,
		}
		o.sink.InsertInitial(record)
		result.JobIDs = append(result.JobIDs, record.JobID)
		result.Succeeded++
	}
	result.Elapsed = o.now().Sub(start)

	o.finish(ctx, result)
	return result, nil
}

func (o *Orchestrator) finish(ctx context.Context, result *BatchResult) {
	o.metrics.ObserveBatch(result.Strategy, result.Elapsed)

	if !result.AllSucceeded() {
		tracing.AddEvent(ctx, "batch.failures", attribute.Int("count", len(result.Failures)))
	}

	o.logger.Info("Batch finished", map[string]interface{}{
		"strategy":  result.Strategy,
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"aborted":   result.Aborted,
		"elapsed":   result.Elapsed.String(),
	})
}

// BatchResult summarizes one submission batch
type BatchResult struct {
	Strategy         string
	Total            int
	Succeeded        int
	Failures         []*SubmissionError
	JobIDs           []string
	Aborted          bool
	Elapsed          time.Duration
	ExpectedBlocking time.Duration // sequential only
}

func (r *BatchResult) fail(i int, file models.File, err error) {
	r.Failures = append(r.Failures, &SubmissionError{Index: i + 1, FileName: file.Name, Err: err})
	r.Aborted = true
}

// AllSucceeded reports whether every file of the batch was accepted
func (r *BatchResult) AllSucceeded() bool {
	return r.Succeeded == r.Total && !r.Aborted
}

// Message is the user-facing summary of the batch
func (r *BatchResult) Message() string {
	switch r.Strategy {
	case metrics.StrategySequential:
		if r.Aborted && len(r.Failures) > 0 {
			f := r.Failures[0]
			return fmt.Sprintf("SYNC upload failed during file %d/%d: %v", f.Index, r.Total, f.Err)
		}
		return fmt.Sprintf("All %d SYNC jobs finished! Total estimated blocking time: %ds.",
			r.Total, int(r.ExpectedBlocking.Seconds()))
	default:
		return fmt.Sprintf("All %d file(s) submitted! (%d successfully queued). Check table for real-time status.",
			r.Total, r.Succeeded)
	}
}

// StartMessage is shown before a batch starts
func StartMessage(strategy string, files int, perFileCost time.Duration) string {
	if strategy == metrics.StrategySequential {
		expected := time.Duration(files) * perFileCost
		return fmt.Sprintf("Submitting %d jobs for SYNC processing... this will block for approximately %d seconds",
			files, int(expected.Seconds()))
	}
	return fmt.Sprintf("Submitting %d jobs for ASYNC processing...", files)
}
