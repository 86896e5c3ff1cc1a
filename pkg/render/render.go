package render

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/manu5703/concurrent-analytics-system/pkg/hostinfo"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/orchestrator"
	"github.com/manu5703/concurrent-analytics-system/pkg/session"
)

// Output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Placeholder is shown for jobs that have neither a report nor an error yet
const Placeholder = "Awaiting worker assignment..."

// EmptyMessage is shown when no job is tracked
const EmptyMessage = "No jobs submitted yet. Submit a file to begin concurrent processing."

// Renderer writes job state and batch summaries to a terminal
type Renderer struct {
	Out    io.Writer
	Format string
	Color  bool
}

// New creates a renderer
func New(out io.Writer, format string, useColor bool) *Renderer {
	if format == "" {
		format = FormatTable
	}
	return &Renderer{Out: out, Format: format, Color: useColor}
}

func (r *Renderer) paint(s string, attrs ...color.Attribute) string {
	c := color.New(attrs...)
	if r.Color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

// Badge returns the status label coloured for its status
func (r *Renderer) Badge(status models.JobStatus) string {
	switch status {
	case models.JobStatusCompleted:
		return r.paint(string(status), color.FgHiWhite, color.BgGreen, color.Bold)
	case models.JobStatusProcessing:
		return r.paint(string(status), color.FgHiWhite, color.BgYellow, color.Bold)
	case models.JobStatusQueued:
		return r.paint(string(status), color.FgHiWhite, color.BgBlue, color.Bold)
	case models.JobStatusFailed:
		return r.paint(string(status), color.FgHiWhite, color.BgRed, color.Bold)
	case "":
		return r.paint("PENDING", color.FgHiBlack)
	default:
		return r.paint(string(status), color.FgHiBlack)
	}
}

// ResultText is what the result column shows for a record
func ResultText(rec models.JobRecord) string {
	switch {
	case rec.Report != "":
		return rec.Report
	case rec.Error != "":
		return rec.Error
	default:
		return Placeholder
	}
}

// Banner prints the session line
func (r *Renderer) Banner(userID string, state session.SessionState) {
	status := r.paint("Disconnected", color.FgRed)
	sid := "Connecting..."
	if state.Connected {
		status = r.paint("Connected", color.FgGreen)
		sid = state.Identity
	}
	fmt.Fprintf(r.Out, "User: %s | Session Status: %s | SID: %s\n", userID, status, sid)
}

// Message prints a one-line notice
func (r *Renderer) Message(msg string) {
	fmt.Fprintln(r.Out, msg)
}

// Summary prints how many jobs sit in each status. Structured formats
// carry the records themselves, so it only writes in table format.
func (r *Renderer) Summary(counts map[models.JobStatus]int, pending int) {
	if r.Format != FormatTable {
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(r.Out, "Jobs: %d | Pending: %d | %s %d | %s %d | %s %d | %s %d\n",
		total, pending,
		models.JobStatusQueued, counts[models.JobStatusQueued],
		models.JobStatusProcessing, counts[models.JobStatusProcessing],
		models.JobStatusCompleted, counts[models.JobStatusCompleted],
		models.JobStatusFailed, counts[models.JobStatusFailed],
	)
}

// Jobs prints the snapshot, most recent first as given
func (r *Renderer) Jobs(records []models.JobRecord) error {
	switch r.Format {
	case FormatJSON:
		return r.JSON(records)
	case FormatYAML:
		return r.YAML(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(r.Out, EmptyMessage)
		return nil
	}

	table := tablewriter.NewWriter(r.Out)
	table.Header("Job ID", "File Name", "Status", "Submitted", "Analytics Result")
	for _, rec := range records {
		submitted := "-"
		if t := rec.SubmittedTime(); !t.IsZero() {
			submitted = t.Format(time.TimeOnly)
		}
		table.Append(rec.JobID, rec.FileName, r.Badge(rec.Status), submitted, ResultText(rec))
	}
	return table.Render()
}

// BatchView is the serializable form of a batch result
type BatchView struct {
	Strategy         string        `json:"strategy" yaml:"strategy"`
	Total            int           `json:"total" yaml:"total"`
	Succeeded        int           `json:"succeeded" yaml:"succeeded"`
	Aborted          bool          `json:"aborted" yaml:"aborted"`
	JobIDs           []string      `json:"job_ids" yaml:"job_ids"`
	ElapsedSeconds   float64       `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	ExpectedBlocking float64       `json:"expected_blocking_seconds,omitempty" yaml:"expected_blocking_seconds,omitempty"`
	Message          string        `json:"message" yaml:"message"`
	Failures         []FailureView `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// FailureView is one failed file of a batch
type FailureView struct {
	Index int    `json:"index" yaml:"index"`
	File  string `json:"file" yaml:"file"`
	Error string `json:"error" yaml:"error"`
}

// NewBatchView converts a batch result
func NewBatchView(res *orchestrator.BatchResult) BatchView {
	v := BatchView{
		Strategy:         res.Strategy,
		Total:            res.Total,
		Succeeded:        res.Succeeded,
		Aborted:          res.Aborted,
		JobIDs:           res.JobIDs,
		ElapsedSeconds:   res.Elapsed.Seconds(),
		ExpectedBlocking: res.ExpectedBlocking.Seconds(),
		Message:          res.Message(),
	}
	for _, f := range res.Failures {
		v.Failures = append(v.Failures, FailureView{Index: f.Index, File: f.FileName, Error: f.Err.Error()})
	}
	return v
}

// Batch prints the outcome of a submission batch
func (r *Renderer) Batch(res *orchestrator.BatchResult) error {
	switch r.Format {
	case FormatJSON:
		return r.JSON(NewBatchView(res))
	case FormatYAML:
		return r.YAML(NewBatchView(res))
	}

	if res.AllSucceeded() {
		fmt.Fprintln(r.Out, r.paint("✓ "+res.Message(), color.FgGreen))
	} else if res.Aborted {
		fmt.Fprintln(r.Out, r.paint("✗ "+res.Message(), color.FgRed))
	} else {
		fmt.Fprintln(r.Out, r.paint("! "+res.Message(), color.FgYellow))
	}

	for _, f := range res.Failures {
		fmt.Fprintf(r.Out, "  file %d/%d %s: %v\n", f.Index, res.Total, f.FileName, f.Err)
	}
	fmt.Fprintf(r.Out, "Elapsed: %s\n", res.Elapsed.Round(time.Millisecond))
	return nil
}

// ReportView is a batch together with the job state it produced
type ReportView struct {
	Batch BatchView          `json:"batch" yaml:"batch"`
	Jobs  []models.JobRecord `json:"jobs" yaml:"jobs"`
}

// Report prints a batch summary followed by the job table. Structured
// formats get a single document.
func (r *Renderer) Report(res *orchestrator.BatchResult, jobs []models.JobRecord) error {
	switch r.Format {
	case FormatJSON:
		return r.JSON(ReportView{Batch: NewBatchView(res), Jobs: jobs})
	case FormatYAML:
		return r.YAML(ReportView{Batch: NewBatchView(res), Jobs: jobs})
	}

	if err := r.Jobs(jobs); err != nil {
		return err
	}
	return r.Batch(res)
}

// Comparison is the outcome of running both strategies on the same files
type Comparison struct {
	Files      int
	Sequential *orchestrator.BatchResult
	Concurrent *orchestrator.BatchResult
	// ConcurrentSettled is the time until every concurrent job reached a terminal state
	ConcurrentSettled time.Duration
	Host              hostinfo.Info
}

// Speedup is sequential wall time divided by concurrent settle time
func (c *Comparison) Speedup() float64 {
	if c.ConcurrentSettled <= 0 || c.Sequential == nil {
		return 0
	}
	return c.Sequential.Elapsed.Seconds() / c.ConcurrentSettled.Seconds()
}

// ComparisonView is the serializable form of a comparison
type ComparisonView struct {
	Files             int           `json:"files" yaml:"files"`
	Sequential        BatchView     `json:"sequential" yaml:"sequential"`
	Concurrent        BatchView     `json:"concurrent" yaml:"concurrent"`
	ConcurrentSettled float64       `json:"concurrent_settled_seconds" yaml:"concurrent_settled_seconds"`
	Speedup           float64       `json:"speedup" yaml:"speedup"`
	Host              hostinfo.Info `json:"host" yaml:"host"`
}

// Comparison prints both strategies side by side
func (r *Renderer) Comparison(c *Comparison) error {
	view := ComparisonView{
		Files:             c.Files,
		Sequential:        NewBatchView(c.Sequential),
		Concurrent:        NewBatchView(c.Concurrent),
		ConcurrentSettled: c.ConcurrentSettled.Seconds(),
		Speedup:           c.Speedup(),
		Host:              c.Host,
	}

	switch r.Format {
	case FormatJSON:
		return r.JSON(view)
	case FormatYAML:
		return r.YAML(view)
	}

	table := tablewriter.NewWriter(r.Out)
	table.Header("Strategy", "Files", "Succeeded", "Wall Time", "Expected Blocking")
	table.Append("sequential", fmt.Sprintf("%d", c.Sequential.Total), fmt.Sprintf("%d", c.Sequential.Succeeded),
		c.Sequential.Elapsed.Round(time.Millisecond).String(), c.Sequential.ExpectedBlocking.String())
	table.Append("concurrent", fmt.Sprintf("%d", c.Concurrent.Total), fmt.Sprintf("%d", c.Concurrent.Succeeded),
		c.ConcurrentSettled.Round(time.Millisecond).String(), "-")
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(r.Out, "Speedup: %.2fx\n", c.Speedup())
	fmt.Fprintf(r.Out, "Host: %s/%s, %s, %d threads, %s memory\n",
		c.Host.OS, c.Host.Arch, c.Host.CPUModel, c.Host.CPUThreads, formatBytes(c.Host.MemTotalBytes))
	return nil
}

// JSON writes v as indented JSON
func (r *Renderer) JSON(v interface{}) error {
	enc := json.NewEncoder(r.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// YAML writes v as YAML
func (r *Renderer) YAML(v interface{}) error {
	enc := yaml.NewEncoder(r.Out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

func formatBytes(n uint64) string {
	if n == 0 {
		return "unknown"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Clear moves the cursor home and clears the screen for follow mode
func (r *Renderer) Clear() {
	if r.Format == FormatTable && r.Color {
		fmt.Fprint(r.Out, "\033[H\033[2J")
	}
}
