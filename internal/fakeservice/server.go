// Package fakeservice is an in-process analysis service speaking the same
// HTTP and push channel protocol as the real one. It backs the end-to-end
// tests and the local development server.
package fakeservice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/manu5703/concurrent-analytics-system/pkg/api"
	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/session"
	"github.com/manu5703/concurrent-analytics-system/pkg/tracing"
	"github.com/manu5703/concurrent-analytics-system/pkg/transport"
)

const maxUploadBytes = 32 << 20

// Config configures the fake service
type Config struct {
	Workers  int           // size of the worker pool, default 3
	WorkTime time.Duration // simulated analysis time per file

	// RejectUpload makes /api/upload fail for the named file
	RejectUpload func(fileName string) bool
	// FailAnalysis makes the analysis of the named file fail
	FailAnalysis func(fileName string) bool

	Logger *logging.Logger
	Tracer *tracing.Provider
}

type job struct {
	id   string
	sid  string
	name string
	data []byte
}

// peer is one push channel connection
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	joined  atomic.Bool
}

func (p *peer) send(env transport.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(env)
}

// Server is the fake analysis service
type Server struct {
	cfg      Config
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *logging.Logger

	qmu    sync.RWMutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup

	mu      sync.RWMutex
	results map[string]models.JobRecord
	peers   map[string]*peer

	uploads     atomic.Int64
	syncUploads atomic.Int64
}

// New creates the service and starts its worker pool
func New(cfg Config) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		logger:  cfg.Logger.Named("fakeservice"),
		queue:   make(chan job, 1024),
		results: make(map[string]models.JobRecord),
		peers:   make(map[string]*peer),
	}
	s.RegisterRoutes(s.router)

	for i := 1; i <= cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.Use(tracing.HTTPMiddleware(s.cfg.Tracer))

	r.HandleFunc(api.UploadPath, s.Upload).Methods("POST")
	r.HandleFunc(api.SyncUploadPath, s.SyncUpload).Methods("POST")
	r.HandleFunc(transport.DefaultPushPath, s.Push).Methods("GET")
	r.HandleFunc("/health", s.Health).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Upload queues a file for asynchronous analysis
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	name, data, msg := readFile(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	s.uploads.Add(1)

	if s.cfg.RejectUpload != nil && s.cfg.RejectUpload(name) {
		writeError(w, http.StatusInternalServerError, "Simulated upload failure")
		return
	}

	record := models.JobRecord{
		JobID:       uuid.NewString(),
		FileName:    name,
		Status:      models.JobStatusQueued,
		SubmittedAt: models.EpochSeconds(time.Now()),
	}

	s.mu.Lock()
	s.results[record.JobID] = record
	s.mu.Unlock()

	if !s.enqueue(job{id: record.JobID, sid: r.FormValue("userSid"), name: name, data: data}) {
		s.mu.Lock()
		delete(s.results, record.JobID)
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "Job queue is unavailable")
		return
	}

	s.logger.Debug("Job queued", map[string]interface{}{
		"job_id":  record.JobID,
		"user_id": r.FormValue("userId"),
		"file":    name,
	})
	writeJSON(w, http.StatusAccepted, models.SubmitResponse{
		Message:       "File queued for processing.",
		JobID:         record.JobID,
		InitialStatus: record,
	})
}

// SyncUpload analyzes a file inside the request
func (s *Server) SyncUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name, data, msg := readFile(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	s.syncUploads.Add(1)

	result := s.analyze(name, data)
	if result.Status == models.JobStatusFailed {
		writeError(w, http.StatusInternalServerError, "Internal server error during synchronous processing.")
		return
	}
	result.Report = fmt.Sprintf("%s API Response Time: %.2fs", result.Report, time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, models.SyncResponse{Filename: name, Results: result})
}

// Push upgrades to the push channel and announces the connection identity
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sid := uuid.NewString()
	p := &peer{conn: conn}

	s.mu.Lock()
	s.peers[sid] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, sid)
		s.mu.Unlock()
		conn.Close()
	}()

	hello, _ := transport.NewEnvelope(transport.EventConnect, 0, transport.ConnectData{SID: sid})
	if err := p.send(hello); err != nil {
		return
	}
	s.logger.Debug("Client connected", map[string]interface{}{"sid": sid})

	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.logger.Debug("Client disconnected", map[string]interface{}{"sid": sid})
			return
		}
		if env.Event == session.EventJoinSession {
			p.joined.Store(true)
		}
		if env.ID != 0 {
			_ = p.send(transport.Envelope{Event: transport.EventAck, ID: env.ID})
		}
	}
}

// Health reports liveness
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// DropConnections closes every push channel connection
func (s *Server) DropConnections() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		p.conn.Close()
	}
}

// JoinedSessions returns how many connected clients announced themselves
func (s *Server) JoinedSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.peers {
		if p.joined.Load() {
			n++
		}
	}
	return n
}

// Uploads returns the number of /api/upload requests carrying a file
func (s *Server) Uploads() int64 { return s.uploads.Load() }

// SyncUploads returns the number of /api/sync-upload requests carrying a file
func (s *Server) SyncUploads() int64 { return s.syncUploads.Load() }

// Job returns the server-side view of a job
func (s *Server) Job(id string) (models.JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.results[id]
	return rec, ok
}

// Close stops the workers after the queued jobs are done and drops all connections
func (s *Server) Close() {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.qmu.Unlock()

	s.wg.Wait()
	s.DropConnections()
}

func (s *Server) enqueue(j job) bool {
	s.qmu.RLock()
	defer s.qmu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.queue <- j:
		return true
	default:
		return false
	}
}

func (s *Server) worker(id int) {
	defer s.wg.Done()
	logger := s.logger.WithField("worker", id)

	for j := range s.queue {
		s.update(j, models.JobRecord{JobID: j.id, Status: models.JobStatusProcessing}, false)
		logger.Debug("Processing job", map[string]interface{}{"job_id": j.id})

		result := s.analyze(j.name, j.data)
		lineCount := result.LineCount
		final := models.JobRecord{
			JobID:  j.id,
			Status: result.Status,
			Report: result.Report,
			Error:  result.Error,
		}
		if result.Status == models.JobStatusCompleted {
			final.LineCount = &lineCount
		}
		s.update(j, final, true)
	}
}

// update applies a status change and pushes it to the submitting session.
// The final update carries the full record, intermediate ones only the delta.
func (s *Server) update(j job, delta models.JobRecord, full bool) {
	s.mu.Lock()
	rec := s.results[j.id]
	rec.Status = delta.Status
	if delta.Report != "" {
		rec.Report = delta.Report
	}
	if delta.Error != "" {
		rec.Error = delta.Error
	}
	if delta.LineCount != nil {
		rec.LineCount = delta.LineCount
	}
	s.results[j.id] = rec
	p := s.peers[j.sid]
	s.mu.Unlock()

	// like a socket room keyed by connection id, pushes do not wait for the join
	if p == nil {
		return
	}

	payload := delta
	if full {
		payload = rec
	}
	env, err := transport.NewEnvelope(transport.EventJobUpdate, 0, payload)
	if err != nil {
		return
	}
	if err := p.send(env); err != nil {
		s.logger.Warn("Push failed", map[string]interface{}{"job_id": j.id, "error": err.Error()})
	}
}

func (s *Server) analyze(name string, data []byte) models.AnalysisResult {
	if s.cfg.WorkTime > 0 {
		time.Sleep(s.cfg.WorkTime)
	}
	if s.cfg.FailAnalysis != nil && s.cfg.FailAnalysis(name) {
		return models.AnalysisResult{Status: models.JobStatusFailed, Error: "Processing error: simulated worker crash"}
	}

	n := CountLines(data)
	return models.AnalysisResult{
		Status:    models.JobStatusCompleted,
		LineCount: n,
		Report:    fmt.Sprintf("Processed %d lines successfully.", n),
	}
}

// CountLines counts lines the way a line iterator does: a trailing
// fragment without newline is a line, an empty input has none
func CountLines(data []byte) int {
	n := bytes.Count(data, []byte{'\n'})
	if len(data) > 0 && data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// readFile returns the uploaded file or the message explaining why there is none
func readFile(r *http.Request) (string, []byte, string) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", nil, "No file part"
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return "", nil, "No file part"
	}
	defer f.Close()

	if hdr.Filename == "" {
		return "", nil, "No selected file"
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, fmt.Sprintf("Failed to read file: %v", err)
	}
	return hdr.Filename, data, ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
