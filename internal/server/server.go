package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/vincentbai/browsetrace-recorder/internal/config"
	"github.com/vincentbai/browsetrace-recorder/internal/database"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	"github.com/vincentbai/browsetrace-recorder/internal/recorder"
	"github.com/vincentbai/browsetrace-recorder/internal/session"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const flushTimeout = 5 * time.Second

type Server struct {
	logger       *zap.Logger
	recorder     *recorder.Recorder
	db           *database.Database
	address      string
	readTimeout  time.Duration
	writeTimeout time.Duration
	server       *http.Server
}

func NewServer(logger *zap.Logger, rec *recorder.Recorder, db *database.Database, cfg config.ServerConfig) *Server {
	return &Server{
		logger:       logger.Named("server"),
		recorder:     rec,
		db:           db,
		address:      cfg.Address,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

type stateResponse struct {
	State session.State `json:"state"`
}

type archiveResponse struct {
	SessionID string `json:"sessionId"`
	Records   int    `json:"records"`
	Insights  int    `json:"insights"`
}

type askRequest struct {
	Question string `json:"question"`
}

type feedbackRequest struct {
	Text string `json:"text"`
}

type keywordRequest struct {
	Term   string   `json:"term"`
	Weight *float64 `json:"weight,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

// validateEvent rejects payloads the pipeline cannot place in time or kind.
func validateEvent(p models.RawEventPayload) error {
	if !p.Event.Kind.Valid() {
		return fmt.Errorf("invalid event kind: %q", p.Event.Kind)
	}
	if p.Event.TSUTC <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var batch models.Batch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	for _, payload := range batch.Events {
		if err := validateEvent(payload); err != nil {
			http.Error(w, "Invalid event: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if len(batch.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.recorder.Events().Subscribers() == 0 {
		http.Error(w, "Session is not observing", http.StatusConflict)
		return
	}
	// A pause landing mid-batch drops the rest; what was already submitted
	// stays submitted, so the batch is still acknowledged.
	dropped := 0
	for _, payload := range batch.Events {
		if !s.recorder.Events().Publish(payload) {
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Warn("Session left observing during a batch; remaining events dropped.",
			zap.Int("batch", len(batch.Events)), zap.Int("dropped", dropped))
	}
	w.WriteHeader(http.StatusNoContent) // success, no body
}

func (s *Server) handleMutations(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var batches models.MutationBatches
	if err := json.NewDecoder(request.Body).Decode(&batches); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	// Nobody listening is not the notifier's problem.
	for _, b := range batches.Batches {
		s.recorder.Mutations().Publish(b)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, request *http.Request) {
	action := strings.Trim(strings.TrimPrefix(request.URL.Path, "/session/"), "/")

	if action == "export" {
		if request.Method != http.MethodGet {
			http.Error(w, "GET only", http.StatusMethodNotAllowed)
			return
		}
		s.handleExport(w, request)
		return
	}

	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var state session.State
	switch action {
	case "start":
		var env models.EnvironmentSnapshot
		// The environment body is optional.
		if err := json.NewDecoder(request.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid JSON format", http.StatusBadRequest)
			return
		}
		state = s.recorder.Start(env)
	case "pause":
		state = s.recorder.Pause()
	case "stop":
		state = s.recorder.Stop()
	case "clear":
		state = s.recorder.ClearSession()
	case "archive":
		s.handleArchive(w, request)
		return
	default:
		http.NotFound(w, request)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: state})
}

func (s *Server) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := s.recorder.Flush(ctx); err != nil {
		s.logger.Warn("Exporting before every event was finalized.", zap.Error(err))
	}
}

func (s *Server) handleExport(w http.ResponseWriter, request *http.Request) {
	s.flush(request.Context())
	_, data, err := s.recorder.ExportJSON()
	if err != nil {
		s.logger.Error("Export failed.", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleArchive(w http.ResponseWriter, request *http.Request) {
	s.flush(request.Context())
	doc, err := s.archive(database.StatusComplete, "")
	if err != nil {
		s.logger.Error("Database error.", zap.Error(err))
		http.Error(w, "Failed to archive session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, archiveResponse{
		SessionID: doc.Environment.SessionID,
		Records:   len(doc.Records),
		Insights:  len(doc.Insights),
	})
}

// archive stores the current session document with the given status.
func (s *Server) archive(status, reason string) (models.ExportDocument, error) {
	doc, _, err := s.recorder.ExportJSON()
	if err != nil {
		return doc, err
	}
	if err := s.db.ArchiveSession(doc, status, reason); err != nil {
		return doc, err
	}
	s.logger.Info("Session archived.",
		zap.String("session_id", doc.Environment.SessionID),
		zap.String("status", status),
		zap.Int("records", len(doc.Records)))
	return doc, nil
}

func (s *Server) handleExplain(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	s.flush(request.Context())
	id := strings.TrimPrefix(request.URL.Path, "/explain/")
	writeJSON(w, http.StatusOK, messageResponse{Message: s.recorder.ExplainDecision(id)})
}

func (s *Server) handleAsk(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req askRequest
	if err := json.NewDecoder(request.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	s.flush(request.Context())
	writeJSON(w, http.StatusOK, messageResponse{Message: s.recorder.Ask(req.Question)})
}

func (s *Server) handleFeedback(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(request.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: s.recorder.RecordFeedback(req.Text)})
}

func (s *Server) handleKeywords(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req keywordRequest
	if err := json.NewDecoder(request.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	weight := recorder.DefaultKeywordWeight
	if req.Weight != nil {
		weight = *req.Weight
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: s.recorder.AddPriorityKeyword(req.Term, weight)})
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/mutations", s.handleMutations)
	mux.HandleFunc("/session/", s.handleSession)
	mux.HandleFunc("/explain/", s.handleExplain)
	mux.HandleFunc("/ask", s.handleAsk)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/keywords", s.handleKeywords)
	return mux
}

// Start serves until SIGINT or SIGTERM.
func (s *Server) Start() error {
	// Graceful shutdown
	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdownChannel)

	return s.Run(shutdownChannel)
}

// Run serves until a signal arrives on stop, then shuts down gracefully.
func (s *Server) Run(stop <-chan os.Signal) error {
	mux := s.setupRoutes()
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      mux,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("BrowserTrace recorder listening.", zap.String("address", s.address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var sig os.Signal
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case sig = <-stop:
	}
	s.logger.Info("Shutting down server...", zap.Stringer("signal", sig))

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.emergencySnapshot(shutdownContext, sig)

	s.logger.Info("Server exited")
	return nil
}

// emergencySnapshot archives a session that was still running when the
// process was asked to exit.
func (s *Server) emergencySnapshot(ctx context.Context, sig os.Signal) {
	if s.recorder.State() == session.StateIdle {
		return
	}
	s.flush(ctx)
	s.recorder.Stop()

	reason := "process shut down while recording"
	if sig != nil {
		reason = fmt.Sprintf("received %s while recording", sig)
	}
	if _, err := s.archive(database.StatusIncomplete, reason); err != nil {
		s.logger.Error("Emergency snapshot failed.", zap.Error(err))
	}
}
