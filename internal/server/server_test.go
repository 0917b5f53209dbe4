package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vincentbai/browsetrace-recorder/internal/config"
	"github.com/vincentbai/browsetrace-recorder/internal/database"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	"github.com/vincentbai/browsetrace-recorder/internal/recorder"
	"github.com/vincentbai/browsetrace-recorder/internal/session"
	"go.uber.org/zap/zaptest"
)

const clickBatch = `{"events":[{
	"event":{"kind":"click","ts_utc":1700000000000,"target_id":"save"},
	"element":{
		"tag":"button",
		"attributes":{"id":"save"},
		"text":"Save",
		"rect":{"x":10,"y":10,"width":100,"height":40},
		"viewport":{"width":1280,"height":800},
		"path":[{"tag":"html","index":1},{"tag":"body","index":1},{"tag":"button","index":1}]
	}
}]}`

func setupTestServer(t *testing.T) (*Server, func()) {
	t.Helper()

	// Create temporary database
	tmpDir, err := os.MkdirTemp("", "browsetrace-server-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create test database: %v", err)
	}

	cfg := config.NewDefaultConfig()
	cfg.Server.Address = "127.0.0.1:0" // Port 0 for testing
	logger := zaptest.NewLogger(t)
	rec := recorder.New(logger, recorder.OptionsFromConfig(cfg, nil))
	server := NewServer(logger, rec, db, cfg.Server)

	cleanup := func() {
		rec.Close()
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return server, cleanup
}

func do(server *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(w, req)
	return w
}

func decodeMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp messageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return resp.Message
}

func TestNewServer(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if server.db == nil {
		t.Fatal("Expected non-nil database")
	}
	if server.recorder == nil {
		t.Fatal("Expected non-nil recorder")
	}
	if server.address != "127.0.0.1:0" {
		t.Errorf("Expected address 127.0.0.1:0, got %s", server.address)
	}
}

func TestHandleHealthz(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	server.handleHealthz(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body := w.Body.String()
	if body != "ok" {
		t.Errorf("Expected body 'ok', got %s", body)
	}
}

func TestHandleEventsRecordsWhileObserving(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	if w := do(server, http.MethodPost, "/session/start", `{"url":"https://shop.test/","locale":"en-US"}`); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 from start, got %d", w.Code)
	}

	w := do(server, http.MethodPost, "/events", clickBatch)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", w.Code, w.Body.String())
	}

	w = do(server, http.MethodGet, "/session/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 from export, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}

	var doc models.ExportDocument
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("Failed to decode export: %v", err)
	}
	if len(doc.Records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(doc.Records))
	}
	if doc.Records[0].TextContent != "Save" {
		t.Errorf("Expected text Save, got %q", doc.Records[0].TextContent)
	}
	if doc.Environment.Locale != "en-US" || doc.Environment.SessionID == "" {
		t.Errorf("Unexpected environment: %+v", doc.Environment)
	}
}

func TestHandleEventsNotObserving(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(server, http.MethodPost, "/events", clickBatch)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestHandleEventsWhilePaused(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	do(server, http.MethodPost, "/session/start", "")
	do(server, http.MethodPost, "/session/pause", "")

	w := do(server, http.MethodPost, "/events", clickBatch)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", w.Code)
	}
	if n := len(server.recorder.Export().Records); n != 0 {
		t.Errorf("Expected no records from a refused batch, got %d", n)
	}

	do(server, http.MethodPost, "/session/start", "")
	if w := do(server, http.MethodPost, "/events", clickBatch); w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 after resume, got %d", w.Code)
	}
}

func TestHandleEventsMethodNotAllowed(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()

	server.handleEvents(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleEventsInvalidJSON(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(server, http.MethodPost, "/events", "invalid json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleEventsEmptyBatch(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(server, http.MethodPost, "/events", `{"events":[]}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 for empty batch, got %d", w.Code)
	}
}

func TestHandleEventsInvalidEvent(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	do(server, http.MethodPost, "/session/start", "")

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown kind", body: `{"events":[{"event":{"kind":"scroll","ts_utc":1700000000000}}]}`},
		{name: "missing timestamp", body: `{"events":[{"event":{"kind":"click"}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(server, http.MethodPost, "/events", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestHandleMutations(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	do(server, http.MethodPost, "/session/start", "")

	w := do(server, http.MethodPost, "/mutations", `{"batches":[{"type":"childList","count":120},{"type":"","count":1}]}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.recorder.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	observations := 0
	for _, in := range server.recorder.Export().Insights {
		if in.Type == models.InsightObservation {
			observations++
		}
	}
	if observations != 2 {
		t.Errorf("Expected 2 observation insights, got %d", observations)
	}

	if w := do(server, http.MethodPost, "/mutations", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleSessionLifecycle(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	steps := []struct {
		action string
		want   session.State
	}{
		{"start", session.StateObserving},
		{"pause", session.StatePaused},
		{"start", session.StateObserving},
		{"clear", session.StateObserving},
		{"stop", session.StateIdle},
	}

	for _, step := range steps {
		w := do(server, http.MethodPost, "/session/"+step.action, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", step.action, w.Code)
		}
		var resp stateResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: failed to decode response: %v", step.action, err)
		}
		if resp.State != step.want {
			t.Errorf("%s: expected state %s, got %s", step.action, step.want, resp.State)
		}
	}

	if w := do(server, http.MethodPost, "/session/rewind", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown action, got %d", w.Code)
	}
	if w := do(server, http.MethodGet, "/session/start", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
	if w := do(server, http.MethodPost, "/session/export", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleExplainAndAsk(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	do(server, http.MethodPost, "/session/start", "")
	do(server, http.MethodPost, "/events", clickBatch)

	w := do(server, http.MethodPost, "/ask", `{"question":"why?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if msg := decodeMessage(t, w); !strings.Contains(msg, "was kept") {
		t.Errorf("Expected explanation of the kept click, got %q", msg)
	}

	records := server.recorder.Export().Records
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	w = do(server, http.MethodGet, "/explain/"+records[0].ID, "")
	if msg := decodeMessage(t, w); !strings.Contains(msg, records[0].ID) {
		t.Errorf("Expected explanation for %s, got %q", records[0].ID, msg)
	}

	w = do(server, http.MethodGet, "/explain/missing", "")
	if msg := decodeMessage(t, w); !strings.Contains(msg, "No record found") {
		t.Errorf("Expected not-found message, got %q", msg)
	}
}

func TestHandleFeedbackAndKeywords(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(server, http.MethodPost, "/feedback", `{"text":"the banner click mattered"}`)
	if msg := decodeMessage(t, w); !strings.HasPrefix(msg, "Feedback recorded.") {
		t.Errorf("Unexpected feedback reply %q", msg)
	}

	w = do(server, http.MethodPost, "/keywords", `{"term":"Invoice"}`)
	if msg := decodeMessage(t, w); msg != `Added focus keyword "invoice" with weight 0.20.` {
		t.Errorf("Unexpected keyword reply %q", msg)
	}

	w = do(server, http.MethodPost, "/keywords", `{"term":"invoice","weight":1.5}`)
	if msg := decodeMessage(t, w); strings.Contains(msg, "Updated") {
		t.Errorf("Expected out-of-range weight to be refused, got %q", msg)
	}

	if w := do(server, http.MethodGet, "/keywords", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleArchive(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	do(server, http.MethodPost, "/session/start", "")
	do(server, http.MethodPost, "/events", clickBatch)

	w := do(server, http.MethodPost, "/session/archive", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp archiveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Records != 1 {
		t.Errorf("Expected 1 archived record, got %d", resp.Records)
	}

	sessions, err := server.db.ListSessions()
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != resp.SessionID || sessions[0].Status != database.StatusComplete {
		t.Errorf("Unexpected archived sessions: %+v", sessions)
	}
}

func TestEmergencySnapshot(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	server.emergencySnapshot(context.Background(), syscall.SIGTERM)
	if sessions, _ := server.db.ListSessions(); len(sessions) != 0 {
		t.Fatalf("Expected no snapshot for an idle recorder, got %+v", sessions)
	}

	do(server, http.MethodPost, "/session/start", "")
	do(server, http.MethodPost, "/events", clickBatch)
	server.emergencySnapshot(context.Background(), syscall.SIGTERM)

	if server.recorder.State() != session.StateIdle {
		t.Errorf("Expected recorder to be stopped, got %s", server.recorder.State())
	}
	sessions, err := server.db.ListSessions()
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 archived session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Status != database.StatusIncomplete {
		t.Errorf("Expected status incomplete, got %s", got.Status)
	}
	if got.Reason != "received terminated while recording" {
		t.Errorf("Unexpected reason %q", got.Reason)
	}
	if got.RecordCount != 1 {
		t.Errorf("Expected 1 record, got %d", got.RecordCount)
	}
}

func TestRunShutsDownOnSignal(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	stop := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- server.Run(stop) }()

	stop <- syscall.SIGINT
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Server did not shut down")
	}
}

func TestSetupRoutes(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	mux := server.setupRoutes()
	if mux == nil {
		t.Fatal("Expected non-nil mux")
	}

	// Test healthz route
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for /healthz, got %d", w.Code)
	}

	// Test events route
	req = httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte(`{"events":[]}`)))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 for /events, got %d", w.Code)
	}
}
