package database

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	// Create temporary directory for test database
	tmpDir, err := os.MkdirTemp("", "browsetrace-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := NewDatabase(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Return cleanup function
	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func testDocument(sessionID string, generatedAt time.Time) models.ExportDocument {
	stage := "submit-1:Place order"
	return models.ExportDocument{
		Version:     "1.0",
		GeneratedAt: generatedAt,
		Environment: models.EnvironmentSnapshot{
			SessionID: sessionID,
			StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
			URL:       "https://shop.test/",
			Locale:    "en-US",
			Viewport:  models.Viewport{Width: 1280, Height: 800},
		},
		Records: []models.Record{
			{
				ID:            "rec-1",
				Timestamp:     time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC),
				EventType:     models.KindClick,
				TargetSummary: `button#checkout "Checkout"`,
				TextContent:   "Checkout",
				Metadata:      models.ElementDescriptor{Tag: "button", Role: "button", Interactive: true, Locator: models.Locator{Strategy: models.LocatorID, Value: "checkout"}},
				Screenshot:    &models.Capture{Format: "png", Data: []byte{1, 2, 3}},
				Reason:        "score 0.95 >= threshold 0.30",
				Score:         0.95,
				Anomaly:       models.Anomaly{Type: models.AnomalyNone},
				Context:       models.RecordContext{DensityDecision: models.DensityDecision{Density: models.DensityHigh, Action: models.ActionRecord, TimeSinceLast: -1}, IntentHypothesis: models.IntentTransactional},
			},
			{
				ID:            "rec-2",
				Timestamp:     time.Date(2026, 3, 1, 12, 0, 9, 0, time.UTC),
				EventType:     models.KindSubmit,
				TargetSummary: `form#order`,
				Metadata:      models.ElementDescriptor{Tag: "form", Role: "form"},
				Reason:        "score 0.60 >= threshold 0.60",
				Score:         0.6,
				Anomaly:       models.Anomaly{Type: models.AnomalyNone},
				Context:       models.RecordContext{WorkflowStage: &stage, IntentHypothesis: models.IntentTaskCompletion},
			},
		},
		Insights: []models.Insight{
			{Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC), Type: models.InsightStatus, Message: "Session started."},
			{Timestamp: time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC), Type: models.InsightAnomaly, Message: "spike anomaly: click on one of 6 structurally identical siblings", RecordID: "rec-1"},
		},
	}
}

func TestNewDatabase(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if db == nil {
		t.Fatal("Expected non-nil database")
	}
	if db.db == nil {
		t.Fatal("Expected non-nil sql.DB")
	}
}

func TestValidateDocument(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	tests := []struct {
		name      string
		mutate    func(*models.ExportDocument)
		wantError bool
	}{
		{name: "valid document", mutate: func(*models.ExportDocument) {}},
		{name: "empty version", mutate: func(d *models.ExportDocument) { d.Version = "" }, wantError: true},
		{name: "empty session id", mutate: func(d *models.ExportDocument) { d.Environment.SessionID = "" }, wantError: true},
		{name: "record without id", mutate: func(d *models.ExportDocument) { d.Records[0].ID = "" }, wantError: true},
		{name: "invalid event type", mutate: func(d *models.ExportDocument) { d.Records[1].EventType = "scroll" }, wantError: true},
		{name: "invalid insight type", mutate: func(d *models.ExportDocument) { d.Insights[0].Type = "debug" }, wantError: true},
		{name: "no records", mutate: func(d *models.ExportDocument) { d.Records = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := testDocument("s-1", now)
			tt.mutate(&doc)
			err := db.ValidateDocument(doc)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateDocument() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestArchiveAndLoadSession(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	doc := testDocument("s-1", time.Date(2026, 3, 1, 12, 1, 0, 987654321, time.UTC))
	if err := db.ArchiveSession(doc, StatusComplete, ""); err != nil {
		t.Fatalf("Failed to archive session: %v", err)
	}

	loaded, err := db.LoadSession("s-1")
	if err != nil {
		t.Fatalf("Failed to load session: %v", err)
	}
	if diff := cmp.Diff(doc, loaded); diff != "" {
		t.Errorf("LoadSession() mismatch (-want +got):\n%s", diff)
	}
}

func TestArchiveSessionReplaces(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	doc := testDocument("s-1", time.Now().UTC())
	if err := db.ArchiveSession(doc, StatusIncomplete, "interrupted"); err != nil {
		t.Fatalf("Failed to archive session: %v", err)
	}
	doc.Records = doc.Records[:1]
	if err := db.ArchiveSession(doc, StatusComplete, ""); err != nil {
		t.Fatalf("Failed to re-archive session: %v", err)
	}

	var count int
	if err := db.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 record after replace, got %d", count)
	}

	sessions, err := db.ListSessions()
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != StatusComplete || sessions[0].Reason != "" {
		t.Errorf("Expected one complete session, got %+v", sessions)
	}
}

func TestArchiveInvalidDocumentRollsBack(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	doc := testDocument("s-1", time.Now())
	doc.Records[1].EventType = "scroll"
	if err := db.ArchiveSession(doc, StatusComplete, ""); err == nil {
		t.Fatal("Expected error for invalid document, got nil")
	}
	if err := db.ArchiveSession(testDocument("s-2", time.Now()), "done", ""); err == nil {
		t.Fatal("Expected error for invalid status, got nil")
	}

	var count int
	if err := db.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 sessions, got %d", count)
	}
}

func TestListSessions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	older := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	if err := db.ArchiveSession(testDocument("old", older), StatusComplete, ""); err != nil {
		t.Fatalf("Failed to archive session: %v", err)
	}
	if err := db.ArchiveSession(testDocument("new", newer), StatusIncomplete, "received terminated"); err != nil {
		t.Fatalf("Failed to archive session: %v", err)
	}

	sessions, err := db.ListSessions()
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	first := sessions[0]
	if first.ID != "new" || first.Status != StatusIncomplete || first.Reason != "received terminated" {
		t.Errorf("Unexpected newest session: %+v", first)
	}
	if first.RecordCount != 2 || first.InsightCount != 2 {
		t.Errorf("Expected 2 records and 2 insights, got %d and %d", first.RecordCount, first.InsightCount)
	}
	if !first.GeneratedAt.Equal(newer) {
		t.Errorf("Expected generated at %v, got %v", newer, first.GeneratedAt)
	}
	if sessions[1].ID != "old" {
		t.Errorf("Expected oldest session last, got %s", sessions[1].ID)
	}
}

func TestLoadSessionNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.LoadSession("missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestDatabaseClose(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := db.Close()
	if err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}
