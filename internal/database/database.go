package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSessionNotFound is returned by LoadSession for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// Archive status of a session.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

type Database struct {
	db              *sql.DB
	validEventTypes map[models.EventKind]bool
	validInsights   map[models.InsightType]bool
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID           string    `json:"id"`
	Version      string    `json:"version"`
	URL          string    `json:"url"`
	StartedAt    time.Time `json:"startedAt"`
	GeneratedAt  time.Time `json:"generatedAt"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	RecordCount  int       `json:"recordCount"`
	InsightCount int       `json:"insightCount"`
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db: db,
		validEventTypes: map[models.EventKind]bool{
			models.KindClick:    true,
			models.KindInput:    true,
			models.KindChange:   true,
			models.KindSubmit:   true,
			models.KindFocus:    true,
			models.KindBlur:     true,
			models.KindHover:    true,
			models.KindNavigate: true,
		},
		validInsights: map[models.InsightType]bool{
			models.InsightStatus:      true,
			models.InsightAnomaly:     true,
			models.InsightFeedback:    true,
			models.InsightObservation: true,
			models.InsightEnrichment:  true,
		},
	}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions(
	  id               TEXT    PRIMARY KEY,
	  version          TEXT    NOT NULL,
	  url              TEXT    NOT NULL,
	  started_at       INTEGER NOT NULL, -- unix nanoseconds
	  generated_at     INTEGER NOT NULL, -- unix nanoseconds
	  status           TEXT    NOT NULL CHECK (status IN ('complete','incomplete')),
	  reason           TEXT,
	  environment_json TEXT    NOT NULL CHECK (json_valid(environment_json))
	);
	CREATE TABLE IF NOT EXISTS records(
	  id         INTEGER PRIMARY KEY,
	  session_id TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	  position   INTEGER NOT NULL,
	  record_id  TEXT    NOT NULL,
	  ts_utc     INTEGER NOT NULL,
	  ts_iso     TEXT    NOT NULL,
	  type       TEXT    NOT NULL CHECK (type IN ('click','input','change','submit','focus','blur','hover','navigate')),
	  score      REAL    NOT NULL,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE TABLE IF NOT EXISTS insights(
	  id         INTEGER PRIMARY KEY,
	  session_id TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	  position   INTEGER NOT NULL,
	  ts_utc     INTEGER NOT NULL, -- unix nanoseconds
	  type       TEXT    NOT NULL CHECK (type IN ('status','anomaly','feedback','observation','enrichment')),
	  message    TEXT    NOT NULL,
	  record_id  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_generated ON sessions(generated_at);
	CREATE INDEX IF NOT EXISTS idx_records_session    ON records(session_id, position);
	CREATE INDEX IF NOT EXISTS idx_records_type       ON records(type);
	CREATE INDEX IF NOT EXISTS idx_insights_session   ON insights(session_id, position);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// ValidateDocument checks that an export document can be archived.
func (d *Database) ValidateDocument(doc models.ExportDocument) error {
	if doc.Version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if doc.Environment.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	for i, rec := range doc.Records {
		if rec.ID == "" {
			return fmt.Errorf("record %d has no id", i)
		}
		if !d.validEventTypes[rec.EventType] {
			return fmt.Errorf("record %s has invalid event type: %s", rec.ID, rec.EventType)
		}
	}
	for i, in := range doc.Insights {
		if !d.validInsights[in.Type] {
			return fmt.Errorf("insight %d has invalid type: %s", i, in.Type)
		}
	}
	return nil
}

// ArchiveSession stores an export document. Archiving the same session again
// replaces the previous copy.
func (d *Database) ArchiveSession(doc models.ExportDocument, status, reason string) error {
	if status != StatusComplete && status != StatusIncomplete {
		return fmt.Errorf("invalid archive status: %s", status)
	}
	if err := d.ValidateDocument(doc); err != nil {
		return fmt.Errorf("invalid session document: %w", err)
	}

	envJSON, err := json.Marshal(doc.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}

	transaction, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = transaction.Rollback() }()

	sessionID := doc.Environment.SessionID
	for _, table := range []string{"records", "insights"} {
		if _, err := transaction.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to replace session %s: %w", table, err)
		}
	}
	if _, err := transaction.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to replace session: %w", err)
	}
	if _, err := transaction.Exec(
		`INSERT INTO sessions(id, version, url, started_at, generated_at, status, reason, environment_json) VALUES(?,?,?,?,?,?,?,json(?))`,
		sessionID, doc.Version, doc.Environment.URL,
		doc.Environment.StartedAt.UnixNano(), doc.GeneratedAt.UnixNano(),
		status, nullable(reason), string(envJSON),
	); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	recordStatement, err := transaction.Prepare(`INSERT INTO records(session_id, position, record_id, ts_utc, ts_iso, type, score, data_json) VALUES(?,?,?,?,?,?,?,json(?))`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer recordStatement.Close()

	for i, rec := range doc.Records {
		jsonData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
		}
		if _, err := recordStatement.Exec(sessionID, i, rec.ID, rec.Timestamp.UnixMilli(), rec.Timestamp.UTC().Format(time.RFC3339Nano),
			string(rec.EventType), rec.Score, string(jsonData)); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	insightStatement, err := transaction.Prepare(`INSERT INTO insights(session_id, position, ts_utc, type, message, record_id) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer insightStatement.Close()

	for i, in := range doc.Insights {
		if _, err := insightStatement.Exec(sessionID, i, in.Timestamp.UnixNano(), string(in.Type), in.Message, nullable(in.RecordID)); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListSessions returns archived sessions, newest first.
func (d *Database) ListSessions() ([]SessionSummary, error) {
	rows, err := d.db.Query(`
	SELECT s.id, s.version, s.url, s.started_at, s.generated_at, s.status, COALESCE(s.reason, ''),
	       (SELECT COUNT(*) FROM records r WHERE r.session_id = s.id),
	       (SELECT COUNT(*) FROM insights i WHERE i.session_id = s.id)
	FROM sessions s
	ORDER BY s.generated_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var startedAt, generatedAt int64
		if err := rows.Scan(&s.ID, &s.Version, &s.URL, &startedAt, &generatedAt, &s.Status, &s.Reason, &s.RecordCount, &s.InsightCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, startedAt).UTC()
		s.GeneratedAt = time.Unix(0, generatedAt).UTC()
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// LoadSession rebuilds the export document of an archived session.
func (d *Database) LoadSession(id string) (models.ExportDocument, error) {
	var doc models.ExportDocument
	var generatedAt int64
	var envJSON string
	err := d.db.QueryRow(`SELECT version, generated_at, environment_json FROM sessions WHERE id = ?`, id).
		Scan(&doc.Version, &generatedAt, &envJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return doc, fmt.Errorf("failed to query session: %w", err)
	}
	doc.GeneratedAt = time.Unix(0, generatedAt).UTC()
	if err := json.Unmarshal([]byte(envJSON), &doc.Environment); err != nil {
		return doc, fmt.Errorf("failed to unmarshal environment: %w", err)
	}

	doc.Records = []models.Record{}
	recordRows, err := d.db.Query(`SELECT data_json FROM records WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return doc, fmt.Errorf("failed to query records: %w", err)
	}
	defer recordRows.Close()
	for recordRows.Next() {
		var data string
		if err := recordRows.Scan(&data); err != nil {
			return doc, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec models.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return doc, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		doc.Records = append(doc.Records, rec)
	}
	if err := recordRows.Err(); err != nil {
		return doc, fmt.Errorf("failed to iterate records: %w", err)
	}

	doc.Insights = []models.Insight{}
	insightRows, err := d.db.Query(`SELECT ts_utc, type, message, COALESCE(record_id, '') FROM insights WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return doc, fmt.Errorf("failed to query insights: %w", err)
	}
	defer insightRows.Close()
	for insightRows.Next() {
		var in models.Insight
		var ts int64
		var insightType string
		if err := insightRows.Scan(&ts, &insightType, &in.Message, &in.RecordID); err != nil {
			return doc, fmt.Errorf("failed to scan insight: %w", err)
		}
		in.Timestamp = time.Unix(0, ts).UTC()
		in.Type = models.InsightType(insightType)
		doc.Insights = append(doc.Insights, in)
	}
	if err := insightRows.Err(); err != nil {
		return doc, fmt.Errorf("failed to iterate insights: %w", err)
	}
	return doc, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
