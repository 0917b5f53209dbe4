package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vincentbai/browsetrace-recorder/internal/database"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	"github.com/vincentbai/browsetrace-recorder/internal/storage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func archivedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := database.NewDatabase(path)
	require.NoError(t, err)
	defer db.Close()

	doc := models.ExportDocument{
		Version:     storage.ExportVersion,
		GeneratedAt: time.Now().UTC().Add(-time.Hour),
		Environment: models.EnvironmentSnapshot{SessionID: "s-1", StartedAt: time.Now().UTC().Add(-2 * time.Hour), URL: "https://shop.test/"},
		Records: []models.Record{{
			ID:        "rec-1",
			Timestamp: time.Now().UTC().Add(-time.Hour),
			EventType: models.KindClick,
			Metadata:  models.ElementDescriptor{Tag: "button"},
			Anomaly:   models.Anomaly{Type: models.AnomalyNone},
		}},
		Insights: []models.Insight{},
	}
	require.NoError(t, db.ArchiveSession(doc, database.StatusIncomplete, "received interrupt while recording"))
	return path
}

func TestVersionFlag(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestSessionsList(t *testing.T) {
	path := archivedDatabase(t)

	out, err := run(t, "sessions", "list", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "incomplete (received interrupt while recording)")
	assert.Contains(t, out, "1 hour ago")
}

func TestSessionsListFromEnvironment(t *testing.T) {
	t.Setenv("BROWSETRACE_DATABASE_PATH", archivedDatabase(t))

	out, err := run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "s-1")
}

func TestSessionsListMissingDatabase(t *testing.T) {
	_, err := run(t, "sessions", "list", "--db", filepath.Join(t.TempDir(), "missing.db"))
	assert.ErrorContains(t, err, "no session archive")
}

func TestExportToFile(t *testing.T) {
	path := archivedDatabase(t)
	output := filepath.Join(t.TempDir(), "session.json")

	out, err := run(t, "export", "--db", path, "--session", "s-1", "--output", output)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported s-1 (1 records)")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	doc, err := storage.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "s-1", doc.Environment.SessionID)
	require.Len(t, doc.Records, 1)
	assert.Equal(t, "rec-1", doc.Records[0].ID)
}

func TestExportToStdout(t *testing.T) {
	path := archivedDatabase(t)

	out, err := run(t, "export", "--db", path, "-s", "s-1")
	require.NoError(t, err)
	doc, err := storage.Decode([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/", doc.Environment.URL)
}

func TestExportUnknownSession(t *testing.T) {
	path := archivedDatabase(t)

	_, err := run(t, "export", "--db", path, "--session", "nope")
	assert.ErrorIs(t, err, database.ErrSessionNotFound)
}

func TestExportRequiresSession(t *testing.T) {
	_, err := run(t, "export")
	assert.Error(t, err)
}

func TestInvalidConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("recorder:\n  buffer_capacity: 0\n"), 0o644))

	_, err := run(t, "sessions", "list", "--config", cfgPath)
	assert.ErrorContains(t, err, "buffer_capacity")
}
