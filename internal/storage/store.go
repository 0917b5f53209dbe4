package storage

import (
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
)

// ExportVersion is the schema version stamped on every export document.
const ExportVersion = "1.0"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store holds the accepted records of one session, its insight log and
// the environment snapshot taken when the session started.
type Store struct {
	records *RingBuffer[models.Record]

	mu       sync.RWMutex
	insights []models.Insight
	env      models.EnvironmentSnapshot
	envSet   bool
}

func NewStore(capacity int) *Store {
	return &Store{records: NewRingBuffer[models.Record](capacity)}
}

// Append writes rec to the ring buffer and returns the id of the record it
// evicted, or "" when nothing was evicted.
func (s *Store) Append(rec models.Record) (evictedID string) {
	evicted, ok := s.records.WriteOne(rec)
	if ok {
		return evicted.ID
	}
	return ""
}

// Records returns the buffered records, oldest first.
func (s *Store) Records() []models.Record {
	return s.records.ReadAll()
}

func (s *Store) Len() int {
	return s.records.Len()
}

func (s *Store) Capacity() int {
	return s.records.Capacity()
}

// Last returns the most recently appended record.
func (s *Store) Last() (models.Record, bool) {
	return s.records.ReadLast()
}

// Find looks a record up by id. Evicted records are not found.
func (s *Store) Find(id string) (models.Record, bool) {
	records := s.records.ReadAll()
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].ID == id {
			return records[i], true
		}
	}
	return models.Record{}, false
}

// AddInsight appends to the insight log. The log is never evicted.
func (s *Store) AddInsight(in models.Insight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, in)
}

func (s *Store) Insights() []models.Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Insight(nil), s.insights...)
}

// InsightsOfType returns the insights of the given type, oldest first.
func (s *Store) InsightsOfType(t models.InsightType) []models.Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Insight
	for _, in := range s.insights {
		if in.Type == t {
			out = append(out, in)
		}
	}
	return out
}

// SetEnvironment records the snapshot for a new session.
func (s *Store) SetEnvironment(env models.EnvironmentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = env
	s.envSet = true
}

// Environment returns the snapshot and whether one was captured.
func (s *Store) Environment() (models.EnvironmentSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.env, s.envSet
}

// Clear empties records and insights. The environment snapshot survives.
func (s *Store) Clear() {
	s.records.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = nil
}

// Export builds the session document. Records and insights are never nil
// so they serialize as empty arrays.
func (s *Store) Export(now time.Time) models.ExportDocument {
	env, _ := s.Environment()
	doc := models.ExportDocument{
		Version:     ExportVersion,
		GeneratedAt: now.UTC(),
		Environment: env,
		Records:     s.Records(),
		Insights:    s.Insights(),
	}
	if doc.Insights == nil {
		doc.Insights = []models.Insight{}
	}
	return doc
}

// Encode serializes an export document.
func Encode(doc models.ExportDocument) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export document: %w", err)
	}
	return data, nil
}

// Decode parses an export document and checks its version.
func Decode(data []byte) (models.ExportDocument, error) {
	var doc models.ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to decode export document: %w", err)
	}
	if doc.Version == "" {
		return doc, fmt.Errorf("export document has no version")
	}
	return doc, nil
}
