package tools

import (
	"sync"
	"time"
)

// Response is one answer captured during the intake conversation
type Response struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// PatientRecord is everything the intake tools captured for one call session
type PatientRecord struct {
	SessionID   string                 `json:"sessionId"`
	Responses   map[string]Response    `json:"responses"`
	PatientData map[string]interface{} `json:"patientData,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// Store is the in-memory patient record store
type Store struct {
	mu      sync.RWMutex
	records map[string]*PatientRecord
}

func NewStore() *Store {
	return &Store{records: make(map[string]*PatientRecord)}
}

// update runs fn on the session's record, creating it first when missing.
func (s *Store) update(sessionID string, now time.Time, fn func(*PatientRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[sessionID]
	if !ok {
		record = &PatientRecord{
			SessionID: sessionID,
			Responses: make(map[string]Response),
			StartedAt: now,
		}
		s.records[sessionID] = record
	}
	fn(record)
}

func (s *Store) Get(sessionID string) (PatientRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[sessionID]
	if !ok {
		return PatientRecord{}, false
	}

	out := *record
	out.Responses = make(map[string]Response, len(record.Responses))
	for k, v := range record.Responses {
		out.Responses[k] = v
	}
	if record.PatientData != nil {
		out.PatientData = make(map[string]interface{}, len(record.PatientData))
		for k, v := range record.PatientData {
			out.PatientData[k] = v
		}
	}
	return out, true
}

func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
}
