package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUnknownTool is returned by Execute for a name that is not registered
var ErrUnknownTool = errors.New("unknown tool")

// Tool is an operation the voice agent or the relay can invoke for a call session.
// Input and output are generic maps so tools can be exposed to the agent unchanged.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, sessionID string, input map[string]interface{}) (map[string]interface{}, error)
}

// Registry holds the available tools and the patient records they write to.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	store *Store

	logger *logrus.Logger
	now    func() time.Time
}

// NewRegistry creates a registry with the patient intake tools registered.
func NewRegistry(logger *logrus.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		store:  NewStore(),
		logger: logger,
		now:    time.Now,
	}

	r.Register(&saveResponseTool{store: r.store, now: r.now})
	r.Register(&savePatientDataTool{store: r.store, now: r.now})
	r.Register(&saveSummaryTool{store: r.store, now: r.now})
	r.Register(&validatePatientDataTool{})

	return r
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Names lists the registered tools in alphabetical order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs a tool by name for a session.
func (r *Registry) Execute(ctx context.Context, name, sessionID string, input map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%s: missing session id", name)
	}

	result, err := tool.Call(ctx, sessionID, input)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"tool":       name,
			"session_id": sessionID,
		}).Error("Tool call failed")
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"tool":       name,
		"session_id": sessionID,
	}).Debug("Tool call completed")

	return result, nil
}

// Record returns the stored patient record for a session.
func (r *Registry) Record(sessionID string) (PatientRecord, bool) {
	return r.store.Get(sessionID)
}

// SaveTranscript stores one user utterance as the latest patient response.
func (r *Registry) SaveTranscript(ctx context.Context, sessionID, transcript string) {
	_, _ = r.Execute(ctx, ToolSavePatientResponse, sessionID, map[string]interface{}{
		"field": "user_response",
		"value": transcript,
	})
}

// CompleteConversation stores the final patient data and a summary when the agent ends the
// conversation.
func (r *Registry) CompleteConversation(ctx context.Context, sessionID string, patient map[string]interface{}) {
	if _, err := r.Execute(ctx, ToolSavePatientData, sessionID, map[string]interface{}{
		"patientData": patient,
		"status":      "completed",
	}); err != nil {
		return
	}

	record, ok := r.store.Get(sessionID)
	if !ok {
		return
	}
	_, _ = r.Execute(ctx, ToolSaveConversationSummary, sessionID, map[string]interface{}{
		"summary": Summarize(record),
	})
}

// Forget drops the record of a purged session
func (r *Registry) Forget(sessionID string) {
	r.store.Delete(sessionID)
}

func getString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
