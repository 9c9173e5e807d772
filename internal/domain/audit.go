package domain

import "time"

// Level is the severity of an audit event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Audit actions emitted by the context agent.
const (
	ActionWebSearchError     = "web_search_error"
	ActionVectorSearchError  = "vector_search_error"
	ActionWebSearchDone      = "web_search_completed"
	ActionVectorSearchDone   = "vector_search_completed"
	ActionContextGathered    = "context_gathered"
	ActionIngestionCompleted = "ingestion_completed"
)

// AuditEvent is one structured record of the audit stream.
type AuditEvent struct {
	Action    string
	Level     Level
	Metadata  map[string]any
	Timestamp time.Time
}
