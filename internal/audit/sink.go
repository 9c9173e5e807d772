// Package audit writes the structured audit stream of the context agent.
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(event domain.AuditEvent)
}

// JSONSink writes one JSON object per line:
// {"level":..., "timestamp":..., "action":..., "event_id":..., "metadata":{...}}.
type JSONSink struct {
	logger *zap.Logger
	closer io.Closer
}

// NewJSONSink writes the audit stream to w. Writes are serialized.
func NewJSONSink(w io.Writer) *JSONSink {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "action",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		zapcore.DebugLevel,
	)
	return &JSONSink{logger: zap.New(core)}
}

// OpenFile appends the audit stream to path, or to stderr when path is empty.
func OpenFile(path string) (*JSONSink, error) {
	if path == "" {
		return NewJSONSink(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s := NewJSONSink(f)
	s.closer = f
	return s, nil
}

// Emit writes the event. Events without a timestamp are stamped with the current time.
func (s *JSONSink) Emit(event domain.AuditEvent) {
	ce := s.logger.Check(zapLevel(event.Level), event.Action)
	if ce == nil {
		return
	}
	if !event.Timestamp.IsZero() {
		ce.Time = event.Timestamp
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	ce.Write(
		zap.String("event_id", uuid.NewString()),
		zap.Any("metadata", metadata),
	)
}

// Close flushes and closes the underlying file, if any.
func (s *JSONSink) Close() error {
	_ = s.logger.Sync()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func zapLevel(l domain.Level) zapcore.Level {
	switch l {
	case domain.LevelDebug:
		return zapcore.DebugLevel
	case domain.LevelWarn:
		return zapcore.WarnLevel
	case domain.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Memory keeps events in memory, mostly for tests.
type Memory struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Emit appends the event.
func (m *Memory) Emit(event domain.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events in emission order.
func (m *Memory) Events() []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Actions returns the recorded action names in emission order.
func (m *Memory) Actions() []string {
	events := m.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

// Find returns the first event with the given action.
func (m *Memory) Find(action string) (domain.AuditEvent, bool) {
	for _, e := range m.Events() {
		if e.Action == action {
			return e, true
		}
	}
	return domain.AuditEvent{}, false
}

// Nop discards every event.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(domain.AuditEvent) {}

// Multi fans events out to several sinks.
type Multi []Sink

// Emit forwards the event to every sink in order.
func (m Multi) Emit(event domain.AuditEvent) {
	for _, s := range m {
		s.Emit(event)
	}
}
