// Package audit emits events for every mutating operation. Persistence of
// the audit log is someone else's job; cfgvault only produces the events.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/metrics"
)

// Action names the operation an event records.
type Action string

const (
	ActionValuePut      Action = "value.put"
	ActionValueDelete   Action = "value.delete"
	ActionValueBulkPut  Action = "value.bulk_put"
	ActionValueRollback Action = "value.rollback"
	ActionImport        Action = "import"
	ActionTokenCreate   Action = "token.create"
	ActionTokenRevoke   Action = "token.revoke"
	ActionSetParent     Action = "set.parent"
	ActionSetLock       Action = "set.lock"
	ActionSetArchive    Action = "set.archive"
	ActionStoreRotate   Action = "store.rotate"
)

// Event is one audit record. Error carries the public failure reason and
// never ciphertext or credentials.
type Event struct {
	ID          string            `json:"id"`
	Time        time.Time         `json:"time"`
	Action      Action            `json:"action"`
	SetID       string            `json:"set_id,omitempty"`
	Key         string            `json:"key,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	TokenPrefix string            `json:"token_prefix,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// NewEvent stamps an id and time and records the outcome of err.
func NewEvent(action Action, setID, key, actor string, err error) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Action:  action,
		SetID:   setID,
		Key:     key,
		Actor:   actor,
		Success: err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Sink delivers events somewhere.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// LogSink writes events through the logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink returns a sink that logs events at info level, failures at warn.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	l := s.logger.With("action", ev.Action).With("set", ev.SetID)
	if ev.Key != "" {
		l = l.With("key", ev.Key)
	}
	if ev.TokenPrefix != "" {
		l = l.With("token", ev.TokenPrefix)
	}
	if ev.Success {
		l.Info("audit %s by %s", ev.ID, ev.Actor)
		return nil
	}
	l.Warn("audit %s by %s failed: %s", ev.ID, ev.Actor, ev.Error)
	return nil
}

// MultiSink fans an event out to every sink and aggregates failures.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var result *multierror.Error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Recorder is what domain services hold. Record never fails: delivery
// errors are logged and counted as dropped.
type Recorder struct {
	sink   Sink
	logger *logging.Logger
}

// NewRecorder wraps sink. A nil sink discards events.
func NewRecorder(sink Sink, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Discard returns a recorder that drops everything.
func Discard() *Recorder {
	return NewRecorder(nil, nil)
}

// Record emits ev.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || r.sink == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := r.sink.Emit(ctx, ev); err != nil {
		metrics.RecordAuditDropped()
		r.logger.Warn("audit event %s (%s) not delivered: %v", ev.ID, ev.Action, err)
	}
}
