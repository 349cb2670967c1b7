package fakes

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/systmms/cfgvault/internal/audit"
)

// RecordingSink is an audit.Sink that keeps every event it receives.
type RecordingSink struct {
	failures

	mu     sync.Mutex
	events []audit.Event
}

// NewRecordingSink returns an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Emit(_ context.Context, ev audit.Event) error {
	if err := s.next(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the received events.
func (s *RecordingSink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

// ByAction returns the events recorded for action.
func (s *RecordingSink) ByAction(action audit.Action) []audit.Event {
	var out []audit.Event
	for _, ev := range s.Events() {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

// FakeKafkaWriter implements audit.MessageWriter in memory.
type FakeKafkaWriter struct {
	failures

	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
}

// NewFakeKafkaWriter returns an empty writer.
func NewFakeKafkaWriter() *FakeKafkaWriter {
	return &FakeKafkaWriter{}
}

func (w *FakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.next(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *FakeKafkaWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Messages returns the written messages.
func (w *FakeKafkaWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

// Closed reports whether Close was called.
func (w *FakeKafkaWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
