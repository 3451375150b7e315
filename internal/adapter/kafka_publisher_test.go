package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type mockWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (m *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockWriter) messages() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kafka.Message(nil), m.msgs...)
}

func TestKafkaPublisher_WritesKeyedRecords(t *testing.T) {
	w := &mockWriter{}
	feed := make(chan Event, 8)
	kp := NewKafkaPublisher(w, feed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		kp.Run(ctx)
		close(done)
	}()

	ts := time.UnixMilli(1700000000000)
	feed <- Event{Kind: EventReady, Market: "IDEX-USDC", Timestamp: ts}
	feed <- Event{Kind: EventError, Market: "IDEX-USDC", Err: errors.New("boom"), Timestamp: ts}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	msgs := w.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "IDEX-USDC" {
		t.Errorf("key = %q", msgs[0].Key)
	}

	var rec eventRecord
	if err := json.Unmarshal(msgs[1].Value, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Kind != "error" || rec.Error != "boom" || rec.Timestamp != 1700000000000 {
		t.Errorf("record = %+v", rec)
	}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		t.Error("writer was not closed on shutdown")
	}
}

func TestKafkaPublisher_WriteErrorDoesNotStop(t *testing.T) {
	w := &mockWriter{err: errors.New("broker down")}
	feed := make(chan Event, 8)
	kp := NewKafkaPublisher(w, feed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go kp.Run(ctx)

	feed <- Event{Kind: EventL2Changed, Market: "IDEX-USDC"}
	time.Sleep(30 * time.Millisecond)

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()

	feed <- Event{Kind: EventL2Changed, Market: "IDEX-USDC"}
	time.Sleep(30 * time.Millisecond)

	if n := len(w.messages()); n != 1 {
		t.Fatalf("expected publisher to keep running after an error, got %d records", n)
	}
}
