package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// LogTransport writes drops to the structured log. Lite mode uses it when
// no broker is configured.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport() *LogTransport {
	return &LogTransport{logger: slog.Default().With("component", "transport.log")}
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return &contracts.TransportError{Recipient: msg.Recipient, Err: err}
	}
	t.logger.Info("drop", "recipient", msg.Recipient, "kind", msg.Kind, "date", msg.Key.Date, "content", msg.Content)
	return nil
}

// MemoryTransport records sends and can be told to fail or block.
type MemoryTransport struct {
	mu       sync.Mutex
	sent     []Message
	failures int
	block    bool
	attempts int
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

// FailNext makes the next n sends fail.
func (t *MemoryTransport) FailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
}

// Block makes sends wait until their context ends.
func (t *MemoryTransport) Block(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.block = on
}

func (t *MemoryTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	t.attempts++
	block := t.block
	fail := t.failures > 0
	if fail {
		t.failures--
	}
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return &contracts.TransportError{Recipient: msg.Recipient, Err: ctx.Err()}
	}
	if fail {
		return &contracts.TransportError{Recipient: msg.Recipient, Err: errors.New("injected failure")}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

// Sent returns a copy of delivered messages.
func (t *MemoryTransport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sent...)
}

// Attempts returns the number of Send calls, successful or not.
func (t *MemoryTransport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
