// Package transport moves assignment content to clients and submissions
// back. The messaging platform itself is opaque: a Sender either accepts a
// message or fails with a *contracts.TransportError.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// Message is one outbound assignment drop.
type Message struct {
	ID        string            `json:"id"`
	Key       contracts.TaskKey `json:"key"`
	Recipient string            `json:"recipient"`
	Kind      contracts.Kind    `json:"kind"`
	Content   string            `json:"content"`
}

// Inbound is one client submission as received from the platform.
type Inbound struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"client_id"`
	Kind       contracts.Kind  `json:"kind"`
	Date       contracts.Date  `json:"date"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Sender delivers a message. Implementations must honor ctx cancellation
// so per-attempt timeouts bound every send.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Handler processes one inbound submission. A nil return, or an error that
// is not retryable, acknowledges the submission.
type Handler func(ctx context.Context, in Inbound) error

// Receiver delivers inbound submissions to a handler until ctx ends.
type Receiver interface {
	Receive(ctx context.Context, h Handler) error
}
