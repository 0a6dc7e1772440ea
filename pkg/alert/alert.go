// Package alert carries alerts out of band. Operational alerts report
// infrastructure failure (exhausted sends, ledger or store outages) and
// never mix with behavioral alerts addressed to the coach.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Class separates infrastructure alerts from behavioral ones.
type Class string

const (
	ClassOperational Class = "operational"
	ClassCoach       Class = "coach"
)

// Alert is a single out-of-band notification.
type Alert struct {
	ID       string            `json:"id"`
	Class    Class             `json:"class"`
	Code     string            `json:"code"`
	ClientID string            `json:"client_id,omitempty"`
	Message  string            `json:"message"`
	Detail   map[string]string `json:"detail,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
}

// Alert codes.
const (
	CodeSendExhausted  = "send_exhausted"
	CodeLedgerWrite    = "ledger_write_failed"
	CodeStoreWrite     = "store_write_failed"
	CodeQuarantined    = "payload_quarantined"
	CodeNonResponding  = "non_responding_client"
	CodePrivateWarning = "private_warning"
	CodeRefeedBlocked  = "refeed_blocked"
	CodePublicCallout  = "public_callout"
)

// Sink receives alerts.
type Sink interface {
	Raise(ctx context.Context, a Alert) error
}

// New fills in the id and timestamp of an alert.
func New(class Class, code, clientID, message string, now time.Time) Alert {
	return Alert{
		ID:       uuid.New().String(),
		Class:    class,
		Code:     code,
		ClientID: clientID,
		Message:  message,
		RaisedAt: now.UTC(),
	}
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: slog.Default().With("component", "alert")}
}

func (s *LogSink) Raise(ctx context.Context, a Alert) error {
	level := slog.LevelWarn
	if a.Class == ClassOperational {
		level = slog.LevelError
	}
	attrs := []any{"alert_id", a.ID, "class", a.Class, "code", a.Code, "client_id", a.ClientID}
	for k, v := range a.Detail {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, level, a.Message, attrs...)
	return nil
}

// MemorySink keeps alerts for inspection.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Raise(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

// Alerts returns raised alerts, optionally filtered by class.
func (s *MemorySink) Alerts(class Class) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Alert
	for _, a := range s.alerts {
		if class == "" || a.Class == class {
			out = append(out, a)
		}
	}
	return out
}

// Channel returns the Redis pub/sub channel for an alert class.
func Channel(c Class) string { return "regiment:alerts:" + string(c) }

// RedisSink publishes alerts on per-class Redis channels.
type RedisSink struct {
	client redis.UniversalClient
}

func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Raise(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, Channel(a.Class), body).Err(); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}

// Fanout raises on every sink and returns the first error.
type Fanout []Sink

func (f Fanout) Raise(ctx context.Context, a Alert) error {
	var first error
	for _, s := range f {
		if err := s.Raise(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
