package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

const (
	OutboxStream  = "regiment:outbox"
	InboxStream   = "regiment:inbox"
	ConsumerGroup = "regiment"
)

// RedisTransport publishes drops to a Redis stream consumed by the chat
// bridge, and reads submissions from the bridge's inbox stream.
type RedisTransport struct {
	client   redis.UniversalClient
	consumer string
	block    time.Duration
	logger   *slog.Logger
}

// NewRedisTransport creates a transport on an existing client.
func NewRedisTransport(client redis.UniversalClient, consumer string) *RedisTransport {
	return &RedisTransport{
		client:   client,
		consumer: consumer,
		block:    5 * time.Second,
		logger:   slog.Default().With("component", "transport.redis"),
	}
}

// NewRedisClient creates a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: OutboxStream,
		Values: map[string]any{
			"id":        msg.ID,
			"recipient": msg.Recipient,
			"kind":      string(msg.Kind),
			"date":      msg.Key.Date.String(),
			"content":   msg.Content,
		},
	}).Err()
	if err != nil {
		return &contracts.TransportError{Recipient: msg.Recipient, Err: err}
	}
	return nil
}

// Receive consumes InboxStream in ConsumerGroup. Entries are acknowledged
// once the handler succeeds or fails permanently; retryable failures stay
// pending and are redelivered.
func (t *RedisTransport) Receive(ctx context.Context, h Handler) error {
	err := t.client.XGroupCreateMkStream(ctx, InboxStream, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	// one pass over our own pending entries, then new ones
	cursor := "0"
	for {
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: t.consumer,
			Streams:  []string{InboxStream, cursor},
			Count:    32,
			Block:    t.block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("read inbox: %w", err)
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				t.handle(ctx, m, h)
			}
		}
		cursor = ">"
	}
}

func (t *RedisTransport) handle(ctx context.Context, m redis.XMessage, h Handler) {
	in, err := decodeInbound(m)
	if err != nil {
		t.logger.Warn("dropping undecodable submission", "stream_id", m.ID, "error", err)
		t.ack(ctx, m.ID)
		return
	}
	if err := h(ctx, in); err != nil && contracts.IsRetryable(err) {
		t.logger.Warn("submission left pending", "stream_id", m.ID, "client_id", in.ClientID, "error", err)
		return
	}
	t.ack(ctx, m.ID)
}

func (t *RedisTransport) ack(ctx context.Context, id string) {
	if err := t.client.XAck(ctx, InboxStream, ConsumerGroup, id).Err(); err != nil {
		t.logger.Error("ack failed", "stream_id", id, "error", err)
	}
}

func decodeInbound(m redis.XMessage) (Inbound, error) {
	str := func(k string) string {
		v, _ := m.Values[k].(string)
		return v
	}
	kind, err := contracts.ParseKind(str("kind"))
	if err != nil {
		return Inbound{}, err
	}
	date, err := contracts.ParseDate(str("date"))
	if err != nil {
		return Inbound{}, err
	}
	if str("client_id") == "" {
		return Inbound{}, errors.New("missing client_id")
	}
	id := str("id")
	if id == "" {
		id = m.ID
	}
	return Inbound{
		ID:         id,
		ClientID:   str("client_id"),
		Kind:       kind,
		Date:       date,
		Payload:    json.RawMessage(str("payload")),
		ReceivedAt: time.Now().UTC(),
	}, nil
}
