// Package journal records ingest events on a Redis Stream. The pipeline
// appends an event per milestone; the retry worker consumes embedding
// failure events out of band through a consumer group.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stream and event names.
const (
	StreamIngest = "docstack.ingest.events"

	EventDocumentIngested     = "document.ingested"
	EventDocumentDeleted      = "document.deleted"
	EventChunkEmbeddingFailed = "chunk.embedding_failed"
)

// Envelope is the canonical wrapper appended to the stream.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Attempt    int             `json:"attempt"`
	Data       json.RawMessage `json:"data"`
}

// ValidateBasic checks mandatory envelope fields.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// EmbeddingFailure is the payload of a chunk.embedding_failed event.
type EmbeddingFailure struct {
	DocumentID int64  `json:"document_id"`
	ChunkID    int64  `json:"chunk_id"`
	OwnerID    int64  `json:"owner_id"`
	Reason     string `json:"reason"`
	Transient  bool   `json:"transient"`
}

// DocumentEvent is the payload of document lifecycle events.
type DocumentEvent struct {
	DocumentID int64  `json:"document_id"`
	OwnerID    int64  `json:"owner_id"`
	Filename   string `json:"filename"`
	Version    int    `json:"version"`
}

// Publisher appends envelopes to the ingest stream.
type Publisher struct {
	client *redis.Client
	maxLen int64
}

// NewPublisher builds a publisher. maxLen bounds the stream approximately;
// zero means unbounded.
func NewPublisher(client *redis.Client, maxLen int64) *Publisher {
	return &Publisher{client: client, maxLen: maxLen}
}

// Publish wraps payload in an envelope and appends it to the stream.
func (p *Publisher) Publish(ctx context.Context, eventType string, attempt int, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Attempt:    attempt,
		Data:       data,
	}
	if err := env.ValidateBasic(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: StreamIngest,
		Values: map[string]interface{}{"envelope": raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Message is a consumed stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Consumer reads envelopes through a consumer group.
type Consumer struct {
	client *redis.Client
	group  string
	name   string
}

// NewConsumer builds a consumer bound to group/name.
func NewConsumer(client *redis.Client, group, name string) *Consumer {
	return &Consumer{client: client, group: group, name: name}
}

// EnsureGroup creates the consumer group if it does not exist.
func EnsureGroup(ctx context.Context, client *redis.Client, group string) error {
	if group == "" {
		return fmt.Errorf("group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, StreamIngest, group, "$").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Read pulls new messages for this consumer, blocking up to block.
func (c *Consumer) Read(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	if c.group == "" || c.name == "" {
		return nil, fmt.Errorf("consumer group and name must be configured")
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{StreamIngest, ">"},
	}
	if count > 0 {
		args.Count = count
	}
	if block > 0 {
		args.Block = block
	}
	streams, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range streams {
		for _, msg := range st.Messages {
			if decoded, ok := c.decode(ctx, msg); ok {
				out = append(out, decoded)
			}
		}
	}
	return out, nil
}

// Ack acknowledges the given message ids.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, StreamIngest, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// AutoClaim reclaims messages another consumer left pending for longer than
// minIdle. The returned next id continues the scan.
func (c *Consumer) AutoClaim(ctx context.Context, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	args := &redis.XAutoClaimArgs{
		Stream:   StreamIngest,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, msg := range msgs {
		if decoded, ok := c.decode(ctx, msg); ok {
			out = append(out, decoded)
		}
	}
	return out, next, nil
}

// decode parses one stream entry. Malformed entries are acked and skipped
// so they cannot wedge the group.
func (c *Consumer) decode(ctx context.Context, msg redis.XMessage) (Message, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		_ = c.client.XAck(ctx, StreamIngest, c.group, msg.ID).Err()
		return Message{}, false
	}
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		_ = c.client.XAck(ctx, StreamIngest, c.group, msg.ID).Err()
		return Message{}, false
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		_ = c.client.XAck(ctx, StreamIngest, c.group, msg.ID).Err()
		return Message{}, false
	}
	if err := env.ValidateBasic(); err != nil {
		_ = c.client.XAck(ctx, StreamIngest, c.group, msg.ID).Err()
		return Message{}, false
	}
	return Message{ID: msg.ID, Envelope: env}, true
}
