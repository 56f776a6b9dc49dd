package statusfeed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Publisher frames status events for Schema Registry aware consumers and writes
// them to a single topic keyed by user id.
type Publisher struct {
	producer messageWriter
	registry schemaRegistrar
	topic    string
	subject  string

	mu       sync.Mutex
	schemaID int
}

// NewPublisher constructs a Publisher.
func NewPublisher(producer messageWriter, registry schemaRegistrar, topic string) *Publisher {
	return &Publisher{
		producer: producer,
		registry: registry,
		topic:    topic,
		subject:  topic + "-value",
	}
}

// PublishStatus writes one status event.
func (p *Publisher) PublishStatus(ctx context.Context, status SyncStatus) error {
	schemaID, err := p.ensureSchema(ctx)
	if err != nil {
		publishFailures.Inc()
		return err
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(status.UserID),
		Value: EncodeWireFormat(schemaID, payload),
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeSyncStatus)},
			{Key: "schema_subject", Value: []byte(p.subject)},
		},
	}
	if err := p.producer.WriteMessages(ctx, p.topic, msg); err != nil {
		publishFailures.Inc()
		return fmt.Errorf("publish status: %w", err)
	}
	published.WithLabelValues(status.Outcome).Inc()
	return nil
}

func (p *Publisher) ensureSchema(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.schemaID != 0 {
		return p.schemaID, nil
	}
	id, err := p.registry.EnsureSchema(ctx, p.subject, syncStatusSchema)
	if err != nil {
		return 0, fmt.Errorf("ensure schema %s: %w", p.subject, err)
	}
	p.schemaID = id
	return id, nil
}

// EncodeWireFormat applies Confluent framing: magic byte, 4-byte schema id, payload.
func EncodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}
