// Package events publishes committed ledger activity to Kafka for
// downstream consumers (dashboard, analytics, operator alerting).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"switchboard/internal/db"

	"github.com/segmentio/kafka-go"
)

// Publisher emits billing events. Publishing is best-effort: the ledger is
// the system of record and a failed publish never rolls back a mutation.
type Publisher interface {
	PublishEntryCreated(ctx context.Context, entry *db.LedgerEntry) error
	PublishAlert(ctx context.Context, alert Alert) error
	Close() error
}

// Alert is an operator-visible condition: a dead-lettered job or detected
// ledger drift.
type Alert struct {
	Kind       string    `json:"kind"` // "dead_letter" or "balance_drift"
	Provider   string    `json:"provider,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	OrgID      string    `json:"org_id,omitempty"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// KafkaPublisher writes events to Kafka topics, keyed by organization so
// per-org consumers observe entries in commit order.
type KafkaPublisher struct {
	entries *kafka.Writer
	alerts  *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topics.
func NewKafkaPublisher(brokers []string, entriesTopic, alertsTopic string) *KafkaPublisher {
	return &KafkaPublisher{
		entries: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        entriesTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
		alerts: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        alertsTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// PublishEntryCreated emits a committed ledger entry.
func (p *KafkaPublisher) PublishEntryCreated(ctx context.Context, entry *db.LedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	err = p.entries.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.OrgID.String()),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish ledger entry: %w", err)
	}
	return nil
}

// PublishAlert emits an operator alert.
func (p *KafkaPublisher) PublishAlert(ctx context.Context, alert Alert) error {
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	err = p.alerts.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.Kind),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writers.
func (p *KafkaPublisher) Close() error {
	entriesErr := p.entries.Close()
	alertsErr := p.alerts.Close()
	if entriesErr != nil {
		return entriesErr
	}
	return alertsErr
}

// NoopPublisher discards all events. Used when Kafka is not configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishEntryCreated(context.Context, *db.LedgerEntry) error { return nil }
func (NoopPublisher) PublishAlert(context.Context, Alert) error                  { return nil }
func (NoopPublisher) Close() error                                               { return nil }

// New returns a Kafka publisher when brokers are configured, otherwise a noop.
func New(brokers []string, entriesTopic, alertsTopic string) Publisher {
	if len(brokers) == 0 {
		return NoopPublisher{}
	}
	return NewKafkaPublisher(brokers, entriesTopic, alertsTopic)
}
