// Package events defines what the outbox publishes for each ledger append
// and the Kafka names both sides agree on.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TopicTaskEvents = "task.events"
	TopicDeadLetter = "task.events.dlq"

	AggregateTask = "task"
)

// Message header keys. The dead-letter copy also carries the topic it was
// meant for and the last publish error.
const (
	HeaderEventID       = "event_id"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderOriginalTopic = "original_topic"
	HeaderLastError     = "last_error"
)

// Envelope is the Kafka value. Topic is the ledger topic such as
// TASK_<id>, not the Kafka topic. Payload is passed through as
// stored.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	Topic         string          `json:"topic"`
	Action        string          `json:"action"`
	ActorID       string          `json:"actor_id"`
	Payload       json.RawMessage `json:"payload"`
}
