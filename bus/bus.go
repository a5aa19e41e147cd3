// Package bus distributes the messages an agent publishes (run results, log
// lines, spell telemetry) to subscribers, in process or through Redis
// pub/sub, and optionally archives them for replay.
package bus

import (
	"context"
	"time"
)

// Message is one published agent message.
type Message struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Time    time.Time      `json:"time"`
	// Seq is assigned by the publishing bus and increases monotonically per
	// bus instance (1-indexed).
	Seq uint64 `json:"seq"`
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Bus distributes messages to subscribers.
type Bus interface {
	Publisher

	// Subscribe registers a subscriber for one topic.
	// Returns a Subscription that must be closed when done.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// SubscribeAll registers a subscriber that receives every topic.
	// Returns a Subscription that must be closed when done.
	SubscribeAll(ctx context.Context) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives messages.
type Subscription interface {
	// Messages returns a channel of messages for this subscription.
	Messages() <-chan Message

	// Close unsubscribes and releases resources.
	Close() error
}

// Topic names of an agent.

func RunResultTopic(agentID string) string  { return "agent:" + agentID + ":run:result" }
func RunErrorTopic(agentID string) string   { return "agent:" + agentID + ":run:error" }
func SpellEventTopic(agentID string) string { return "agent:" + agentID + ":event:spell" }
func LogTopic(agentID string) string        { return "agent:" + agentID + ":event:log" }
func WarnTopic(agentID string) string       { return "agent:" + agentID + ":event:warn" }
func ErrorTopic(agentID string) string      { return "agent:" + agentID + ":event:error" }
func ActionTopic(agentID string) string     { return "agent:" + agentID + ":action" }
