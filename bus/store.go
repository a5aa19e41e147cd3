package bus

import "context"

// MessageStore persists published messages for replay.
type MessageStore interface {
	// Append stores a message.
	Append(ctx context.Context, msg Message) error

	// List returns messages of a topic, optionally filtered.
	// afterSeq: return messages with Seq > afterSeq (0 means all)
	// limit: max messages to return (0 means no limit)
	List(ctx context.Context, topic string, afterSeq uint64, limit int) ([]Message, error)

	// LatestSeq returns the highest Seq of a topic (0 if no messages).
	LatestSeq(ctx context.Context, topic string) (uint64, error)

	// Topics returns the distinct topics in the store, sorted.
	Topics(ctx context.Context) ([]string, error)
}
