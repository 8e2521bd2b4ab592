package store

import "time"

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo records channel message IDs so redelivered events are dropped.
type DedupRepo interface {
	// RecordInbound inserts a record. It returns false if the message was
	// already recorded.
	RecordInbound(messageID, sender string) (bool, error)
	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
	// PruneInbound deletes records received before the cutoff.
	PruneInbound(receivedBefore time.Time) (int, error)
}
