package models

import "time"

// InboundMessage is one event from a channel adapter.
type InboundMessage struct {
	ID          string      `json:"id,omitempty"`
	From        string      `json:"from"`
	Name        string      `json:"name,omitempty"`
	Text        string      `json:"text"`
	ContentType ContentType `json:"content_type"`
	MediaRef    string      `json:"media_ref,omitempty"`
	Time        time.Time   `json:"time"`
}

// Priority selects the dispatcher lane.
type Priority int

const (
	// PriorityInteractive is used for conversational replies.
	PriorityInteractive Priority = iota
	// PriorityBulk is used for campaign traffic.
	PriorityBulk
)

func (p Priority) String() string {
	if p == PriorityBulk {
		return "bulk"
	}
	return "interactive"
}

// OutboundMessage is one instruction for the dispatcher.
type OutboundMessage struct {
	To       string   `json:"to"`
	Text     string   `json:"text"`
	Modality Modality `json:"modality"`
	Language Language `json:"language"`
	Priority Priority `json:"priority"`
}

// DeliveryResult reports the outcome of one send.
type DeliveryResult struct {
	Success bool `json:"success"`
	// Modality actually used; differs from the request on audio fallback.
	Modality Modality `json:"modality"`
	Error    string   `json:"error,omitempty"`
}

// Receipt is a delivery/read receipt reported by a channel.
type Receipt struct {
	To     string `json:"to"`
	Status string `json:"status"`
	Time   int64  `json:"time"`
}

// Receipt statuses.
const (
	StatusTypeSent      = "sent"
	StatusTypeDelivered = "delivered"
	StatusTypeRead      = "read"
	StatusTypeFailed    = "failed"
)
