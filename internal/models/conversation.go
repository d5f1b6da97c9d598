package models

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one message in a customer's transcript.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// InboundMessage is a normalized inbound message handed to the router.
type InboundMessage struct {
	ID         string    `json:"id,omitempty"`
	Identity   string    `json:"identity"`
	Name       string    `json:"name,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// InboundFromResponse converts a transport Response into an InboundMessage.
func InboundFromResponse(r Response) InboundMessage {
	received := time.Now()
	if r.Time > 0 {
		received = time.Unix(r.Time, 0)
	}
	return InboundMessage{
		ID:         r.ID,
		Identity:   r.From,
		Name:       r.Name,
		Text:       r.Body,
		ReceivedAt: received,
	}
}
