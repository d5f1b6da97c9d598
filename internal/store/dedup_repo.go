package store

import "time"

// DefaultInboundRetention is how long inbound message ids are remembered.
// Meta and Twilio stop redelivering a message well within a day.
const DefaultInboundRetention = 72 * time.Hour

// InboundRecord is the first sighting of a transport message id.
type InboundRecord struct {
	MessageID   string
	Identity    string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// DedupRepo drops webhook redeliveries by remembering transport message ids.
type DedupRepo interface {
	// RecordInbound remembers messageID and reports whether it was new.
	RecordInbound(messageID, identity string) (bool, error)
	// MarkProcessed stamps messageID as fully handled.
	MarkProcessed(messageID string) error
	// ForgetInbound drops an unprocessed messageID so a redelivery is handled again.
	ForgetInbound(messageID string) error
	// PurgeInboundBefore forgets ids first seen before cutoff.
	PurgeInboundBefore(cutoff time.Time) (int, error)
}
