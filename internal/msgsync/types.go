package msgsync

import (
	"fmt"
	"time"
)

// Status is a message's delivery status as known to the client.
type Status int

const (
	StatusPending   Status = iota // optimistic insert, write not yet acknowledged
	StatusSent                    // write acknowledged by the store
	StatusDelivered               // observed in the server-confirmed stream
	StatusRead                    // recipient's read cursor passed the message
	StatusFailed                  // write failed; entry stays visible for retry
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Message is a message as known to the client. Exactly one Message exists
// per logical message: the optimistic copy and the server-confirmed copy are
// reconciled into a single record, never shown twice.
type Message struct {
	ID             string // server id; empty until the write is confirmed
	TempID         string // client-generated id for optimistic sends
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      time.Time
	Status         Status
}

// sortKey is the tie-break for messages with identical timestamps. Server
// ids sort ascending; unconfirmed sends ("~" prefix sorts after any server
// id) appear last among equals.
func (m Message) sortKey() string {
	if m.ID != "" {
		return m.ID
	}
	return "~" + m.TempID
}

// less orders messages by (created-at, id) so the merged sequence is a
// stable total order independent of which source delivered each entry.
func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.sortKey() < b.sortKey()
}
