// Package store persists delivery logs and the unsubscribe registry.
package store

import (
	"context"
	"time"
)

// Audience selects which delivery-log stream a dispatch writes to.
type Audience string

const (
	AudienceClient  Audience = "client"
	AudienceStudent Audience = "student"
)

// Normalize maps an audience value to a known stream. Unrecognized values
// fall back to the client stream rather than failing the request.
func (a Audience) Normalize() Audience {
	if a == AudienceStudent {
		return AudienceStudent
	}
	return AudienceClient
}

// LogEntry is one delivery-log record. The log is an event stream keyed by
// send time, not a deduplicated table: sending twice to the same address
// produces two entries.
type LogEntry struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Subject      string    `json:"subject"`
	Company      string    `json:"company"`
	SentAt       time.Time `json:"sent_at"`
	ClickedLinks []Click   `json:"clicked_links"`
}

// Click is one recorded link click, appended in click-time order.
type Click struct {
	URL       string    `json:"url"`
	ClickedAt time.Time `json:"clicked_at"`
}

// UnsubscribeRecord marks an address that must never be dispatched to again.
type UnsubscribeRecord struct {
	Email          string    `json:"email"`
	UnsubscribedAt time.Time `json:"unsubscribed_at"`
}

// Store is the persistence collaborator: two append-only delivery-log
// streams plus the unsubscribe registry.
type Store interface {
	// AppendLog appends a delivery-log entry to the given stream.
	AppendLog(ctx context.Context, audience Audience, entry *LogEntry) error

	// AppendClick records a link click against the most recent log entry
	// for the address in every stream, creating an entry where none exists.
	// The recorder does not know which stream the original send used.
	AppendClick(ctx context.Context, email, url string, clickedAt time.Time) error

	// ListLogs returns all entries of one stream in send order.
	ListLogs(ctx context.Context, audience Audience) ([]*LogEntry, error)

	// CountLogs returns the number of entries in one stream.
	CountLogs(ctx context.Context, audience Audience) (int64, error)

	// AddUnsubscribe records an opt-out. Repeated calls for the same
	// address are a no-op.
	AddUnsubscribe(ctx context.Context, email string) error

	// ListUnsubscribes returns every registered opt-out address.
	ListUnsubscribes(ctx context.Context) ([]*UnsubscribeRecord, error)

	// CountUnsubscribes returns the registry size.
	CountUnsubscribes(ctx context.Context) (int64, error)

	// Close closes the storage connection
	Close() error
}
