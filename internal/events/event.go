package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// EventRepresentativeResync refreshes balance caches for touched invoices
	// and drops the representative's memoised debt.
	EventRepresentativeResync = "representative.resync"
	// EventBalanceRecompute retries a cache recompute that failed after commit.
	EventBalanceRecompute = "balance.recompute"
)

// Event is a row of the allocation_events outbox.
type Event struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventType     string         `json:"event_type" gorm:"type:text;not null"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	DedupeKey     *string        `json:"dedupe_key,omitempty" gorm:"type:text;uniqueIndex:ux_allocation_events_dedupe"`
	Attempts      int            `json:"attempts" gorm:"not null"`
	LastError     *string        `json:"last_error,omitempty" gorm:"type:text"`
	NextAttemptAt time.Time      `json:"next_attempt_at" gorm:"not null;index:ix_allocation_events_pending,priority:2"`
	Published     bool           `json:"published" gorm:"not null;index:ix_allocation_events_pending,priority:1"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at" gorm:"not null"`
}

func (Event) TableName() string { return "allocation_events" }

// Message is what producers hand to the outbox.
type Message struct {
	Type      string
	DedupeKey string
	Payload   any
}

// ResyncPayload is carried by representative.resync and balance.recompute.
type ResyncPayload struct {
	RepresentativeID snowflake.ID   `json:"representative_id,omitempty"`
	InvoiceIDs       []snowflake.ID `json:"invoice_ids"`
	Reason           string         `json:"reason,omitempty"`
}

func DecodeResync(event Event) (ResyncPayload, error) {
	var payload ResyncPayload
	if len(event.Payload) == 0 {
		return payload, ErrInvalidPayload
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return payload, errors.Join(ErrInvalidPayload, err)
	}
	return payload, nil
}

// Handler processes one event inside the dispatcher's transaction. Returning
// an error rolls back the handler's writes and schedules a retry.
type Handler func(ctx context.Context, tx *gorm.DB, event Event) error

// Stats summarises the outbox for operators.
type Stats struct {
	Pending   int64 `json:"pending"`
	Parked    int64 `json:"parked"`
	Published int64 `json:"published"`
}

// RunStats is the outcome of one dispatcher pass.
type RunStats struct {
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Retried   int `json:"retried"`
	Parked    int `json:"parked"`
}

var (
	ErrInvalidPayload = errors.New("invalid_event_payload")
	ErrNoHandler      = errors.New("no_event_handler")
	ErrEventNotFound  = errors.New("event_not_found")
)
