package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/clock"
	"gorm.io/gorm"
)

// Outbox appends events in the caller's transaction so they commit with the
// change that produced them.
type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(genID *snowflake.Node, clk clock.Clock) *Outbox {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Outbox{genID: genID, clock: clk}
}

// PublishTx inserts msg. A message whose dedupe key is already present is
// dropped and reported as not inserted.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, msg Message) (bool, error) {
	eventType := strings.TrimSpace(msg.Type)
	if eventType == "" {
		return false, ErrInvalidPayload
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return false, err
	}

	var dedupe *string
	if key := strings.TrimSpace(msg.DedupeKey); key != "" {
		dedupe = &key
	}

	now := o.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO allocation_events (
			id, event_type, payload, dedupe_key, attempts, last_error,
			next_attempt_at, published, published_at, created_at
		) VALUES (?, ?, ?, ?, 0, NULL, ?, ?, NULL, ?)
		ON CONFLICT DO NOTHING`,
		o.genID.Generate(),
		eventType,
		string(payload),
		dedupe,
		now,
		false,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
