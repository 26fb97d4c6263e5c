package history

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends card status transitions to the card_status_history ledger.
// Append runs inside the caller's transaction so a card mutation and its
// history entry commit or roll back together. Entries are never updated or
// deleted.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, cardID, previousStatus, newStatus, updatedBy string, reason *string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO card_status_history(card_id,previous_status,new_status,updated_by,update_reason,created_at) VALUES (?,?,?,?,?,?)`,
		cardID, previousStatus, newStatus, updatedBy, nullable(reason), ts)
	return err
}

func nullable(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
