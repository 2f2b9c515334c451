package store

import (
	"context"
	"fmt"

	"go.mau.fi/sendcore/model"
)

const upsertMessageStatusQuery = `
	INSERT INTO sendcore_message_status (message_timestamp, account_id, status)
	VALUES ($1, $2, $3)
	ON CONFLICT (message_timestamp, account_id) DO UPDATE SET status=excluded.status
`

// SetMessageStatus persists the per-recipient delivery outcome for one
// message. Must be called inside a Storage.WriteTxn.
func (s *Storage) SetMessageStatus(ctx context.Context, timestamp uint64, accountID model.AccountID, status model.RecipientStatus) error {
	_, err := s.db.Exec(ctx, upsertMessageStatusQuery, timestamp, accountID, int(status))
	if err != nil {
		return fmt.Errorf("failed to set message status for %s@%d: %w", accountID, timestamp, err)
	}
	return nil
}
