package worker

import (
	"context"
	"fmt"

	"maildesk/models"
)

// EnforceRetention archives the tickets owning the oldest excess emails of
// every capped mailbox. Archiving is a flag flip so inbox views stay bounded
// without destroying history. Runs once per sync pass, not per job.
func (e *Engine) EnforceRetention(_ context.Context) error {
	var mailboxes []models.Mailbox
	if err := e.db.Where("is_active = ? AND retention_cap > 0", true).Find(&mailboxes).Error; err != nil {
		return fmt.Errorf("failed to list capped mailboxes: %w", err)
	}

	for _, mailbox := range mailboxes {
		if err := e.enforceMailboxCap(&mailbox); err != nil {
			e.logger.Printf("Retention pass for mailbox %d failed: %v", mailbox.ID, err)
		}
	}
	return nil
}

func (e *Engine) enforceMailboxCap(mailbox *models.Mailbox) error {
	var count int64
	if err := e.db.Model(&models.Email{}).Where("mailbox_id = ?", mailbox.ID).Count(&count).Error; err != nil {
		return err
	}
	excess := int(count) - mailbox.RetentionCap
	if excess <= 0 {
		return nil
	}

	var ticketIDs []uint
	err := e.db.Model(&models.Email{}).
		Where("mailbox_id = ?", mailbox.ID).
		Order("received_at ASC").
		Limit(excess).
		Pluck("ticket_id", &ticketIDs).Error
	if err != nil {
		return err
	}

	seen := make(map[uint]bool, len(ticketIDs))
	unique := ticketIDs[:0]
	for _, id := range ticketIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	res := e.db.Model(&models.Ticket{}).
		Where("id IN ? AND archived = ?", unique, false).
		Update("archived", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		e.logger.Printf("Archived %d tickets on mailbox %d (cap %d, %d retained emails)",
			res.RowsAffected, mailbox.ID, mailbox.RetentionCap, count)
	}
	return nil
}
