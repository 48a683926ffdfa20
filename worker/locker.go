package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"maildesk/models"
)

// SyncLocker guards against two simultaneous syncs of the same mailbox.
// When Redis is available it takes a leased lock (SET NX with expiry) so a
// crashed invocation cannot strand the mailbox; the is_syncing flag on
// SyncState is always maintained as well since it is the externally visible
// status, and its claim is conditional with a staleness override for the
// same reason.
type SyncLocker struct {
	db    *gorm.DB
	redis *redis.Client // nil when Redis is disabled
	ttl   time.Duration
}

func NewSyncLocker(db *gorm.DB, rdb *redis.Client, ttl time.Duration) *SyncLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SyncLocker{db: db, redis: rdb, ttl: ttl}
}

func (l *SyncLocker) key(mailboxID uint) string {
	return fmt.Sprintf("maildesk:sync-lock:%d", mailboxID)
}

// Acquire claims the mailbox for one invocation. Returns false when another
// sync currently holds it.
func (l *SyncLocker) Acquire(ctx context.Context, mailboxID uint) (bool, error) {
	if l.redis != nil {
		ok, err := l.redis.SetNX(ctx, l.key(mailboxID), "1", l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to take redis sync lock: %w", err)
		}
		if !ok {
			return false, nil
		}
	}

	// Ensure the singleton state row exists before the conditional claim.
	var state models.SyncState
	if err := l.db.Where(models.SyncState{MailboxID: mailboxID}).FirstOrCreate(&state).Error; err != nil {
		l.releaseRedis(ctx, mailboxID)
		return false, fmt.Errorf("failed to load sync state: %w", err)
	}

	// Conditional claim: a flag stranded by a crash is reclaimable once it is
	// older than the lease.
	stale := time.Now().Add(-l.ttl)
	res := l.db.Model(&models.SyncState{}).
		Where("mailbox_id = ? AND (is_syncing = ? OR updated_at < ?)", mailboxID, false, stale).
		Update("is_syncing", true)
	if res.Error != nil {
		l.releaseRedis(ctx, mailboxID)
		return false, fmt.Errorf("failed to claim sync state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		l.releaseRedis(ctx, mailboxID)
		return false, nil
	}
	return true, nil
}

// Release clears the lock and records the invocation's outcome on SyncState.
// Called on every exit path; stateErr is only set on terminal failure.
func (l *SyncLocker) Release(ctx context.Context, mailboxID uint, syncedDelta int, success bool, stateErr string) error {
	updates := map[string]interface{}{
		"is_syncing": false,
		"last_error": stateErr,
	}
	if success {
		updates["last_synced_at"] = time.Now()
	}
	if syncedDelta > 0 {
		updates["total_emails_synced"] = gorm.Expr("total_emails_synced + ?", syncedDelta)
	}

	err := l.db.Model(&models.SyncState{}).
		Where("mailbox_id = ?", mailboxID).
		Updates(updates).Error

	l.releaseRedis(ctx, mailboxID)

	if err != nil {
		return fmt.Errorf("failed to release sync state: %w", err)
	}
	return nil
}

func (l *SyncLocker) releaseRedis(ctx context.Context, mailboxID uint) {
	if l.redis != nil {
		l.redis.Del(ctx, l.key(mailboxID))
	}
}
