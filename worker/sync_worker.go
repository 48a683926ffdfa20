package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"maildesk/config"
	"maildesk/models"
	"maildesk/utils"
)

var (
	ErrJobNotFound    = errors.New("sync job not found")
	ErrJobNotRunnable = errors.New("sync job is not runnable")
	ErrMailboxBusy    = errors.New("mailbox sync already in progress")
	// ErrMailboxConfig marks failures retrying cannot help with; jobs fail
	// immediately instead of burning retries.
	ErrMailboxConfig = errors.New("mailbox configuration error")
)

// Engine runs sync jobs: it claims a job, pulls a bounded batch of messages
// from the mailbox's transport, decodes and threads each one, and persists
// the results exactly once. One invocation is single-threaded and time-boxed;
// concurrency across mailboxes is fine, concurrency per mailbox is excluded
// by the SyncLocker.
type Engine struct {
	db       *gorm.DB
	locker   *SyncLocker
	store    utils.AttachmentStore
	resolver *ThreadResolver
	logger   *log.Logger

	BatchCeiling int
	TimeBudget   time.Duration
	PollInterval time.Duration
	NewSource    SourceFactory
}

// RunResult is what the entrypoint reports back.
type RunResult struct {
	JobID     uint
	Completed bool
	Progress  map[string]int
}

func NewEngine(db *gorm.DB, rdb *redis.Client, store utils.AttachmentStore, logger *log.Logger) *Engine {
	ceiling := config.AppConfig.SyncBatchCeiling
	if ceiling <= 0 {
		ceiling = 100
	}
	budget := time.Duration(config.AppConfig.SyncTimeBudgetSec) * time.Second
	if budget <= 0 {
		budget = 45 * time.Second
	}
	poll := time.Duration(config.AppConfig.SyncPollIntervalSec) * time.Second
	if poll <= 0 {
		poll = time.Minute
	}
	lockTTL := time.Duration(config.AppConfig.SyncLockTTLSec) * time.Second

	return &Engine{
		db:           db,
		locker:       NewSyncLocker(db, rdb, lockTTL),
		store:        store,
		resolver:     NewThreadResolver(db, logger),
		logger:       logger,
		BatchCeiling: ceiling,
		TimeBudget:   budget,
		PollInterval: poll,
		NewSource:    OpenSource,
	}
}

// Start runs the internal claim loop: every tick it picks up pending jobs and
// applies the retention policy once per pass.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Println("Starting sync worker...")
	ticker := time.NewTicker(e.PollInterval)

	for {
		select {
		case <-ticker.C:
			e.runPending(ctx)
			if err := e.EnforceRetention(ctx); err != nil {
				e.logger.Printf("Retention pass failed: %v", err)
			}
		case <-ctx.Done():
			e.logger.Println("Stopping sync worker...")
			ticker.Stop()
			return
		}
	}
}

func (e *Engine) runPending(ctx context.Context) {
	var jobs []models.SyncJob
	if err := e.db.Where("status = ?", models.SyncJobPending).
		Order("created_at ASC").
		Limit(20).
		Find(&jobs).Error; err != nil {
		e.logger.Printf("Failed to list pending jobs: %v", err)
		return
	}

	for _, job := range jobs {
		if _, err := e.ProcessJob(ctx, job.ID); err != nil {
			if errors.Is(err, ErrMailboxBusy) {
				continue
			}
			e.logger.Printf("Job %d run failed: %v", job.ID, err)
		}
	}
}

// ProcessJob executes one invocation of the job state machine.
func (e *Engine) ProcessJob(ctx context.Context, jobID uint) (*RunResult, error) {
	var job models.SyncJob
	if err := e.db.First(&job, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.Status != models.SyncJobPending {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotRunnable, job.ID, job.Status)
	}

	// SyncState rides along so the transport can narrow an incremental fetch.
	var mailbox models.Mailbox
	if err := e.db.Preload("SyncState").First(&mailbox, job.MailboxID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, e.recordFailure(&job, fmt.Errorf("%w: mailbox %d not found", ErrMailboxConfig, job.MailboxID))
		}
		return nil, err
	}
	if !mailbox.IsActive {
		return nil, e.recordFailure(&job, fmt.Errorf("%w: mailbox %d is disabled", ErrMailboxConfig, mailbox.ID))
	}

	claimed, err := e.locker.Acquire(ctx, mailbox.ID)
	if err != nil {
		return nil, e.recordFailure(&job, err)
	}
	if !claimed {
		// Another invocation holds the mailbox; the job simply stays pending
		// and no retry is consumed.
		return nil, ErrMailboxBusy
	}

	var (
		syncedDelta int
		result      *RunResult
		runErr      error
	)
	// Hard contract: the lock and is_syncing are released on every exit path,
	// or the mailbox would be stranded un-syncable.
	defer func() {
		stateErr := ""
		if job.Status == models.SyncJobFailed {
			stateErr = job.LastError
		}
		if relErr := e.locker.Release(context.Background(), mailbox.ID, syncedDelta, runErr == nil, stateErr); relErr != nil {
			e.logger.Printf("Failed to release sync lock for mailbox %d: %v", mailbox.ID, relErr)
		}
	}()

	now := time.Now()
	job.Status = models.SyncJobProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if runErr = e.db.Save(&job).Error; runErr != nil {
		return nil, runErr
	}

	result, runErr = e.runBatch(ctx, &job, &mailbox, &syncedDelta)
	if runErr != nil {
		runErr = e.recordFailure(&job, runErr)
		return nil, runErr
	}
	return result, nil
}

func (e *Engine) runBatch(ctx context.Context, job *models.SyncJob, mailbox *models.Mailbox, syncedDelta *int) (*RunResult, error) {
	source, err := e.NewSource(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	ids, err := source.List(ctx)
	if err != nil {
		return nil, err
	}
	job.Total = len(ids)

	batch := job.BatchSize
	if batch <= 0 || batch > e.BatchCeiling {
		batch = e.BatchCeiling
	}

	// The already-processed offset carries across invocations.
	start := job.Processed
	if start > job.Total {
		start = job.Total
	}
	end := start + batch
	if end > job.Total {
		end = job.Total
	}

	began := time.Now()
	for _, id := range ids[start:end] {
		if time.Since(began) > e.TimeBudget {
			e.logger.Printf("Job %d hit the time budget after %d items, carrying over", job.ID, job.Processed-start)
			break
		}
		e.processItem(ctx, job, mailbox, source, id, syncedDelta)
	}

	completed := job.Processed >= job.Total
	if completed {
		now := time.Now()
		job.Status = models.SyncJobCompleted
		job.CompletedAt = &now
	} else {
		job.Status = models.SyncJobPending
	}
	job.LastError = ""
	if err := e.db.Save(job).Error; err != nil {
		return nil, fmt.Errorf("failed to persist job progress: %w", err)
	}

	utils.LogEvent("sync_batch_finished", map[string]interface{}{
		"job_id":    job.ID,
		"mailbox":   mailbox.ID,
		"processed": job.Processed,
		"total":     job.Total,
		"completed": completed,
	})
	return &RunResult{JobID: job.ID, Completed: completed, Progress: job.Progress()}, nil
}

// processItem handles one message with per-item isolation: one bad message
// increments a counter, it never aborts the batch.
func (e *Engine) processItem(ctx context.Context, job *models.SyncJob, mailbox *models.Mailbox, source MessageSource, id string, syncedDelta *int) {
	job.Processed++

	email, err := source.Fetch(ctx, id)
	if err != nil {
		job.Errors++
		e.logger.Printf("Failed to fetch message %s for job %d: %v", id, job.ID, err)
		return
	}

	ticket, err := e.resolver.Resolve(mailbox, email)
	if err != nil {
		job.Errors++
		e.logger.Printf("Failed to resolve thread for message %s: %v", email.MessageID, err)
		return
	}

	row := models.Email{
		TicketID:   ticket.ID,
		MailboxID:  mailbox.ID,
		MessageID:  email.MessageID,
		InReplyTo:  email.InReplyTo,
		References: strings.Join(email.References, " "),
		FromEmail:  email.From.Email,
		FromName:   email.From.Name,
		To:         utils.FormatAddressList(email.To),
		Cc:         utils.FormatAddressList(email.Cc),
		Subject:    email.Subject,
		BodyText:   email.Text,
		BodyHTML:   email.HTML,
		Direction:  Direction(mailbox, email),
		ReceivedAt: email.Date,
	}
	if err := e.db.Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			// Re-fetch of an already-synced message: a skip, not an error.
			job.Skipped++
		} else {
			job.Errors++
			e.logger.Printf("Failed to persist message %s: %v", email.MessageID, err)
		}
		return
	}
	job.Synced++
	*syncedDelta++

	e.saveAttachments(ctx, &row, email.Attachments)
	e.touchTicket(ticket.ID, email.Date)
}

func (e *Engine) saveAttachments(ctx context.Context, email *models.Email, attachments []utils.ParsedAttachment) {
	for _, att := range attachments {
		key := fmt.Sprintf("attachments/%d/%s/%s", email.MailboxID, uuid.NewString(), sanitizeFileName(att.FileName))
		path, err := e.store.Save(ctx, key, att.ContentType, att.Content)
		if err != nil {
			e.logger.Printf("Failed to store attachment %q for message %s: %v", att.FileName, email.MessageID, err)
			continue
		}
		record := models.Attachment{
			EmailID:     email.ID,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			Size:        att.Size,
			StoragePath: path,
		}
		if err := e.db.Create(&record).Error; err != nil {
			e.logger.Printf("Failed to persist attachment %q: %v", att.FileName, err)
		}
	}
}

// touchTicket moves last_message_at forward only; out-of-order or retried
// delivery never rolls it back.
func (e *Engine) touchTicket(ticketID uint, receivedAt time.Time) {
	err := e.db.Model(&models.Ticket{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", ticketID, receivedAt).
		Update("last_message_at", receivedAt).Error
	if err != nil {
		e.logger.Printf("Failed to update last_message_at on ticket %d: %v", ticketID, err)
	}
}

// recordFailure applies the retry policy and returns the original cause.
func (e *Engine) recordFailure(job *models.SyncJob, cause error) error {
	now := time.Now()
	job.LastError = cause.Error()

	if errors.Is(cause, ErrMailboxConfig) {
		job.Status = models.SyncJobFailed
		job.CompletedAt = &now
		utils.LogError("sync_job_config", cause, map[string]interface{}{"job_id": job.ID})
	} else {
		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			job.Status = models.SyncJobFailed
			job.CompletedAt = &now
			utils.LogError("sync_job_failed", cause, map[string]interface{}{
				"job_id":      job.ID,
				"retry_count": job.RetryCount,
			})
		} else {
			job.Status = models.SyncJobPending
			e.logger.Printf("Job %d failed (attempt %d/%d), will retry: %v", job.ID, job.RetryCount, job.MaxRetries, cause)
		}
	}

	if err := e.db.Save(job).Error; err != nil {
		e.logger.Printf("Failed to persist job %d failure: %v", job.ID, err)
	}
	return cause
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "untitled"
	}
	return name
}
