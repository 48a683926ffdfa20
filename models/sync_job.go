package models

import (
	"time"

	"gorm.io/gorm"
)

type SyncJobStatus string

const (
	SyncJobPending    SyncJobStatus = "pending"    // ready to run (or carried over / awaiting retry)
	SyncJobProcessing SyncJobStatus = "processing" // claimed by a running invocation
	SyncJobCompleted  SyncJobStatus = "completed"  // all known messages consumed, terminal
	SyncJobFailed     SyncJobStatus = "failed"     // retries exhausted, terminal
)

// SyncJob is one resumable unit of synchronization work for one mailbox.
// Jobs are enqueued by the scheduler and consumed exclusively by the engine.
type SyncJob struct {
	gorm.Model
	MailboxID uint          `gorm:"not null;index" json:"mailbox_id"`
	Status    SyncJobStatus `gorm:"not null;default:'pending';index" json:"status"`
	BatchSize int           `gorm:"default:50" json:"batch_size"`

	// Progress counters. Processed == Synced + Skipped + Errors at every
	// observation point, and Processed never decreases.
	Processed int `gorm:"default:0" json:"processed"`
	Total     int `gorm:"default:0" json:"total"`
	Synced    int `gorm:"default:0" json:"synced"`
	Skipped   int `gorm:"default:0" json:"skipped"`
	Errors    int `gorm:"default:0" json:"errors"`

	RetryCount int    `gorm:"default:0" json:"retry_count"`
	MaxRetries int    `gorm:"default:3" json:"max_retries"`
	LastError  string `json:"last_error"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Mailbox Mailbox `json:"-"`
}

// Terminal reports whether the job can no longer be run.
func (j *SyncJob) Terminal() bool {
	return j.Status == SyncJobCompleted || j.Status == SyncJobFailed
}

// Progress returns the counters in the shape the entrypoint responds with.
func (j *SyncJob) Progress() map[string]int {
	return map[string]int{
		"processed": j.Processed,
		"total":     j.Total,
		"synced":    j.Synced,
		"skipped":   j.Skipped,
		"errors":    j.Errors,
	}
}
