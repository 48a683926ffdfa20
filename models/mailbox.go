package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider kinds supported by the sync engine
const (
	ProviderDirect  = "direct"   // speaks the mailbox protocol itself
	ProviderHTTPAPI = "http-api" // goes through the vendor's signed REST API
)

// Mailbox represents a connected support mailbox and its connection profile.
// Created and edited by the admin UI; the sync engine only reads it.
type Mailbox struct {
	gorm.Model
	Name     string `gorm:"not null" json:"name"`
	Email    string `gorm:"not null;uniqueIndex" json:"email"`
	Provider string `gorm:"not null;default:'direct'" json:"provider"` // direct, http-api

	// ========= Direct (IMAP) Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"` // SSL, STARTTLS, NONE
	IMAPFolder     string `json:"imap_folder" gorm:"default:'INBOX'"`

	// ========= OAuth Configuration =========
	OAuthProvider     string `gorm:"column:oauth_provider" json:"oauth_provider"` // google, microsoft
	OAuthRefreshToken string `gorm:"column:oauth_refresh_token" json:"-"`         // Encrypted

	// ========= HTTP API Configuration =========
	APIEndpoint    string `json:"api_endpoint"`
	APIDomain      string `json:"api_domain"`
	APIAccountName string `json:"api_account_name"`
	APIAppKey      string `json:"api_app_key"`
	APIAppSecret   string `json:"-"` // Encrypted in application layer
	APIConsumerKey string `json:"-"` // Encrypted in application layer

	IsActive     bool `gorm:"default:true" json:"is_active"`
	PollInterval int  `gorm:"default:300" json:"poll_interval"` // seconds between scheduled syncs
	RetentionCap int  `gorm:"default:0" json:"retention_cap"`   // max retained emails, 0 = unlimited

	SyncState *SyncState `json:"sync_state,omitempty"`
}

// SyncState is the singleton per-mailbox sync status. IsSyncing acts as the
// advisory mutex against concurrent runs; it must be cleared on every exit path.
type SyncState struct {
	gorm.Model
	MailboxID         uint       `gorm:"not null;uniqueIndex" json:"mailbox_id"`
	IsSyncing         bool       `gorm:"default:false" json:"is_syncing"`
	LastSyncedAt      *time.Time `json:"last_synced_at"`
	TotalEmailsSynced int        `gorm:"default:0" json:"total_emails_synced"`
	LastError         string     `json:"last_error"`
}
