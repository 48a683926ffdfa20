package models

import (
	"time"

	"gorm.io/gorm"
)

// Email direction relative to the mailbox owner
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Ticket is a conversation grouping one or more emails.
type Ticket struct {
	gorm.Model
	MailboxID         uint   `gorm:"not null;index" json:"mailbox_id"`
	Subject           string `json:"subject"`
	SubjectNormalized string `gorm:"index" json:"-"` // Re:/Fwd: markers stripped, lowercased
	ContactEmail      string `gorm:"not null" json:"contact_email"`
	ContactName       string `json:"contact_name"`
	// LastMessageAt equals the max received_at over the ticket's emails.
	// Only ever updated when the new value is greater.
	LastMessageAt *time.Time `gorm:"index" json:"last_message_at"`
	Archived      bool       `gorm:"default:false" json:"archived"`

	Emails []Email `json:"-"`
}

// Email is one decoded mail item attached to a ticket.
type Email struct {
	gorm.Model
	TicketID  uint `gorm:"not null;index" json:"ticket_id"`
	MailboxID uint `gorm:"not null;index" json:"mailbox_id"`
	// MessageID is the dedup key; a duplicate insert is a skip, not an error.
	MessageID  string    `gorm:"not null;uniqueIndex" json:"message_id"`
	InReplyTo  string    `gorm:"index" json:"in_reply_to"`
	References string    `gorm:"type:text" json:"references"` // space separated, oldest first
	FromEmail  string    `gorm:"not null" json:"from_email"`
	FromName   string    `json:"from_name"`
	To         string    `json:"to"`
	Cc         string    `json:"cc"`
	Subject    string    `json:"subject"`
	BodyText   string    `gorm:"type:text" json:"body_text"`
	BodyHTML   string    `gorm:"type:text" json:"body_html"`
	Direction  string    `gorm:"not null;default:'inbound'" json:"direction"`
	ReceivedAt time.Time `gorm:"not null;index" json:"received_at"`

	Ticket      Ticket       `json:"-"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment metadata; the bytes live in the blob store under StoragePath.
// Created alongside its email during parsing, never mutated.
type Attachment struct {
	gorm.Model
	EmailID     uint   `gorm:"not null;index" json:"email_id"`
	FileName    string `gorm:"not null" json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	StoragePath string `gorm:"not null" json:"storage_path"`

	Email Email `json:"-"`
}
