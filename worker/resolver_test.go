package worker

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"maildesk/config"
	"maildesk/models"
	"maildesk/utils"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, config.MigrateDB(db))
	return db
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func seedMailbox(t *testing.T, db *gorm.DB) *models.Mailbox {
	t.Helper()
	mailbox := &models.Mailbox{
		Name:     "Support",
		Email:    "support@helpdesk.test",
		Provider: models.ProviderDirect,
		IsActive: true,
	}
	require.NoError(t, db.Create(mailbox).Error)
	return mailbox
}

func TestResolveByInReplyTo(t *testing.T) {
	db := newTestDB(t)
	mailbox := seedMailbox(t, db)
	r := NewThreadResolver(db, testLogger())

	existing := models.Ticket{MailboxID: mailbox.ID, Subject: "Printer broken", ContactEmail: "alice@example.com"}
	require.NoError(t, db.Create(&existing).Error)
	require.NoError(t, db.Create(&models.Email{
		TicketID:   existing.ID,
		MailboxID:  mailbox.ID,
		MessageID:  "<root@example.com>",
		FromEmail:  "alice@example.com",
		Direction:  models.DirectionInbound,
		ReceivedAt: time.Now(),
	}).Error)

	ticket, err := r.Resolve(mailbox, &utils.ParsedEmail{
		MessageID: "<reply@example.com>",
		InReplyTo: "<root@example.com>",
		Subject:   "totally different subject",
		From:      utils.Address{Email: "alice@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, ticket.ID)
}

func TestResolveByReferencesOldestFirst(t *testing.T) {
	db := newTestDB(t)
	mailbox := seedMailbox(t, db)
	r := NewThreadResolver(db, testLogger())

	older := models.Ticket{MailboxID: mailbox.ID, Subject: "First thread", ContactEmail: "a@example.com"}
	newer := models.Ticket{MailboxID: mailbox.ID, Subject: "Second thread", ContactEmail: "b@example.com"}
	require.NoError(t, db.Create(&older).Error)
	require.NoError(t, db.Create(&newer).Error)
	require.NoError(t, db.Create(&models.Email{
		TicketID: older.ID, MailboxID: mailbox.ID, MessageID: "<ancient@example.com>",
		FromEmail: "a@example.com", Direction: models.DirectionInbound, ReceivedAt: time.Now(),
	}).Error)
	require.NoError(t, db.Create(&models.Email{
		TicketID: newer.ID, MailboxID: mailbox.ID, MessageID: "<recent@example.com>",
		FromEmail: "b@example.com", Direction: models.DirectionInbound, ReceivedAt: time.Now(),
	}).Error)

	// In-Reply-To points nowhere; the oldest known reference wins.
	ticket, err := r.Resolve(mailbox, &utils.ParsedEmail{
		MessageID:  "<new@example.com>",
		InReplyTo:  "<unknown@example.com>",
		References: []string{"<ancient@example.com>", "<recent@example.com>"},
		From:       utils.Address{Email: "a@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, older.ID, ticket.ID)
}

func TestResolveBySubjectFallback(t *testing.T) {
	db := newTestDB(t)
	mailbox := seedMailbox(t, db)
	r := NewThreadResolver(db, testLogger())

	existing := models.Ticket{
		MailboxID:         mailbox.ID,
		Subject:           "Invoice question",
		SubjectNormalized: "invoice question",
		ContactEmail:      "alice@example.com",
	}
	require.NoError(t, db.Create(&existing).Error)

	ticket, err := r.Resolve(mailbox, &utils.ParsedEmail{
		MessageID: "<orphan@example.com>",
		Subject:   "Re: RE: Invoice question",
		From:      utils.Address{Email: "alice@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, ticket.ID)
}

func TestResolveSubjectFallbackScopedToMailbox(t *testing.T) {
	db := newTestDB(t)
	mailbox := seedMailbox(t, db)
	other := &models.Mailbox{Name: "Sales", Email: "sales@helpdesk.test", Provider: models.ProviderDirect}
	require.NoError(t, db.Create(other).Error)
	r := NewThreadResolver(db, testLogger())

	foreign := models.Ticket{
		MailboxID:         other.ID,
		Subject:           "Invoice question",
		SubjectNormalized: "invoice question",
		ContactEmail:      "alice@example.com",
	}
	require.NoError(t, db.Create(&foreign).Error)

	ticket, err := r.Resolve(mailbox, &utils.ParsedEmail{
		MessageID: "<orphan@example.com>",
		Subject:   "Invoice question",
		From:      utils.Address{Email: "alice@example.com", Name: "Alice"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, foreign.ID, ticket.ID)
	assert.Equal(t, mailbox.ID, ticket.MailboxID)
}

func TestResolveCreatesTicket(t *testing.T) {
	db := newTestDB(t)
	mailbox := seedMailbox(t, db)
	r := NewThreadResolver(db, testLogger())

	ticket, err := r.Resolve(mailbox, &utils.ParsedEmail{
		MessageID: "<fresh@example.com>",
		Subject:   "Fwd: New problem",
		From:      utils.Address{Email: "alice@example.com", Name: "Alice"},
	})
	require.NoError(t, err)
	assert.NotZero(t, ticket.ID)
	assert.Equal(t, "Fwd: New problem", ticket.Subject)
	assert.Equal(t, "new problem", ticket.SubjectNormalized)
	assert.Equal(t, "alice@example.com", ticket.ContactEmail)
	assert.Equal(t, "Alice", ticket.ContactName)
}

func TestResolveOutboundTicketUsesRecipientAsContact(t *testing.T) {
	db := newTestDB(t)
	mailbox := seedMailbox(t, db)
	r := NewThreadResolver(db, testLogger())

	ticket, err := r.Resolve(mailbox, &utils.ParsedEmail{
		MessageID: "<outbound@example.com>",
		Subject:   "Following up",
		From:      utils.Address{Email: "support@helpdesk.test", Name: "Support"},
		To:        []utils.Address{{Email: "customer@example.com", Name: "Customer"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "customer@example.com", ticket.ContactEmail)
	assert.Equal(t, "Customer", ticket.ContactName)
}

func TestDirection(t *testing.T) {
	mailbox := &models.Mailbox{Email: "support@helpdesk.test"}

	assert.Equal(t, models.DirectionOutbound, Direction(mailbox, &utils.ParsedEmail{
		From: utils.Address{Email: "Support@Helpdesk.Test"},
	}))
	assert.Equal(t, models.DirectionInbound, Direction(mailbox, &utils.ParsedEmail{
		From: utils.Address{Email: "alice@example.com"},
	}))
}

func TestNormalizeSubject(t *testing.T) {
	cases := map[string]string{
		"Re: Hello":             "hello",
		"RE:  re: Fwd: Hello":   "hello",
		"FW: TR: AW: Problem":   "problem",
		"  Plain subject  ":     "plain subject",
		"Reserved: not a reply": "reserved: not a reply",
		"":                      "",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeSubject(input), "input %q", input)
	}
}
