package worker

import (
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/badoux/checkmail"
	"gorm.io/gorm"

	"maildesk/models"
	"maildesk/utils"
)

// ThreadResolver maps an incoming message onto an existing ticket or creates
// a new one. Structural threading headers always win over the subject
// heuristic, because subjects are not unique and headers are.
type ThreadResolver struct {
	db     *gorm.DB
	logger *log.Logger
}

func NewThreadResolver(db *gorm.DB, logger *log.Logger) *ThreadResolver {
	return &ThreadResolver{db: db, logger: logger}
}

// Resolve returns the owning ticket for a decoded message, creating one when
// no threading header or subject match exists.
func (r *ThreadResolver) Resolve(mailbox *models.Mailbox, email *utils.ParsedEmail) (*models.Ticket, error) {
	// 1. Exact match on In-Reply-To
	if email.InReplyTo != "" {
		if ticket, err := r.ticketByMessageID(email.InReplyTo); err != nil {
			return nil, err
		} else if ticket != nil {
			return ticket, nil
		}
	}

	// 2. First match scanning References oldest-first
	for _, ref := range email.References {
		if ticket, err := r.ticketByMessageID(ref); err != nil {
			return nil, err
		} else if ticket != nil {
			return ticket, nil
		}
	}

	// 3. Most recently created ticket in the same mailbox with an equal
	// normalized subject. Known heuristic weakness: unrelated messages that
	// coincidentally share a stripped subject thread together.
	normalized := NormalizeSubject(email.Subject)
	var ticket models.Ticket
	err := r.db.Where("mailbox_id = ? AND subject_normalized = ?", mailbox.ID, normalized).
		Order("created_at DESC").
		First(&ticket).Error
	if err == nil {
		r.logger.Printf("Threaded message %s onto ticket %d by subject fallback", email.MessageID, ticket.ID)
		return &ticket, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up ticket by subject: %w", err)
	}

	// 4. New conversation
	return r.createTicket(mailbox, email, normalized)
}

// Direction classifies a message relative to the mailbox owner.
func Direction(mailbox *models.Mailbox, email *utils.ParsedEmail) string {
	if strings.EqualFold(email.From.Email, mailbox.Email) {
		return models.DirectionOutbound
	}
	return models.DirectionInbound
}

func (r *ThreadResolver) ticketByMessageID(messageID string) (*models.Ticket, error) {
	var existing models.Email
	err := r.db.Where("message_id = ?", messageID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up message %s: %w", messageID, err)
	}

	var ticket models.Ticket
	if err := r.db.First(&ticket, existing.TicketID).Error; err != nil {
		return nil, fmt.Errorf("failed to load ticket %d: %w", existing.TicketID, err)
	}
	return &ticket, nil
}

func (r *ThreadResolver) createTicket(mailbox *models.Mailbox, email *utils.ParsedEmail, normalized string) (*models.Ticket, error) {
	contact := email.From
	if Direction(mailbox, email) == models.DirectionOutbound && len(email.To) > 0 {
		// An outbound message opening a thread: the recipient is the contact.
		contact = email.To[0]
	}
	if contact.Email != "" {
		if err := checkmail.ValidateFormat(contact.Email); err != nil {
			r.logger.Printf("Contact address %q on new ticket looks malformed: %v", contact.Email, err)
		}
	}

	ticket := models.Ticket{
		MailboxID:         mailbox.ID,
		Subject:           email.Subject,
		SubjectNormalized: normalized,
		ContactEmail:      contact.Email,
		ContactName:       contact.Name,
	}
	if err := r.db.Create(&ticket).Error; err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	return &ticket, nil
}

var subjectPrefixRe = regexp.MustCompile(`(?i)^(re|fwd|fw|tr|aw)\s*:\s*`)

// NormalizeSubject strips reply/forward markers (including localized TR:/AW:
// variants) and lowercases, so equal conversations compare equal.
func NormalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	for {
		stripped := subjectPrefixRe.ReplaceAllString(subject, "")
		if stripped == subject {
			break
		}
		subject = strings.TrimSpace(stripped)
	}
	return strings.ToLower(subject)
}
