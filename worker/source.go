package worker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"maildesk/config"
	"maildesk/models"
	"maildesk/utils"
)

// MessageSource hides the transport behind the engine: the direct protocol
// client and the signed HTTP provider both reduce to "list ids, fetch one".
// List returns identifiers newest-first so recent conversations surface first
// under partial sync.
type MessageSource interface {
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, id string) (*utils.ParsedEmail, error)
	Close() error
}

// SourceFactory opens a MessageSource for one mailbox. The engine holds it as
// a field so tests can substitute a stub.
type SourceFactory func(ctx context.Context, mailbox *models.Mailbox) (MessageSource, error)

// OpenSource dials the transport configured on the mailbox.
func OpenSource(ctx context.Context, mailbox *models.Mailbox) (MessageSource, error) {
	switch mailbox.Provider {
	case models.ProviderHTTPAPI:
		return openAPISource(mailbox)
	default:
		return openIMAPSource(ctx, mailbox)
	}
}

// ---- direct protocol path ----

type imapSource struct {
	client *utils.IMAPClient
	since  *time.Time
}

// searchSince derives the incremental search window from the mailbox's last
// successful sync. Backed up a day because the protocol's date search has day
// granularity and ignores time zones; dedup absorbs the overlap.
func searchSince(mailbox *models.Mailbox) *time.Time {
	if mailbox.SyncState == nil || mailbox.SyncState.LastSyncedAt == nil {
		return nil
	}
	since := mailbox.SyncState.LastSyncedAt.AddDate(0, 0, -1)
	return &since
}

func openIMAPSource(ctx context.Context, mailbox *models.Mailbox) (MessageSource, error) {
	if mailbox.IMAPHost == "" {
		return nil, fmt.Errorf("%w: mailbox %d has no host configured", ErrMailboxConfig, mailbox.ID)
	}

	client, err := utils.DialIMAP(mailbox.IMAPHost, mailbox.IMAPPort, mailbox.IMAPEncryption)
	if err != nil {
		return nil, err
	}

	if mailbox.OAuthProvider != "" {
		token, err := refreshOAuthToken(ctx, mailbox)
		if err != nil {
			client.Close()
			return nil, err
		}
		if err := client.AuthenticateXOAuth2(mailbox.IMAPUsername, token); err != nil {
			client.Close()
			return nil, err
		}
	} else {
		password, err := utils.Decrypt(mailbox.IMAPPassword)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: failed to decrypt password for mailbox %d: %v", ErrMailboxConfig, mailbox.ID, err)
		}
		if password == "" {
			client.Close()
			return nil, fmt.Errorf("%w: mailbox %d has no credentials", ErrMailboxConfig, mailbox.ID)
		}
		if err := client.Login(mailbox.IMAPUsername, password); err != nil {
			client.Close()
			return nil, err
		}
	}

	folder := mailbox.IMAPFolder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder); err != nil {
		client.Close()
		return nil, err
	}
	return &imapSource{client: client, since: searchSince(mailbox)}, nil
}

func (s *imapSource) List(_ context.Context) ([]string, error) {
	seqs, err := s.client.Search(s.since)
	if err != nil {
		return nil, err
	}
	// Server order is ascending; the engine wants most recent mail first.
	ids := make([]string, 0, len(seqs))
	for i := len(seqs) - 1; i >= 0; i-- {
		ids = append(ids, strconv.Itoa(seqs[i]))
	}
	return ids, nil
}

func (s *imapSource) Fetch(_ context.Context, id string) (*utils.ParsedEmail, error) {
	seq, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid sequence id %q: %w", id, err)
	}
	raw, err := s.client.Fetch(seq)
	if err != nil {
		return nil, err
	}
	return utils.ParseMessage(raw)
}

func (s *imapSource) Close() error {
	return s.client.Logout()
}

func refreshOAuthToken(ctx context.Context, mailbox *models.Mailbox) (string, error) {
	var oc config.OAuthConfig
	switch mailbox.OAuthProvider {
	case "google":
		oc = config.AppConfig.Google
	case "microsoft":
		oc = config.AppConfig.Microsoft
	default:
		return "", fmt.Errorf("%w: unknown oauth provider %q", ErrMailboxConfig, mailbox.OAuthProvider)
	}
	if oc.ClientID == "" || oc.ClientSecret == "" {
		return "", fmt.Errorf("%w: oauth credentials for %s are not configured", ErrMailboxConfig, mailbox.OAuthProvider)
	}

	refreshToken, err := utils.Decrypt(mailbox.OAuthRefreshToken)
	if err != nil || refreshToken == "" {
		return "", fmt.Errorf("%w: mailbox %d has no usable refresh token", ErrMailboxConfig, mailbox.ID)
	}

	cfg := &oauth2.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: oc.TokenURL},
	}
	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh oauth token: %w", err)
	}
	return token.AccessToken, nil
}

// ---- signed HTTP API path ----

type apiSource struct {
	client  *utils.ProviderClient
	domain  string
	account string
	ownAddr string
}

func openAPISource(mailbox *models.Mailbox) (MessageSource, error) {
	if mailbox.APIEndpoint == "" || mailbox.APIDomain == "" || mailbox.APIAccountName == "" {
		return nil, fmt.Errorf("%w: mailbox %d is missing API connection settings", ErrMailboxConfig, mailbox.ID)
	}
	appSecret, err := utils.Decrypt(mailbox.APIAppSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt API app secret: %v", ErrMailboxConfig, err)
	}
	consumerKey, err := utils.Decrypt(mailbox.APIConsumerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt API consumer key: %v", ErrMailboxConfig, err)
	}
	if appSecret == "" || consumerKey == "" {
		return nil, fmt.Errorf("%w: mailbox %d has no API credentials", ErrMailboxConfig, mailbox.ID)
	}

	return &apiSource{
		client:  utils.NewProviderClient(mailbox.APIEndpoint, mailbox.APIAppKey, appSecret, consumerKey),
		domain:  mailbox.APIDomain,
		account: mailbox.APIAccountName,
		ownAddr: mailbox.Email,
	}, nil
}

func (s *apiSource) List(ctx context.Context) ([]string, error) {
	numeric, err := s.client.ListMessageIDs(ctx, s.domain, s.account)
	if err != nil {
		return nil, err
	}
	// Vendor ids are assigned in arrival order; descending means newest first.
	sort.Slice(numeric, func(i, j int) bool { return numeric[i] > numeric[j] })

	ids := make([]string, len(numeric))
	for i, n := range numeric {
		ids[i] = strconv.FormatInt(n, 10)
	}
	return ids, nil
}

func (s *apiSource) Fetch(ctx context.Context, id string) (*utils.ParsedEmail, error) {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	msg, err := s.client.FetchMessage(ctx, s.domain, s.account, numeric)
	if err != nil {
		return nil, err
	}

	email := &utils.ParsedEmail{
		// The vendor exposes no Message-ID header; the id is stable per
		// account so this stays a valid dedup key across runs.
		MessageID: fmt.Sprintf("<%d@%s>", msg.ID, s.domain),
		Subject:   utils.DecodeHeader(msg.Subject),
		Date:      msg.ReceivedTime(),
		Text:      msg.Body,
	}
	if from := utils.ParseAddressList(msg.From); len(from) > 0 {
		email.From = from[0]
	}
	for _, to := range msg.To {
		email.To = append(email.To, utils.ParseAddressList(to)...)
	}
	return email, nil
}

func (s *apiSource) Close() error { return nil }
