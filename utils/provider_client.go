package utils

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ProviderClient talks to the vendor's signed REST API for accounts that
// cannot be reached over the mailbox protocol directly.
type ProviderClient struct {
	endpoint    string
	appKey      string
	appSecret   string
	consumerKey string
	httpClient  *http.Client
	log         *logrus.Entry

	maxAttempts int
	backoff     time.Duration
	pageSize    int
}

// ProviderMessage is one message as the vendor API returns it.
type ProviderMessage struct {
	ID      int64    `json:"id"`
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	Date    string   `json:"date"`
}

// ReceivedTime parses the vendor's date field best effort.
func (m *ProviderMessage) ReceivedTime() time.Time {
	for _, layout := range []string{time.RFC3339, time.RFC1123Z, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, m.Date); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

func NewProviderClient(endpoint, appKey, appSecret, consumerKey string) *ProviderClient {
	return &ProviderClient{
		endpoint:    strings.TrimRight(endpoint, "/"),
		appKey:      appKey,
		appSecret:   appSecret,
		consumerKey: consumerKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         logrus.WithField("component", "provider_client"),
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		pageSize:    100,
	}
}

// ListMessageIDs enumerates every message id for an account, newest last as
// the vendor returns them. The list endpoint is paginated so a large mailbox
// does not come back in one response.
func (p *ProviderClient) ListMessageIDs(ctx context.Context, domain, account string) ([]int64, error) {
	var all []int64
	for offset := 0; ; offset += p.pageSize {
		path := fmt.Sprintf("/domains/%s/accounts/%s/messages?limit=%d&offset=%d",
			domain, account, p.pageSize, offset)

		var page []int64
		if err := p.do(ctx, http.MethodGet, path, &page); err != nil {
			return nil, fmt.Errorf("failed to list messages for %s@%s: %w", account, domain, err)
		}
		all = append(all, page...)
		if len(page) < p.pageSize {
			return all, nil
		}
	}
}

// FetchMessage retrieves one message's fields by id.
func (p *ProviderClient) FetchMessage(ctx context.Context, domain, account string, id int64) (*ProviderMessage, error) {
	path := fmt.Sprintf("/domains/%s/accounts/%s/messages/%d", domain, account, id)

	var msg ProviderMessage
	if err := p.do(ctx, http.MethodGet, path, &msg); err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
	}
	if msg.ID == 0 {
		msg.ID = id
	}
	return &msg, nil
}

// do performs one signed request with bounded retry on throttling and server
// errors.
func (p *ProviderClient) do(ctx context.Context, method, path string, out interface{}) error {
	url := p.endpoint + path

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.backoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return err
		}
		p.signRequest(req, "")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("provider returned status %d", resp.StatusCode)
			p.log.WithFields(logrus.Fields{
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
				"path":    path,
			}).Warn("Provider request throttled or failed, backing off")
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			var apiErr struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
				return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, apiErr.Message)
			}
			return fmt.Errorf("provider returned status %d", resp.StatusCode)
		}

		return json.Unmarshal(body, out)
	}
	return lastErr
}

// signRequest stamps the request with the vendor's SHA-1 signature scheme:
// sha1(appSecret + "+" + consumerKey + "+" + method + "+" + url + "+" + body
// + "+" + timestamp), hex encoded with a "$1$" prefix.
func (p *ProviderClient) signRequest(req *http.Request, body string) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	payload := strings.Join([]string{
		p.appSecret,
		p.consumerKey,
		req.Method,
		req.URL.String(),
		body,
		timestamp,
	}, "+")
	sum := sha1.Sum([]byte(payload))

	req.Header.Set("X-Api-Application", p.appKey)
	req.Header.Set("X-Api-Consumer", p.consumerKey)
	req.Header.Set("X-Api-Timestamp", timestamp)
	req.Header.Set("X-Api-Signature", "$1$"+hex.EncodeToString(sum[:]))
}
