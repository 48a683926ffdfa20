package utils

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProviderClient(endpoint string) *ProviderClient {
	p := NewProviderClient(endpoint, "app-key", "app-secret", "consumer-key")
	p.backoff = time.Millisecond
	return p
}

func TestProviderClientSignsRequests(t *testing.T) {
	var signatureOK bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timestamp := r.Header.Get("X-Api-Timestamp")
		url := "http://" + r.Host + r.URL.RequestURI()
		payload := "app-secret+consumer-key+GET+" + url + "++" + timestamp
		sum := sha1.Sum([]byte(payload))
		expected := "$1$" + hex.EncodeToString(sum[:])

		signatureOK = r.Header.Get("X-Api-Signature") == expected &&
			r.Header.Get("X-Api-Application") == "app-key" &&
			r.Header.Get("X-Api-Consumer") == "consumer-key"

		fmt.Fprint(w, "[]")
	}))
	defer server.Close()

	p := newTestProviderClient(server.URL)
	_, err := p.ListMessageIDs(context.Background(), "example.com", "support")
	require.NoError(t, err)
	assert.True(t, signatureOK, "signature did not match the recomputed value")
}

func TestProviderClientListPaginates(t *testing.T) {
	var offsets []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		offsets = append(offsets, offset)
		switch offset {
		case "0":
			fmt.Fprint(w, "[5,4]")
		case "2":
			fmt.Fprint(w, "[3,2]")
		default:
			fmt.Fprint(w, "[1]")
		}
	}))
	defer server.Close()

	p := newTestProviderClient(server.URL)
	p.pageSize = 2

	ids, err := p.ListMessageIDs(context.Background(), "example.com", "support")
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, ids)
	assert.Equal(t, []string{"0", "2", "4"}, offsets)
}

func TestProviderClientFetchMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains/example.com/accounts/support/messages/42", r.URL.Path)
		fmt.Fprint(w, `{"from":"alice@example.com","to":["support@example.com"],"subject":"Help","body":"please","date":"2023-01-02T15:04:05Z"}`)
	}))
	defer server.Close()

	p := newTestProviderClient(server.URL)
	msg, err := p.FetchMessage(context.Background(), "example.com", "support", 42)
	require.NoError(t, err)

	// id missing from the payload falls back to the requested one
	assert.Equal(t, int64(42), msg.ID)
	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, "Help", msg.Subject)
	assert.Equal(t, time.Date(2023, 1, 2, 15, 4, 5, 0, time.UTC), msg.ReceivedTime().UTC())
}

func TestProviderClientRetriesOnServerError(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "[7]")
	}))
	defer server.Close()

	p := newTestProviderClient(server.URL)
	ids, err := p.ListMessageIDs(context.Background(), "example.com", "support")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)
	assert.Equal(t, 3, attempts)
}

func TestProviderClientGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := newTestProviderClient(server.URL)
	_, err := p.ListMessageIDs(context.Background(), "example.com", "support")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Equal(t, 3, attempts)
}

func TestProviderClientDoesNotRetryClientErrors(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"signature invalid"}`)
	}))
	defer server.Close()

	p := newTestProviderClient(server.URL)
	_, err := p.FetchMessage(context.Background(), "example.com", "support", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature invalid")
	assert.Equal(t, 1, attempts)
}
