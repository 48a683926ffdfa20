package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maildesk/worker"
)

type stubRunner struct {
	result *worker.RunResult
	err    error
	jobID  uint
}

func (s *stubRunner) ProcessJob(_ context.Context, jobID uint) (*worker.RunResult, error) {
	s.jobID = jobID
	return s.result, s.err
}

func newTestApp(stub *stubRunner) *fiber.App {
	app := fiber.New()
	sc := NewSyncController(stub, log.New(io.Discard, "", 0))
	app.Post("/sync/jobs/run", sc.RunJob)
	return app
}

func postRunJob(t *testing.T, app *fiber.App, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("POST", "/sync/jobs/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func TestRunJobSuccess(t *testing.T) {
	stub := &stubRunner{result: &worker.RunResult{
		JobID:     7,
		Completed: true,
		Progress:  map[string]int{"processed": 5, "total": 5, "synced": 4, "skipped": 1, "errors": 0},
	}}
	app := newTestApp(stub)

	status, payload := postRunJob(t, app, `{"job_id": 7}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, uint(7), stub.jobID)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, float64(7), payload["job_id"])
	assert.Equal(t, true, payload["completed"])

	progress, ok := payload["progress"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(5), progress["processed"])
	assert.Equal(t, float64(1), progress["skipped"])
}

func TestRunJobMissingJobID(t *testing.T) {
	app := newTestApp(&stubRunner{})

	status, payload := postRunJob(t, app, `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.NotEmpty(t, payload["error"])
}

func TestRunJobMalformedBody(t *testing.T) {
	app := newTestApp(&stubRunner{})

	status, _ := postRunJob(t, app, `{not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestRunJobErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", worker.ErrJobNotFound, fiber.StatusNotFound},
		{"busy", worker.ErrMailboxBusy, fiber.StatusConflict},
		{"not runnable", worker.ErrJobNotRunnable, fiber.StatusUnprocessableEntity},
		{"transport failure", errors.New("connection refused"), fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(&stubRunner{err: tc.err})
			status, payload := postRunJob(t, app, `{"job_id": 1}`)
			assert.Equal(t, tc.status, status)
			assert.NotEmpty(t, payload["error"])
		})
	}
}
