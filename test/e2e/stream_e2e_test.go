//go:build e2e

package e2e_test

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestE2E_Stream_DeliversSubmittedEvent opens the live feed, submits a job,
// and waits for its job.submitted event to travel the whole pipeline: outbox
// row, dispatcher, the events topic, and the SSE fan-out.
func TestE2E_Stream_DeliversSubmittedEvent(t *testing.T) {
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	streamReq := apiRequest(t, http.MethodGet, "/v1/jobs/stream", nil, nil).WithContext(ctx)
	streamResp, err := (&http.Client{}).Do(streamReq)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	require.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	// Let the subscription settle before producing the event.
	time.Sleep(2 * time.Second)

	status, created := submitJob(t, client, submissionBody(nil), map[string]string{
		"Idempotency-Key": freshKey(),
	})
	require.Equal(t, http.StatusCreated, status, "submit: %#v", created)
	id := jobID(t, created)

	scanner := bufio.NewScanner(streamResp.Body)
	sawEventType := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: job.submitted" {
			sawEventType = true
			continue
		}
		if sawEventType && strings.HasPrefix(line, "data: ") && strings.Contains(line, id) {
			return
		}
		if !strings.HasPrefix(line, "event: ") {
			sawEventType = false
		}
	}
	t.Fatalf("stream closed without delivering job.submitted for %s: %v", id, scanner.Err())
}
