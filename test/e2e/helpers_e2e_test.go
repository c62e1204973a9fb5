//go:build e2e

// Package e2e_test exercises a running listing-intake deployment end to end.
//
// The suite is black box: it talks to the API over HTTP only and needs the
// server, worker, Postgres, Redis and Redpanda from deploy/docker-compose.yml
// to be up. Configuration comes from the environment:
//
//	E2E_BASE_URL    API base (default http://localhost:8080)
//	E2E_JWT_SECRET  must match the server's JWT_SECRET
//	E2E_TENANT      tenant id the minted token is entitled to (default t_e2e)
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	appReadyTimeout = 60 * time.Second
	httpTimeout     = 15 * time.Second
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:8080") }

func tenantID() string { return getenv("E2E_TENANT", "t_e2e") }

// mintToken signs a short-lived HS256 token entitled to the suite tenant.
func mintToken(t *testing.T, tenants ...string) string {
	t.Helper()
	secret := getenv("E2E_JWT_SECRET", "")
	require.NotEmpty(t, secret, "E2E_JWT_SECRET must be set")
	if len(tenants) == 0 {
		tenants = []string{tenantID()}
	}

	now := time.Now()
	claims := struct {
		Tenants []string `json:"tenants"`
		jwt.RegisteredClaims
	}{
		Tenants: tenants,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    getenv("E2E_JWT_ISSUER", "listing-intake"),
			Subject:   "usr_e2e",
			Audience:  jwt.ClaimStrings{getenv("E2E_JWT_AUDIENCE", "intake-api")},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

// waitForAppReady polls /ready until the deployment reports itself healthy.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/ready")
		if err == nil {
			ok := resp.StatusCode == http.StatusOK
			resp.Body.Close()
			if ok {
				return
			}
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatalf("app not ready after %s", timeout)
}

// submissionBody returns a submit payload with a unique seller per call so
// repeated runs do not collide on derived idempotency keys.
func submissionBody(overrides map[string]any) map[string]any {
	body := map[string]any{
		"seller_id":        "seller-" + uuid.NewString()[:8],
		"channel":          "web_marketplace",
		"type":             "validation",
		"file_ref":         "https://files.example.com/listings/batch-1.csv",
		"rules_profile_id": "web_marketplace@1.2.0",
	}
	for k, v := range overrides {
		body[k] = v
	}
	return body
}

// apiRequest builds an authenticated request with tenant and JSON headers.
func apiRequest(t *testing.T, method, path string, payload any, headers map[string]string) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL()+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+mintToken(t))
	req.Header.Set("X-Tenant-Id", tenantID())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

// doJSON executes the request and decodes the JSON response body.
func doJSON(t *testing.T, client *http.Client, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

// submitJob submits one job and returns its decoded response.
func submitJob(t *testing.T, client *http.Client, body map[string]any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	return doJSON(t, client, apiRequest(t, http.MethodPost, "/v1/jobs", body, headers))
}

// getJob fetches one job by id.
func getJob(t *testing.T, client *http.Client, jobID string) (int, map[string]any) {
	t.Helper()
	return doJSON(t, client, apiRequest(t, http.MethodGet, "/v1/jobs/"+jobID, nil, nil))
}

// dataOf unwraps the data envelope of a success response.
func dataOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "data object missing: %#v", body)
	return data
}

func isReplay(body map[string]any) bool {
	meta, _ := body["meta"].(map[string]any)
	replay, _ := meta["is_replay"].(bool)
	return replay
}

func jobID(t *testing.T, body map[string]any) string {
	t.Helper()
	id, _ := dataOf(t, body)["job_id"].(string)
	require.NotEmpty(t, id, "job_id missing: %#v", body)
	return id
}

func errCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func errMessage(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	msg, _ := errObj["message"].(string)
	return msg
}

func freshKey() string { return fmt.Sprintf("e2e-%s", uuid.NewString()) }
