//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"testing"
)

func baseURL() string {
	if addr := os.Getenv("TEST_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8080"
}

func TestHealth(t *testing.T) {
	resp, err := http.Get(baseURL() + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	body := `{"username":"admin","password":"admin"}`
	resp, err := http.Post(baseURL()+"/api/auth/login", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /api/auth/login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
		return
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if tok, ok := result["access_token"].(string); !ok || tok == "" {
		t.Error("expected non-empty access_token in response")
	}
}

func TestAddListGetRemoveStream(t *testing.T) {
	tok := adminToken(t)

	streamID := "integration-test-stream"
	body, _ := json.Marshal(map[string]any{
		"id":         streamID,
		"source_uri": "ws://example.invalid/live",
	})
	req := authedRequest(t, http.MethodPost, "/api/streams", tok, body)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/streams: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	req = authedRequest(t, http.MethodGet, "/api/streams/"+streamID, tok, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/streams/%s: %v", streamID, err)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if status["id"] != streamID {
		t.Errorf("expected id=%s, got %v", streamID, status["id"])
	}

	req = authedRequest(t, http.MethodDelete, "/api/streams/"+streamID, tok, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /api/streams/%s: %v", streamID, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
}

func authedRequest(t *testing.T, method, path, token string, body []byte) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, baseURL()+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// adminToken logs in as the default admin and returns the access token.
func adminToken(t *testing.T) string {
	t.Helper()
	body := `{"username":"admin","password":"admin"}`
	resp, err := http.Post(baseURL()+"/api/auth/login", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	tok, ok := result["access_token"].(string)
	if !ok || tok == "" {
		t.Fatal("no access_token in login response")
	}
	return tok
}
