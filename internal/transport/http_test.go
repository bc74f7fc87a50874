package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ptymcp "github.com/ptyhub/mcp-pty/internal/mcp"
	"github.com/ptyhub/mcp-pty/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const initializeMsg = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`

// newTestServer assembles the full HTTP stack on an httptest listener.
func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	sm := session.NewManager(testLogger())
	srv := ptymcp.NewServer(sm, ptymcp.Options{Version: "test", Logger: testLogger()})
	ht := NewHTTPServer(sm, srv, HTTPOptions{Version: "test", Logger: testLogger()})

	ts := httptest.NewServer(ht.Handler())
	t.Cleanup(ts.Close)
	return ts, sm
}

func postMCP(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /mcp failed: %v", err)
	}
	return resp
}

func bodyString(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(data)
}

func errorCode(t *testing.T, body string) int {
	t.Helper()
	var env struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("decoding error envelope %q: %v", body, err)
	}
	return env.Error.Code
}

func TestLiveness(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/", "/mcp"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		var body livenessBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decoding liveness body: %v", err)
		}
		resp.Body.Close()
		if !body.Success || body.Message != livenessMessage || body.Version != "test" {
			t.Errorf("GET %s body = %+v, want the liveness document", path, body)
		}
	}
}

func TestRootOnlyServesRoot(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", resp.StatusCode)
	}
}

func TestPostMintsSessionWithDeferredConnect(t *testing.T) {
	ts, sm := newTestServer(t)

	resp := postMCP(t, ts.URL, "", initializeMsg)
	body := bodyString(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", resp.StatusCode, body)
	}
	id := resp.Header.Get(SessionHeader)
	if id == "" {
		t.Fatal("response missing the session id header")
	}
	if !strings.Contains(body, "mcp-pty") {
		t.Errorf("initialize response = %s, want the server name", body)
	}

	// The server link is deferred until a request carries the id, so
	// the fresh session is still initializing.
	sess, ok := sm.Get(id)
	if !ok {
		t.Fatal("minted session not in the manager")
	}
	if sess.Status != session.StatusInitializing {
		t.Errorf("status after mint = %q, want initializing", sess.Status)
	}

	// First id-carrying request completes the connect.
	resp = postMCP(t, ts.URL, id, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	bodyString(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/list status = %d, want 200", resp.StatusCode)
	}
	sess, _ = sm.Get(id)
	if sess.Status != session.StatusActive {
		t.Errorf("status after first carried request = %q, want active", sess.Status)
	}
}

func TestGetSessionStatus(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postMCP(t, ts.URL, "", initializeMsg)
	bodyString(t, resp)
	id := resp.Header.Get(SessionHeader)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req.Header.Set(SessionHeader, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /mcp failed: %v", err)
	}
	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding status body: %v", err)
	}
	resp.Body.Close()
	if !body.Success || body.SessionID != id {
		t.Errorf("status body = %+v, want the session echoed", body)
	}
	if body.Status != string(session.StatusInitializing) {
		t.Errorf("status = %q, want initializing before any carried POST", body.Status)
	}
}

func TestRecoveryRoundTrip(t *testing.T) {
	ts, sm := newTestServer(t)

	resp := postMCP(t, ts.URL, "01TERMINATED00000000000000", initializeMsg)
	body := bodyString(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stale POST status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, body); code != codeSessionNotFound {
		t.Errorf("error code = %d, want %d", code, codeSessionNotFound)
	}
	fresh := resp.Header.Get(SessionHeader)
	if fresh == "" || fresh == "01TERMINATED00000000000000" {
		t.Fatalf("recovery header = %q, want a fresh id", fresh)
	}

	// The replacement is fully initialized before the 404 went out.
	sess, ok := sm.Get(fresh)
	if !ok {
		t.Fatal("replacement session not in the manager")
	}
	if sess.Status != session.StatusActive {
		t.Errorf("replacement status = %q, want active", sess.Status)
	}

	// Retrying with the fresh id succeeds without a further 404.
	resp = postMCP(t, ts.URL, fresh, initializeMsg)
	bodyString(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("retry status = %d, want 200", resp.StatusCode)
	}
}

func TestRecoveryOnGet(t *testing.T) {
	ts, sm := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req.Header.Set(SessionHeader, "01UNKNOWN00000000000000000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /mcp failed: %v", err)
	}
	body := bodyString(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body %s)", resp.StatusCode, body)
	}
	fresh := resp.Header.Get(SessionHeader)
	if fresh == "" {
		t.Fatal("recovery header missing")
	}
	if sess, ok := sm.Get(fresh); !ok || sess.Status != session.StatusActive {
		t.Errorf("replacement session = %+v (ok=%v), want active", sess, ok)
	}
}

func TestDeleteSession(t *testing.T) {
	ts, sm := newTestServer(t)

	resp := postMCP(t, ts.URL, "", initializeMsg)
	bodyString(t, resp)
	id := resp.Header.Get(SessionHeader)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	req.Header.Set(SessionHeader, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /mcp failed: %v", err)
	}
	var body deleteBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding delete body: %v", err)
	}
	resp.Body.Close()
	if !body.Success || body.SessionID != id {
		t.Errorf("delete body = %+v, want success with the id echoed", body)
	}
	if _, ok := sm.Get(id); ok {
		t.Error("session survived DELETE")
	}
}

func TestDeleteWithoutHeader(t *testing.T) {
	ts, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /mcp failed: %v", err)
	}
	body := bodyString(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, body); code != codeInvalidRequest {
		t.Errorf("error code = %d, want %d", code, codeInvalidRequest)
	}
}

func TestMalformedPost(t *testing.T) {
	ts, sm := newTestServer(t)

	resp := postMCP(t, ts.URL, "", `{"jsonrpc": `)
	body := bodyString(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, body); code != codeParseError {
		t.Errorf("error code = %d, want %d", code, codeParseError)
	}
	if n := sm.Count(); n != 0 {
		t.Errorf("session count after malformed POST = %d, want 0", n)
	}
}

func TestNotificationsYield202(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postMCP(t, ts.URL, "", initializeMsg)
	bodyString(t, resp)
	id := resp.Header.Get(SessionHeader)

	resp = postMCP(t, ts.URL, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	bodyString(t, resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("notification status = %d, want 202", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/mcp", bytes.NewReader(nil))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /mcp failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /mcp failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := resp.Header.Get("Access-Control-Expose-Headers"); !strings.Contains(got, SessionHeader) {
		t.Errorf("Expose-Headers = %q, want it to include %s", got, SessionHeader)
	}
}

func TestConcurrentFirstRequestsConnectOnce(t *testing.T) {
	ts, sm := newTestServer(t)

	resp := postMCP(t, ts.URL, "", initializeMsg)
	bodyString(t, resp)
	id := resp.Header.Get(SessionHeader)

	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			resp := postMCP(t, ts.URL, id, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- io.ErrUnexpectedEOF
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < workers; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("concurrent request %d failed", i)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("concurrent requests timed out")
		}
	}

	if sess, _ := sm.Get(id); sess.Status != session.StatusActive {
		t.Errorf("status = %q, want active after the burst", sess.Status)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	sm := session.NewManager(testLogger())
	srv := ptymcp.NewServer(sm, ptymcp.Options{Version: "test", Logger: testLogger()})
	ht := NewHTTPServer(sm, srv, HTTPOptions{Version: "test", Logger: testLogger()})

	mux := http.NewServeMux()
	mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})
	ts := httptest.NewServer(ht.recoveryMiddleware(mux))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/boom")
	if err != nil {
		t.Fatalf("GET /boom failed: %v", err)
	}
	body := bodyString(t, resp)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if code := errorCode(t, body); code != codeInternalError {
		t.Errorf("error code = %d, want %d", code, codeInternalError)
	}
}
