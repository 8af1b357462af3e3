package main

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("reading body of %s failed: %v", path, err)
	}
	return resp, string(body)
}

// TestServeMarkdownPage tests rendering a markdown file as a full page
func TestServeMarkdownPage(t *testing.T) {
	dir := t.TempDir()
	createTestMarkdownFile(t, dir, "hello.md", testMarkdownHeader)

	a := newTestApp(t, dir, nil)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, body := get(t, srv, "/hello.md")
	assertStatusCode(t, resp.StatusCode, http.StatusOK)
	assertContains(t, resp.Header.Get("Content-Type"), "text/html")
	assertValidHTML(t, body)
	assertContains(t, body, "Hello World")
	assertContains(t, body, "<strong>test</strong>")
	assertContains(t, body, "window.MARKON")
}

// TestServeDirectoryListing tests the listing page ordering and links
func TestServeDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	createTestMarkdownFile(t, dir, "zeta.md", testMarkdownSimple)
	createTestMarkdownFile(t, dir, "alpha.md", testMarkdownSimple)
	createTestMarkdownFile(t, dir, "docs/inner.md", testMarkdownSimple)
	createTestMarkdownFile(t, dir, ".hidden.md", testMarkdownSimple)
	if err := os.Mkdir(filepath.Join(dir, "node_modules"), 0755); err != nil {
		t.Fatalf("failed to create node_modules: %v", err)
	}

	a := newTestApp(t, dir, nil)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, body := get(t, srv, "/")
	assertStatusCode(t, resp.StatusCode, http.StatusOK)
	assertValidHTML(t, body)

	assertContains(t, body, `href="/docs"`)
	assertContains(t, body, `href="/alpha.md"`)
	assertContains(t, body, `href="/zeta.md"`)
	assertNotContains(t, body, ".hidden.md")
	assertNotContains(t, body, "node_modules")

	// Directories sort before files.
	if strings.Index(body, `href="/docs"`) > strings.Index(body, `href="/alpha.md"`) {
		t.Error("directory listed after files")
	}
	if strings.Index(body, `href="/alpha.md"`) > strings.Index(body, `href="/zeta.md"`) {
		t.Error("files not sorted by name")
	}

	// Subdirectory listing links back to the parent.
	_, sub := get(t, srv, "/docs")
	assertContains(t, sub, `href="/"`)
	assertContains(t, sub, `href="/docs/inner.md"`)
}

// TestServeRawFiles tests static serving with the fixed MIME table
func TestServeRawFiles(t *testing.T) {
	dir := t.TempDir()

	files := map[string]struct {
		content  string
		wantMIME string
	}{
		"image.png":    {content: "\x89PNG", wantMIME: "image/png"},
		"photo.jpg":    {content: "jpeg", wantMIME: "image/jpeg"},
		"notes.txt":    {content: "plain text", wantMIME: "text/plain; charset=utf-8"},
		"data.json":    {content: "{}", wantMIME: "application/json"},
		"archive.zip":  {content: "PK", wantMIME: "application/zip"},
		"mystery.blob": {content: "???", wantMIME: "application/octet-stream"},
	}
	for name, f := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(f.content), 0644); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}

	a := newTestApp(t, dir, nil)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	for name, f := range files {
		t.Run(name, func(t *testing.T) {
			resp, body := get(t, srv, "/"+name)
			assertStatusCode(t, resp.StatusCode, http.StatusOK)
			if got := resp.Header.Get("Content-Type"); got != f.wantMIME {
				t.Errorf("Content-Type = %q, want %q", got, f.wantMIME)
			}
			if body != f.content {
				t.Errorf("body = %q, want %q", body, f.content)
			}
		})
	}
}

// TestSingleFileModeRoot verifies a file target is served at /
func TestSingleFileModeRoot(t *testing.T) {
	dir := t.TempDir()
	createTestMarkdownFile(t, dir, "target.md", testMarkdownHeader)

	box, err := newSandbox(dir)
	if err != nil {
		t.Fatalf("newSandbox failed: %v", err)
	}
	cfg := &config{Root: box.root, SingleFile: "target.md", Theme: "auto"}
	a, err := newApp(cfg, box, nil, nil)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, body := get(t, srv, "/")
	assertStatusCode(t, resp.StatusCode, http.StatusOK)
	assertContains(t, body, "Hello World")
}

// TestSearchEndpoint tests the JSON search API
func TestSearchEndpoint(t *testing.T) {
	dir := t.TempDir()
	createTestMarkdownFile(t, dir, "notes.md", testMarkdownNotes)
	createTestMarkdownFile(t, dir, "plan.md", "# Plan\n\nproject milestones")

	a := newTestApp(t, dir, nil)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, body := get(t, srv, "/search?q=project")
	assertStatusCode(t, resp.StatusCode, http.StatusOK)
	assertContains(t, resp.Header.Get("Content-Type"), "application/json")

	var results []searchResult
	if err := json.Unmarshal([]byte(body), &results); err != nil {
		t.Fatalf("response is not a JSON array: %v\n%s", err, body)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}

	// Empty, whitespace and malformed queries all answer with an empty array.
	for _, q := range []string{"", "%20%20", "%22unterminated"} {
		resp, body := get(t, srv, "/search?q="+q)
		assertStatusCode(t, resp.StatusCode, http.StatusOK)
		if strings.TrimSpace(body) != "[]" {
			t.Errorf("search(q=%q) body = %q, want []", q, body)
		}
	}
}

// TestSearchEndpointDisabled verifies /search answers [] when the index is off
func TestSearchEndpointDisabled(t *testing.T) {
	dir := t.TempDir()
	createTestMarkdownFile(t, dir, "doc.md", testMarkdownNotes)

	box, err := newSandbox(dir)
	if err != nil {
		t.Fatalf("newSandbox failed: %v", err)
	}
	cfg := &config{Root: box.root, Theme: "auto"}
	a, err := newApp(cfg, box, nil, nil)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	_, body := get(t, srv, "/search?q=project")
	if strings.TrimSpace(body) != "[]" {
		t.Errorf("disabled search body = %q, want []", body)
	}
}

// TestSSEEndpoint tests the live-reload stream headers and delivery
func TestSSEEndpoint(t *testing.T) {
	dir := t.TempDir()
	createTestMarkdownFile(t, dir, "doc.md", testMarkdownSimple)

	a := newTestApp(t, dir, nil)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events failed: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp.StatusCode, http.StatusOK)
	assertContains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading SSE stream: %v", err)
	}
	assertContains(t, line, ": connected")

	// A notification reaches the connected client.
	go func() {
		time.Sleep(50 * time.Millisecond)
		a.notifyReload("file_modified", "doc.md")
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			assertContains(t, line, `"type":"file_modified"`)
			assertContains(t, line, `"path":"doc.md"`)
			return
		}
	}
	t.Fatal("never received file_modified event")
}

// TestMarkdownRequestsNeverFailHard verifies odd content still answers 200
func TestMarkdownRequestsNeverFailHard(t *testing.T) {
	dir := t.TempDir()
	createTestMarkdownFile(t, dir, "odd.md", string([]byte{0xff, 0xfe, '#', ' ', 'x'}))

	a := newTestApp(t, dir, nil)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, _ := get(t, srv, "/odd.md")
	assertStatusCode(t, resp.StatusCode, http.StatusOK)
}

// TestRecoveryMiddleware verifies a panicking handler answers 500
func TestRecoveryMiddleware(t *testing.T) {
	h := withRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assertStatusCode(t, rec.Code, http.StatusInternalServerError)
}

// TestWebsocketRouteAbsentWithoutCollab verifies /ws is not routed when the
// hub is disabled
func TestWebsocketRouteAbsentWithoutCollab(t *testing.T) {
	dir := t.TempDir()
	createTestMarkdownFile(t, dir, "doc.md", testMarkdownSimple)

	a := newTestApp(t, dir, nil)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, _ := get(t, srv, "/ws")
	// Without the hub the path falls through to the document handler.
	assertStatusCode(t, resp.StatusCode, http.StatusNotFound)
}
