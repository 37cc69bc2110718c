package streamhttp

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/txtx/moneymq/streamstore"
)

func newTestServer(t *testing.T) (*streamstore.Store, *httptest.Server) {
	t.Helper()
	store := streamstore.New(streamstore.WithSweepInterval(time.Hour))
	t.Cleanup(store.Close)

	r := chi.NewRouter()
	r.Handle("/stream/*", New(store, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return store, srv
}

func doReq(t *testing.T, method, url, contentType, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestPutCreatesStream(t *testing.T) {
	_, srv := newTestServer(t)

	resp := doReq(t, http.MethodPut, srv.URL+"/stream/c-1", "application/json", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("got status %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("Stream-Next-Offset") == "" {
		t.Fatalf("expected Stream-Next-Offset header on create")
	}

	dup := doReq(t, http.MethodPut, srv.URL+"/stream/c-1", "application/json", "", nil)
	dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("got status %d on duplicate create, want 409", dup.StatusCode)
	}
}

func TestPostAppendsAndGetReadsJSON(t *testing.T) {
	_, srv := newTestServer(t)

	create := doReq(t, http.MethodPut, srv.URL+"/stream/c-2", "application/json", "", nil)
	create.Body.Close()
	start := create.Header.Get("Stream-Next-Offset")

	appendResp := doReq(t, http.MethodPost, srv.URL+"/stream/c-2", "application/json", `{"k":"v"}`, nil)
	appendResp.Body.Close()
	if appendResp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d on append, want 200", appendResp.StatusCode)
	}
	next := appendResp.Header.Get("Stream-Next-Offset")
	if next == "" || next == start {
		t.Fatalf("expected append to advance the offset, got %q -> %q", start, next)
	}

	// Reading from the pre-append offset returns the appended message,
	// wrapped in a JSON array since the stream's content type is JSON.
	read := doReq(t, http.MethodGet, srv.URL+"/stream/c-2?offset="+start, "", "", nil)
	defer read.Body.Close()
	if read.StatusCode != http.StatusOK {
		t.Fatalf("got status %d on read, want 200", read.StatusCode)
	}
	body, err := io.ReadAll(read.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != `[{"k":"v"}]` {
		t.Fatalf("got body %q, want [{\"k\":\"v\"}]", body)
	}
	if read.Header.Get("Stream-Next-Offset") != next {
		t.Fatalf("got next offset %q, want %q", read.Header.Get("Stream-Next-Offset"), next)
	}
}

func TestGetUnknownStreamIs404(t *testing.T) {
	_, srv := newTestServer(t)

	resp := doReq(t, http.MethodGet, srv.URL+"/stream/never-created", "", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", resp.StatusCode)
	}
}

func TestWriterIdempotencyViaStreamSeq(t *testing.T) {
	_, srv := newTestServer(t)

	create := doReq(t, http.MethodPut, srv.URL+"/stream/c-3", "application/json", "", nil)
	create.Body.Close()

	first := doReq(t, http.MethodPost, srv.URL+"/stream/c-3", "application/json", `{"n":1}`, map[string]string{"Stream-Seq": "w-1"})
	first.Body.Close()
	second := doReq(t, http.MethodPost, srv.URL+"/stream/c-3", "application/json", `{"n":1}`, map[string]string{"Stream-Seq": "w-1"})
	second.Body.Close()

	if first.Header.Get("Stream-Next-Offset") != second.Header.Get("Stream-Next-Offset") {
		t.Fatalf("expected idempotent retry to report the same next offset, got %q and %q",
			first.Header.Get("Stream-Next-Offset"), second.Header.Get("Stream-Next-Offset"))
	}
}

func TestLongPollWakesOnConcurrentAppend(t *testing.T) {
	_, srv := newTestServer(t)

	create := doReq(t, http.MethodPut, srv.URL+"/stream/c-4", "application/json", "", nil)
	create.Body.Close()

	type pollResult struct {
		status int
		body   string
	}
	done := make(chan pollResult, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/stream/c-4?offset=-1&live=long-poll")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- pollResult{status: resp.StatusCode, body: string(body)}
	}()

	time.Sleep(200 * time.Millisecond)
	appendResp := doReq(t, http.MethodPost, srv.URL+"/stream/c-4", "application/json", `{"k":"v"}`, nil)
	appendResp.Body.Close()

	select {
	case res := <-done:
		if res.status != http.StatusOK {
			t.Fatalf("got status %d, want 200", res.status)
		}
		if res.body != `[{"k":"v"}]` {
			t.Fatalf("got body %q, want the appended JSON value", res.body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("long poll did not wake on append")
	}
}

func TestReadIncludesStreamCursorHeader(t *testing.T) {
	_, srv := newTestServer(t)

	create := doReq(t, http.MethodPut, srv.URL+"/stream/c-5", "application/json", "", nil)
	create.Body.Close()

	resp := doReq(t, http.MethodGet, srv.URL+"/stream/c-5?offset=-1", "", "", nil)
	resp.Body.Close()
	if resp.Header.Get("Stream-Cursor") == "" {
		t.Fatalf("expected a Stream-Cursor header on reads")
	}
}
