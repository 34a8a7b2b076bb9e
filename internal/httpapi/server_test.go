package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/inference"
	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/protocol"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/session"
)

var namespaceSeq atomic.Int64

type fixedAdapter struct {
	reply  string
	chunks []string
	err    error
}

func (a *fixedAdapter) Complete(context.Context, inference.Request) (inference.Result, error) {
	if a.err != nil {
		return inference.Result{}, a.err
	}
	return inference.Result{Text: a.reply}, nil
}

func (a *fixedAdapter) Stream(context.Context, inference.Request) (inference.Stream, error) {
	if a.err != nil {
		return nil, a.err
	}
	return inference.NewSliceStream(a.chunks...), nil
}

type testEnv struct {
	ts      *httptest.Server
	manager *session.Manager
	relay   *relay.Relay
}

func newTestEnv(t *testing.T, adapter inference.Adapter) *testEnv {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", namespaceSeq.Add(1)))
	manager := session.NewManager(memory.NewInMemoryStore(), 80, time.Minute)
	rl := relay.New(manager, adapter, relay.Options{Metrics: metrics, CompactOnStream: true})
	srv, err := New(rl, manager, metrics, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, manager: manager, relay: rl}
}

func (e *testEnv) postJSON(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Post(e.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read %s body: %v", path, err)
	}
	return res, raw
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.relay.Wait(ctx); err != nil {
		t.Fatalf("background persistence did not finish: %v", err)
	}
}

func TestChatEndToEnd(t *testing.T) {
	env := newTestEnv(t, inference.NewMockAdapter())

	res, raw := env.postJSON(t, "/api/chat", `{"sessionId":"s1","message":"hi"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.StatusCode, raw)
	}
	var reply map[string]string
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	text := reply["assistantText"]
	if text == "" {
		t.Fatalf("empty assistantText: %s", raw)
	}

	rec, err := env.manager.Read(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(rec.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(rec.History))
	}
	if rec.History[0] != (memory.Turn{Role: memory.RoleUser, Content: "hi"}) {
		t.Fatalf("user turn = %+v", rec.History[0])
	}
	if rec.History[1] != (memory.Turn{Role: memory.RoleAssistant, Content: text}) {
		t.Fatalf("assistant turn = %+v", rec.History[1])
	}

	res, raw = env.postJSON(t, "/api/reset", `{"sessionId":"s1"}`)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(raw)) != `{"ok":true}` {
		t.Fatalf("reset = %d %s", res.StatusCode, raw)
	}
	rec, _ = env.manager.Read(context.Background(), "s1")
	if len(rec.History) != 0 || rec.Summary != "" {
		t.Fatalf("record after reset = %+v", rec)
	}
}

func TestChatRejectsInvalidBodies(t *testing.T) {
	env := newTestEnv(t, inference.NewMockAdapter())

	cases := []string{
		``,
		`{`,
		`{}`,
		`{"sessionId":"s1"}`,
		`{"message":"hi"}`,
		`{"sessionId":"s1","message":"   "}`,
		`{"sessionId":"","message":"hi"}`,
		`{"sessionId":7,"message":"hi"}`,
	}
	for _, body := range cases {
		res, raw := env.postJSON(t, "/api/chat", body)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400 (%s)", body, res.StatusCode, raw)
		}
		var out errorResponse
		if err := json.Unmarshal(raw, &out); err != nil || out.Error == "" {
			t.Fatalf("body %q: error response = %s", body, raw)
		}
	}

	res, _ := env.postJSON(t, "/api/reset", `{}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("reset status = %d, want 400", res.StatusCode)
	}

	rec, _ := env.manager.Read(context.Background(), "s1")
	if len(rec.History) != 0 {
		t.Fatalf("invalid requests changed state: %+v", rec.History)
	}
}

func TestChatUpstreamErrorIsServerError(t *testing.T) {
	env := newTestEnv(t, &fixedAdapter{err: fmt.Errorf("%w: status 502", inference.ErrUpstream)})

	res, raw := env.postJSON(t, "/api/chat", `{"sessionId":"s1","message":"hi"}`)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.StatusCode)
	}
	if !strings.Contains(string(raw), "status 502") {
		t.Fatalf("error body = %s", raw)
	}
	rec, _ := env.manager.Read(context.Background(), "s1")
	if len(rec.History) != 0 {
		t.Fatalf("history = %+v, want empty", rec.History)
	}

	res, raw = env.postJSON(t, "/api/chat/stream", `{"sessionId":"s1","message":"hi"}`)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("stream status = %d, want 500", res.StatusCode)
	}
	if !strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain") || !strings.Contains(string(raw), "status 502") {
		t.Fatalf("stream error = %q %s", res.Header.Get("Content-Type"), raw)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, inference.NewMockAdapter())

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/chat", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		t.Fatalf("preflight status = %d", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Methods"); got != "GET,POST,OPTIONS" {
		t.Fatalf("allow methods = %q", got)
	}

	res, err = http.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "running" {
		t.Fatalf("GET / body = %q", body)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Fatalf("allow headers = %q", got)
	}
}

func TestChatStreamEndpoint(t *testing.T) {
	env := newTestEnv(t, &fixedAdapter{chunks: []string{"Hel", "lo, ", "world"}})

	res, raw := env.postJSON(t, "/api/chat/stream", `{"sessionId":"s1","message":"hi"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.StatusCode, raw)
	}
	if !strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", res.Header.Get("Content-Type"))
	}
	if string(raw) != "Hello, world" {
		t.Fatalf("body = %q, want %q", raw, "Hello, world")
	}

	env.drain(t)
	rec, _ := env.manager.Read(context.Background(), "s1")
	if len(rec.History) != 2 || rec.History[1].Content != "Hello, world" {
		t.Fatalf("history = %+v", rec.History)
	}
}

func TestHistoryETag(t *testing.T) {
	env := newTestEnv(t, &fixedAdapter{reply: "hello"})
	env.postJSON(t, "/api/chat", `{"sessionId":"s1","message":"hi"}`)

	res, err := http.Get(env.ts.URL + "/api/history?sessionId=s1")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	var rec memory.Record
	if err := json.NewDecoder(res.Body).Decode(&rec); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	res.Body.Close()
	if len(rec.History) != 2 || rec.History[1].Content != "hello" {
		t.Fatalf("history = %+v", rec)
	}
	etag := res.Header.Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/history?sessionId=s1", nil)
	req.Header.Set("If-None-Match", etag)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional status = %d, want 304", res.StatusCode)
	}

	env.postJSON(t, "/api/chat", `{"sessionId":"s1","message":"again"}`)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Header.Get("ETag") == etag {
		t.Fatalf("changed record: status = %d etag = %q", res.StatusCode, res.Header.Get("ETag"))
	}

	res, err = http.Get(env.ts.URL + "/api/history")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing sessionId status = %d, want 400", res.StatusCode)
	}
}

func TestRemotePersistSurvivesAbortAfterApply(t *testing.T) {
	env := newTestEnv(t, inference.NewMockAdapter())
	inner := env.ts.Config.Handler
	var aborted atomic.Bool
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/append") && aborted.CompareAndSwap(false, true) {
			inner.ServeHTTP(httptest.NewRecorder(), r)
			panic(http.ErrAbortHandler)
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(flaky.Close)

	p := relay.NewPersister(session.NewClient(flaky.URL), time.Second, 3, nil, nil)
	if err := p.PersistWithRetry(context.Background(), "s1", "x1", "hi", "hello"); err != nil {
		t.Fatalf("PersistWithRetry() error = %v", err)
	}
	if !aborted.Load() {
		t.Fatal("first append was not aborted")
	}
	rec, err := env.manager.Read(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(rec.History) != 2 {
		t.Fatalf("exchange persisted %d turns, want 2", len(rec.History))
	}
}

func TestActorRoutesServeRemoteClient(t *testing.T) {
	env := newTestEnv(t, inference.NewMockAdapter())
	client := session.NewClient(env.ts.URL)
	ctx := context.Background()
	id := "team/room 1"

	if err := client.Append(ctx, id,
		memory.Turn{Role: memory.RoleUser, Content: "a"},
		memory.Turn{Role: memory.RoleAssistant, Content: "b"},
	); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := client.SetSummary(ctx, id, "S"); err != nil {
		t.Fatalf("SetSummary() error = %v", err)
	}

	rec, err := env.manager.Read(ctx, id)
	if err != nil {
		t.Fatalf("local Read() error = %v", err)
	}
	if len(rec.History) != 2 || rec.Summary != "S" {
		t.Fatalf("local record = %+v", rec)
	}

	res, raw := env.postJSON(t, "/internal/sessions/s2/append", `{"role":"user","content":"single"}`)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(raw)) != `{"ok":true}` {
		t.Fatalf("single append = %d %s", res.StatusCode, raw)
	}
	res, _ = env.postJSON(t, "/internal/sessions/s2/append", `{"role":"robot","content":"x"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad role status = %d, want 400", res.StatusCode)
	}
	remote, err := client.Read(ctx, "s2")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(remote.History) != 1 || remote.History[0].Content != "single" {
		t.Fatalf("remote record = %+v", remote)
	}

	if err := client.Reset(ctx, id); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	rec, _ = client.Read(ctx, id)
	if len(rec.History) != 0 || rec.Summary != "" {
		t.Fatalf("record after reset = %+v", rec)
	}
}

func TestChatWebSocket(t *testing.T) {
	env := newTestEnv(t, &fixedAdapter{chunks: []string{"Hel", "lo, ", "world"}})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var errFrame protocol.ErrorEvent
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame.Type != protocol.TypeErrorEvent || errFrame.Code != "invalid_client_message" {
		t.Fatalf("error frame = %+v", errFrame)
	}

	if err := conn.WriteJSON(protocol.ChatRequest{Type: protocol.TypeChatRequest, SessionID: "s1", Message: "hi"}); err != nil {
		t.Fatalf("write chat request: %v", err)
	}
	var text bytes.Buffer
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var frame protocol.Envelope
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type == protocol.TypeAssistantTextDelta {
			var delta protocol.AssistantTextDelta
			_ = json.Unmarshal(raw, &delta)
			text.WriteString(delta.TextDelta)
			continue
		}
		if frame.Type != protocol.TypeAssistantTurnEnd {
			t.Fatalf("unexpected frame %s", raw)
		}
		var end protocol.AssistantTurnEnd
		_ = json.Unmarshal(raw, &end)
		if end.Reason != protocol.ReasonCompleted {
			t.Fatalf("turn end = %+v", end)
		}
		break
	}
	if text.String() != "Hello, world" {
		t.Fatalf("streamed text = %q", text.String())
	}

	env.drain(t)
	rec, _ := env.manager.Read(context.Background(), "s1")
	if len(rec.History) != 2 || rec.History[1].Content != "Hello, world" {
		t.Fatalf("history = %+v", rec.History)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{relay.ErrInvalidRequest, http.StatusBadRequest},
		{session.ErrInvalidTurn, http.StatusBadRequest},
		{fmt.Errorf("load: %w", session.ErrTransient), http.StatusInternalServerError},
		{inference.ErrUpstream, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := classify(tc.err); got != tc.status {
			t.Fatalf("classify(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}
