package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sudocode-ai/sudocode/internal/agent"
	"github.com/sudocode-ai/sudocode/internal/entity"
	"github.com/sudocode-ai/sudocode/internal/events"
	"github.com/sudocode-ai/sudocode/internal/executor"
	"github.com/sudocode-ai/sudocode/internal/federation"
	"github.com/sudocode-ai/sudocode/internal/proc"
	"github.com/sudocode-ai/sudocode/internal/store"
	"github.com/sudocode-ai/sudocode/internal/workflow"
)

const assistantLine = `{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`

type fixture struct {
	srv   *httptest.Server
	store *store.Store
}

// newFixture wires the full stack behind an httptest server, with the stub
// adapter standing in for the claude CLI.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	buf := events.NewBufferStore()
	tm := events.NewTransportManager(buf, nil)
	sse := events.NewSSETransport(buf, nil, 30*time.Second)
	ws := events.NewWSTransport(buf, nil, 30*time.Second)
	tm.Register(sse)
	tm.Register(ws)

	sup := proc.NewSupervisor(proc.WithKillGrace(200 * time.Millisecond))
	t.Cleanup(sup.Shutdown)
	reg := agent.NewRegistry()
	reg.Register("claude", &agent.StubAdapter{})
	runner := executor.NewRunner(st, sup, tm, reg, executor.WithKillGrace(200*time.Millisecond))
	engine := workflow.NewEngine(st, runner, tm, t.TempDir(), workflow.WithPollInterval(10*time.Millisecond))
	fed := federation.NewService(st, "https://local.example")

	s := New(Config{Addr: ":0"}, Deps{
		Store:      st,
		Runner:     runner,
		Engine:     engine,
		Federation: fed,
		Transports: tm,
		SSE:        sse,
		WS:         ws,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func (f *fixture) waitTerminal(t *testing.T, id string) store.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(f.srv.URL + "/executions/" + id)
		if err != nil {
			t.Fatal(err)
		}
		exec := decode[store.Execution](t, resp)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal status", id)
	return store.Execution{}
}

func TestExecutionLifecycleOverSSE(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/executions", CreateExecutionRequest{
		Prompt: "echo '" + assistantLine + "'",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	id := created["execution_id"]
	if id == "" {
		t.Fatal("missing execution_id")
	}

	exec := f.waitTerminal(t, id)
	if exec.Status != store.ExecCompleted {
		t.Fatalf("expected completed, got %s (%s)", exec.Status, exec.ErrorMessage)
	}

	// The full stream replays for late joiners, connected frame first.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/executions/"+id+"/events", nil)
	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cors := streamResp.Header.Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Fatalf("unexpected CORS header %q", cors)
	}

	// Each frame must carry event, id, and data lines in that order.
	var types []string
	var eventLine, idLine string
	scanner := bufio.NewScanner(streamResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			idLine = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			if eventLine == "" || idLine == "" {
				t.Fatalf("data frame without event/id lines: %q", line)
			}
			var ev events.AgUiEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad frame %q: %v", line, err)
			}
			if string(ev.Type) != eventLine {
				t.Fatalf("event line %q does not match payload type %q", eventLine, ev.Type)
			}
			if idLine != strconv.FormatInt(ev.Seq, 10) {
				t.Fatalf("id line %q does not match payload seq %d", idLine, ev.Seq)
			}
			types = append(types, string(ev.Type))
			eventLine, idLine = "", ""
			if ev.Type == events.EventRunFinished {
				goto done
			}
		}
	}
done:
	want := []string{"connected", "RUN_STARTED", "STATE_SNAPSHOT", "TEXT_MESSAGE_CONTENT", "RUN_FINISHED"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d: expected %s, got %s (all: %v)", i, want[i], types[i], types)
		}
	}
}

func TestExecutionFailureRecordsExitCode(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/executions", CreateExecutionRequest{Prompt: "exit 3"})
	created := decode[map[string]string](t, resp)

	exec := f.waitTerminal(t, created["execution_id"])
	if exec.Status != store.ExecFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if exec.ErrorMessage != "exit code 3" {
		t.Fatalf("expected %q, got %q", "exit code 3", exec.ErrorMessage)
	}
}

func TestExecutionEntriesEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/executions", CreateExecutionRequest{
		Prompt: "echo '" + assistantLine + "'",
	})
	created := decode[map[string]string](t, resp)
	id := created["execution_id"]
	f.waitTerminal(t, id)

	listResp, err := http.Get(f.srv.URL + "/executions/" + id + "/entries")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[struct {
		Entries []json.RawMessage `json:"entries"`
	}](t, listResp)
	if len(body.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(body.Entries))
	}

	// Live metrics disappear once the execution finishes.
	sumResp, err := http.Get(f.srv.URL + "/executions/" + id + "/summary")
	if err != nil {
		t.Fatal(err)
	}
	sumResp.Body.Close()
	if sumResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for finished execution summary, got %d", sumResp.StatusCode)
	}
}

func TestDeleteExecutionAndBufferStats(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/executions", CreateExecutionRequest{Prompt: "exit 0"})
	created := decode[map[string]string](t, resp)
	id := created["execution_id"]
	f.waitTerminal(t, id)

	statsResp, err := http.Get(f.srv.URL + "/events/stats")
	if err != nil {
		t.Fatal(err)
	}
	stats := decode[events.BufferStats](t, statsResp)
	if stats.Buffers != 1 {
		t.Fatalf("expected 1 buffer, got %+v", stats)
	}

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/executions/"+id, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", delResp.StatusCode)
	}

	getResp, err := http.Get(f.srv.URL + "/executions/" + id)
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted execution still served: %d", getResp.StatusCode)
	}
}

func TestCreateExecutionValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/executions", CreateExecutionRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing prompt: expected 400, got %d", resp.StatusCode)
	}

	resp = f.postJSON(t, "/executions", CreateExecutionRequest{
		Prompt:      "echo hi",
		ExecutionID: "bad id with spaces",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid id: expected 400, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(f.srv.URL + "/executions/no-such-id")
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", getResp.StatusCode)
	}
}

func TestCrossOriginPostBlocked(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/executions", strings.NewReader(`{"prompt":"echo hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// Localhost origins pass through.
	req, _ = http.NewRequest(http.MethodPost, f.srv.URL+"/executions", strings.NewReader(`{"prompt":"exit 0"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for localhost origin, got %d", resp.StatusCode)
	}
}

func seedIssue(t *testing.T, st *store.Store, id string, rels ...entity.Relationship) {
	t.Helper()
	e := &entity.Entity{
		UUID: "u-" + id, ID: id, Kind: entity.KindIssue, Title: "issue " + id,
		Status: "open", CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
		Relationships: rels,
	}
	if err := st.UpsertEntity(context.Background(), e); err != nil {
		t.Fatal(err)
	}
}

func TestWorkflowEndToEnd(t *testing.T) {
	f := newFixture(t)
	seedIssue(t, f.store, "i-1")
	seedIssue(t, f.store, "i-2")

	resp := f.postJSON(t, "/workflows", CreateWorkflowRequest{
		Title:     "two steps",
		Source:    store.WorkflowSource{Type: store.SourceIssues, IssueIDs: []string{"i-1", "i-2"}},
		AutoStart: true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	wf := decode[store.Workflow](t, resp)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		getResp, err := http.Get(f.srv.URL + "/workflows/" + wf.ID)
		if err != nil {
			t.Fatal(err)
		}
		got := decode[store.Workflow](t, getResp)
		if got.Status == store.WorkflowCompleted {
			return
		}
		if got.Status.Terminal() {
			t.Fatalf("workflow ended %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("workflow never completed")
}

func TestWorkflowCycleRejected(t *testing.T) {
	f := newFixture(t)
	seedIssue(t, f.store, "i-a", entity.Relationship{Type: "depends_on", ToID: "i-b"})
	seedIssue(t, f.store, "i-b", entity.Relationship{Type: "depends_on", ToID: "i-a"})

	resp := f.postJSON(t, "/workflows", CreateWorkflowRequest{
		Title:  "cyclic",
		Source: store.WorkflowSource{Type: store.SourceIssues, IssueIDs: []string{"i-a", "i-b"}},
	})
	body := decode[struct {
		Error  string     `json:"error"`
		Cycles [][]string `json:"cycles"`
	}](t, resp)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	if len(body.Cycles) == 0 {
		t.Fatalf("expected cycle members in response, got %+v", body)
	}
}

func TestFederationInfoAndHealth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/federation/info")
	if err != nil {
		t.Fatal(err)
	}
	caps := decode[federation.Capabilities](t, resp)
	if len(caps.Operations) == 0 || len(caps.Protocols) == 0 {
		t.Fatalf("incomplete capabilities: %+v", caps)
	}

	healthResp, err := http.Get(f.srv.URL + "/federation/health")
	if err != nil {
		t.Fatal(err)
	}
	health := decode[federation.Health](t, healthResp)
	if health.Status != federation.HealthHealthy {
		t.Fatalf("fresh node should be healthy, got %s", health.Status)
	}
}

func TestWSEventsStream(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/executions", CreateExecutionRequest{
		Prompt: "echo '" + assistantLine + "'",
	})
	created := decode[map[string]string](t, resp)
	id := created["execution_id"]
	f.waitTerminal(t, id)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/events?run_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var types []string
	for {
		var ev events.AgUiEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read failed after %v: %v", types, err)
		}
		types = append(types, string(ev.Type))
		if ev.Type == events.EventRunFinished {
			break
		}
	}
	if types[0] != "connected" || types[1] != "RUN_STARTED" {
		t.Fatalf("unexpected prefix: %v", types)
	}
}

func TestWSFederationSubscribe(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/federation?remote_repo=" + "https%3A%2F%2Fpeer.example"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sub := map[string]any{
		"type":        "subscribe",
		"entity_type": "issue",
		"events":      []string{"created"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply["type"] != "subscribed" {
		t.Fatalf("expected subscribed ack, got %v", reply)
	}

	subs, err := f.store.ListSubscriptions(context.Background(), "https://local.example", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].RemoteRepo != "https://peer.example" {
		t.Fatalf("subscription not persisted: %+v", subs)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if fmt.Sprint(body["running_executions"]) != "0" {
		t.Fatalf("expected 0 running, got %v", body["running_executions"])
	}
}
