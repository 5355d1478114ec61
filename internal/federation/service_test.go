package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sudocode-ai/sudocode/internal/entity"
	"github.com/sudocode-ai/sudocode/internal/store"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *store.Store) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return NewService(st, "https://local.example", opts...), st
}

func addPeer(t *testing.T, st *store.Store, url string, trust store.TrustLevel) {
	t.Helper()
	err := st.SaveRemoteRepo(context.Background(), &store.RemoteRepo{URL: url, TrustLevel: trust})
	if err != nil {
		t.Fatal(err)
	}
}

func TestShouldAutoApprove(t *testing.T) {
	cases := []struct {
		trust       store.TrustLevel
		requestType string
		want        bool
	}{
		{store.TrustTrusted, "create_issue", true},
		{store.TrustTrusted, "query", true},
		{store.TrustVerified, "query", true},
		{store.TrustVerified, "list_issues", true},
		{store.TrustVerified, "create_issue", false},
		{store.TrustUntrusted, "query", false},
		{store.TrustUntrusted, "create_issue", false},
	}
	for _, tc := range cases {
		if got := shouldAutoApprove(tc.trust, tc.requestType); got != tc.want {
			t.Errorf("shouldAutoApprove(%s, %s) = %v, want %v", tc.trust, tc.requestType, got, tc.want)
		}
	}
}

func TestIncomingMutation_UntrustedHeldThenApproved(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	addPeer(t, st, "https://peer.example", store.TrustUntrusted)

	reply, err := svc.HandleIncomingMutation(ctx, &MutateMessage{
		Type:      "mutate",
		From:      "https://peer.example",
		To:        "https://local.example",
		Operation: "create_issue",
		Data:      json.RawMessage(`{"title":"remote request","content":"body"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplyPendingApproval {
		t.Fatalf("expected pending_approval, got %s", reply.Status)
	}

	pending, err := st.ListRequests(ctx, store.ReqPending, "incoming")
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending request, got %d (err %v)", len(pending), err)
	}
	req := pending[0]
	if !req.RequiresApproval {
		t.Fatal("expected requires_approval set")
	}

	// No issue exists yet.
	if issues, _ := st.ListEntities(ctx, entity.KindIssue); len(issues) != 0 {
		t.Fatalf("expected no issues before approval, got %d", len(issues))
	}

	approved, err := svc.Approve(ctx, req.RequestID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != store.ReqCompleted {
		t.Fatalf("expected completed, got %s", approved.Status)
	}
	if approved.ApprovedBy != "alice" || approved.ApprovedAt == nil {
		t.Fatalf("approval metadata missing: %+v", approved)
	}

	issues, err := st.ListEntities(ctx, entity.KindIssue)
	if err != nil || len(issues) != 1 {
		t.Fatalf("expected 1 issue after approval, got %d (err %v)", len(issues), err)
	}
	if issues[0].Title != "remote request" {
		t.Fatalf("unexpected issue: %+v", issues[0])
	}

	audit, err := st.AuditEntries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 2 {
		t.Fatalf("expected 2 audit entries (receive + approve), got %d", len(audit))
	}
	// Newest first.
	if audit[0].Operation != "approve" || audit[1].Operation != "receive_mutation" {
		t.Fatalf("unexpected audit operations: %s, %s", audit[0].Operation, audit[1].Operation)
	}
}

func TestIncomingMutation_TrustedExecutesImmediately(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	addPeer(t, st, "https://peer.example", store.TrustTrusted)

	reply, err := svc.HandleIncomingMutation(ctx, &MutateMessage{
		From:      "https://peer.example",
		Operation: "create_issue",
		Data:      json.RawMessage(`{"title":"auto"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplyCompleted {
		t.Fatalf("expected completed, got %s", reply.Status)
	}
	var result map[string]string
	if err := json.Unmarshal(reply.Result, &result); err != nil || result["id"] == "" {
		t.Fatalf("expected result with fresh id, got %s (err %v)", reply.Result, err)
	}
	if issues, _ := st.ListEntities(ctx, entity.KindIssue); len(issues) != 1 {
		t.Fatalf("expected issue created, got %d", len(issues))
	}
}

func TestIncomingMutation_MalformedPayloadRejected(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	addPeer(t, st, "https://peer.example", store.TrustTrusted)

	reply, err := svc.HandleIncomingMutation(ctx, &MutateMessage{
		From:      "https://peer.example",
		Operation: "create_issue",
		Data:      json.RawMessage(`{"title":42}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplyRejected {
		t.Fatalf("expected rejected for wrong-typed title, got %s", reply.Status)
	}
	if issues, _ := st.ListEntities(ctx, entity.KindIssue); len(issues) != 0 {
		t.Fatalf("expected no issue created, got %d", len(issues))
	}

	reply, err = svc.HandleIncomingMutation(ctx, &MutateMessage{
		From:      "https://peer.example",
		Operation: "create_issue",
		Data:      json.RawMessage(`{"title":"ok","tags":[1,2]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplyRejected {
		t.Fatalf("expected rejected for non-string tags, got %s", reply.Status)
	}
}

func TestMutationsPublishToSubscribers(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	addPeer(t, st, "https://peer.example", store.TrustTrusted)

	sink := &fakeSink{}
	connID := svc.Bus().AddConnection(sink, "https://peer.example")
	subscribeRaw(t, svc.Bus(), connID, map[string]any{
		"type": "subscribe", "entity_type": "issue",
		"events": []string{"created", "updated", "closed"},
	})

	reply, err := svc.HandleIncomingMutation(ctx, &MutateMessage{
		From:      "https://peer.example",
		Operation: "create_issue",
		Data:      json.RawMessage(`{"title":"watched"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplyCompleted {
		t.Fatalf("expected completed, got %s", reply.Status)
	}
	var result map[string]string
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatal(err)
	}

	created := sink.framesOfType("event")
	if len(created) != 1 {
		t.Fatalf("expected 1 event frame after create, got %d", len(created))
	}
	if created[0]["event_type"] != "created" || created[0]["entity_id"] != result["id"] {
		t.Fatalf("unexpected frame: %+v", created[0])
	}

	if _, err := svc.HandleIncomingMutation(ctx, &MutateMessage{
		From:      "https://peer.example",
		Operation: "update_issue",
		Data:      json.RawMessage(`{"id":"` + result["id"] + `","status":"in_progress"}`),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.HandleIncomingMutation(ctx, &MutateMessage{
		From:      "https://peer.example",
		Operation: "close_issue",
		Data:      json.RawMessage(`{"id":"` + result["id"] + `"}`),
	}); err != nil {
		t.Fatal(err)
	}

	var types []string
	for _, f := range sink.framesOfType("event") {
		types = append(types, f["event_type"].(string))
	}
	if len(types) != 3 || types[1] != "updated" || types[2] != "closed" {
		t.Fatalf("expected created/updated/closed, got %v", types)
	}
}

func TestIncomingMutation_UnknownPeerTreatedUntrusted(t *testing.T) {
	svc, _ := newTestService(t)
	reply, err := svc.HandleIncomingMutation(context.Background(), &MutateMessage{
		From:      "https://stranger.example",
		Operation: "create_issue",
		Data:      json.RawMessage(`{"title":"x"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplyPendingApproval {
		t.Fatalf("expected pending_approval for unknown peer, got %s", reply.Status)
	}
}

func TestReject(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	addPeer(t, st, "https://peer.example", store.TrustUntrusted)

	if _, err := svc.HandleIncomingMutation(ctx, &MutateMessage{
		From:      "https://peer.example",
		Operation: "create_issue",
		Data:      json.RawMessage(`{"title":"no"}`),
	}); err != nil {
		t.Fatal(err)
	}
	pending, _ := st.ListRequests(ctx, store.ReqPending, "")
	rejected, err := svc.Reject(ctx, pending[0].RequestID, "not wanted")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != store.ReqRejected || rejected.RejectionReason != "not wanted" {
		t.Fatalf("unexpected request: %+v", rejected)
	}

	// Terminal: neither approve nor reject may touch it again.
	if _, err := svc.Approve(ctx, rejected.RequestID, "alice"); err == nil {
		t.Fatal("expected approve of rejected request to fail")
	}
	if _, err := svc.Reject(ctx, rejected.RequestID, "again"); err == nil {
		t.Fatal("expected double reject to fail")
	}
}

func TestIncomingQuery_TrustMatrix(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	addPeer(t, st, "https://verified.example", store.TrustVerified)
	addPeer(t, st, "https://untrusted.example", store.TrustUntrusted)
	if err := st.UpsertEntity(ctx, &entity.Entity{
		UUID: "u1", ID: "i-1", Kind: entity.KindIssue, Title: "visible",
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	reply, err := svc.HandleIncomingQuery(ctx, &QueryMessage{
		From:  "https://verified.example",
		Query: QuerySpec{Entity: "issue"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(reply.Results))
	}

	if _, err := svc.HandleIncomingQuery(ctx, &QueryMessage{
		From:  "https://untrusted.example",
		Query: QuerySpec{Entity: "issue"},
	}); err == nil {
		t.Fatal("expected untrusted query refused")
	}
}

func TestDiscover(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/federation/info" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Capabilities{
			Protocols:   []string{"rest"},
			Operations:  []string{"query"},
			EntityTypes: []string{"issue"},
		})
	}))
	defer peer.Close()

	svc, st := newTestService(t)
	ctx := context.Background()
	addPeer(t, st, peer.URL, store.TrustVerified)

	repo, err := svc.Discover(ctx, peer.URL)
	if err != nil {
		t.Fatal(err)
	}
	if repo.SyncStatus != store.SyncSynced || repo.LastSyncedAt == nil {
		t.Fatalf("expected synced with timestamp, got %+v", repo)
	}
	var caps Capabilities
	if err := json.Unmarshal(repo.Capabilities, &caps); err != nil || len(caps.Protocols) != 1 {
		t.Fatalf("capabilities not stored: %s (err %v)", repo.Capabilities, err)
	}
}

func TestDiscover_UnreachableMarksRepo(t *testing.T) {
	svc, st := newTestService(t, WithClient(NewClient(WithMaxRetries(0))))
	ctx := context.Background()
	// Reserved TEST-NET address; connection refused or timeout either way.
	addPeer(t, st, "http://127.0.0.1:1", store.TrustVerified)

	repo, err := svc.Discover(ctx, "http://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected discover error")
	}
	if repo.SyncStatus != store.SyncUnreachable {
		t.Fatalf("expected unreachable, got %s", repo.SyncStatus)
	}
	stored, _ := st.GetRemoteRepo(ctx, "http://127.0.0.1:1")
	if stored.SyncStatus != store.SyncUnreachable {
		t.Fatalf("unreachable status not persisted: %s", stored.SyncStatus)
	}
}

func TestSendMutation_PeerVerdictsRecorded(t *testing.T) {
	var replyStatus string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg MutateMessage
		json.NewDecoder(r.Body).Decode(&msg)
		if msg.Metadata.RequestID == "" {
			t.Error("expected request id in metadata")
		}
		json.NewEncoder(w).Encode(MutateReply{Status: replyStatus, Result: json.RawMessage(`{"id":"i-remote"}`)})
	}))
	defer peer.Close()

	svc, st := newTestService(t)
	ctx := context.Background()
	addPeer(t, st, peer.URL, store.TrustTrusted)

	replyStatus = ReplyCompleted
	req, err := svc.SendMutation(ctx, peer.URL, "create_issue", json.RawMessage(`{"title":"out"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != store.ReqCompleted || len(req.Result) == 0 {
		t.Fatalf("expected completed with result, got %+v", req)
	}

	replyStatus = ReplyPendingApproval
	req, err = svc.SendMutation(ctx, peer.URL, "create_issue", json.RawMessage(`{"title":"held"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != store.ReqPending {
		t.Fatalf("expected pending while peer holds it, got %s", req.Status)
	}
}

func TestSendMutation_NetworkFailureMarksFailed(t *testing.T) {
	svc, st := newTestService(t, WithClient(NewClient(WithMaxRetries(0))))
	ctx := context.Background()
	addPeer(t, st, "http://127.0.0.1:1", store.TrustTrusted)

	req, err := svc.SendMutation(ctx, "http://127.0.0.1:1", "create_issue", json.RawMessage(`{"title":"x"}`))
	if err == nil {
		t.Fatal("expected network error")
	}
	if req.Status != store.ReqFailed {
		t.Fatalf("expected failed, got %s", req.Status)
	}
	audit, _ := st.AuditEntries(ctx, 10)
	if len(audit) == 0 || audit[0].Status != "failed" || audit[0].ErrorMessage == "" {
		t.Fatalf("expected failed audit entry with error, got %+v", audit)
	}
}

func TestClientRetriesNetworkErrors(t *testing.T) {
	attempts := 0
	var peer *httptest.Server
	peer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			// Drop the connection without a response.
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		json.NewEncoder(w).Encode(Capabilities{Protocols: []string{"rest"}})
	}))
	defer peer.Close()

	c := NewClient(WithMaxRetries(3), WithBackoff(time.Millisecond, 42))
	caps, err := c.Info(context.Background(), peer.URL)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(caps.Protocols) != 1 {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestClientDoesNotRetryStatusErrors(t *testing.T) {
	attempts := 0
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer peer.Close()

	c := NewClient(WithMaxRetries(3), WithBackoff(time.Millisecond, 42))
	_, err := c.Info(context.Background(), peer.URL)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestHealthClassifier(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	h, err := svc.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != HealthHealthy {
		t.Fatalf("expected healthy on empty store, got %s", h.Status)
	}

	// Six recent failures push it to degraded.
	for i := 0; i < 6; i++ {
		if err := st.SaveRequest(ctx, &store.CrossRepoRequest{
			RequestID: "req-fail-" + string(rune('a'+i)), Direction: "incoming",
			FromRepo: "p", ToRepo: "l", RequestType: "create_issue",
			Status: store.ReqFailed,
		}); err != nil {
			t.Fatal(err)
		}
	}
	h, _ = svc.Health(ctx)
	if h.Status != HealthDegraded || h.FailedLastHour != 6 {
		t.Fatalf("expected degraded with 6 failures, got %+v", h)
	}

	// Five more cross the critical threshold.
	for i := 0; i < 5; i++ {
		if err := st.SaveRequest(ctx, &store.CrossRepoRequest{
			RequestID: "req-fail2-" + string(rune('a'+i)), Direction: "incoming",
			FromRepo: "p", ToRepo: "l", RequestType: "create_issue",
			Status: store.ReqFailed,
		}); err != nil {
			t.Fatal(err)
		}
	}
	h, _ = svc.Health(ctx)
	if h.Status != HealthCritical {
		t.Fatalf("expected critical with 11 failures, got %+v", h)
	}
}

func TestHealthStalePendingAndIdleSubscriptions(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	if err := st.SaveRequest(ctx, &store.CrossRepoRequest{
		RequestID: "req-old", Direction: "incoming", FromRepo: "p", ToRepo: "l",
		RequestType: "create_issue", Status: store.ReqPending,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-8 * 24 * time.Hour)
	if err := st.SaveSubscription(ctx, &store.Subscription{
		SubscriptionID: "sub-idle", LocalRepo: "https://local.example",
		RemoteRepo: "p", EntityType: "*", Events: []string{"*"},
		Active: true, CreatedAt: old, LastEventAt: &old,
	}); err != nil {
		t.Fatal(err)
	}

	h, err := svc.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != HealthDegraded || h.StalePending != 1 || h.IdleSubscriptions != 1 {
		t.Fatalf("expected degraded with stale pending and idle sub, got %+v", h)
	}
}

func TestMetricsAggregation(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	for i, status := range []store.RequestStatus{store.ReqCompleted, store.ReqCompleted, store.ReqPending} {
		if err := st.SaveRequest(ctx, &store.CrossRepoRequest{
			RequestID: "req-" + string(rune('a'+i)), Direction: "outgoing",
			FromRepo: "https://local.example", ToRepo: "https://peer.example",
			RequestType: "create_issue", Status: status,
		}); err != nil {
			t.Fatal(err)
		}
	}
	m, err := svc.Metrics(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if m.ByStatus[string(store.ReqCompleted)] != 2 || m.ByStatus[string(store.ReqPending)] != 1 {
		t.Fatalf("unexpected status counts: %+v", m.ByStatus)
	}
	if m.ByDirection["outgoing"] != 3 {
		t.Fatalf("unexpected direction counts: %+v", m.ByDirection)
	}
	if m.TopRepos["https://peer.example"] != 3 {
		t.Fatalf("unexpected top repos: %+v", m.TopRepos)
	}
}
