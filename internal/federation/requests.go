package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sudocode-ai/sudocode/internal/entity"
	"github.com/sudocode-ai/sudocode/internal/ids"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// isQuery reports whether a request type is a read.
func isQuery(requestType string) bool {
	if requestType == "query" {
		return true
	}
	return strings.HasPrefix(requestType, "get_") || strings.HasPrefix(requestType, "list_")
}

// shouldAutoApprove applies the default trust policy: trusted peers get
// everything, verified peers get reads, untrusted peers get nothing.
func shouldAutoApprove(trust store.TrustLevel, requestType string) bool {
	switch trust {
	case store.TrustTrusted:
		return true
	case store.TrustVerified:
		return isQuery(requestType)
	}
	return false
}

// HandleIncomingMutation is the /federation/mutate entry point. The peer's
// trust level decides between immediate execution and pending approval.
// Unknown peers are treated as untrusted.
func (s *Service) HandleIncomingMutation(ctx context.Context, msg *MutateMessage) (*MutateReply, error) {
	start := s.now()
	trust := store.TrustUntrusted
	if repo, err := s.store.GetRemoteRepo(ctx, msg.From); err == nil {
		trust = repo.TrustLevel
	}

	requestID := msg.Metadata.RequestID
	if requestID == "" {
		requestID = ids.NewRequestID()
	}
	req := &store.CrossRepoRequest{
		RequestID:   requestID,
		Direction:   "incoming",
		FromRepo:    msg.From,
		ToRepo:      s.localRepo,
		RequestType: msg.Operation,
		Payload:     msg.Data,
		Status:      store.ReqPending,
	}

	if !shouldAutoApprove(trust, msg.Operation) {
		req.RequiresApproval = true
		if err := s.store.SaveRequest(ctx, req); err != nil {
			return nil, err
		}
		s.audit(ctx, "receive_mutation", "incoming", msg.From, s.localRepo, "pending", s.now().Sub(start), "")
		s.logger.Info("mutation held for approval",
			"requestId", requestID, "from", msg.From, "operation", msg.Operation)
		return &MutateReply{Status: ReplyPendingApproval, Message: "awaiting operator approval"}, nil
	}

	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	result, execErr := s.executeMutation(ctx, req)
	if execErr != nil {
		req.Status = store.ReqFailed
		if err := s.store.SaveRequest(ctx, req); err != nil {
			s.logger.Error("persist request", "requestId", requestID, "error", err)
		}
		s.audit(ctx, "receive_mutation", "incoming", msg.From, s.localRepo, "failed", s.now().Sub(start), execErr.Error())
		return &MutateReply{Status: ReplyRejected, Message: execErr.Error()}, nil
	}
	req.Status = store.ReqCompleted
	req.Result = result
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	s.audit(ctx, "receive_mutation", "incoming", msg.From, s.localRepo, "completed", s.now().Sub(start), "")
	return &MutateReply{Status: ReplyCompleted, Result: result}, nil
}

// Approve executes a pending mutation on behalf of an operator and marks
// it completed. Terminal requests are immutable and rejected by the store.
func (s *Service) Approve(ctx context.Context, requestID, approver string) (*store.CrossRepoRequest, error) {
	start := s.now()
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.ReqPending {
		return nil, fmt.Errorf("request %s is %s, not pending", requestID, req.Status)
	}

	now := s.now()
	req.Status = store.ReqApproved
	req.ApprovedBy = approver
	req.ApprovedAt = &now
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	result, execErr := s.executeMutation(ctx, req)
	if execErr != nil {
		req.Status = store.ReqFailed
		if err := s.store.SaveRequest(ctx, req); err != nil {
			s.logger.Error("persist request", "requestId", requestID, "error", err)
		}
		s.audit(ctx, "approve", req.Direction, req.FromRepo, req.ToRepo, "failed", s.now().Sub(start), execErr.Error())
		return req, execErr
	}
	req.Status = store.ReqCompleted
	req.Result = result
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	s.audit(ctx, "approve", req.Direction, req.FromRepo, req.ToRepo, "completed", s.now().Sub(start), "")
	s.logger.Info("request approved", "requestId", requestID, "approver", approver)
	return req, nil
}

// Reject marks a pending request rejected with the operator's reason.
func (s *Service) Reject(ctx context.Context, requestID, reason string) (*store.CrossRepoRequest, error) {
	start := s.now()
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.ReqPending {
		return nil, fmt.Errorf("request %s is %s, not pending", requestID, req.Status)
	}
	req.Status = store.ReqRejected
	req.RejectionReason = reason
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	s.audit(ctx, "reject", req.Direction, req.FromRepo, req.ToRepo, "rejected", s.now().Sub(start), "")
	return req, nil
}

// mutationPayload is the shared shape of create/update payloads.
type mutationPayload struct {
	ID      string   `json:"id,omitempty"`
	Title   string   `json:"title,omitempty"`
	Content string   `json:"content,omitempty"`
	Status  string   `json:"status,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// mutationSchema rejects malformed peer payloads before any store write.
// Unknown fields pass through for forward compatibility.
var mutationSchema = func() *jsonschema.Schema {
	const doc = `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"title": {"type": "string", "maxLength": 500},
			"content": {"type": "string"},
			"status": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}}
		}
	}`
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mutation.json", strings.NewReader(doc)); err != nil {
		panic(err)
	}
	return c.MustCompile("mutation.json")
}()

// executeMutation applies an approved (or auto-approved) mutation locally.
// Created entities get fresh uuid and hash ids; the caller's ids are never
// trusted.
func (s *Service) executeMutation(ctx context.Context, req *store.CrossRepoRequest) (json.RawMessage, error) {
	var p mutationPayload
	if len(req.Payload) > 0 {
		var raw any
		if err := json.Unmarshal(req.Payload, &raw); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if err := mutationSchema.Validate(raw); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	switch req.RequestType {
	case "create_issue":
		return s.createEntity(ctx, entity.KindIssue, "i", &p)
	case "create_spec":
		return s.createEntity(ctx, entity.KindSpec, "s", &p)

	case "update_issue":
		if p.ID == "" {
			return nil, fmt.Errorf("update_issue needs an id")
		}
		e, err := s.store.GetEntityByID(ctx, entity.KindIssue, p.ID)
		if err != nil {
			return nil, err
		}
		if p.Title != "" {
			e.Title = p.Title
		}
		if p.Content != "" {
			e.Content = p.Content
		}
		if p.Status != "" {
			e.Status = p.Status
		}
		e.UpdatedAt = s.now().UTC().Format(time.RFC3339)
		if err := s.store.UpsertEntity(ctx, e); err != nil {
			return nil, err
		}
		s.bus.PublishEvent(ctx, string(e.Kind), e.ID, e.UUID, "updated", e)
		return json.Marshal(map[string]string{"id": e.ID, "uuid": e.UUID})

	case "close_issue":
		if p.ID == "" {
			return nil, fmt.Errorf("close_issue needs an id")
		}
		if err := s.store.CloseIssue(ctx, p.ID); err != nil {
			return nil, err
		}
		if e, err := s.store.GetEntityByID(ctx, entity.KindIssue, p.ID); err == nil {
			s.bus.PublishEvent(ctx, string(e.Kind), e.ID, e.UUID, "closed", e)
		}
		return json.Marshal(map[string]string{"id": p.ID, "status": "closed"})
	}
	return nil, fmt.Errorf("unsupported operation %q", req.RequestType)
}

func (s *Service) createEntity(ctx context.Context, kind entity.Kind, prefix string, p *mutationPayload) (json.RawMessage, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%s creation needs a title", kind)
	}
	now := s.now().UTC().Format(time.RFC3339)
	status := p.Status
	if status == "" {
		status = "open"
	}
	e := &entity.Entity{
		UUID:      ids.NewUUID(),
		ID:        ids.NewHashID(prefix),
		Kind:      kind,
		Title:     p.Title,
		Content:   p.Content,
		Status:    status,
		Tags:      p.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertEntity(ctx, e); err != nil {
		return nil, err
	}
	s.bus.PublishEvent(ctx, string(kind), e.ID, e.UUID, "created", e)
	return json.Marshal(map[string]string{"id": e.ID, "uuid": e.UUID})
}

// SendMutation wraps a mutation in an outgoing request record and posts it
// to the peer, recording the peer's verdict.
func (s *Service) SendMutation(ctx context.Context, toRepo, operation string, data json.RawMessage) (*store.CrossRepoRequest, error) {
	start := s.now()
	peer, err := s.store.GetRemoteRepo(ctx, toRepo)
	if err != nil {
		return nil, err
	}
	endpoint := peer.RESTEndpoint
	if endpoint == "" {
		endpoint = peer.URL
	}

	req := &store.CrossRepoRequest{
		RequestID:   ids.NewRequestID(),
		Direction:   "outgoing",
		FromRepo:    s.localRepo,
		ToRepo:      toRepo,
		RequestType: operation,
		Payload:     data,
		Status:      store.ReqPending,
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	msg := &MutateMessage{
		Type:      "mutate",
		From:      s.localRepo,
		To:        toRepo,
		Timestamp: s.now().UnixMilli(),
		Operation: operation,
		Data:      data,
		Metadata:  MutateMetadata{RequestID: req.RequestID, Requester: s.localRepo},
	}
	reply, sendErr := s.client.Mutate(ctx, endpoint, msg)
	if sendErr != nil {
		req.Status = store.ReqFailed
		if err := s.store.SaveRequest(ctx, req); err != nil {
			s.logger.Error("persist request", "requestId", req.RequestID, "error", err)
		}
		s.audit(ctx, "send_mutation", "outgoing", s.localRepo, toRepo, "failed", s.now().Sub(start), sendErr.Error())
		return req, sendErr
	}

	switch reply.Status {
	case ReplyCompleted:
		req.Status = store.ReqCompleted
		req.Result = reply.Result
	case ReplyRejected:
		req.Status = store.ReqRejected
		req.RejectionReason = reply.Message
	default:
		// Peer holds it for approval; ours stays pending until a later sync.
		req.Status = store.ReqPending
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	s.audit(ctx, "send_mutation", "outgoing", s.localRepo, toRepo, string(req.Status), s.now().Sub(start), "")
	return req, nil
}

// QueryPeer posts a query to the peer and returns its raw results.
func (s *Service) QueryPeer(ctx context.Context, toRepo string, query QuerySpec) ([]json.RawMessage, error) {
	start := s.now()
	peer, err := s.store.GetRemoteRepo(ctx, toRepo)
	if err != nil {
		return nil, err
	}
	endpoint := peer.RESTEndpoint
	if endpoint == "" {
		endpoint = peer.URL
	}
	msg := &QueryMessage{
		Type:      "query",
		From:      s.localRepo,
		To:        toRepo,
		Timestamp: s.now().UnixMilli(),
		Query:     query,
	}
	reply, err := s.client.Query(ctx, endpoint, msg)
	if err != nil {
		s.audit(ctx, "send_query", "outgoing", s.localRepo, toRepo, "failed", s.now().Sub(start), err.Error())
		return nil, err
	}
	s.audit(ctx, "send_query", "outgoing", s.localRepo, toRepo, "completed", s.now().Sub(start), "")
	return reply.Results, nil
}

// HandleIncomingQuery serves /federation/query. Only trusted and verified
// peers may read; untrusted peers are refused.
func (s *Service) HandleIncomingQuery(ctx context.Context, msg *QueryMessage) (*QueryReply, error) {
	start := s.now()
	trust := store.TrustUntrusted
	if repo, err := s.store.GetRemoteRepo(ctx, msg.From); err == nil {
		trust = repo.TrustLevel
	}
	if !shouldAutoApprove(trust, "query") {
		s.audit(ctx, "receive_query", "incoming", msg.From, s.localRepo, "rejected", s.now().Sub(start), "untrusted peer")
		return nil, fmt.Errorf("peer %s is not trusted for queries", msg.From)
	}

	var kind entity.Kind
	switch msg.Query.Entity {
	case "issue":
		kind = entity.KindIssue
	case "spec":
		kind = entity.KindSpec
	default:
		return nil, fmt.Errorf("unsupported query entity %q", msg.Query.Entity)
	}
	entities, err := s.store.ListEntities(ctx, kind)
	if err != nil {
		return nil, err
	}
	limit := msg.Query.Limit
	if limit <= 0 || limit > len(entities) {
		limit = len(entities)
	}
	reply := &QueryReply{Results: make([]json.RawMessage, 0, limit)}
	for i := range entities[:limit] {
		raw, err := json.Marshal(&entities[i])
		if err != nil {
			return nil, err
		}
		reply.Results = append(reply.Results, raw)
	}
	s.audit(ctx, "receive_query", "incoming", msg.From, s.localRepo, "completed", s.now().Sub(start), "")
	return reply, nil
}
