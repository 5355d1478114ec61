package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sudocode-ai/sudocode/internal/federation"
	"github.com/sudocode-ai/sudocode/internal/ids"
	"github.com/sudocode-ai/sudocode/internal/store"
)

func (s *Server) handleFederationInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Federation.LocalCapabilities())
}

func (s *Server) handleFederationQuery(w http.ResponseWriter, r *http.Request) {
	var msg federation.QueryMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid query: %v", err))
		return
	}
	reply, err := s.deps.Federation.HandleIncomingQuery(r.Context(), &msg)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleFederationMutate(w http.ResponseWriter, r *http.Request) {
	var msg federation.MutateMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid mutation: %v", err))
		return
	}
	reply, err := s.deps.Federation.HandleIncomingMutation(r.Context(), &msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleListRemotes(w http.ResponseWriter, r *http.Request) {
	remotes, err := s.deps.Federation.ListRemotes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"remotes": remotes})
}

func (s *Server) handleSaveRemote(w http.ResponseWriter, r *http.Request) {
	var repo store.RemoteRepo
	if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid remote: %v", err))
		return
	}
	if repo.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.deps.Federation.SaveRemote(r.Context(), &repo); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRemote(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	if err := s.deps.Federation.RemoveRemote(r.Context(), url); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("remote %s not found", url))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDiscoverRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	repo, err := s.deps.Federation.Discover(r.Context(), req.URL)
	if err != nil {
		// The unreachable verdict is itself useful to the caller.
		writeJSON(w, http.StatusBadGateway, map[string]any{"remote": repo, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := store.RequestStatus(r.URL.Query().Get("status"))
	direction := r.URL.Query().Get("direction")
	requests, err := s.deps.Store.ListRequests(r.Context(), status, direction)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}
	out, err := s.deps.Federation.Approve(r.Context(), r.PathValue("id"), req.Approver)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	out, err := s.deps.Federation.Reject(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	subs, err := s.deps.Store.ListSubscriptions(r.Context(), s.deps.Federation.LocalRepo(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// handleCreateSubscription registers a REST (non-WS) subscription; these
// have no connection id and deliver through a future webhook path.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub store.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid subscription: %v", err))
		return
	}
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = ids.NewUUID()
	}
	sub.LocalRepo = s.deps.Federation.LocalRepo()
	sub.Active = true
	if sub.EntityType == "" {
		sub.EntityType = "*"
	}
	if len(sub.Events) == 0 {
		sub.Events = []string{"*"}
	}
	if err := s.deps.Store.SaveSubscription(r.Context(), &sub); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	existed, err := s.deps.Store.DeleteSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleFederationMetrics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "window_hours must be a positive integer")
			return
		}
		window = time.Duration(n) * time.Hour
	}
	m, err := s.deps.Federation.Metrics(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleFederationHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Federation.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}
