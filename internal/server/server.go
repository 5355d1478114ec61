// Package server exposes the execution core over HTTP: execution and
// workflow management, SSE/WS event streaming, and the federation REST
// surface.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sudocode-ai/sudocode/internal/events"
	"github.com/sudocode-ai/sudocode/internal/executor"
	"github.com/sudocode-ai/sudocode/internal/federation"
	"github.com/sudocode-ai/sudocode/internal/store"
	"github.com/sudocode-ai/sudocode/internal/workflow"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
}

// Deps are the wired collaborators the handlers dispatch to.
type Deps struct {
	Store      *store.Store
	Runner     *executor.Runner
	Engine     *workflow.Engine
	Federation *federation.Service
	Transports *events.TransportManager
	SSE        *events.SSETransport
	WS         *events.WSTransport
}

// Server is the HTTP server for the execution core.
type Server struct {
	config  Config
	deps    Deps
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New creates a Server around already-wired components.
func New(cfg Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		deps:    deps,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  log.New(os.Stderr, "[sudocode-server] ", log.LstdFlags),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /executions", s.handleCreateExecution)
	mux.HandleFunc("GET /executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /executions/{id}/entries", s.handleExecutionEntries)
	mux.HandleFunc("GET /executions/{id}/summary", s.handleExecutionSummary)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /executions/{id}/resume", s.handleResumeExecution)
	mux.HandleFunc("DELETE /executions/{id}", s.handleDeleteExecution)
	mux.HandleFunc("POST /executions/prune", s.handlePruneExecutions)

	mux.HandleFunc("GET /events/stats", s.handleEventStats)

	mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("GET /workflows/{id}/events", s.handleWorkflowEvents)
	mux.HandleFunc("POST /workflows/{id}/start", s.handleStartWorkflow)
	mux.HandleFunc("POST /workflows/{id}/pause", s.handlePauseWorkflow)
	mux.HandleFunc("POST /workflows/{id}/resume", s.handleResumeWorkflow)
	mux.HandleFunc("POST /workflows/{id}/cancel", s.handleCancelWorkflow)
	mux.HandleFunc("POST /workflows/{id}/steps", s.handleAppendStep)
	mux.HandleFunc("POST /workflows/{id}/steps/{stepId}/retry", s.handleRetryStep)
	mux.HandleFunc("POST /workflows/{id}/steps/{stepId}/skip", s.handleSkipStep)

	mux.HandleFunc("GET /ws/events", s.handleWSEvents)
	mux.HandleFunc("GET /ws/federation", s.handleWSFederation)

	mux.HandleFunc("GET /federation/info", s.handleFederationInfo)
	mux.HandleFunc("POST /federation/query", s.handleFederationQuery)
	mux.HandleFunc("POST /federation/mutate", s.handleFederationMutate)
	mux.HandleFunc("GET /federation/remotes", s.handleListRemotes)
	mux.HandleFunc("PUT /federation/remotes", s.handleSaveRemote)
	mux.HandleFunc("DELETE /federation/remotes", s.handleDeleteRemote)
	mux.HandleFunc("POST /federation/remotes/discover", s.handleDiscoverRemote)
	mux.HandleFunc("GET /federation/requests", s.handleListRequests)
	mux.HandleFunc("POST /federation/requests/{id}/approve", s.handleApproveRequest)
	mux.HandleFunc("POST /federation/requests/{id}/reject", s.handleRejectRequest)
	mux.HandleFunc("GET /federation/subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("POST /federation/subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("DELETE /federation/subscriptions/{id}", s.handleDeleteSubscription)
	mux.HandleFunc("GET /federation/metrics", s.handleFederationMetrics)
	mux.HandleFunc("GET /federation/health", s.handleFederationHealth)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server). Federation peers are
// programmatic and unaffected.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server, the transports and the runner.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	s.deps.Runner.Shutdown(shutdownCtx)
	s.deps.Transports.Shutdown()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
