// Command server runs the agent run orchestrator's HTTP surface (spec.md
// §6): project/thread reads, run dispatch (start/stop/status), the
// multipart "create everything and go" entry point, and the SSE stream
// endpoint. The worker process that drains the run queue lives in
// cmd/worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/R3E-Network/agent-orchestrator/infrastructure/errors"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/httputil"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/metrics"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/middleware"
	"github.com/R3E-Network/agent-orchestrator/internal/coordination"
	"github.com/R3E-Network/agent-orchestrator/internal/dispatcher"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/internal/durable"
	"github.com/R3E-Network/agent-orchestrator/internal/quota"
	"github.com/R3E-Network/agent-orchestrator/internal/sandboxpool"
	"github.com/R3E-Network/agent-orchestrator/internal/sandboxprovider"
	"github.com/R3E-Network/agent-orchestrator/internal/stream"
	"github.com/R3E-Network/agent-orchestrator/pkg/auth"
	"github.com/R3E-Network/agent-orchestrator/pkg/blob"
	"github.com/R3E-Network/agent-orchestrator/pkg/config"
	"github.com/R3E-Network/agent-orchestrator/pkg/supabase"
	"github.com/R3E-Network/agent-orchestrator/pkg/tracing"
	"github.com/R3E-Network/agent-orchestrator/pkg/version"
)

// maxInitiateBodyBytes bounds the multipart /agent/initiate upload (spec.md
// §1 treats the storage of the files themselves, not this limit, as the
// out-of-scope part).
const maxInitiateBodyBytes = 32 << 20

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("agent-orchestrator-server", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("agent-orchestrator-server")

	if cfg.Tracing.Enabled() {
		provider, shutdown, err := tracing.NewOTLPTracerProvider(context.Background(), tracing.OTLPConfig{
			Endpoint:           cfg.Tracing.Endpoint,
			Insecure:           cfg.Tracing.Insecure,
			ServiceName:        cfg.Tracing.ServiceName,
			ResourceAttributes: cfg.Tracing.ResourceAttributes,
		})
		if err != nil {
			logger.WithError(err).Warn("tracing disabled: failed to start OTLP exporter")
		} else {
			tracing.ConfigureGlobalTracer(provider, "agent-orchestrator-server")
			defer shutdown(context.Background())
		}
	}

	db, err := supabase.New(supabase.Config{
		ProjectURL:     cfg.Supabase.ProjectURL,
		AnonKey:        cfg.Supabase.AnonKey,
		ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
	})
	if err != nil {
		logger.WithError(err).Fatal("connect to supabase")
	}

	coord, err := coordination.NewFromURL(cfg.Coordination.RedisURL, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("connect to coordination store")
	}
	defer coord.Close()

	durableStore := durable.New(db)
	ledger := quota.New(db, coord, logger, m)

	provider := sandboxprovider.New(sandboxprovider.Config{
		APIKey:             cfg.Sandbox.DaytonaAPIKey,
		ServerURL:          cfg.Sandbox.DaytonaServerURL,
		SnapshotName:       cfg.Sandbox.SnapshotName,
		MobileSnapshotName: cfg.Sandbox.MobileSnapshotName,
	}, logger)

	instanceID := instanceID()
	pool := sandboxpool.New(coord, provider, logger, m, sandboxpool.DefaultConfig(), instanceID)

	attachments := blob.NewStorage(db, "agent-initiate-attachments")
	disp := dispatcher.New(coord, durableStore, ledger, pool, attachments, logger, instanceID)
	delivery := stream.New(coord, durableStore, logger, m)

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		m:        m,
		disp:     disp,
		delivery: delivery,
		store:    durableStore,
	}

	router := srv.routes()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the stream endpoint holds connections open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(httpServer, 30*time.Second)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("agent orchestrator server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Logger.Info("shutdown signal received")
	shutdown.Shutdown()
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// server wires the HTTP surface named in spec.md §6 onto the dispatcher,
// stream delivery, and durable store components.
type server struct {
	cfg      *config.Config
	logger   *logging.Logger
	m        *metrics.Metrics
	disp     *dispatcher.Dispatcher
	delivery *stream.Delivery
	store    *durable.Store
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewCORSMiddleware(nil).Handler)
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(maxInitiateBodyBytes).Handler)

	health := middleware.NewHealthChecker(version.Version)
	r.Get("/healthz", health.Handler())
	r.Get("/livez", middleware.LivenessHandler())

	startLimiter := middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(s.logger))

	r.Group(func(api chi.Router) {
		api.Use(middleware.NewRecoveryMiddleware(s.logger).Handler)
		api.Use(middleware.NewTracingMiddleware(s.logger).Handler)
		api.Use(middleware.LoggingMiddleware(s.logger))
		api.Use(middleware.MetricsMiddleware("agent-orchestrator-server", s.m))
		validation := middleware.DefaultValidationConfig()
		validation.ContentTypes = append(validation.ContentTypes, "multipart/form-data")
		api.Use(middleware.NewValidationMiddleware(validation).Handler)
		api.Use(s.authenticate)

		api.With(startLimiter.Handler).Post("/agent/initiate", s.handleInitiateAgent)
		api.With(startLimiter.Handler).Post("/thread/{thread_id}/agent/start", s.handleStartRun)
		api.Post("/agent-run/{run_id}/stop", s.handleStopRun)
		api.Get("/agent-run/{run_id}", s.handleRunStatus)
		api.Get("/agent-run/{run_id}/status", s.handleRunStatus)
		api.Get("/thread/{thread_id}/agent-runs", s.handleListRuns)
		api.Get("/agent-run/{run_id}/stream", s.handleStream)

		api.Get("/projects", s.handleListProjects)
		api.Get("/projects/{project_id}", s.handleGetProject)
		api.Get("/threads", s.handleListThreads)
	})

	return r
}

// authenticate extracts the bearer token's `sub` claim and stores it in the
// request context as the acting user ID. Decoding the claim is needed to
// route the request to the right account; verifying the token's signature
// against the identity provider's keys is the out-of-scope part (spec.md §1
// "authentication/JWT decoding").
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httputil.Unauthorized(w, "missing bearer token")
			return
		}
		userID, err := auth.DecodeSubClaim(token)
		if err != nil || userID == "" {
			httputil.Unauthorized(w, "invalid token")
			return
		}
		ctx := logging.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type startRunRequest struct {
	Model                string                 `json:"model"`
	EnableThinking       bool                   `json:"enable_thinking"`
	ReasoningEffort      string                 `json:"reasoning_effort"`
	Stream               bool                   `json:"stream"`
	EnableContextManager bool                   `json:"enable_context_manager"`
	AgentConfig          map[string]interface{} `json:"agent_config"`
	IsAgentBuilder       bool                   `json:"is_agent_builder"`
	TargetAgentID        string                 `json:"target_agent_id"`
}

func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	var req startRunRequest
	if !httputil.DecodeJSONOptional(w, r, &req) {
		return
	}

	result, err := s.disp.StartRun(r.Context(), threadID, userID, dispatcher.StartRunParams{
		Model:                req.Model,
		EnableThinking:       req.EnableThinking,
		ReasoningEffort:      req.ReasoningEffort,
		Stream:               req.Stream,
		EnableContextManager: req.EnableContextManager,
		AgentConfig:          req.AgentConfig,
		IsAgentBuilder:       req.IsAgentBuilder,
		TargetAgentID:        req.TargetAgentID,
		RequestID:            r.Header.Get("X-Request-ID"),
	})
	if err != nil {
		writeDispatchError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"agent_run_id": result.RunID,
		"status":       string(result.Status),
	})
}

// handleInitiateAgent handles the multipart "create project+thread+sandbox
// and enqueue the first run" entry point (spec.md §6 "POST /agent/initiate").
func (s *server) handleInitiateAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxInitiateBodyBytes)
	if err := r.ParseMultipartForm(maxInitiateBodyBytes); err != nil {
		httputil.BadRequest(w, "invalid multipart body: "+err.Error())
		return
	}

	prompt := r.FormValue("prompt")
	if strings.TrimSpace(prompt) == "" {
		httputil.BadRequest(w, "prompt is required")
		return
	}
	appType := domain.AppType(r.FormValue("app_type"))

	files := make(map[string][]byte)
	if r.MultipartForm != nil {
		for name, headers := range r.MultipartForm.File {
			for _, h := range headers {
				f, err := h.Open()
				if err != nil {
					continue
				}
				data, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					continue
				}
				files[name] = data
			}
		}
	}

	result, err := s.disp.InitiateAgent(r.Context(), userID, dispatcher.InitiateParams{
		Prompt:  prompt,
		AppType: appType,
		Files:   files,
		StartRunParams: dispatcher.StartRunParams{
			Model:     r.FormValue("model"),
			RequestID: r.Header.Get("X-Request-ID"),
		},
	})
	if err != nil {
		writeDispatchError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":    result.ThreadID,
		"agent_run_id": result.RunID,
		"status":       string(result.Status),
	})
}

func (s *server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	if err := s.disp.StopRun(r.Context(), runID); err != nil {
		writeDispatchError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": string(domain.RunStatusStopping)})
}

func (s *server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	result, err := s.disp.GetRunStatus(r.Context(), runID)
	if err != nil {
		writeDispatchError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    string(result.Status),
		"completed": result.Completed,
	})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	runs, err := s.store.ListRunsForThread(r.Context(), threadID)
	if err != nil {
		writeDispatchError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"agent_runs": runs})
}

// handleListProjects returns the caller's own projects (spec.md §6 "GET
// /projects"); no pagination, matching the full-list-within-scope behavior
// named for /thread/{id}/agent-runs.
func (s *server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	projects, err := s.store.ListProjectsForOwner(r.Context(), userID)
	if err != nil {
		writeDispatchError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (s *server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeDispatchError(w, r, s.logger, err)
		return
	}
	if project.OwnerAccountID != userID {
		writeDispatchError(w, r, s.logger, apperrors.Forbidden("account does not own this project"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, project)
}

func (s *server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	threads, err := s.store.ListThreadsForAccount(r.Context(), userID)
	if err != nil {
		writeDispatchError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

// handleStream serves the SSE endpoint (spec.md §4.F, §6). It sets the
// headers EventSource connections depend on and flushes after every event
// stream.Delivery writes.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.ServiceUnavailable(w, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := s.delivery.Serve(r.Context(), w, flusher.Flush, runID); err != nil {
		s.logger.WithContext(r.Context()).WithError(err).WithField("run_id", runID).Warn("stream ended with error")
	}
}

func writeDispatchError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	svcErr := apperrors.GetServiceError(err)
	if svcErr == nil {
		logger.WithContext(r.Context()).WithError(err).Error("unhandled dispatcher error")
		httputil.InternalError(w, "internal server error")
		return
	}
	httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
}
