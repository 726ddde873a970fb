// Package httpapi serves approval callbacks, the tool-call contract and metrics over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/trebuchet-org/evolve/internal/agent"
	"github.com/trebuchet-org/evolve/internal/bg"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// Headers carrying the chat identity of tool callers
const (
	HeaderUser    = "X-Evolve-User"
	HeaderChannel = "X-Evolve-Channel"
)

// maxBody caps request bodies
const maxBody = 1 << 20

// Server exposes the pipeline to chat platforms
type Server struct {
	gate     *usecase.ExpiringGate
	toolset  *agent.Toolset
	tools    *agent.Registry
	stats    *usecase.GetStats
	registry *prometheus.Registry
	rate     *limiter.Limiter
	runner   bg.Runner
	token    string
	log      *slog.Logger
}

// NewServer creates the HTTP server. The rate string uses the limiter format,
// e.g. "60-M"; an empty token disables bearer authentication.
func NewServer(
	gate *usecase.ExpiringGate,
	toolset *agent.Toolset,
	stats *usecase.GetStats,
	registry *prometheus.Registry,
	store limiter.Store,
	runner bg.Runner,
	cfg *config.RuntimeConfig,
	log *slog.Logger,
) (*Server, error) {
	rate, err := limiter.NewRateFromFormatted(cfg.Project.Server.Rate)
	if err != nil {
		return nil, &domain.ValidationError{Field: "server.rate", Message: err.Error()}
	}
	token := ""
	if env := cfg.Project.Server.TokenEnv; env != "" {
		token = os.Getenv(env)
	}
	return &Server{
		gate:     gate,
		toolset:  toolset,
		tools:    toolset.Registry(),
		stats:    stats,
		registry: registry,
		rate:     limiter.New(store, rate),
		runner:   runner,
		token:    token,
		log:      log.With("component", "HTTPServer"),
	}, nil
}

// NewLimiterStore keeps rate counters in redis when a client is given, in memory otherwise
func NewLimiterStore(client *goredis.Client) (limiter.Store, error) {
	if client == nil {
		return memory.NewStore(), nil
	}
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   "evolve:limiter",
		MaxRetry: 3,
	})
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(stdlib.NewMiddleware(s.rate).Handler)
		r.Use(s.authenticate)

		r.Get("/approvals", s.listApprovals)
		r.Post("/approvals/{action}", s.choose)
		r.Get("/tools", s.listTools)
		r.Post("/tools/{name}", s.callTool)
		r.Get("/stats", s.getStats)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type choiceResponse struct {
	RequestID string `json:"requestId"`
	Choice    string `json:"choice"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
	Failed    bool   `json:"failed"`
	// Pending is set when the handler is still running; its outcome goes to the channel
	Pending bool `json:"pending,omitempty"`
}

// choose claims the request while the caller waits, then runs the bound handler
// detached from the request so a callback timeout cannot abort a rollout.
func (s *Server) choose(w http.ResponseWriter, r *http.Request) {
	user, err := chooser(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	claim, err := s.gate.ClaimAction(r.Context(), chi.URLParam(r, "action"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	done := make(chan *usecase.ChoiceResult, 1)
	ctx := context.WithoutCancel(r.Context())
	s.runner.Do(func() {
		done <- s.gate.Resolve(ctx, claim)
	})

	select {
	case res := <-done:
		writeJSON(w, http.StatusOK, choiceResponse{
			RequestID: res.Request.ID,
			Choice:    string(res.Choice),
			Actor:     res.Actor,
			Message:   res.Message(),
			Failed:    res.HandlerErr != nil,
		})
	default:
		writeJSON(w, http.StatusAccepted, choiceResponse{
			RequestID: claim.Request.ID,
			Choice:    string(claim.Choice),
			Actor:     claim.Actor,
			Message:   claim.Message(),
			Pending:   true,
		})
	}
}

// chooser returns the identity making a choice. The caller header wins; the
// user query parameter is only honored without one, or when it names the same user.
func chooser(r *http.Request) (string, error) {
	caller := strings.TrimSpace(r.Header.Get(HeaderUser))
	named := strings.TrimSpace(r.URL.Query().Get("user"))
	if caller == "" {
		return named, nil
	}
	if named != "" && named != caller {
		return "", &domain.ForbiddenError{Actor: caller, Action: "choose on behalf of " + named}
	}
	return caller, nil
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.Pending(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if pending == nil {
		pending = []*models.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type toolInfo struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Schema      agent.Schema `json:"parameters"`
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.tools.All()
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolInfo{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	caller := agent.Caller{User: r.Header.Get(HeaderUser), Channel: r.Header.Get(HeaderChannel)}
	reply := s.toolset.Handle(r.Context(), s.tools, caller, chi.URLParam(r, "name"), raw)
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Run(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// fail maps pipeline errors to status codes. Anything unstructured is logged
// and reported generically.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// StatusFor maps a pipeline error to an HTTP status code
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrExpiredOrUnknown), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case domain.IsRecoverable(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
