// Package server exposes policy evaluation over HTTP.
//
// The data handler serves POST /v1/eval and GET /v1/policies; the admin
// handler serves health and Prometheus metrics. Both are plain http.Handler
// values so callers own listener and TLS concerns.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
	"github.com/gatekeep-io/gatekeep/pkg/policy"
	"github.com/gatekeep-io/gatekeep/pkg/sched"
)

// Server wires the policy store and the scheduler to HTTP.
type Server struct {
	store *policy.Store
	pool  *sched.Scheduler
	log   *slog.Logger
}

// New builds a server.
func New(store *policy.Store, pool *sched.Scheduler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, pool: pool, log: log}
}

// Handler returns the data-plane handler, wrapped for tracing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/eval", s.handleEval)
	mux.HandleFunc("GET /v1/policies", s.handlePolicies)
	mux.HandleFunc("GET /healthz", handleHealth)
	return otelhttp.NewHandler(mux, "gatekeep.api")
}

// AdminHandler returns the admin handler serving health and metrics.
func (s *Server) AdminHandler(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", metrics)
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type evalRequest struct {
	Policy  string         `json:"policy"`
	Request map[string]any `json:"request"`
}

type evalResponse struct {
	Rcode string              `json:"rcode"`
	Reply map[string][]string `json:"reply,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	var body evalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if body.Policy == "" {
		writeError(w, http.StatusBadRequest, "policy is required")
		return
	}

	entry, err := s.store.Lookup(body.Policy)
	if err != nil {
		if errors.Is(err, domain.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dreq := domain.NewRequest(s.log)
	if err := fillAttrs(dreq, body.Request); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outc := make(chan interp.Outcome, 1)
	err = s.pool.Submit(r.Context(), body.Policy, entry, dreq,
		func(out interp.Outcome) { outc <- out })
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	select {
	case out := <-outc:
		resp := evalResponse{Rcode: out.Rcode.String()}
		if dreq.Reply.Len() > 0 {
			resp.Reply = make(map[string][]string)
			for _, p := range dreq.Reply.Pairs() {
				resp.Reply[p.Name] = append(resp.Reply[p.Name], p.Value)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		// The evaluation keeps running; the park timeout reaps it if it
		// never finishes.
		writeError(w, http.StatusGatewayTimeout, "client went away before the evaluation finished")
	}
}

func (s *Server) handlePolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"policies": s.store.Names()})
}

func fillAttrs(dreq *domain.Request, attrs map[string]any) error {
	for name, value := range attrs {
		switch v := value.(type) {
		case string:
			dreq.Request.Add(name, v)
		case []any:
			for _, item := range v {
				sv, ok := item.(string)
				if !ok {
					return fmt.Errorf("attribute %q: values must be strings", name)
				}
				dreq.Request.Add(name, sv)
			}
		default:
			return fmt.Errorf("attribute %q: value must be a string or list of strings", name)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
