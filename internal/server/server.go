// Package server exposes the HTTP surface of the call service: the TwiML
// that points Twilio at the relay socket, the socket itself, call control
// and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaycall-core/server/internal/agent/engine"
	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	"github.com/relaycall-core/server/internal/metrics"
	"github.com/relaycall-core/server/internal/relay"
	"github.com/relaycall-core/server/internal/telephony"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// Dialer places outbound calls.
type Dialer interface {
	PlaceCall(ctx context.Context, to, twimlURL string) (*telephony.Call, error)
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine         *engine.Engine
	dialer         Dialer
	cfg            model.ServerConfig
	defaultAgentID string
	registry       *prometheus.Registry
}

// New builds a Server. dialer and registry may be nil; the routes that need
// them then answer 503 and 404.
func New(e *engine.Engine, dialer Dialer, cfg model.ServerConfig, defaultAgentID string, registry *prometheus.Registry) *Server {
	return &Server{
		engine:         e,
		dialer:         dialer,
		cfg:            cfg,
		defaultAgentID: defaultAgentID,
		registry:       registry,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if s.registry != nil {
		r.Handle("/metrics", metrics.Handler(s.registry))
	}
	r.Handle("/ws", relay.NewHandler(s.engine, relay.ConfigFromServer(s.cfg)))

	r.Group(func(r chi.Router) {
		r.Use(requestLogger)
		r.Get("/twiml", s.twiml)
		r.Post("/twiml", s.twiml)
		r.Post("/call-me", s.callMe)
		r.Route("/calls/{callSid}", func(r chi.Router) {
			r.Get("/", s.getCall)
			r.Post("/end", s.endCall)
			r.Get("/transcript", s.getTranscript)
			r.Delete("/transcript", s.deleteTranscript)
		})
		r.Post("/agents/{agentId}/knowledge/refresh", s.refreshKnowledge)
	})
	return r
}

// HTTPServer wraps Handler in an http.Server listening on the configured port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.engine.Sessions(),
	})
}

type callMeRequest struct {
	Number  string `json:"number"`
	AgentID string `json:"agentId"`
}

type callMeResponse struct {
	Success bool   `json:"success"`
	CallSID string `json:"callSid"`
	To      string `json:"to"`
}

// callMe places an outbound call to the requested number that connects
// back to this service's relay.
func (s *Server) callMe(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeError(w, http.StatusServiceUnavailable, "telephony is not configured")
		return
	}
	var req callMeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !telephony.ValidE164(req.Number) {
		writeError(w, http.StatusBadRequest, "number must be in E.164 format")
		return
	}

	call, err := s.dialer.PlaceCall(r.Context(), req.Number, s.twimlURL(r, req.AgentID))
	if err != nil {
		logx.Error().Err(err).Str("to", req.Number).Msg("outbound call failed")
		writeAppError(w, err)
		return
	}
	to := call.To
	if to == "" {
		to = req.Number
	}
	writeJSON(w, http.StatusOK, callMeResponse{Success: true, CallSID: call.SID, To: to})
}

type callView struct {
	ID            string             `json:"id"`
	AgentID       string             `json:"agentId"`
	State         model.SessionState `json:"state"`
	CurrentNodeID string             `json:"currentNodeId"`
	Variables     map[string]string  `json:"variables"`
	Turns         int                `json:"turns"`
	Knowledge     int                `json:"knowledgeChunks"`
	Call          model.CallInfo     `json:"call"`
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Snapshot(chi.URLParam(r, "callSid"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown call")
		return
	}
	writeJSON(w, http.StatusOK, callView{
		ID:            snap.ID,
		AgentID:       snap.AgentID,
		State:         snap.State,
		CurrentNodeID: snap.CurrentNodeID,
		Variables:     snap.Variables,
		Turns:         len(snap.History),
		Knowledge:     len(snap.Knowledge),
		Call:          snap.Call,
	})
}

func (s *Server) endCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "callSid")
	if _, ok := s.engine.Snapshot(id); !ok {
		writeError(w, http.StatusNotFound, "unknown call")
		return
	}
	if err := s.engine.EndCall(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

type transcriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// getTranscript serves the mirrored transcript, which stays readable after
// the call has ended.
func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "callSid")
	msgs, err := s.engine.Transcript(r.Context(), id)
	if err != nil {
		logx.Error().Err(err).Str("call_sid", id).Msg("transcript load failed")
		writeAppError(w, err)
		return
	}
	entries := make([]transcriptEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, transcriptEntry{Role: string(m.Role), Content: m.Content})
	}
	writeJSON(w, http.StatusOK, map[string]any{"callSid": id, "messages": entries})
}

func (s *Server) deleteTranscript(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ForgetTranscript(r.Context(), chi.URLParam(r, "callSid")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshKnowledge(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	n, err := s.engine.RefreshKnowledge(r.Context(), agentID)
	if err != nil {
		logx.Warn().Err(err).Str("agent_id", agentID).Msg("knowledge refresh failed")
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": agentID, "chunks": n})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logx.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeAppError(w http.ResponseWriter, err error) {
	var appErr *errx.AppError
	if errors.As(err, &appErr) {
		writeError(w, appErr.Status, appErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
