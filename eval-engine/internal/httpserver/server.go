package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/auth"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/lifecycle"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/replay"
)

type Server struct {
	ctrl     *lifecycle.Controller
	verifier *auth.Verifier
}

// New wires the governance API. A nil verifier leaves approval resolution
// unauthenticated and takes the approver from the request body.
func New(ctrl *lifecycle.Controller, verifier *auth.Verifier) *Server {
	if verifier == nil {
		verifier = auth.NewVerifier(auth.Config{})
	}
	return &Server{ctrl: ctrl, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Post("/projects", s.handleCreateProject)
	r.Get("/projects/{id}", s.handleGetProject)
	r.Post("/projects/{id}/freeze", s.handleFreeze(true))
	r.Post("/projects/{id}/unfreeze", s.handleFreeze(false))

	r.Post("/agents", s.handleCreateAgent)
	r.Route("/agents/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetAgent)
		r.Post("/shadow", s.handleEnableShadow)
		r.Post("/trials", s.handleRunTrial)
		r.Get("/trials", s.handleListTrials)
		r.Post("/trials/{trialId}/replay", s.handleReplay)
		r.Get("/diff", s.handleDiff)
		r.Post("/promotion", s.handleRequestPromotion)
		r.Post("/regression-check", s.handleRegressionCheck)
		r.Get("/approvals", s.handleListApprovals)
		r.Get("/events", s.handleListEvents)
	})

	r.Get("/approvals/{id}", s.handleGetApproval)
	r.With(s.verifier.Middleware).Post("/approvals/{id}/resolve", s.handleResolve)

	r.Get("/events/verify", s.handleVerifyEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.ctrl.CreateProject(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctrl.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFreeze(frozen bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req freezeRequest
		if err := decodeOptionalJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		p, err := s.ctrl.SetFreeze(r.Context(), chi.URLParam(r, "id"), frozen, req.Reason)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.ctrl.CreateAgent(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.ctrl.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleEnableShadow(w http.ResponseWriter, r *http.Request) {
	a, err := s.ctrl.EnableShadow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleRunTrial(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.RunTrialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.AgentID = chi.URLParam(r, "id")
	out, err := s.ctrl.RunTrial(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	trials, err := s.ctrl.ListTrials(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"trials": trials})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d, err := s.ctrl.CompareTrials(r.Context(), chi.URLParam(r, "id"), q.Get("from"), q.Get("to"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Replay(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "trialId"))
	if errors.Is(err, replay.ErrIntegrity) {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"kind":   replay.IntegrityFailureKind,
			"result": res,
		})
		return
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type promotionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRequestPromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.ctrl.RequestPromotion(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusOK
	if out.Accepted {
		status = http.StatusCreated
	}
	respondJSON(w, status, out)
}

func (s *Server) handleRegressionCheck(w http.ResponseWriter, r *http.Request) {
	out, err := s.ctrl.CheckRegression(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := models.ApprovalStatus(r.URL.Query().Get("status"))
	approvals, err := s.ctrl.ListApprovals(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"approvals": approvals})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	var types []string
	if raw := r.URL.Query().Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	events, err := s.ctrl.ListEvents(r.Context(), chi.URLParam(r, "id"), types)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.ctrl.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

type resolveRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decidedBy"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	decidedBy := req.DecidedBy
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		decidedBy = p.Subject
	}
	out, err := s.ctrl.ResolveApproval(r.Context(), lifecycle.ResolveRequest{
		ApprovalID: chi.URLParam(r, "id"),
		Decision:   req.Decision,
		DecidedBy:  decidedBy,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleVerifyEvents(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.VerifyEventLog(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	respondJSON(w, status, report)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body, including a chunked one with no
// declared length.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(w, r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrFrozen):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
