// Package server exposes the lock service over HTTP and WebSocket.
package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pdm-go/internal/broadcast"
	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

var tracer = otel.Tracer("pdm-go/internal/server")

// Server routes API requests to the service. Every /api and /ws request
// carries a bearer token; /healthz and /metrics are open.
type Server struct {
	svc      *pdm.PDMService
	identity pdm.IdentityProvider
	hub      *broadcast.Broadcaster
	ws       *broadcast.Handler
	gatherer prometheus.Gatherer
	logger   pdm.Logger
	mux      *http.ServeMux
}

func New(svc *pdm.PDMService, identity pdm.IdentityProvider, hub *broadcast.Broadcaster, ws *broadcast.Handler, gatherer prometheus.Gatherer, logger pdm.Logger) *Server {
	s := &Server{
		svc:      svc,
		identity: identity,
		hub:      hub,
		ws:       ws,
		gatherer: gatherer,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		render.PlainText(w, r, "ok")
	})
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.handle("GET /ws", s.handleWS)
	s.handle("GET /api/resources", s.handleListResources)
	s.handle("POST /api/resources/{id}", s.handleAddResource)
	s.handle("GET /api/resources/{id}", s.handleGetResource)
	s.handle("DELETE /api/resources/{id}", s.handleRemoveResource)
	s.handle("POST /api/resources/{id}/rename", s.handleRenameResource)
	s.handle("POST /api/resources/{id}/checkout", s.handleCheckout)
	s.handle("POST /api/resources/{id}/checkin", s.handleCheckin)
	s.handle("GET /api/resources/{id}/history", s.handleHistory)
	s.handle("GET /api/resources/{id}/diff", s.handleDiff)
	s.handle("GET /api/resources/{id}/attribution", s.handleAttribution)
	s.handle("GET /api/resources/{id}/content", s.handleContent)
	s.handle("GET /api/locks", s.handleLocks)
	s.handle("GET /api/audit", s.handleAudit)
	s.handle("GET /api/sessions", s.handleSessions)
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor *model.Actor)

// handle wraps h with a server span and bearer authentication.
func (s *Server) handle(pattern string, h actorHandler) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), pattern, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		r = r.WithContext(ctx)

		actor, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		span.SetAttributes(attribute.String("pdm.actor", actor.ID))
		h(w, r, actor)
	})
}

func (s *Server) authenticate(r *http.Request) (*model.Actor, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		// Browsers cannot set headers on a WebSocket handshake.
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", pdm.ErrUnauthenticated)
	}
	return s.identity.Authenticate(r.Context(), token)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	s.ws.Serve(w, r, actor)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	list, err := s.svc.ListResources(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, list)
}

func (s *Server) handleAddResource(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	v, err := s.svc.AddResource(r.Context(), actor, r.PathValue("id"), body(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, versionView(v))
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	res, err := s.svc.GetResource(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, resourceView(res))
}

func (s *Server) handleRemoveResource(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	if err := s.svc.RemoveResource(r.Context(), actor, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (s *Server) handleRenameResource(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	var req renameRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decoding rename request: %v", pdm.ErrInvalid, err))
		return
	}
	v, err := s.svc.RenameResource(r.Context(), actor, r.PathValue("id"), req.NewID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, versionView(v))
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	var req checkoutRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: decoding checkout request: %v", pdm.ErrInvalid, err))
			return
		}
	}
	lock, err := s.svc.Checkout(r.Context(), actor, r.PathValue("id"), req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, lockView(lock))
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	override, err := boolParam(r, "override")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Checkin(r.Context(), actor, r.PathValue("id"), override, body(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, checkinView(res))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.svc.History(r.Context(), actor, r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*VersionView, 0, len(history))
	for _, v := range history {
		out = append(out, versionView(v))
	}
	render.JSON(w, r, out)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	q := r.URL.Query()
	changes, err := s.svc.Diff(r.Context(), actor, r.PathValue("id"), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if changes == nil {
		changes = []model.Change{}
	}
	render.JSON(w, r, changes)
}

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	attr, err := s.svc.Attribution(r.Context(), actor, r.PathValue("id"), r.URL.Query().Get("version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, attr)
}

// handleContent buffers the blob so a failed read still gets a proper
// error status.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	var buf bytes.Buffer
	if err := s.svc.ReadContent(r.Context(), actor, r.PathValue("id"), r.URL.Query().Get("version"), &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	locks, err := s.svc.Locks(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*LockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, lockView(l))
	}
	render.JSON(w, r, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	filter, err := auditFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.svc.QueryAudit(r.Context(), actor, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]AuditView, 0, len(events))
	for _, e := range events {
		out = append(out, auditView(e))
	}
	render.JSON(w, r, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	if !actor.Can(model.CapRead) {
		s.writeError(w, r, &pdm.ForbiddenError{Actor: actor.ID, Reason: "missing read capability"})
		return
	}
	sessions := s.hub.Sessions()
	out := make([]SessionView, 0, len(sessions))
	for _, si := range sessions {
		out = append(out, sessionView(si))
	}
	render.JSON(w, r, out)
}

// body returns nil for an empty request body so the service treats the
// request as carrying no content.
func body(r *http.Request) io.Reader {
	if r.ContentLength == 0 || r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	return r.Body
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", pdm.ErrInvalid, name)
	}
	return v, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", pdm.ErrInvalid, name)
	}
	return v, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", pdm.ErrInvalid, name)
	}
	return t.UTC(), nil
}

func auditFilter(r *http.Request) (model.AuditFilter, error) {
	q := r.URL.Query()
	f := model.AuditFilter{Actor: q.Get("actor"), Action: q.Get("action"), Target: q.Get("target")}
	var err error
	if f.Since, err = timeParam(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit"); err != nil {
		return f, err
	}
	return f, nil
}
