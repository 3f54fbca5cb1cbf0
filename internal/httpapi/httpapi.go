// Package httpapi implements the gateway's REST surface: session
// enumeration and teardown, workspace file operations, process signaling,
// and health/stats endpoints. The WebSocket terminal itself is
// internal/termgateway; this package is everything else a terminal client
// needs over plain HTTP.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"termgateway/internal/apperr"
	"termgateway/internal/authz"
	"termgateway/internal/httpx/middleware"
	"termgateway/internal/httpx/response"
	"termgateway/internal/ids"
	"termgateway/internal/logger"
	"termgateway/internal/metrics"
	"termgateway/internal/session"
	"termgateway/internal/termgateway"
	"termgateway/internal/workspace"
)

// sessionDetailView is the single-session counterpart of sessionView,
// returned by GetSession with a bit more detail than the list endpoint.
type sessionDetailView struct {
	sessionView
	HasProcess bool `json:"has_process"`
}

var log = logger.WithComponent("HTTPAPI")

// API holds every dependency the REST handlers need.
type API struct {
	Sessions   *session.Registry
	Gateway    *termgateway.Gateway
	Authorizer *authz.Authorizer
	Metrics    *metrics.Collectors
}

// Health reports basic liveness. It is never behind auth middleware.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_connections": a.Gateway.ActiveConnections(),
		"active_sessions":    a.Sessions.Count(),
	})
}

// Stats reports aggregate counters for operators.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	var droppedFrames uint64
	for _, s := range a.Sessions.List() {
		droppedFrames += s.DropCount()
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"active_connections": a.Gateway.ActiveConnections(),
		"active_sessions":    a.Sessions.Count(),
		"dropped_frames":     droppedFrames,
	})
}

type sessionView struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	RemoteAddr string `json:"remote_addr"`
	CreatedAt  int64  `json:"created_at"`
	IdleSec    int64  `json:"idle_seconds"`
}

// ListSessions returns every session belonging to the caller. A caller with
// the "session:list_all" role permission sees every live session instead.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Unauthorized(w)
		return
	}

	all := a.Authorizer.Authorize(authz.Subject{UserID: ident.UserID, Groups: ident.Groups}, "session:list_all") == nil

	views := make([]sessionView, 0)
	for _, s := range a.Sessions.List() {
		if !all && s.UserID != ident.UserID {
			continue
		}
		views = append(views, sessionView{
			ID:         string(s.ID),
			UserID:     string(s.UserID),
			RemoteAddr: s.RemoteAddr,
			CreatedAt:  s.CreatedAt.Unix(),
			IdleSec:    int64(s.IdleSince().Seconds()),
		})
	}
	response.JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// CreateSession allocates a new session and workspace sandbox for the
// caller. No shell is spawned yet; the client attaches one by opening /ws
// with a resume frame carrying the returned session id.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Unauthorized(w)
		return
	}

	subject := authz.Subject{UserID: ident.UserID, Groups: ident.Groups}
	if err := a.Authorizer.Authorize(subject, "session:create"); err != nil {
		appErr, _ := apperr.As(err)
		response.AppError(w, appErr)
		return
	}

	sess, err := a.Gateway.CreateSession(ident.UserID, r.RemoteAddr, r.Header.Get("User-Agent"))
	if err != nil {
		if _, ok := err.(*session.ErrSessionLimit); ok {
			response.AppError(w, apperr.New(apperr.CodeSessionLimit, "maximum concurrent sessions reached"))
			return
		}
		response.AppError(w, apperr.Wrap(apperr.CodeInternal, "failed to create session", err))
		return
	}

	response.JSON(w, http.StatusCreated, sessionDetailView{
		sessionView: sessionViewOf(sess),
		HasProcess:  false,
	})
}

// GetSession returns one session's detail, for callers that own it (or hold
// "session:list_all").
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionForCaller(w, r, "session:list_all")
	if !ok {
		return
	}
	_, hasProcess := sess.Process()
	response.JSON(w, http.StatusOK, sessionDetailView{
		sessionView: sessionViewOf(sess),
		HasProcess:  hasProcess,
	})
}

// GetSessionHistory returns the input lines recorded for one session, oldest
// first, capped at internal/config.SessionConfig.CommandHistoryCap.
func (a *API) GetSessionHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionForCaller(w, r, "session:list_all")
	if !ok {
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"history": sess.History()})
}

// sessionForCaller resolves the session named by the {id} path value and
// authorizes the caller against it, by ownership or the given administrative
// permission.
func (a *API) sessionForCaller(w http.ResponseWriter, r *http.Request, adminPerm authz.Permission) (*session.Session, bool) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Unauthorized(w)
		return nil, false
	}

	sess, ok := a.Sessions.Get(ids.SessionId(r.PathValue("id")))
	if !ok {
		response.AppError(w, apperr.New(apperr.CodeSessionNotFound, "session not found"))
		return nil, false
	}

	subject := authz.Subject{UserID: ident.UserID, Groups: ident.Groups}
	if sess.UserID != ident.UserID {
		if err := a.Authorizer.Authorize(subject, adminPerm); err != nil {
			response.AppError(w, apperr.New(apperr.CodePermissionDenied, "not authorized for this session"))
			return nil, false
		}
	}
	return sess, true
}

func sessionViewOf(s *session.Session) sessionView {
	return sessionView{
		ID:         string(s.ID),
		UserID:     string(s.UserID),
		RemoteAddr: s.RemoteAddr,
		CreatedAt:  s.CreatedAt.Unix(),
		IdleSec:    int64(s.IdleSince().Seconds()),
	}
}

// DeleteSession destroys a session the caller owns (or, with the
// administrative permission, any session), killing its attached PTY
// process.
func (a *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Unauthorized(w)
		return
	}

	id := ids.SessionId(r.PathValue("id"))
	sess, ok := a.Sessions.Get(id)
	if !ok {
		response.AppError(w, apperr.New(apperr.CodeSessionNotFound, "session not found"))
		return
	}

	subject := authz.Subject{UserID: ident.UserID, Groups: ident.Groups}
	if err := a.Authorizer.AuthorizeOwnership(subject, "session:delete", sess.UserID); err != nil {
		appErr, _ := apperr.As(err)
		response.AppError(w, appErr)
		return
	}

	a.Sessions.Destroy(id)
	response.JSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// SignalProcess delivers a named signal to a session's attached PTY
// process, e.g. interrupting a runaway foreground command.
func (a *API) SignalProcess(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Unauthorized(w)
		return
	}

	id := ids.SessionId(r.PathValue("id"))
	sess, ok := a.Sessions.Get(id)
	if !ok {
		response.AppError(w, apperr.New(apperr.CodeSessionNotFound, "session not found"))
		return
	}

	subject := authz.Subject{UserID: ident.UserID, Groups: ident.Groups}
	if err := a.Authorizer.AuthorizeOwnership(subject, "process:signal", sess.UserID); err != nil {
		appErr, _ := apperr.As(err)
		response.AppError(w, appErr)
		return
	}

	var body struct {
		Signal string `json:"signal"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	proc, ok := sess.Process()
	if !ok {
		response.AppError(w, apperr.New(apperr.CodePtyClosed, "session has no attached process"))
		return
	}

	sig, ok := signalByName[body.Signal]
	if !ok {
		response.BadRequest(w, "unsupported signal")
		return
	}
	if err := proc.Signal(sig); err != nil {
		log.Debug("signal delivery failed | session=%s err=%v", id, err)
		response.AppError(w, apperr.Wrap(apperr.CodeInternal, "failed to deliver signal", err))
		return
	}

	response.JSON(w, http.StatusOK, map[string]any{"delivered": body.Signal})
}

// requireSessionSandbox resolves the caller's session and authorizes file
// access against it, returning the sandbox to operate on.
func (a *API) requireSessionSandbox(w http.ResponseWriter, r *http.Request, sessionID string) (*workspace.Sandbox, bool) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Unauthorized(w)
		return nil, false
	}

	sess, ok := a.Sessions.Get(ids.SessionId(sessionID))
	if !ok {
		response.AppError(w, apperr.New(apperr.CodeSessionNotFound, "session not found"))
		return nil, false
	}

	subject := authz.Subject{UserID: ident.UserID, Groups: ident.Groups}
	if err := a.Authorizer.AuthorizeOwnership(subject, "files:access", sess.UserID); err != nil {
		appErr, _ := apperr.As(err)
		response.AppError(w, appErr)
		return nil, false
	}

	sess.Touch()
	return sess.Sandbox, true
}

type fileRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
}

func decodeFileRequest(r *http.Request) (fileRequest, error) {
	var req fileRequest
	err := json.NewDecoder(io.LimitReader(r.Body, 10<<20)).Decode(&req)
	return req, err
}

// ListFiles lists a directory inside the caller's session workspace.
func (a *API) ListFiles(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFileRequest(r)
	if err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	sandbox, ok := a.requireSessionSandbox(w, r, req.SessionID)
	if !ok {
		return
	}

	entries, err := sandbox.List(req.Path)
	if err != nil {
		response.AppError(w, workspace.AsAppError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ReadFile reads one file inside the caller's session workspace.
func (a *API) ReadFile(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFileRequest(r)
	if err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	sandbox, ok := a.requireSessionSandbox(w, r, req.SessionID)
	if !ok {
		return
	}

	data, err := sandbox.ReadFile(req.Path)
	if err != nil {
		response.AppError(w, workspace.AsAppError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"path": req.Path, "content": string(data)})
}

// WriteFile writes one file inside the caller's session workspace, subject
// to the workspace's byte and file-count quotas.
func (a *API) WriteFile(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFileRequest(r)
	if err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	sandbox, ok := a.requireSessionSandbox(w, r, req.SessionID)
	if !ok {
		return
	}

	if err := sandbox.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		response.AppError(w, workspace.AsAppError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"written": req.Path})
}

// DeleteFile removes a file or directory inside the caller's session
// workspace.
func (a *API) DeleteFile(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFileRequest(r)
	if err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	sandbox, ok := a.requireSessionSandbox(w, r, req.SessionID)
	if !ok {
		return
	}

	if err := sandbox.Delete(req.Path); err != nil {
		response.AppError(w, workspace.AsAppError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"deleted": req.Path})
}

// Mkdir creates a directory inside the caller's session workspace.
func (a *API) Mkdir(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFileRequest(r)
	if err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	sandbox, ok := a.requireSessionSandbox(w, r, req.SessionID)
	if !ok {
		return
	}

	if err := sandbox.Mkdir(req.Path); err != nil {
		response.AppError(w, workspace.AsAppError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"created": req.Path})
}
