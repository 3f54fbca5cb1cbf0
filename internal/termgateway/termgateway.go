// Package termgateway implements the WebSocket-to-PTY session state
// machine: the authenticated upgrade handshake, the bidirectional pump
// between a PTY and its WebSocket, heartbeat and idle detection,
// backpressure, and reconnect-with-replay.
//
// Grounded on the teacher's internal/terminal/ws_handler.go runPTYSession
// (three-goroutine pump: PTY-to-WS reader, WS-to-PTY reader, ping ticker,
// coordinated teardown through a handful of done channels), generalized
// from the teacher's lease-token pre-auth model to an explicit first-message
// authentication state, and with a bounded output channel and replay buffer
// added on top of the teacher's direct, unbuffered WriteMessage calls.
package termgateway

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"termgateway/internal/apperr"
	"termgateway/internal/authz"
	"termgateway/internal/ids"
	"termgateway/internal/jwtauth"
	"termgateway/internal/logger"
	"termgateway/internal/metrics"
	"termgateway/internal/ptyproc"
	"termgateway/internal/ratelimit"
	"termgateway/internal/session"
	"termgateway/internal/workspace"
	"termgateway/internal/wsproto"
)

var log = logger.WithComponent("TERMGATEWAY")

// State is a connection's position in the session lifecycle.
type State int32

const (
	StateOpening State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	authDeadline   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 5 * time.Second
	pongTimeout    = 30 * time.Second
	ptyReadBufSize = 8192
)

// Options configures a Gateway.
type Options struct {
	Validator       *jwtauth.Validator
	Authorizer      *authz.Authorizer
	Sessions        *session.Registry
	Processes       *ptyproc.Manager
	Limiter         *ratelimit.Limiter
	WorkspaceRoot   string
	WorkspaceLimits workspace.Limits
	Shell           string
	AllowedOrigins  []string
	Metrics         *metrics.Collectors

	// MaxProcesses caps RLIMIT_NPROC on every spawned shell (see
	// config.Session.MaxProcesses); 0 leaves the limit unset.
	MaxProcesses int
}

// Gateway upgrades HTTP requests to WebSocket terminal sessions and owns
// every live connection's lifecycle.
type Gateway struct {
	opts     Options
	upgrader websocket.Upgrader

	activeConns  int32
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	connsMu sync.Mutex
	conns   map[ids.SessionId]*connection
}

// New builds a Gateway from opts.
func New(opts Options) *Gateway {
	g := &Gateway{
		opts:       opts,
		shutdownCh: make(chan struct{}),
		conns:      make(map[ids.SessionId]*connection),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  ptyReadBufSize,
		WriteBufferSize: ptyReadBufSize,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ActiveConnections reports how many WebSocket connections are currently
// live.
func (g *Gateway) ActiveConnections() int {
	return int(atomic.LoadInt32(&g.activeConns))
}

// HandleWS upgrades the request and runs the connection's lifecycle until
// it closes. It returns once the connection is fully torn down.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	if !g.opts.Limiter.AllowIP(clientIP(remoteAddr)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("upgrade failed: %v", err)
		return
	}

	c := &connection{
		gw:         g,
		conn:       conn,
		remoteAddr: remoteAddr,
		userAgent:  r.Header.Get("User-Agent"),
		connID:     string(ids.NewSessionId()),
		state:      int32(StateOpening),
		done:       make(chan struct{}),
	}

	atomic.AddInt32(&g.activeConns, 1)
	g.reportActiveConns()
	defer func() {
		atomic.AddInt32(&g.activeConns, -1)
		g.reportActiveConns()
	}()

	c.run()
}

func (g *Gateway) reportActiveConns() {
	if g.opts.Metrics != nil {
		g.opts.Metrics.ActiveConnections.Set(float64(g.ActiveConnections()))
	}
}

// Shutdown closes every live connection with a going-away close code and
// waits up to ctx's deadline for them to finish.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.shutdownOnce.Do(func() { close(g.shutdownCh) })

	g.connsMu.Lock()
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()

	for _, c := range conns {
		c.closeWithCode(apperr.WSCloseGoingAway, "server shutting down")
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Warn("shutdown timed out with %d connections still active", g.ActiveConnections())
			return
		case <-ticker.C:
			if g.ActiveConnections() == 0 {
				log.Info("all terminal connections closed")
				return
			}
		}
	}
}

// CreateSession allocates a session and its workspace sandbox ahead of any
// WebSocket connection, for the REST API's POST /sessions — the shell itself
// is spawned lazily once a client connects to /ws and resumes onto this
// session id.
func (g *Gateway) CreateSession(userID ids.UserId, remoteAddr, userAgent string) (*session.Session, error) {
	root := g.opts.WorkspaceRoot + string(os.PathSeparator) + string(userID) + string(os.PathSeparator) + string(ids.NewSessionId())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	sandbox, err := workspace.New(root, g.opts.WorkspaceLimits)
	if err != nil {
		return nil, err
	}
	return g.opts.Sessions.Create(userID, remoteAddr, userAgent, sandbox)
}

func (g *Gateway) register(c *connection) {
	g.connsMu.Lock()
	g.conns[c.sess.ID] = c
	g.connsMu.Unlock()
}

// unregister removes c from the live-connection map, but only if c is still
// the entry registered under its session id — a resumed connection
// overwrites the old entry, and the old connection's own deferred
// unregister must not clobber it.
func (g *Gateway) unregister(c *connection) {
	if c.sess == nil {
		return
	}
	g.connsMu.Lock()
	if g.conns[c.sess.ID] == c {
		delete(g.conns, c.sess.ID)
	}
	g.connsMu.Unlock()
}

// CloseSessionConnection closes whatever WebSocket connection is currently
// bound to sess, if any, with the session-expired close code. Wired as
// session.Registry.OnDestroy so an explicit destroy or idle reap tears down
// the live socket before the PTY is killed and the workspace is removed.
func (g *Gateway) CloseSessionConnection(sess *session.Session) {
	g.connsMu.Lock()
	c, ok := g.conns[sess.ID]
	g.connsMu.Unlock()
	if !ok {
		return
	}
	c.closeWithCode(apperr.WSCloseSessionGone, "session destroyed")
}

// connection is one live WebSocket-to-PTY bridge.
type connection struct {
	gw         *Gateway
	conn       *websocket.Conn
	remoteAddr string
	userAgent  string
	connID     string

	state int32 // atomic, State

	sess  *session.Session
	proc  *ptyproc.Handle
	ident *jwtauth.Identity

	// clog is a logger scoped to this connection's session id, set once the
	// session is known (auth success or resume); nil beforehand.
	clog *logger.Logger

	writeMu sync.Mutex

	lastAcked   uint64 // atomic
	backpressed int32  // atomic bool

	sub chan session.OutputFrame

	// histLineBuf accumulates PTY input bytes between newlines for command
	// history; only pumpWSToPTY's goroutine touches it, so no lock is needed.
	histLineBuf []byte
	// upload tracks an in-progress file upload announced by a
	// file_upload_start frame; nil when no upload is in flight. Like
	// histLineBuf, only the read-pump goroutine touches it.
	upload *uploadState

	done     chan struct{}
	doneOnce sync.Once
}

func (c *connection) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }
func (c *connection) getState() State  { return State(atomic.LoadInt32(&c.state)) }

func (c *connection) run() {
	defer c.conn.Close()

	c.setState(StateAwaitingAuth)
	if !c.authenticate() {
		return
	}
	c.setState(StateAuthenticated)
	c.gw.register(c)
	defer c.gw.unregister(c)

	if c.proc == nil {
		c.spawnShell()
	}
	if c.proc == nil {
		return
	}

	c.runPumps()

	c.setState(StateClosed)
}

// authenticate blocks for the first client message (which must be a
// TypeAuth or TypeResume frame), verifies the bearer token and runs
// authorization, then either creates a fresh session or reattaches to an
// existing one. It reports false if the handshake fails for any reason,
// having already sent an error frame and closed the socket.
func (c *connection) authenticate() bool {
	c.conn.SetReadDeadline(time.Now().Add(authDeadline))

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		log.Debug("auth read failed: %v", err)
		return false
	}

	msg, err := wsproto.Decode(raw)
	if err != nil || (msg.Type != wsproto.TypeAuth && msg.Type != wsproto.TypeResume) {
		c.failAuth(apperr.New(apperr.CodeInvalidMessage, "first message must be auth or resume"))
		return false
	}

	ident, err := c.gw.opts.Validator.Verify(context.Background(), msg.Token)
	if err != nil {
		appErr, _ := apperr.As(err)
		c.failAuth(appErr)
		return false
	}
	c.ident = ident

	if !c.gw.opts.Limiter.AllowUser(string(ident.UserID)) {
		c.failAuth(apperr.New(apperr.CodeRateLimit, "too many requests for this user"))
		return false
	}

	subject := authz.Subject{UserID: ident.UserID, Groups: ident.Groups}
	if err := c.gw.opts.Authorizer.Authorize(subject, "session:create"); err != nil {
		appErr, _ := apperr.As(err)
		c.failAuth(appErr)
		return false
	}

	if msg.Type == wsproto.TypeResume {
		return c.resume(msg, subject)
	}

	root, err := c.ensureWorkspaceRoot(string(ident.UserID))
	if err != nil {
		c.failAuth(apperr.Wrap(apperr.CodeInternal, "failed to prepare workspace", err))
		return false
	}
	sandbox, err := workspace.New(root, c.gw.opts.WorkspaceLimits)
	if err != nil {
		c.failAuth(apperr.Wrap(apperr.CodeInternal, "failed to mount workspace", err))
		return false
	}

	sess, err := c.gw.opts.Sessions.Create(ident.UserID, c.remoteAddr, c.userAgent, sandbox)
	if err != nil {
		c.failAuth(apperr.New(apperr.CodeSessionLimit, "maximum concurrent sessions reached"))
		return false
	}
	c.sess = sess
	c.clog = logger.WithSession(string(sess.ID))
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	out, _ := wsproto.Encode(wsproto.Message{Type: wsproto.TypeAuthOK, SessionID: string(sess.ID)})
	c.writeRaw(websocket.TextMessage, out)
	return true
}

// resume reattaches this connection to an already-live session instead of
// spawning a new shell, then replays whatever output the session's replay
// buffer still holds past the client's last acknowledged sequence number.
// A network blip that drops the socket does not kill the attached PTY
// process (see runPumps); resume is how a client gets back onto it.
func (c *connection) resume(msg wsproto.Message, subject authz.Subject) bool {
	sess, ok := c.gw.opts.Sessions.Get(ids.SessionId(msg.SessionID))
	if !ok {
		c.failAuth(apperr.New(apperr.CodeSessionNotFound, "session not found or expired"))
		return false
	}
	if sess.UserID != subject.UserID {
		c.failAuth(apperr.New(apperr.CodePermissionDenied, "session does not belong to this user"))
		return false
	}

	c.sess = sess
	c.clog = logger.WithSession(string(sess.ID))
	// proc, attached is left unset (c.proc stays nil) when the session was
	// allocated via POST /sessions but never had a shell attached yet — run
	// spawns one in that case, same as a brand new session.
	if proc, attached := sess.Process(); attached {
		c.proc = proc
	}
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sess.Touch()

	out, _ := wsproto.Encode(wsproto.Message{Type: wsproto.TypeAuthOK, SessionID: string(sess.ID)})
	c.writeRaw(websocket.TextMessage, out)

	if c.proc == nil {
		return true
	}

	backfill, ok := sess.Replay.Since(msg.LastAckedSequence)
	if !ok {
		c.sendControl(wsproto.Message{
			Type:    wsproto.TypeError,
			Code:    string(apperr.CodeSessionExpired),
			Message: "replay window exceeded, resuming without backfill",
		})
		return true
	}
	for _, f := range backfill {
		c.writeRaw(websocket.BinaryMessage, wsproto.EncodePTYOutput(f.Seq, f.Payload))
	}
	return true
}

func (c *connection) ensureWorkspaceRoot(userID string) (string, error) {
	root := c.gw.opts.WorkspaceRoot + string(os.PathSeparator) + userID + string(os.PathSeparator) + string(ids.NewSessionId())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return root, nil
}

func (c *connection) failAuth(err *apperr.Error) {
	if err == nil {
		err = apperr.New(apperr.CodeUnauthorized, "authentication failed")
	}
	out, _ := wsproto.Encode(wsproto.Message{Type: wsproto.TypeAuthFailed, Code: string(err.Code), Message: err.Message})
	c.writeRaw(websocket.TextMessage, out)
	c.closeWithCode(apperr.WSCloseAuthFailed, err.Message)
}

func (c *connection) spawnShell() {
	env := buildShellEnv(c.sess.Sandbox.Root())
	var limits ptyproc.Limits
	if c.gw.opts.MaxProcesses > 0 {
		limits.MaxProcesses = uint64(c.gw.opts.MaxProcesses)
	}
	handle, err := c.gw.opts.Processes.Spawn(context.Background(), ptyproc.SpawnOptions{
		Shell:  c.gw.opts.Shell,
		Dir:    c.sess.Sandbox.Root(),
		Env:    env,
		Limits: limits,
	})
	if err != nil {
		appErr := apperr.Wrap(apperr.CodeSpawnFailed, "failed to start shell", err)
		out, _ := wsproto.Encode(wsproto.Message{Type: wsproto.TypeError, Code: string(appErr.Code), Message: appErr.Message})
		c.writeRaw(websocket.TextMessage, out)
		c.closeWithCode(apperr.WSCloseInternal, appErr.Message)
		return
	}
	c.proc = handle
	c.sess.AttachProcess(handle)
	c.sess.SetOnDestroy(func() { handle.Kill() })

	out, _ := wsproto.Encode(wsproto.Message{Type: wsproto.TypeProcessStarted})
	c.writeRaw(websocket.TextMessage, out)
}

func buildShellEnv(home string) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+2)
	for _, e := range base {
		if strings.HasPrefix(e, "TERM=") || strings.HasPrefix(e, "HOME=") {
			continue
		}
		env = append(env, e)
	}
	env = append(env, "TERM=xterm-256color", "HOME="+home)
	return env
}

func (c *connection) writeRaw(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *connection) closeWithCode(code int, reason string) {
	c.doneOnce.Do(func() {
		c.setState(StateClosing)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		close(c.done)
	})
}

func clientIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}
