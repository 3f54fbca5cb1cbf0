// Package session implements the gateway's session registry: the concurrent
// map from session id to session state, a per-user index for cap
// enforcement, and an idle-timeout reaper loop.
//
// State here is purely in-memory and ephemeral — a restart drops every live
// session, which is the deliberate deployment boundary for a bridge whose
// attached PTY processes can't survive a restart either.
package session

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"termgateway/internal/ids"
	"termgateway/internal/logger"
	"termgateway/internal/metrics"
	"termgateway/internal/ptyproc"
	"termgateway/internal/workspace"
)

const (
	// DefaultIdleTimeout matches the gateway's documented default (see
	// internal/config.AppConfig.WithDefaults).
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultReapInterval is how often the reaper sweeps for idle sessions.
	DefaultReapInterval = 60 * time.Second
	// DefaultCommandHistoryCap matches internal/config.AppConfig.WithDefaults.
	DefaultCommandHistoryCap = 1000

	// maxSessionDrops is how many PTY output frames may be dropped for the
	// current subscriber before the session signals that the connection
	// holding it should be closed, rather than leaving a client that can
	// never drain its queue accumulating lag forever.
	maxSessionDrops = 50
)

var log = logger.WithComponent("SESSION")

// Session is one authenticated terminal session: its sandbox, its attached
// PTY process (once spawned), and bookkeeping for idle detection and
// per-user caps.
type Session struct {
	ID         ids.SessionId
	UserID     ids.UserId
	RemoteAddr string
	UserAgent  string
	CreatedAt  time.Time
	Sandbox    *workspace.Sandbox

	// Replay holds recently produced PTY output so a reconnecting client can
	// resume from its last acknowledged sequence number.
	Replay *ReplayBuffer

	mu             sync.Mutex
	lastActivity   time.Time
	process        *ptyproc.Handle
	onDestroy      func()
	subscriber     chan OutputFrame
	overflow       chan struct{}
	nextSeq        uint64 // atomic, via broadcastLoop
	dropCount      uint64 // atomic, via broadcastLoop/incDrop
	broadcastOnce  sync.Once
	historyCap     int
	environment    map[string]string
	commandHistory []string

	// metrics, when set, records frames dropped for a slow subscriber.
	metrics *metrics.Collectors
}

// SetEnv records a session-scoped environment variable override and returns
// a snapshot of the full map, for echoing back as env_updated.
func (s *Session) SetEnv(key, value string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.environment == nil {
		s.environment = make(map[string]string)
	}
	s.environment[key] = value
	return s.envSnapshotLocked()
}

// Environment returns a snapshot of the session's tracked environment
// overrides.
func (s *Session) Environment() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envSnapshotLocked()
}

func (s *Session) envSnapshotLocked() map[string]string {
	snapshot := make(map[string]string, len(s.environment))
	for k, v := range s.environment {
		snapshot[k] = v
	}
	return snapshot
}

// AppendHistory records one completed input line, dropping the oldest entry
// once the session's history cap is reached. Blank lines are not recorded.
func (s *Session) AppendHistory(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cap := s.historyCap
	if cap <= 0 {
		cap = DefaultCommandHistoryCap
	}
	s.commandHistory = append(s.commandHistory, line)
	if overflow := len(s.commandHistory) - cap; overflow > 0 {
		s.commandHistory = s.commandHistory[overflow:]
	}
}

// History returns a snapshot of the session's recorded command history,
// oldest first.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commandHistory))
	copy(out, s.commandHistory)
	return out
}

// DropCount returns how many PTY output frames have been dropped for the
// current subscriber because it fell too far behind to keep up.
func (s *Session) DropCount() uint64 {
	return atomic.LoadUint64(&s.dropCount)
}

// Overflow returns the channel that receives a signal once the current
// subscriber has fallen behind badly enough (maxSessionDrops dropped frames
// in total since it subscribed) that whatever connection holds it should be closed rather
// than left accumulating more lag. Call only after Subscribe.
func (s *Session) Overflow() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

// incDrop records one dropped output frame for the current subscriber and,
// once the session has accumulated maxSessionDrops of them, signals Overflow.
func (s *Session) incDrop() {
	if s.metrics != nil {
		s.metrics.DroppedFramesTotal.Inc()
	}
	if atomic.AddUint64(&s.dropCount, 1) != maxSessionDrops {
		return
	}
	s.mu.Lock()
	overflow := s.overflow
	s.mu.Unlock()
	if overflow == nil {
		return
	}
	select {
	case overflow <- struct{}{}:
	default:
	}
}

// Touch records activity, resetting the idle timer.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince returns how long the session has had no recorded activity.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	last := s.lastActivity
	s.mu.Unlock()
	return time.Since(last)
}

// AttachProcess binds the session's PTY process handle and starts the
// broadcast loop that feeds both the replay buffer and whatever connection
// is currently subscribed. A session has at most one live process at a
// time, and the broadcast loop is started exactly once regardless of how
// many connections subsequently attach to it via resume.
func (s *Session) AttachProcess(h *ptyproc.Handle) {
	s.mu.Lock()
	s.process = h
	s.mu.Unlock()
	s.broadcastOnce.Do(func() { go s.broadcastLoop(h) })
}

// Process returns the session's attached PTY process, if any.
func (s *Session) Process() (*ptyproc.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process, s.process != nil
}

// SetOnDestroy registers a callback invoked exactly once when the session is
// removed from the registry, whether by explicit Destroy or idle reaping.
// The gateway uses this to close the WebSocket and kill the PTY in the right
// order.
func (s *Session) SetOnDestroy(fn func()) {
	s.mu.Lock()
	s.onDestroy = fn
	s.mu.Unlock()
}

// Registry tracks every live session, keyed by id, with a secondary index by
// user for per-user concurrent-session caps.
type Registry struct {
	maxPerUser  int
	idleTimeout time.Duration
	historyCap  int

	mu       sync.RWMutex
	sessions map[ids.SessionId]*Session
	byUser   map[ids.UserId]map[ids.SessionId]struct{}

	stopReap chan struct{}
	reapDone chan struct{}

	// Metrics, when set, tracks session counts and lifecycle totals.
	Metrics *metrics.Collectors

	// OnDestroy, when set, is invoked synchronously for every destroyed
	// session before its per-session onDestroy callback and workspace
	// removal run. The gateway wires this at bootstrap to close any
	// WebSocket connection still bound to the session. The registry entry is
	// evicted first, under the registry lock, which is what makes destroy
	// idempotent; teardown then runs close WS, kill PTY, delete workspace.
	OnDestroy func(*Session)
}

// NewRegistry creates a registry and starts its idle reaper. historyCap
// bounds each session's recorded command history (see
// internal/config.SessionConfig.CommandHistoryCap); 0 means
// DefaultCommandHistoryCap.
func NewRegistry(maxPerUser int, idleTimeout, reapInterval time.Duration, historyCap int) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	r := &Registry{
		maxPerUser:  maxPerUser,
		idleTimeout: idleTimeout,
		historyCap:  historyCap,
		sessions:    make(map[ids.SessionId]*Session),
		byUser:      make(map[ids.UserId]map[ids.SessionId]struct{}),
		stopReap:    make(chan struct{}),
		reapDone:    make(chan struct{}),
	}
	go r.reapLoop(reapInterval)
	return r
}

// ErrSessionLimit is returned by Create when a user is already at their
// concurrent-session cap.
type ErrSessionLimit struct {
	UserID ids.UserId
	Limit  int
}

func (e *ErrSessionLimit) Error() string {
	return "session: user already has the maximum number of concurrent sessions"
}

// Create allocates a new session for userID, bound to sandbox, after
// checking the per-user concurrency cap.
func (r *Registry) Create(userID ids.UserId, remoteAddr, userAgent string, sandbox *workspace.Sandbox) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPerUser > 0 && len(r.byUser[userID]) >= r.maxPerUser {
		return nil, &ErrSessionLimit{UserID: userID, Limit: r.maxPerUser}
	}

	now := time.Now()
	s := &Session{
		ID:           ids.NewSessionId(),
		UserID:       userID,
		RemoteAddr:   remoteAddr,
		UserAgent:    userAgent,
		CreatedAt:    now,
		Sandbox:      sandbox,
		Replay:       newReplayBuffer(replayMaxFrames, replayMaxBytes),
		lastActivity: now,
		historyCap:   r.historyCap,
		metrics:      r.Metrics,
	}

	r.sessions[s.ID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[ids.SessionId]struct{})
	}
	r.byUser[userID][s.ID] = struct{}{}

	if r.Metrics != nil {
		r.Metrics.SessionsCreatedTotal.Inc()
		r.Metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}

	log.Debug("session created | id=%s user=%s total=%d", s.ID, userID, len(r.sessions))
	return s, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id ids.SessionId) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// CountForUser returns how many concurrent sessions userID currently holds.
func (r *Registry) CountForUser(userID ids.UserId) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Count returns the total number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of every live session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Destroy removes a session from the registry and runs its onDestroy
// callback, if one was registered. It is idempotent.
func (r *Registry) Destroy(id ids.SessionId) {
	r.destroy(id, "explicit")
}

func (r *Registry) destroy(id ids.SessionId, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	if userSessions, ok := r.byUser[s.UserID]; ok {
		delete(userSessions, id)
		if len(userSessions) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	if r.Metrics != nil {
		r.Metrics.SessionsDestroyedTotal.WithLabelValues(reason).Inc()
		r.Metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if r.OnDestroy != nil {
		r.OnDestroy(s)
	}

	s.mu.Lock()
	onDestroy := s.onDestroy
	s.onDestroy = nil
	s.mu.Unlock()

	if onDestroy != nil {
		onDestroy()
	}

	if s.Sandbox != nil {
		if err := s.Sandbox.RemoveRoot(); err != nil {
			log.Warn("workspace removal failed | id=%s root=%s err=%v", id, s.Sandbox.Root(), err)
		}
	}

	log.Debug("session destroyed | id=%s user=%s reason=%s", id, s.UserID, reason)
}

func (r *Registry) reapLoop(interval time.Duration) {
	defer close(r.reapDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.stopReap:
			return
		}
	}
}

func (r *Registry) reapIdle() []ids.SessionId {
	r.mu.RLock()
	var idle []ids.SessionId
	for id, s := range r.sessions {
		if s.IdleSince() >= r.idleTimeout {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		log.Info("reaping idle session | id=%s timeout=%v", id, r.idleTimeout)
		r.destroy(id, "idle_timeout")
	}
	return idle
}

// Stop halts the idle reaper and waits for it to finish. It does not destroy
// any live sessions; callers that want a clean shutdown should iterate List
// and Destroy each one first.
func (r *Registry) Stop() {
	close(r.stopReap)
	<-r.reapDone
}
