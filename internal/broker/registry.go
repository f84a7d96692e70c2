// Package broker implements the session pairing and signal-relay state
// machine: a desktop creates a short-lived session, a mobile joins it by id,
// and signaling payloads are relayed (or buffered until the pair is ready)
// between the two until either side disconnects.
package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pairlink/broker/internal/metrics"
)

// DefaultSessionExpiry bounds how long an unpaired session waits for its
// joiner before being torn down.
const DefaultSessionExpiry = 60 * time.Second

// Config carries the registry's runtime dependencies.
type Config struct {
	// SessionExpiry is the unpaired-session timeout. <= 0 means
	// DefaultSessionExpiry.
	SessionExpiry time.Duration

	// MaxSessions caps concurrent live sessions. <= 0 means unlimited.
	MaxSessions int

	// Messenger delivers outbound messages. Required.
	Messenger Messenger

	// Scheduler arms expiry timers. If nil, runtime timers are used.
	Scheduler Scheduler

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// session is a pairing context linking exactly one creator (desktop) and at
// most one joiner (mobile).
type session struct {
	id            string
	desktopHandle string
	mobileHandle  string
	ready         bool
	pending       []pendingSignal
	createdAt     time.Time
	cancelExpiry  func() bool
}

// pendingSignal is a buffered pre-ready relay with its target resolved at
// enqueue time.
type pendingSignal struct {
	target  string
	payload json.RawMessage
}

// Registry owns the session map and is the sole mutator of session
// lifecycle. All four operations run to completion under one mutex; the
// expiry callback acquires the same mutex and re-validates before acting, so
// a timer firing concurrently with the join that cancels it is a no-op.
//
// Outbound messages are handed to the Messenger while the mutex is still
// held. That is what makes delivery order match state-transition order: a
// relay that happens after a join committed cannot enqueue its signal ahead
// of the join's drained buffer, because it cannot take the mutex until the
// join has handed everything off. The Messenger must therefore enqueue
// without blocking (see Messenger).
type Registry struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	sched   Scheduler

	mu       sync.Mutex
	sessions map[string]*session
	// byHandle indexes the session a connection handle belongs to. First
	// binding wins; a handle is expected to be in at most one session.
	byHandle map[string]string
}

func NewRegistry(cfg Config) *Registry {
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = DefaultSessionExpiry
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sched:    cfg.Scheduler,
		sessions: make(map[string]*session),
		byHandle: make(map[string]string),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// ActiveSessions reports the current live session count (status endpoint).
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CreateSession registers a new unpaired session owned by requesterHandle,
// arms its expiry timer and notifies the requester with session-created.
func (r *Registry) CreateSession(requesterHandle string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := newSessionID()
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
			r.metrics.Inc(metrics.DropReasonTooManySessions)
			r.mu.Unlock()
			return "", ErrTooManySessions
		}
		if _, exists := r.sessions[id]; exists {
			// Extremely unlikely (16 bytes of crypto-random entropy). Try again.
			r.mu.Unlock()
			continue
		}

		sess := &session{
			id:            id,
			desktopHandle: requesterHandle,
			createdAt:     time.Now(),
		}
		sess.cancelExpiry = r.sched.Schedule(r.cfg.SessionExpiry, func() {
			r.expire(id)
		})
		r.sessions[id] = sess
		r.bindHandleLocked(requesterHandle, id)
		r.metrics.Inc(metrics.SessionsCreated)
		r.cfg.Messenger.Send(requesterHandle, Message{Event: EventSessionCreated, SessionID: id})
		r.mu.Unlock()

		r.log.Debug("session created", "session_id", id, "handle", requesterHandle)
		return id, nil
	}

	return "", errors.New("failed to allocate unique session id")
}

// JoinSession attaches requesterHandle as the session's mobile side, cancels
// the expiry timer, flips the session ready and drains the pending signal
// buffer in arrival order.
//
// An unknown session id, or a session that already has a joiner, is answered
// with session-not-found and causes no state change.
func (r *Registry) JoinSession(requesterHandle, sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok || sess.mobileHandle != "" {
		r.metrics.Inc(metrics.JoinNotFound)
		r.cfg.Messenger.Send(requesterHandle, Message{Event: EventSessionNotFound})
		r.mu.Unlock()
		return
	}

	if sess.cancelExpiry != nil {
		sess.cancelExpiry()
		sess.cancelExpiry = nil
	}
	sess.mobileHandle = requesterHandle
	sess.ready = true
	r.bindHandleLocked(requesterHandle, sessionID)

	r.cfg.Messenger.Send(sess.desktopHandle, Message{Event: EventMobileConnected})
	r.cfg.Messenger.Send(requesterHandle, Message{Event: EventConnectionSuccessful})
	// Drain exactly once, in arrival order, atomically with the ready flip.
	// Handing the drained signals off before releasing the mutex guarantees a
	// relay racing this join cannot get ahead of them.
	for _, p := range sess.pending {
		r.cfg.Messenger.Send(p.target, Message{Event: EventSignal, Signal: p.payload})
	}
	drained := len(sess.pending)
	sess.pending = nil
	r.metrics.Inc(metrics.SessionsJoined)
	r.mu.Unlock()

	r.log.Debug("session joined",
		"session_id", sessionID,
		"handle", requesterHandle,
		"drained_signals", drained,
	)
}

// RelaySignal forwards an opaque payload to the sender's peer. Before the
// session is ready the pair is buffered (with its target resolved now); after
// that it is delivered immediately. Unknown sessions are a silent no-op: the
// sender has no reliable feedback channel mid-negotiation.
func (r *Registry) RelaySignal(senderHandle, sessionID string, payload json.RawMessage) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.metrics.Inc(metrics.SignalUnknownSession)
		r.mu.Unlock()
		r.log.Debug("signal for unknown session", "session_id", sessionID, "handle", senderHandle)
		return
	}

	target := sess.mobileHandle
	if senderHandle != sess.desktopHandle {
		target = sess.desktopHandle
	}

	switch {
	case !sess.ready:
		// Buffering is gated on ready, not on target resolvability: pre-join
		// desktop signals buffer against the yet-unknown mobile handle.
		sess.pending = append(sess.pending, pendingSignal{target: target, payload: payload})
		r.metrics.Inc(metrics.SignalsBuffered)
	case target != "":
		r.cfg.Messenger.Send(target, Message{Event: EventSignal, Signal: payload})
		r.metrics.Inc(metrics.SignalsRelayed)
	default:
		// Ready with no peer should not occur; absorb defensively.
	}
	r.mu.Unlock()
}

// HandleDisconnect tears down the session the handle belongs to, in any
// lifecycle state, notifying the surviving participant when one exists. A
// handle that is in no session is a no-op.
func (r *Registry) HandleDisconnect(handle string) {
	r.mu.Lock()
	sessionID, ok := r.byHandle[handle]
	if !ok {
		r.mu.Unlock()
		return
	}
	sess := r.sessions[sessionID]
	if sess == nil {
		// Index out of sync with the session map would be a bug; recover by
		// dropping the dangling entry.
		delete(r.byHandle, handle)
		r.mu.Unlock()
		return
	}

	other := sess.mobileHandle
	if handle != sess.desktopHandle {
		other = sess.desktopHandle
	}
	if other != "" {
		r.cfg.Messenger.Send(other, Message{Event: EventPeerDisconnected})
	}
	r.removeSessionLocked(sess)
	r.metrics.Inc(metrics.SessionsClosed)
	r.mu.Unlock()

	r.log.Debug("session closed on disconnect", "session_id", sessionID, "handle", handle)
}

// expire is the armed timer's callback. It re-validates that the session
// still exists and is still unpaired; anything else means the timer lost the
// race to a join or a teardown and must be a no-op.
func (r *Registry) expire(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok || sess.ready {
		r.metrics.Inc(metrics.StaleTimerFired)
		r.mu.Unlock()
		return
	}
	r.cfg.Messenger.Send(sess.desktopHandle, Message{Event: EventSessionTimeout})
	r.removeSessionLocked(sess)
	r.metrics.Inc(metrics.SessionsExpired)
	r.mu.Unlock()

	r.log.Debug("session expired", "session_id", sessionID)
}

// removeSessionLocked deletes the session, cancels any armed timer and drops
// the handle index entries that point at it.
func (r *Registry) removeSessionLocked(sess *session) {
	if sess.cancelExpiry != nil {
		sess.cancelExpiry()
		sess.cancelExpiry = nil
	}
	delete(r.sessions, sess.id)
	r.unbindHandleLocked(sess.desktopHandle, sess.id)
	r.unbindHandleLocked(sess.mobileHandle, sess.id)
}

func (r *Registry) bindHandleLocked(handle, sessionID string) {
	if handle == "" {
		return
	}
	if _, bound := r.byHandle[handle]; !bound {
		r.byHandle[handle] = sessionID
	}
}

func (r *Registry) unbindHandleLocked(handle, sessionID string) {
	if handle == "" {
		return
	}
	if r.byHandle[handle] == sessionID {
		delete(r.byHandle, handle)
	}
}
