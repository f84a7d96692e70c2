// Package signaling is the WebSocket transport adapter for the pairing
// registry: it owns connection handles, parses inbound wire messages into
// registry operations and delivers the registry's outbound messages to the
// right connection.
package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairlink/broker/internal/broker"
	"github.com/pairlink/broker/internal/metrics"
	"github.com/pairlink/broker/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// wsSendQueueSize bounds the per-connection outbound queue. The registry
// hands messages off without blocking; a peer that stops reading long enough
// to fill the queue loses messages rather than stalling the broker.
const wsSendQueueSize = 64

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Broker configures the pairing registry the server owns. The Messenger
	// field is ignored; the server installs itself.
	Broker broker.Config

	Logger *slog.Logger

	// Inbound WebSocket hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration
}

// Server implements the broker's WebSocket signaling surface on GET /ws.
type Server struct {
	log      *slog.Logger
	registry *broker.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	maxMessageBytes      int64
	maxMessagesPerSecond int
	idleTimeout          time.Duration
	pingInterval         time.Duration

	mu    sync.Mutex
	conns map[string]*wsConn
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}

	s := &Server{
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin
			// middleware. For unit tests that don't use httpserver, accept all
			// origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		conns:                make(map[string]*wsConn),
	}

	brokerCfg := cfg.Broker
	brokerCfg.Messenger = s
	if brokerCfg.Logger == nil {
		brokerCfg.Logger = cfg.Logger
	}
	s.registry = broker.NewRegistry(brokerCfg)
	s.metrics = s.registry.Metrics()
	return s
}

// Registry exposes the pairing registry for read-only status queries.
func (s *Server) Registry() *broker.Registry { return s.registry }

// Send implements broker.Messenger. The registry calls it with its mutex
// held, so Send only enqueues; each connection's write loop drains the queue
// in FIFO order. Sends to handles with no live connection are dropped.
func (s *Server) Send(handle string, msg broker.Message) {
	s.mu.Lock()
	c := s.conns[handle]
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.enqueue(serverMessageFor(msg))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		srv:    s,
		conn:   conn,
		handle: uuid.NewString(),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
		out:  make(chan serverMessage, wsSendQueueSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.conns == nil {
		// Server already closed; refuse late arrivals.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[c.handle] = c
	s.mu.Unlock()

	s.log.Debug("signaling connection opened", "handle", c.handle, "remote_addr", r.RemoteAddr)
	c.run()
}

func (s *Server) dropConn(c *wsConn) {
	s.mu.Lock()
	if s.conns != nil && s.conns[c.handle] == c {
		delete(s.conns, c.handle)
	}
	s.mu.Unlock()
}

// Close terminates every live connection. The per-connection read loops run
// their teardown, so the registry sees a disconnect for each.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	handle  string
	limiter *ratelimit.TokenBucket

	// out is the FIFO outbound queue; enqueue never blocks and writeLoop is
	// the only reader.
	out chan serverMessage

	writeMu sync.Mutex
	done    chan struct{}
}

func (c *wsConn) run() {
	defer func() {
		close(c.done)
		c.srv.dropConn(c)
		_ = c.conn.Close()
		c.srv.registry.HandleDisconnect(c.handle)
		c.srv.log.Debug("signaling connection closed", "handle", c.handle)
	}()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	})
	go c.writeLoop()
	go c.pingLoop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))

		// Apply the message rate limit *after* reading so bytes already in the
		// TCP receive buffer are consumed; closing with unread data can turn
		// into an abortive close (RST) that hides the close reason from the
		// client.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData)
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
			return
		}

		switch msg.Type {
		case messageTypeCreateSession:
			if _, err := c.srv.registry.CreateSession(c.handle); err != nil {
				if err == broker.ErrTooManySessions {
					c.fail("too_many_sessions", "too many sessions", websocket.ClosePolicyViolation)
					return
				}
				c.fail("internal_error", err.Error(), websocket.CloseInternalServerErr)
				return
			}
		case messageTypeJoinSession:
			c.srv.registry.JoinSession(c.handle, msg.SessionID)
		case messageTypeSignal:
			c.srv.registry.RelaySignal(c.handle, msg.SessionID, msg.Signal)
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// enqueue hands a message to the write loop without blocking. A full queue
// means the peer has stopped draining; the message is dropped and the
// connection closed so its read loop tears the session down.
func (c *wsConn) enqueue(msg serverMessage) {
	select {
	case c.out <- msg:
	default:
		c.srv.log.Warn("outbound queue full, dropping connection", "handle", c.handle)
		_ = c.conn.Close()
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.send(msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) send(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) fail(code, message string, closeCode int) {
	_ = c.send(serverMessage{
		Type:    messageTypeError,
		Code:    code,
		Message: message,
	})
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, code), time.Now().Add(wsWriteWait))
}
