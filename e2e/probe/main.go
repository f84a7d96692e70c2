// Command probe drives a full pairing handshake against a running broker: it
// connects a "desktop" and a "mobile" signaling client, pairs them by session
// ID and brings up a real WebRTC data channel using only signals relayed
// through the broker. Exits 0 once a ping/pong crosses the channel.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const dataChannelLabel = "probe"

func main() {
	brokerURL := envOrDefault("BROKER_WS_URL", "ws://127.0.0.1:8080/ws")
	timeout := 30 * time.Second
	if v := os.Getenv("PROBE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid PROBE_TIMEOUT %q: %v\n", v, err)
			os.Exit(2)
		}
		timeout = d
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(brokerURL, timeout, log); err != nil {
		log.Error("probe failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func run(brokerURL string, timeout time.Duration, log *slog.Logger) error {
	deadline := time.After(timeout)

	desktop, err := dial(brokerURL, log.With("role", "desktop"))
	if err != nil {
		return fmt.Errorf("desktop dial: %w", err)
	}
	defer desktop.close()

	mobile, err := dial(brokerURL, log.With("role", "mobile"))
	if err != nil {
		return fmt.Errorf("mobile dial: %w", err)
	}
	defer mobile.close()

	if err := desktop.write(wireMessage{Type: "create-session"}); err != nil {
		return err
	}
	created, err := desktop.waitFor("session-created", deadline)
	if err != nil {
		return err
	}
	sessionID := created.SessionID
	log.Info("session created", "session_id", sessionID)

	api, err := newWebRTCAPI(log)
	if err != nil {
		return err
	}

	// The desktop side produces its offer and trickled candidates before the
	// mobile side joins; the broker buffers them until pairing completes.
	desktopPC, desktopDone, err := startOfferer(api, desktop, sessionID)
	if err != nil {
		return err
	}
	defer desktopPC.Close()

	if err := mobile.write(wireMessage{Type: "join-session", SessionID: sessionID}); err != nil {
		return err
	}
	if _, err := mobile.waitFor("connection-successful", deadline); err != nil {
		return err
	}
	if _, err := desktop.waitFor("mobile-connected", deadline); err != nil {
		return err
	}
	log.Info("paired")

	mobilePC, mobileDone, err := startAnswerer(api, mobile, sessionID)
	if err != nil {
		return err
	}
	defer mobilePC.Close()

	for desktopDone != nil || mobileDone != nil {
		select {
		case err := <-desktopDone:
			if err != nil {
				return fmt.Errorf("desktop peer: %w", err)
			}
			desktopDone = nil
		case err := <-mobileDone:
			if err != nil {
				return fmt.Errorf("mobile peer: %w", err)
			}
			mobileDone = nil
		case <-deadline:
			return fmt.Errorf("timed out waiting for data channel ping/pong")
		}
	}

	return nil
}

// signalPayload is the envelope both peers exchange through the broker. The
// broker never inspects it.
type signalPayload struct {
	Kind      string                   `json:"kind"` // offer | answer | candidate
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func startOfferer(api *webrtc.API, c *client, sessionID string) (*webrtc.PeerConnection, chan error, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, err
	}

	done := make(chan error, 1)

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, nil, err
	}
	dc.OnOpen(func() {
		if err := dc.SendText("ping"); err != nil {
			done <- err
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if string(msg.Data) == "pong" {
			done <- nil
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		_ = c.sendSignal(sessionID, signalPayload{Kind: "candidate", Candidate: &init})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, nil, err
	}
	if err := c.sendSignal(sessionID, signalPayload{Kind: "offer", SDP: offer.SDP}); err != nil {
		pc.Close()
		return nil, nil, err
	}

	go func() {
		for msg := range c.signals {
			var p signalPayload
			if err := json.Unmarshal(msg.Signal, &p); err != nil {
				done <- err
				return
			}
			switch p.Kind {
			case "answer":
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
					done <- err
					return
				}
			case "candidate":
				if p.Candidate != nil {
					if err := pc.AddICECandidate(*p.Candidate); err != nil {
						done <- err
						return
					}
				}
			}
		}
	}()

	return pc, done, nil
}

func startAnswerer(api *webrtc.API, c *client, sessionID string) (*webrtc.PeerConnection, chan error, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, err
	}

	done := make(chan error, 1)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if string(msg.Data) != "ping" {
				return
			}
			if err := dc.SendText("pong"); err != nil {
				done <- err
				return
			}
			done <- nil
		})
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		_ = c.sendSignal(sessionID, signalPayload{Kind: "candidate", Candidate: &init})
	})

	go func() {
		// Candidates can arrive before the offer; queue them until the remote
		// description is set.
		var pendingCandidates []webrtc.ICECandidateInit
		haveOffer := false

		for msg := range c.signals {
			var p signalPayload
			if err := json.Unmarshal(msg.Signal, &p); err != nil {
				done <- err
				return
			}
			switch p.Kind {
			case "offer":
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
					done <- err
					return
				}
				haveOffer = true
				for _, cand := range pendingCandidates {
					if err := pc.AddICECandidate(cand); err != nil {
						done <- err
						return
					}
				}
				pendingCandidates = nil

				answer, err := pc.CreateAnswer(nil)
				if err != nil {
					done <- err
					return
				}
				if err := pc.SetLocalDescription(answer); err != nil {
					done <- err
					return
				}
				if err := c.sendSignal(sessionID, signalPayload{Kind: "answer", SDP: answer.SDP}); err != nil {
					done <- err
					return
				}
			case "candidate":
				if p.Candidate == nil {
					continue
				}
				if !haveOffer {
					pendingCandidates = append(pendingCandidates, *p.Candidate)
					continue
				}
				if err := pc.AddICECandidate(*p.Candidate); err != nil {
					done <- err
					return
				}
			}
		}
	}()

	return pc, done, nil
}

func newWebRTCAPI(log *slog.Logger) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = &slogLoggerFactory{log: log}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

// wireMessage mirrors the broker's signaling wire format.
type wireMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Signal    json.RawMessage `json:"signal,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// client is one signaling connection to the broker. Relayed signals flow out
// on the signals channel; lifecycle events are consumed via waitFor.
type client struct {
	conn *websocket.Conn
	log  *slog.Logger

	// writeMu serializes writes: ICE candidate callbacks fire on pion
	// goroutines while the handshake writes from the main one.
	writeMu sync.Mutex

	events  chan wireMessage
	signals chan wireMessage
}

func dial(url string, log *slog.Logger) (*client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c := &client{
		conn:    conn,
		log:     log,
		events:  make(chan wireMessage, 16),
		signals: make(chan wireMessage, 64),
	}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	defer close(c.events)
	defer close(c.signals)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error("unparseable server message", "err", err)
			return
		}
		if msg.Type == "signal" {
			c.signals <- msg
			continue
		}
		c.events <- msg
	}
}

func (c *client) waitFor(eventType string, deadline <-chan time.Time) (wireMessage, error) {
	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				return wireMessage{}, fmt.Errorf("connection closed waiting for %s", eventType)
			}
			if msg.Type == "error" {
				return wireMessage{}, fmt.Errorf("broker error %s: %s", msg.Code, msg.Message)
			}
			if msg.Type == eventType {
				return msg, nil
			}
			c.log.Info("skipping event", "type", msg.Type, "want", eventType)
		case <-deadline:
			return wireMessage{}, fmt.Errorf("timed out waiting for %s", eventType)
		}
	}
}

func (c *client) write(msg wireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *client) sendSignal(sessionID string, p signalPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.write(wireMessage{Type: "signal", SessionID: sessionID, Signal: raw})
}

func (c *client) close() {
	_ = c.conn.Close()
}

// slogLoggerFactory adapts pion's logging to the process slog logger.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string)                  { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Info(msg string)                   { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Error(msg string)                  { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
