package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pairlink/broker/internal/broker"
)

type messageType string

const (
	messageTypeCreateSession messageType = "create-session"
	messageTypeJoinSession   messageType = "join-session"
	messageTypeSignal        messageType = "signal"
)

// clientMessage is an inbound wire message from a connected peer.
type clientMessage struct {
	Type      messageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Signal    json.RawMessage `json:"signal,omitempty"`
}

// serverMessage is an outbound wire message. Type carries the broker event
// name for registry notifications, or "error" for transport-level failures.
type serverMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Signal    json.RawMessage `json:"signal,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

const messageTypeError = "error"

func serverMessageFor(msg broker.Message) serverMessage {
	return serverMessage{
		Type:      msg.Event,
		SessionID: msg.SessionID,
		Signal:    msg.Signal,
	}
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeCreateSession:
		if m.SessionID != "" || m.Signal != nil {
			return fmt.Errorf("create-session message has unexpected fields")
		}
	case messageTypeJoinSession:
		if m.SessionID == "" {
			return fmt.Errorf("join-session message missing sessionId")
		}
		if m.Signal != nil {
			return fmt.Errorf("join-session message has unexpected fields")
		}
	case messageTypeSignal:
		if m.SessionID == "" {
			return fmt.Errorf("signal message missing sessionId")
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("signal message missing signal")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
