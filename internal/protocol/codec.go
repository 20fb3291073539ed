package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope is a message together with the address of its sender.
type Envelope struct {
	From    Address
	Message Message
}

type wireEnvelope struct {
	Type string          `json:"type"`
	From Address         `json:"from"`
	Body json.RawMessage `json:"body"`
}

// Marshal encodes env as a tagged JSON object.
func Marshal(env Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, fmt.Errorf("marshal envelope from %s: nil message", env.From)
	}
	body, err := json.Marshal(env.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", env.Message.Type(), err)
	}
	return json.Marshal(wireEnvelope{
		Type: env.Message.Type().String(),
		From: env.From,
		Body: body,
	})
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	msg, err := decodeBody(ParseMessageType(w.Type), w.Body)
	if err != nil {
		return Envelope{}, fmt.Errorf("unmarshal %q from %s: %w", w.Type, w.From, err)
	}
	return Envelope{From: w.From, Message: msg}, nil
}

func decodeBody(t MessageType, body json.RawMessage) (Message, error) {
	switch t {
	case TypePrepare:
		return decodeAs[Prepare](body)
	case TypePromise:
		return decodeAs[Promise](body)
	case TypeAccept:
		return decodeAs[Accept](body)
	case TypeAccepted:
		return decodeAs[Accepted](body)
	case TypePropose:
		return decodeAs[Propose](body)
	case TypeDecision:
		return decodeAs[Decision](body)
	case TypeCatchup:
		return decodeAs[Catchup](body)
	case TypeJoin:
		return decodeAs[Join](body)
	case TypeWelcome:
		return decodeAs[Welcome](body)
	case TypeInvoke:
		return decodeAs[Invoke](body)
	case TypeInvoked:
		return decodeAs[Invoked](body)
	case TypeHeartbeat:
		return decodeAs[Heartbeat](body)
	}
	return nil, ErrUnknownMessageType
}

func decodeAs[M Message](body json.RawMessage) (Message, error) {
	var m M
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}
