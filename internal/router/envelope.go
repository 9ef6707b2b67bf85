package router

import (
	"encoding/json"
	"fmt"
)

// ID is a correlation or broker id that may arrive as a JSON string or
// number. Null and absent decode to "".
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*id = ""
		return nil
	}
	s, err := flexString(data)
	if err != nil {
		return err
	}
	*id = ID(s)
	return nil
}

// Envelope is an inbound command.
type Envelope struct {
	Cmd      string                     `json:"cmd"`
	Broker   string                     `json:"broker"`
	BrokerID ID                         `json:"broker_id,omitempty"`
	MsgID    ID                         `json:"msg_id"`
	Args     []json.RawMessage          `json:"args"`
	Kwargs   map[string]json.RawMessage `json:"kwargs"`
}

// Decode parses a raw command. On failure the returned envelope still
// carries the msg_id when it could be recovered, so the error can be
// answered.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var partial struct {
			MsgID ID `json:"msg_id"`
		}
		_ = json.Unmarshal(raw, &partial)
		return Envelope{MsgID: partial.MsgID}, fmt.Errorf("decoding command: %w", err)
	}
	return env, nil
}

func (e Envelope) args() args {
	return args{pos: e.Args, kw: e.Kwargs}
}

// Outbound envelope types.
const (
	TypeBrokerReply = "broker_reply"
	TypeAccount     = "account"
)

// Message is the body of an outbound envelope.
type Message struct {
	MsgID  string `json:"msg_id"`
	Result any    `json:"result"`
}

// Outbound is a reply or event pushed to the orchestrator.
type Outbound struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// Reply wraps a command result.
func Reply(msgID string, result any) Outbound {
	if result == nil {
		result = map[string]any{}
	}
	return Outbound{Type: TypeBrokerReply, Message: Message{MsgID: msgID, Result: result}}
}

// Event wraps a subscriber update. args are delivered positionally.
func Event(msgID string, args ...any) Outbound {
	if args == nil {
		args = []any{}
	}
	return Outbound{
		Type: TypeAccount,
		Message: Message{
			MsgID:  msgID,
			Result: map[string]any{"args": args, "kwargs": map[string]any{}},
		},
	}
}
