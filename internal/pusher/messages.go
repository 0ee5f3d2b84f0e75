package pusher

import (
	"bytes"
	"encoding/json"
)

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventSubscribe             = "pusher:subscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventError                 = "pusher:error"
)

// Frame is one Pusher protocol message in either direction.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ConnectionData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type SubscribeData struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// decodeData unmarshals a data field that Pusher may send either as an
// object or as a JSON string holding one.
func decodeData(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = []byte(s)
	}
	return json.Unmarshal(raw, v)
}
