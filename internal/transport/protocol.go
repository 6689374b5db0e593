package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Wire format: Centrifugo bidirectional JSON protocol. Commands carry an id
// and exactly one method object; replies echo the id. Pushes have no id.
// An empty object from the server is a ping and is answered with an empty
// object.

// connectionPath is appended to the endpoint URL when missing.
const connectionPath = "/connection/websocket"

type command struct {
	ID          uint32              `json:"id"`
	Connect     *connectRequest     `json:"connect,omitempty"`
	Subscribe   *subscribeRequest   `json:"subscribe,omitempty"`
	Unsubscribe *unsubscribeRequest `json:"unsubscribe,omitempty"`
}

type connectRequest struct {
	Token string `json:"token,omitempty"`
	Name  string `json:"name,omitempty"`
}

type subscribeRequest struct {
	Channel string `json:"channel"`
	Token   string `json:"token,omitempty"`
}

type unsubscribeRequest struct {
	Channel string `json:"channel"`
}

type reply struct {
	ID          uint32           `json:"id,omitempty"`
	Error       *ProtocolError   `json:"error,omitempty"`
	Push        *push            `json:"push,omitempty"`
	Connect     *connectResult   `json:"connect,omitempty"`
	Subscribe   *json.RawMessage `json:"subscribe,omitempty"`
	Unsubscribe *json.RawMessage `json:"unsubscribe,omitempty"`
}

func (r *reply) isPing() bool {
	return r.ID == 0 && r.Error == nil && r.Push == nil && r.Connect == nil &&
		r.Subscribe == nil && r.Unsubscribe == nil
}

type connectResult struct {
	Client  string `json:"client"`
	Version string `json:"version,omitempty"`
	Ping    uint32 `json:"ping,omitempty"` // seconds between server pings
	Pong    bool   `json:"pong,omitempty"`
}

type push struct {
	Channel     string           `json:"channel,omitempty"`
	Pub         *publication     `json:"pub,omitempty"`
	Unsubscribe *unsubscribePush `json:"unsubscribe,omitempty"`
	Disconnect  *disconnectPush  `json:"disconnect,omitempty"`
}

type publication struct {
	Data json.RawMessage `json:"data"`
}

type unsubscribePush struct {
	Code   uint32 `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type disconnectPush struct {
	Code   uint32 `json:"code"`
	Reason string `json:"reason"`
}

// ProtocolError is an error reply from the server.
type ProtocolError struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: server error %d: %s", e.Code, e.Message)
}

// decodeFrame splits one WebSocket frame into replies. The server may batch
// several newline-separated replies into a single frame.
func decodeFrame(frame []byte) ([]reply, error) {
	var out []reply
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var r reply
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return out, fmt.Errorf("transport: decode reply: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// NormalizeURL turns an endpoint into the WebSocket URL to dial: http(s)
// becomes ws(s) and the connection path is appended when missing.
func NormalizeURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("transport: parse url %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: url %q has no host", endpoint)
	}

	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, connectionPath) {
		path += connectionPath
	}
	u.Path = path
	return u.String(), nil
}
