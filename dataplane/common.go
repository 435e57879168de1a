package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket close codes used by the gateway
const (
	CloseNormal       = websocket.CloseNormalClosure
	CloseShutdown     = websocket.CloseGoingAway
	CloseTooLarge     = websocket.CloseMessageTooBig
	CloseUnauthorized = 4401
	CloseTimeout      = 4408
	CloseSlowConsumer = 4429
)

// closeReasonLabel metric label of each close code
var closeReasonLabel = map[int]string{
	CloseNormal:       "normal",
	CloseShutdown:     "shutdown",
	CloseTooLarge:     "too_large",
	CloseUnauthorized: "unauthorized",
	CloseTimeout:      "timeout",
	CloseSlowConsumer: "slow_consumer",
}

// Transport labels
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// ConnectionState lifecycle state of a subscriber connection
type ConnectionState int

// Connection states. A connection only ever moves forward.
const (
	StateConnecting ConnectionState = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

// String toString function
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// TokenValidator resolves an access token to a user ID
type TokenValidator interface {
	Validate(ctxt context.Context, token string) (string, error)
}

// ConnectionParams per connection settings
type ConnectionParams struct {
	// PingInterval interval between server pings
	PingInterval time.Duration `validate:"required"`
	// PongWait how long the connection stays open without hearing from the client
	PongWait time.Duration `validate:"required,gtfield=PingInterval"`
	// WriteWait deadline for a single frame write
	WriteWait time.Duration `validate:"required"`
	// AuthTimeout how long an unauthenticated socket may wait for its auth frame
	AuthTimeout time.Duration `validate:"required"`
	// MaxFrameBytes largest inbound frame accepted
	MaxFrameBytes int64 `validate:"gte=1"`
	// QueueCapacity outbound delivery queue capacity
	QueueCapacity int `validate:"gte=1"`
	// OverflowPolicy what happens when the outbound queue is full
	OverflowPolicy string `validate:"oneof=disconnect drop_oldest"`
}

// ==============================================================================
// Frames exchanged with WebSocket clients

// Inbound frame types with special meaning. Anything else is a data frame.
const (
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// channelRef channel ID given either as a number or a numeric string
type channelRef int64

// UnmarshalJSON accept both 12 and "12"
func (c *channelRef) UnmarshalJSON(data []byte) error {
	var asNumber int64
	if err := json.Unmarshal(data, &asNumber); err == nil {
		*c = channelRef(asNumber)
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("channel_id must be a number: %w", err)
	}
	parsed, err := strconv.ParseInt(asString, 10, 64)
	if err != nil {
		return fmt.Errorf("channel_id must be a number: %w", err)
	}
	*c = channelRef(parsed)
	return nil
}

// inboundFrame the fields of a client frame the gateway looks at
type inboundFrame struct {
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	Subject   string          `json:"subject"`
	ChannelID *channelRef     `json:"channel_id"`
	Content   json.RawMessage `json:"content"`
}

// contentText channel history text of a frame
func (f inboundFrame) contentText(raw []byte) string {
	if len(f.Content) == 0 {
		return string(raw)
	}
	var asString string
	if err := json.Unmarshal(f.Content, &asString); err == nil {
		return asString
	}
	return string(f.Content)
}

// replyFrame gateway generated reply to a client frame
type replyFrame struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Subject string `json:"subject,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ackFrame(action, subject string) []byte {
	encoded, _ := json.Marshal(&replyFrame{Type: "ack", Action: action, Subject: subject})
	return encoded
}

func errorFrame(action string, err error) []byte {
	encoded, _ := json.Marshal(&replyFrame{Type: "error", Action: action, Error: err.Error()})
	return encoded
}
