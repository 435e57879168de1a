package broker

import (
	"context"

	"github.com/alwitt/stormgate/common"
)

// Publish ingress names
const (
	IngressHTTP      = "http"
	IngressWebSocket = "websocket"
	IngressChannel   = "channel"
)

// DefaultContentType content type assumed when a publisher declares none
const DefaultContentType = "application/octet-stream"

// PublishRequest a message to publish
type PublishRequest struct {
	// Subject target subject
	Subject string
	// Sender user ID of the publisher
	Sender string
	// Payload opaque message body
	Payload []byte
	// ContentType declared MIME type of the payload
	ContentType string
	// Ingress path the message arrived through
	Ingress string
}

// PublishReceipt outcome of a publish
type PublishReceipt struct {
	// MessageID ID assigned to the message
	MessageID string `json:"message_id"`
	// Subject subject published to
	Subject string `json:"subject"`
	// Delivered number of subscribers the message was enqueued for
	Delivered int `json:"delivered"`
	// Evicted number of slow subscribers disconnected during the fan-out
	Evicted int `json:"evicted"`
}

// MessageRelay shares locally published messages with other gateway instances
type MessageRelay interface {
	// Forward send a locally published message to the other instances
	Forward(ctxt context.Context, msg common.Message) error
}

// Broker routes published messages to the current subscribers of their subject
type Broker interface {
	// Publish validate a message and enqueue it for every current subscriber of its
	// subject. Returns once enqueueing is done. Fails with ErrInvalidSubject,
	// ErrPayloadTooLarge, or ErrInvalidPayload; never because of a slow subscriber.
	Publish(ctxt context.Context, req PublishRequest) (PublishReceipt, error)
	// DeliverLocal fan out an already accepted message to local subscribers only
	DeliverLocal(msg common.Message) PublishReceipt
	// AttachRelay start forwarding local publishes through a relay
	AttachRelay(relay MessageRelay)
	// MaxPayloadBytes largest payload accepted
	MaxPayloadBytes() int
}
