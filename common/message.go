package common

import (
	"encoding/json"
	"fmt"
	"mime"
	"time"
)

// Message one published message. A message is never modified after it is published.
type Message struct {
	// ID unique message ID
	ID string `json:"id" validate:"required"`
	// Subject the message was published to
	Subject string `json:"subject" validate:"required"`
	// Sender user ID of the publisher
	Sender string `json:"sender" validate:"required"`
	// ContentType declared MIME type of the payload
	ContentType string `json:"content_type" validate:"required"`
	// Payload opaque message body
	Payload []byte `json:"payload" validate:"required"`
	// PublishedAt when the gateway accepted the message
	PublishedAt time.Time `json:"published_at"`
}

// String toString function
func (m Message) String() string {
	return fmt.Sprintf("MSG[%s@%s from %s %dB]", m.ID, m.Subject, m.Sender, len(m.Payload))
}

// IsJSONContent whether the content type names a JSON document
func IsJSONContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

// clientFrame wire format of a message pushed to a subscriber
type clientFrame struct {
	ID          string      `json:"id"`
	Subject     string      `json:"subject"`
	Sender      string      `json:"sender"`
	ContentType string      `json:"content_type"`
	Payload     interface{} `json:"payload"`
	PublishedAt time.Time   `json:"published_at"`
}

// EncodeClientFrame serialize a message into the frame pushed to subscribers. JSON
// payloads are embedded as-is, all others as a string.
func EncodeClientFrame(m Message) ([]byte, error) {
	frame := clientFrame{
		ID:          m.ID,
		Subject:     m.Subject,
		Sender:      m.Sender,
		ContentType: m.ContentType,
		PublishedAt: m.PublishedAt,
	}
	if IsJSONContent(m.ContentType) && json.Valid(m.Payload) {
		frame.Payload = json.RawMessage(m.Payload)
	} else {
		frame.Payload = string(m.Payload)
	}
	return json.Marshal(&frame)
}

// Delivery one message queued for one subscriber. Frame is shared between all
// subscribers of the same publish and must be treated as read-only.
type Delivery struct {
	Message *Message
	Frame   []byte
}
