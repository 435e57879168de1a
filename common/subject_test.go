package common

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubjectNames(t *testing.T) {
	assert := assert.New(t)

	// Case 0: valid names
	for _, subject := range []string{"storm.events", "channels.1", "a-b_c", "X"} {
		assert.Nil(ValidateSubjectName(subject), subject)
	}

	// Case 1: invalid names
	for _, subject := range []string{
		"", "storm events", "a.*", "a.>", ".a", "a.", "a..b", strings.Repeat("a", 300),
	} {
		err := ValidateSubjectName(subject)
		assert.True(errors.Is(err, ErrInvalidSubject), subject)
	}

	// Case 2: channel subjects
	{
		assert.Equal("channels.12", ChannelSubject(12))
		id, ok := ParseChannelSubject("channels.12")
		assert.True(ok)
		assert.Equal(int64(12), id)
		_, ok = ParseChannelSubject("channels.abc")
		assert.False(ok)
		_, ok = ParseChannelSubject("storm.events")
		assert.False(ok)
	}

	// Case 3: subject resolution
	{
		subject, err := ResolveSubject("", "", "storm.events")
		assert.Nil(err)
		assert.Equal("storm.events", subject)

		subject, err = ResolveSubject("alerts", "", "storm.events")
		assert.Nil(err)
		assert.Equal("alerts", subject)

		subject, err = ResolveSubject("alerts", "3", "storm.events")
		assert.Nil(err)
		assert.Equal("channels.3", subject)

		_, err = ResolveSubject("", "-1", "storm.events")
		assert.True(errors.Is(err, ErrInvalidSubject))

		_, err = ResolveSubject("bad subject", "", "storm.events")
		assert.True(errors.Is(err, ErrInvalidSubject))
	}
}

func TestClientFrameEncoding(t *testing.T) {
	assert := assert.New(t)

	base := Message{
		ID:          "m-1",
		Subject:     "storm.events",
		Sender:      "alice",
		PublishedAt: time.Now().UTC(),
	}

	type decodedFrame struct {
		ID          string          `json:"id"`
		Subject     string          `json:"subject"`
		Sender      string          `json:"sender"`
		ContentType string          `json:"content_type"`
		Payload     json.RawMessage `json:"payload"`
	}

	// Case 0: JSON payload embedded as-is
	{
		msg := base
		msg.ContentType = "application/json; charset=utf-8"
		msg.Payload = []byte(`{"message":"hi"}`)
		frame, err := EncodeClientFrame(msg)
		assert.Nil(err)
		var decoded decodedFrame
		assert.Nil(json.Unmarshal(frame, &decoded))
		assert.Equal("alice", decoded.Sender)
		assert.JSONEq(`{"message":"hi"}`, string(decoded.Payload))
	}

	// Case 1: text payload embedded as a string
	{
		msg := base
		msg.ContentType = "text/plain"
		msg.Payload = []byte(`hello`)
		frame, err := EncodeClientFrame(msg)
		assert.Nil(err)
		var decoded decodedFrame
		assert.Nil(json.Unmarshal(frame, &decoded))
		assert.Equal(`"hello"`, string(decoded.Payload))
	}

	// Case 2: JSON content type with broken payload falls back to string
	{
		msg := base
		msg.ContentType = "application/json"
		msg.Payload = []byte(`{"broken"`)
		frame, err := EncodeClientFrame(msg)
		assert.Nil(err)
		var decoded decodedFrame
		assert.Nil(json.Unmarshal(frame, &decoded))
		assert.Equal(`"{\"broken\""`, string(decoded.Payload))
	}
}
