package apis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelAPIs(t *testing.T) {
	assert := assert.New(t)

	uut := defineTestAPIGateway(t, true)
	token := uut.registerAndLogin(t, "frank", "pa55")

	// Case 0: seeded channel listed
	{
		resp := uut.call(t, http.MethodGet, "/channels", token, nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespChannels
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		require.Len(t, parsed.Channels, 1)
		assert.Equal("general", parsed.Channels[0].Name)
		assert.Equal(int64(1), parsed.Channels[0].ID)

		resp = uut.call(t, http.MethodGet, "/channels", "", nil)
		assert.Equal(http.StatusUnauthorized, resp.Code)
	}

	// Case 1: create a channel
	var created int64
	{
		resp := uut.call(t, http.MethodPost, "/channels", token, APIRestReqCreateChannel{Name: "random"})
		assert.Equal(http.StatusCreated, resp.Code)
		var parsed APIRestRespChannel
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.Equal("random", parsed.Channel.Name)
		assert.Equal("frank", parsed.Channel.CreatedBy)
		created = parsed.Channel.ID

		resp = uut.call(t, http.MethodPost, "/channels", token, APIRestReqCreateChannel{Name: "random"})
		assert.Equal(http.StatusConflict, resp.Code)
		resp = uut.call(t, http.MethodPost, "/channels", token, APIRestReqCreateChannel{})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 2: channel messages reach live subscribers and history
	{
		client, _, err := uut.dialWS(t, fmt.Sprintf("channel_id=%d&token=%s", created, token), nil)
		require.Nil(t, err)
		channelSubject := fmt.Sprintf("channels.%d", created)
		uut.waitForCount(t, channelSubject, 1)

		path := fmt.Sprintf("/channels/%d/messages", created)
		for idx, body := range []interface{}{
			APIRestReqChannelMessage{Content: strPtr("first")},
			APIRestReqChannelMessage{Payload: strPtr("second")},
			"third",
		} {
			resp := uut.call(t, http.MethodPost, path, token, body)
			assert.Equal(http.StatusCreated, resp.Code)
			var parsed APIRestRespChannelMessage
			assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
			assert.Equal(created, parsed.Message.ChannelID)
			assert.Equal("frank", parsed.Message.Sender)
			assert.Equal(1, parsed.Delivered)

			frame := readPushed(t, client)
			assert.Equal(channelSubject, frame.Subject)
			assert.Equal("application/json", frame.ContentType)
			var pushed struct {
				ID      int64  `json:"id"`
				Content string `json:"content"`
			}
			assert.Nil(json.Unmarshal(frame.Payload, &pushed), "message %d", idx)
			assert.Equal(parsed.Message.ID, pushed.ID)
			assert.Equal(parsed.Message.Content, pushed.Content)
		}

		resp := uut.call(t, http.MethodGet, path+"?limit=2", token, nil)
		assert.Equal(http.StatusOK, resp.Code)
		var history APIRestRespChannelMessages
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &history))
		require.Len(t, history.Messages, 2)
		assert.Equal("third", history.Messages[0].Content)
		assert.Equal("second", history.Messages[1].Content)

		resp = uut.call(t, http.MethodGet, path, token, nil)
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &history))
		assert.Len(history.Messages, 3)

		resp = uut.call(t, http.MethodGet, path+"?limit=abc", token, nil)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 3: inbound socket frames with a channel ID are recorded asynchronously
	{
		client, _, err := uut.dialWS(t, "token="+token, nil)
		require.Nil(t, err)
		uut.waitForCount(t, "storm.events", 1)
		assert.Nil(client.WriteMessage(
			websocket.TextMessage, []byte(`{"channel_id":1,"content":"over the socket"}`),
		))
		assert.Eventually(func() bool {
			resp := uut.call(t, http.MethodGet, "/channels/1/messages", token, nil)
			var history APIRestRespChannelMessages
			if err := json.Unmarshal(resp.Body.Bytes(), &history); err != nil {
				return false
			}
			return len(history.Messages) == 1 && history.Messages[0].Content == "over the socket"
		}, time.Second*2, time.Millisecond*20)
	}

	// Case 3a: channel members
	{
		resp := uut.call(t, http.MethodGet, fmt.Sprintf("/channels/%d/members", created), token, nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespChannelMembers
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.Equal([]string{"frank"}, parsed.Members)

		resp = uut.call(t, http.MethodGet, "/channels/99/members", token, nil)
		assert.Equal(http.StatusNotFound, resp.Code)
		resp = uut.call(t, http.MethodGet, fmt.Sprintf("/channels/%d/members", created), "", nil)
		assert.Equal(http.StatusUnauthorized, resp.Code)
	}

	// Case 4: unknown channel and bad IDs
	{
		resp := uut.call(t, http.MethodPost, "/channels/99/messages", token, APIRestReqChannelMessage{
			Content: strPtr("lost"),
		})
		assert.Equal(http.StatusNotFound, resp.Code)
		resp = uut.call(t, http.MethodGet, "/channels/99/messages", token, nil)
		assert.Equal(http.StatusNotFound, resp.Code)
		resp = uut.call(t, http.MethodGet, "/channels/0/messages", token, nil)
		assert.Equal(http.StatusBadRequest, resp.Code)
		resp = uut.call(t, http.MethodPost, "/channels/x/messages", token, "text")
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 5: empty and oversized messages
	{
		resp := uut.call(t, http.MethodPost, "/channels/1/messages", token, APIRestReqChannelMessage{
			Content: strPtr(""),
		})
		assert.Equal(http.StatusBadRequest, resp.Code)
		resp = uut.call(t, http.MethodPost, "/channels/1/messages", token, strings.Repeat("y", 2048))
		assert.Equal(http.StatusRequestEntityTooLarge, resp.Code)
	}
}
