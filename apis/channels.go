package apis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/stormgate/broker"
	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestReqCreateChannel parameters to create a channel
type APIRestReqCreateChannel struct {
	Name string `json:"name" validate:"required,max=128"`
}

// APIRestReqChannelMessage JSON body of a channel message
type APIRestReqChannelMessage struct {
	Content *string `json:"content,omitempty"`
	Payload *string `json:"payload,omitempty"`
}

// APIRestRespChannel response carrying one channel
type APIRestRespChannel struct {
	goutils.RestAPIBaseResponse
	Channel storage.Channel `json:"channel"`
}

// APIRestRespChannels response carrying all channels
type APIRestRespChannels struct {
	goutils.RestAPIBaseResponse
	Channels []storage.Channel `json:"channels"`
}

// APIRestRespChannelMessage response carrying one stored channel message
type APIRestRespChannelMessage struct {
	goutils.RestAPIBaseResponse
	Message storage.ChannelMessage `json:"message"`
	// Delivered number of live subscribers the message was pushed to
	Delivered int `json:"delivered"`
}

// APIRestRespChannelMessages response carrying a page of channel history
type APIRestRespChannelMessages struct {
	goutils.RestAPIBaseResponse
	Messages []storage.ChannelMessage `json:"messages"`
}

// APIRestRespChannelMembers response with the members of a channel
type APIRestRespChannelMembers struct {
	goutils.RestAPIBaseResponse
	Members []string `json:"members"`
}

// channelIDFromPath parse the channel ID path variable
func channelIDFromPath(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["channelID"]
	channelID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || channelID <= 0 {
		return 0, fmt.Errorf("channel ID '%s' is not a positive integer: %w", raw, common.ErrInvalidSubject)
	}
	return channelID, nil
}

// channelMessageContent text of a channel message body. The body is either
// {"content": "..."}, {"payload": "..."}, or the raw text.
func channelMessageContent(body []byte) string {
	var parsed APIRestReqChannelMessage
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Content != nil {
			return *parsed.Content
		}
		if parsed.Payload != nil {
			return *parsed.Payload
		}
	}
	return string(body)
}

// -----------------------------------------------------------------------

// ListChannels godoc
// @Summary List channels
// @Description List all channels
// @tags Channels
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespChannels "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /channels [get]
func (h APIRestGatewayHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.authenticate(r); err != nil {
		respCode, respBody = h.errorReply(r, err, "Unauthenticated")
		return
	}
	channels, err := h.Channels.ListChannels(r.Context())
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to list channels")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespChannels{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Channels: channels,
	}
}

// ListChannelsHandler Wrapper around ListChannels
func (h APIRestGatewayHandler) ListChannelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListChannels(w, r)
	}
}

// -----------------------------------------------------------------------

// CreateChannel godoc
// @Summary Create a channel
// @Description Create a new named channel
// @tags Channels
// @Accept json
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param param body APIRestReqCreateChannel true "Channel parameters"
// @Success 201 {object} APIRestRespChannel "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /channels [post]
func (h APIRestGatewayHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	userID, err := h.authenticate(r)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unauthenticated")
		return
	}
	var params APIRestReqCreateChannel
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidPayload), "Unable to parse request",
		)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidPayload), "Invalid channel parameters",
		)
		return
	}
	channel, err := h.Channels.CreateChannel(r.Context(), params.Name, userID)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to create channel")
		return
	}
	log.WithFields(localLogTags).Infof("Created channel %d '%s'", channel.ID, channel.Name)
	respCode = http.StatusCreated
	respBody = APIRestRespChannel{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Channel: channel,
	}
}

// CreateChannelHandler Wrapper around CreateChannel
func (h APIRestGatewayHandler) CreateChannelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateChannel(w, r)
	}
}

// -----------------------------------------------------------------------

// PostChannelMessage godoc
// @Summary Post a channel message
// @Description Record a message in a channel's history and push it to the channel's
// @Description live subscribers
// @tags Channels
// @Accept json,plain
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param channelID path integer true "Channel ID"
// @Param message body APIRestReqChannelMessage true "Message"
// @Success 201 {object} APIRestRespChannelMessage "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 413 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /channels/{channelID}/messages [post]
func (h APIRestGatewayHandler) PostChannelMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	userID, err := h.authenticate(r)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unauthenticated")
		return
	}
	channelID, err := channelIDFromPath(r)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Invalid channel")
		return
	}
	if _, err := h.Channels.GetChannel(r.Context(), channelID); err != nil {
		respCode, respBody = h.errorReply(r, err, "Unknown channel")
		return
	}
	body, err := readLimitedBody(r, h.Broker.MaxPayloadBytes()+envelopeSlack)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to read message")
		return
	}
	content := channelMessageContent(body)
	if content == "" {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("no message content: %w", common.ErrInvalidPayload), "Empty message",
		)
		return
	}
	if len(content) > h.Broker.MaxPayloadBytes() {
		respCode, respBody = h.errorReply(
			r,
			fmt.Errorf("content exceeds %dB: %w", h.Broker.MaxPayloadBytes(), common.ErrPayloadTooLarge),
			"Message too large",
		)
		return
	}

	if err := h.Channels.EnsureMember(r.Context(), channelID, userID); err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to join channel")
		return
	}
	stored, err := h.Channels.SaveChannelMessage(r.Context(), channelID, userID, content)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to store message")
		return
	}

	// Live subscribers receive the stored record
	payload, err := json.Marshal(&stored)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to encode message")
		return
	}
	receipt, err := h.Broker.Publish(r.Context(), broker.PublishRequest{
		Subject:     common.ChannelSubject(channelID),
		Sender:      userID,
		Payload:     payload,
		ContentType: "application/json",
		Ingress:     broker.IngressChannel,
	})
	if err != nil {
		// The message is already part of the history
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Channel %d message %d not pushed to subscribers", channelID, stored.ID,
		)
	}
	respCode = http.StatusCreated
	respBody = APIRestRespChannelMessage{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Message:             stored,
		Delivered:           receipt.Delivered,
	}
}

// PostChannelMessageHandler Wrapper around PostChannelMessage
func (h APIRestGatewayHandler) PostChannelMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PostChannelMessage(w, r)
	}
}

// -----------------------------------------------------------------------

// ListChannelMessages godoc
// @Summary Channel history
// @Description Newest first page of a channel's message history
// @tags Channels
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param channelID path integer true "Channel ID"
// @Param limit query integer false "Page size (DEFAULT: 50, MAX: 200)"
// @Success 200 {object} APIRestRespChannelMessages "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /channels/{channelID}/messages [get]
func (h APIRestGatewayHandler) ListChannelMessages(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.authenticate(r); err != nil {
		respCode, respBody = h.errorReply(r, err, "Unauthenticated")
		return
	}
	channelID, err := channelIDFromPath(r)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Invalid channel")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			respCode, respBody = h.errorReply(
				r, fmt.Errorf("limit '%s': %w", raw, common.ErrInvalidPayload), "Invalid limit",
			)
			return
		}
	}
	if _, err := h.Channels.GetChannel(r.Context(), channelID); err != nil {
		respCode, respBody = h.errorReply(r, err, "Unknown channel")
		return
	}
	messages, err := h.Channels.ListMessages(r.Context(), channelID, storage.ClampMessageLimit(limit))
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to read channel history")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespChannelMessages{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Messages: messages,
	}
}

// ListChannelMessagesHandler Wrapper around ListChannelMessages
func (h APIRestGatewayHandler) ListChannelMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListChannelMessages(w, r)
	}
}

// -----------------------------------------------------------------------

// ListChannelMembers godoc
// @Summary Channel members
// @Description Users who posted to or subscribed on a channel
// @tags Channels
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param channelID path integer true "Channel ID"
// @Success 200 {object} APIRestRespChannelMembers "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /channels/{channelID}/members [get]
func (h APIRestGatewayHandler) ListChannelMembers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.authenticate(r); err != nil {
		respCode, respBody = h.errorReply(r, err, "Unauthenticated")
		return
	}
	channelID, err := channelIDFromPath(r)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Invalid channel")
		return
	}
	members, err := h.Channels.ListMembers(r.Context(), channelID)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to read channel members")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespChannelMembers{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Members: members,
	}
}

// ListChannelMembersHandler Wrapper around ListChannelMembers
func (h APIRestGatewayHandler) ListChannelMembersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListChannelMembers(w, r)
	}
}
