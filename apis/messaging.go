package apis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/stormgate/broker"
	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
)

// envelopeSlack extra body bytes allowed around a payload for the JSON envelope
const envelopeSlack = 4096

// APIRestReqPublish optional JSON envelope of a publish body
type APIRestReqPublish struct {
	Payload *string `json:"payload"`
}

// APIRestRespPublish response to an accepted publish
type APIRestRespPublish struct {
	goutils.RestAPIBaseResponse
	Status  string                `json:"status"`
	Receipt broker.PublishReceipt `json:"receipt"`
}

// APIRestRespPresence response carrying a subject's subscriber counts
type APIRestRespPresence struct {
	goutils.RestAPIBaseResponse
	Subject string `json:"subject"`
	// Count subscribers across all gateway instances sharing the presence store
	Count int64 `json:"count"`
	// Local subscribers connected to this instance
	Local int `json:"local"`
}

// decodePublishBody split a publish body into payload and content type. A JSON object
// with a string "payload" field publishes that string, any other body is used as-is.
func decodePublishBody(body []byte, declaredType string) ([]byte, string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope APIRestReqPublish
		if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Payload != nil {
			payload := []byte(*envelope.Payload)
			if json.Valid(payload) {
				return payload, "application/json"
			}
			return payload, "text/plain"
		}
	}
	if declaredType == "" {
		declaredType = broker.DefaultContentType
	}
	return body, declaredType
}

// readLimitedBody read a request body, failing with ErrPayloadTooLarge past the limit
func readLimitedBody(r *http.Request, limit int) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidPayload)
	}
	if len(body) > limit {
		return nil, fmt.Errorf("body exceeds %dB: %w", limit, common.ErrPayloadTooLarge)
	}
	return body, nil
}

// =======================================================================
// Message publish

// -----------------------------------------------------------------------

// Publish godoc
// @Summary Publish a message
// @Description Publish a message to every current subscriber of a subject. The body is
// @Description either {"payload": "<string>"} or the raw payload.
// @tags Messaging
// @Accept json,plain
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param subject query string false "Subject to publish to (DEFAULT: storm.events)"
// @Param message body string true "Message to publish"
// @Success 202 {object} APIRestRespPublish "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 413 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /publish [post]
func (h APIRestGatewayHandler) Publish(w http.ResponseWriter, r *http.Request) {
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
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		subject = h.defaultSubject
	}
	if err := common.ValidateSubjectName(subject); err != nil {
		respCode, respBody = h.errorReply(r, err, "Invalid subject")
		return
	}
	body, err := readLimitedBody(r, h.Broker.MaxPayloadBytes()+envelopeSlack)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to read message")
		return
	}
	payload, contentType := decodePublishBody(body, r.Header.Get("Content-Type"))

	receipt, err := h.Broker.Publish(r.Context(), broker.PublishRequest{
		Subject:     subject,
		Sender:      userID,
		Payload:     payload,
		ContentType: contentType,
		Ingress:     broker.IngressHTTP,
	})
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Publish rejected")
		return
	}
	log.WithFields(localLogTags).Debugf(
		"Published %s to %s for %d subscribers", receipt.MessageID, subject, receipt.Delivered,
	)
	respCode = http.StatusAccepted
	respBody = APIRestRespPublish{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Status:              "published",
		Receipt:             receipt,
	}
}

// PublishHandler Wrapper around Publish
func (h APIRestGatewayHandler) PublishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Publish(w, r)
	}
}

// =======================================================================
// Subscription

// resolveSubscribeSubject subject named by a subscribe request, checking that a
// referenced channel exists
func (h APIRestGatewayHandler) resolveSubscribeSubject(r *http.Request) (string, error) {
	query := r.URL.Query()
	subject, err := common.ResolveSubject(
		query.Get("subject"), query.Get("channel_id"), h.defaultSubject,
	)
	if err != nil {
		return "", err
	}
	if channelID, isChannel := common.ParseChannelSubject(subject); isChannel {
		if _, err := h.Channels.GetChannel(r.Context(), channelID); err != nil {
			return "", err
		}
	}
	return subject, nil
}

// -----------------------------------------------------------------------

// WebSocket godoc
// @Summary Subscribe over WebSocket
// @Description Upgrade to a WebSocket subscribed to a subject or channel. A token may be
// @Description given on the upgrade request, or as the first frame {"type":"auth","token":"..."}.
// @tags Messaging
// @Param subject query string false "Subject to subscribe to (DEFAULT: storm.events)"
// @Param channel_id query integer false "Channel to subscribe to, instead of a subject"
// @Param token query string false "Access token"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /ws [get]
func (h APIRestGatewayHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	rejectWith := func(err error, msg string) {
		respCode, respBody := h.errorReply(r, err, msg)
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	subject, err := h.resolveSubscribeSubject(r)
	if err != nil {
		rejectWith(err, "Invalid subscription target")
		return
	}
	userID := ""
	if !h.authEnabled {
		userID = AnonymousUser
	} else if token := requestToken(r); token != "" {
		if userID, err = h.Authenticator.Validate(r.Context(), token); err != nil {
			rejectWith(err, "Invalid access token")
			return
		}
	}

	connID, err := h.Connections.AcceptWebSocket(w, r, subject, userID)
	if err != nil {
		// The upgrader has already answered the request
		log.WithError(err).WithFields(localLogTags).Info("WebSocket not accepted")
		return
	}
	log.WithFields(localLogTags).Debugf("WebSocket %s on %s", connID, subject)
}

// WebSocketHandler Wrapper around WebSocket
func (h APIRestGatewayHandler) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WebSocket(w, r)
	}
}

// -----------------------------------------------------------------------

// streamWriter adapts a response to dataplane.EventWriter
type streamWriter struct {
	io.Writer
	http.Flusher
}

// EventStream godoc
// @Summary Subscribe over server-sent events
// @Description Stream messages published to a subject as server-sent events. The stream
// @Description ends on client disconnect, server shutdown, or if the client falls behind.
// @tags Messaging
// @Produce text/event-stream
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param subject query string false "Subject to subscribe to (DEFAULT: storm.events)"
// @Param channel_id query integer false "Channel to subscribe to, instead of a subject"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /events [get]
func (h APIRestGatewayHandler) EventStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	rejectWith := func(respCode int, respBody interface{}) {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	userID, err := h.authenticate(r)
	if err != nil {
		rejectWith(h.errorReply(r, err, "Unauthenticated"))
		return
	}
	subject, err := h.resolveSubscribeSubject(r)
	if err != nil {
		rejectWith(h.errorReply(r, err, "Invalid subscription target"))
		return
	}
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		rejectWith(
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
		)
		return
	}

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	err = h.Connections.StreamEvents(r.Context(), streamWriter{Writer: w, Flusher: writeFlusher}, subject, userID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Infof("Event stream on %s ended", subject)
	}
	// On final flush
	writeFlusher.Flush()
}

// EventStreamHandler Wrapper around EventStream
func (h APIRestGatewayHandler) EventStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EventStream(w, r)
	}
}

// -----------------------------------------------------------------------

// Presence godoc
// @Summary Subject presence
// @Description Number of live subscribers of a subject
// @tags Messaging
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param subject query string false "Subject (DEFAULT: storm.events)"
// @Success 200 {object} APIRestRespPresence "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /presence [get]
func (h APIRestGatewayHandler) Presence(w http.ResponseWriter, r *http.Request) {
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
	subject, err := common.ResolveSubject(
		r.URL.Query().Get("subject"), r.URL.Query().Get("channel_id"), h.defaultSubject,
	)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Invalid subject")
		return
	}
	count, err := h.GatewayDependencies.Presence.Count(r.Context(), subject)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to read presence")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespPresence{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Subject:             subject,
		Count:               count,
		Local:               h.Registry.Count(subject),
	}
}

// PresenceHandler Wrapper around Presence
func (h APIRestGatewayHandler) PresenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Presence(w, r)
	}
}
