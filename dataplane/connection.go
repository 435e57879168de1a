package dataplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/stormgate/broker"
	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// wsConnection one WebSocket subscriber
type wsConnection struct {
	common.Component
	id             string
	socket         *websocket.Conn
	manager        *managerImpl
	params         ConnectionParams
	queue          *deliveryQueue
	initialSubject string

	lock     sync.Mutex
	state    ConnectionState
	userID   string
	subjects map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

// SubscriberID unique ID of the subscriber
func (c *wsConnection) SubscriberID() string {
	return c.id
}

// Deliver queue a delivery without blocking
func (c *wsConnection) Deliver(delivery common.Delivery) error {
	return c.queue.push(delivery)
}

// State current connection state
func (c *wsConnection) State() ConnectionState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// UserID the authenticated user, empty until the connection is open
func (c *wsConnection) UserID() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.userID
}

// Subjects subjects the connection is subscribed to
func (c *wsConnection) Subjects() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]string, 0, len(c.subjects))
	for subject := range c.subjects {
		result = append(result, subject)
	}
	sort.Strings(result)
	return result
}

// run drive the connection from accept to close. Runs on the caller's goroutine.
func (c *wsConnection) run(userID string) {
	if userID == "" {
		c.setState(StateAuthenticating)
		var err error
		if userID, err = c.authenticate(); err != nil {
			return
		}
	}
	if err := c.open(userID); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to open connection")
		c.Close(CloseNormal, "subscribe failed")
		return
	}
	c.manager.wg.Add(1)
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConnection) setState(state ConnectionState) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state = state
}

// authenticate wait for the first frame, which must carry a valid token
func (c *wsConnection) authenticate() (string, error) {
	if err := c.socket.SetReadDeadline(time.Now().Add(c.params.AuthTimeout)); err != nil {
		c.Close(CloseNormal, "socket error")
		return "", err
	}
	_, raw, err := c.socket.ReadMessage()
	if err != nil {
		c.closeOnReadError(err)
		return "", err
	}
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != FrameAuth || frame.Token == "" {
		log.WithFields(c.LogTags).Info("First frame was not an auth frame")
		c.Close(CloseUnauthorized, "authentication required")
		return "", common.ErrUnauthorized
	}
	userID, err := c.manager.validator.Validate(c.manager.ctxt, frame.Token)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Info("Auth frame rejected")
		c.Close(CloseUnauthorized, "unauthorized")
		return "", err
	}
	return userID, nil
}

// open move to Open and subscribe to the initial subject
func (c *wsConnection) open(userID string) error {
	c.lock.Lock()
	if c.state >= StateClosing {
		c.lock.Unlock()
		return common.ErrClosed
	}
	c.userID = userID
	c.state = StateOpen
	c.lock.Unlock()
	log.WithFields(c.LogTags).Infof("Connection open for %s", userID)
	return c.subscribe(c.initialSubject)
}

// subscribe add a subject to the connection
func (c *wsConnection) subscribe(subject string) error {
	if err := common.ValidateSubjectName(subject); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateOpen {
		return common.ErrClosed
	}
	if c.subjects[subject] {
		return nil
	}
	if _, err := c.manager.registry.Subscribe(subject, c); err != nil {
		return err
	}
	c.subjects[subject] = true
	c.manager.recordPresence(subject, true)
	c.manager.recordMembership(subject, c.userID)
	log.WithFields(c.LogTags).Debugf("Subscribed to %s", subject)
	return nil
}

// unsubscribe remove a subject from the connection. Idempotent.
func (c *wsConnection) unsubscribe(subject string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.subjects[subject] {
		return
	}
	delete(c.subjects, subject)
	c.manager.registry.Unsubscribe(subject, c)
	c.manager.recordPresence(subject, false)
	log.WithFields(c.LogTags).Debugf("Unsubscribed from %s", subject)
}

// Close close the connection with a close code. Only the first call has any effect.
func (c *wsConnection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.lock.Lock()
		c.state = StateClosing
		subjects := c.subjects
		c.subjects = map[string]bool{}
		c.lock.Unlock()

		c.queue.shutdown()
		close(c.done)
		for subject := range subjects {
			c.manager.registry.Unsubscribe(subject, c)
			c.manager.recordPresence(subject, false)
		}

		deadline := time.Now().Add(c.params.WriteWait)
		if err := c.socket.WriteControl(
			websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline,
		); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.WithError(err).WithFields(c.LogTags).Debug("Close frame not sent")
		}
		if err := c.socket.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Socket close failed")
		}

		c.setState(StateClosed)
		c.manager.forget(c, code)
		log.WithFields(c.LogTags).Infof("Connection closed [%d] %s", code, reason)
	})
}

// closeOnReadError pick the close code matching a read failure
func (c *wsConnection) closeOnReadError(err error) {
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.Close(CloseNormal, "client closed")
	case errors.Is(err, websocket.ErrReadLimit):
		c.Close(CloseTooLarge, "frame too large")
	case errors.As(err, &netErr) && netErr.Timeout():
		c.Close(CloseTimeout, "timed out")
	default:
		log.WithError(err).WithFields(c.LogTags).Debug("Read failed")
		c.Close(CloseNormal, "connection lost")
	}
}

// readLoop process inbound frames until the socket fails or closes
func (c *wsConnection) readLoop() {
	extendDeadline := func() error {
		return c.socket.SetReadDeadline(time.Now().Add(c.params.PongWait))
	}
	if err := extendDeadline(); err != nil {
		c.Close(CloseNormal, "socket error")
		return
	}
	c.socket.SetPongHandler(func(string) error {
		return extendDeadline()
	})
	for {
		msgType, raw, err := c.socket.ReadMessage()
		if err != nil {
			c.closeOnReadError(err)
			return
		}
		if err := extendDeadline(); err != nil {
			c.Close(CloseNormal, "socket error")
			return
		}
		c.handleFrame(msgType, raw)
	}
}

// handleFrame route one inbound frame
func (c *wsConnection) handleFrame(msgType int, raw []byte) {
	var frame inboundFrame
	isObject := msgType == websocket.TextMessage && json.Unmarshal(raw, &frame) == nil
	if isObject {
		switch frame.Type {
		case FrameAuth:
			c.reply(ackFrame(FrameAuth, ""))
			return
		case FrameSubscribe:
			if err := c.subscribe(frame.Subject); err != nil {
				c.reply(errorFrame(FrameSubscribe, err))
			} else {
				c.reply(ackFrame(FrameSubscribe, frame.Subject))
			}
			return
		case FrameUnsubscribe:
			c.unsubscribe(frame.Subject)
			c.reply(ackFrame(FrameUnsubscribe, frame.Subject))
			return
		}
	}

	req := broker.PublishRequest{
		Subject:     c.initialSubject,
		Sender:      c.UserID(),
		Payload:     raw,
		ContentType: "text/plain",
		Ingress:     broker.IngressWebSocket,
	}
	switch {
	case msgType == websocket.BinaryMessage:
		req.ContentType = broker.DefaultContentType
	case json.Valid(raw):
		req.ContentType = "application/json"
	}
	var channelID int64
	if isObject {
		if frame.ChannelID != nil {
			channelID = int64(*frame.ChannelID)
			if channelID < 1 {
				c.reply(errorFrame("publish", fmt.Errorf("bad channel_id: %w", common.ErrInvalidSubject)))
				return
			}
			req.Subject = common.ChannelSubject(channelID)
			req.Ingress = broker.IngressChannel
		} else if frame.Subject != "" {
			req.Subject = frame.Subject
		}
	}
	if channelID == 0 {
		// Frames sent on a channel socket belong to that channel's history too
		if parsed, ok := common.ParseChannelSubject(req.Subject); ok {
			channelID = parsed
			req.Ingress = broker.IngressChannel
		}
	}

	receipt, err := c.manager.broker.Publish(c.manager.ctxt, req)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Inbound frame rejected for %s", req.Subject)
		c.reply(errorFrame("publish", err))
		return
	}
	log.WithFields(c.LogTags).Debugf(
		"Published inbound frame %s to %d subscribers", receipt.MessageID, receipt.Delivered,
	)
	if channelID > 0 && c.manager.recorder != nil {
		if err := c.manager.recorder.RecordChannelMessage(
			channelID, req.Sender, frame.contentText(raw),
		); err != nil {
			log.WithError(err).WithFields(c.LogTags).Warnf(
				"Channel %d message not recorded", channelID,
			)
		}
	}
}

// reply queue a gateway generated frame for this client
func (c *wsConnection) reply(frame []byte) {
	if err := c.queue.push(common.Delivery{Frame: frame}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Reply dropped")
	}
}

// writeLoop the only writer of data frames. Also sends heartbeat pings.
func (c *wsConnection) writeLoop() {
	defer c.manager.wg.Done()
	pinger := time.NewTicker(c.params.PingInterval)
	defer pinger.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.manager.ctxt.Done():
			c.Close(CloseShutdown, "server shutdown")
			return
		case delivery := <-c.queue.items:
			if err := c.socket.SetWriteDeadline(time.Now().Add(c.params.WriteWait)); err != nil {
				c.Close(CloseNormal, "socket error")
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, delivery.Frame); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Frame write failed")
				c.Close(CloseTimeout, "write failed")
				return
			}
		case <-pinger.C:
			if err := c.socket.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(c.params.WriteWait),
			); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Ping failed")
				c.Close(CloseTimeout, "heartbeat failed")
				return
			}
		}
	}
}

// closeInBackground close from a goroutine which must not block, such as a publisher
func (c *wsConnection) closeInBackground(code int, reason string) {
	c.manager.wg.Add(1)
	go func() {
		defer c.manager.wg.Done()
		c.Close(code, reason)
	}()
}

// newWSConnection define a connection around an upgraded socket
func newWSConnection(
	manager *managerImpl,
	id string,
	socket *websocket.Conn,
	initialSubject string,
) *wsConnection {
	logTags := manager.ChildLogTags(map[string]interface{}{
		"connection": id, "subject": initialSubject,
	})
	conn := &wsConnection{
		Component:      common.Component{LogTags: logTags},
		id:             id,
		socket:         socket,
		manager:        manager,
		params:         manager.params.Connection,
		initialSubject: initialSubject,
		state:          StateConnecting,
		subjects:       map[string]bool{},
		done:           make(chan struct{}),
	}
	conn.queue = newDeliveryQueue(
		manager.params.Connection.QueueCapacity,
		manager.params.Connection.OverflowPolicy,
		manager.metrics.Dropped,
		func() {
			log.WithFields(logTags).Warn("Outbound queue overflow")
			conn.closeInBackground(CloseSlowConsumer, "slow consumer")
		},
	)
	socket.SetReadLimit(manager.params.Connection.MaxFrameBytes)
	return conn
}
