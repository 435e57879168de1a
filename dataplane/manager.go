package dataplane

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/stormgate/broker"
	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/metrics"
	"github.com/alwitt/stormgate/registry"
	"github.com/alwitt/stormgate/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ManagerParams connection manager settings
type ManagerParams struct {
	// Connection per WebSocket connection settings
	Connection ConnectionParams
	// SSEHeartbeat interval between SSE heartbeat comments
	SSEHeartbeat time.Duration `validate:"required"`
	// AllowedOrigins origins allowed to open a WebSocket. "*" allows all.
	AllowedOrigins []string
}

// Manager owns the lifecycle of every live subscriber connection
type Manager interface {
	// AcceptWebSocket upgrade a request and run the connection on a new goroutine.
	// An empty userID means the client must authenticate with its first frame.
	AcceptWebSocket(w http.ResponseWriter, r *http.Request, subject, userID string) (string, error)
	// StreamEvents stream a subject as server-sent events until the request ends,
	// the server stops, or the stream falls behind
	StreamEvents(
		reqCtxt context.Context, stream EventWriter, subject, userID string,
	) error
	// ConnectionCount number of live connections, both transports
	ConnectionCount() int
	// Shutdown close every live connection with the going-away code
	Shutdown()
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	ctxt      context.Context
	broker    broker.Broker
	registry  registry.Registry
	recorder  storage.AsyncRecorder
	validator TokenValidator
	metrics   *metrics.Collectors
	params    ManagerParams
	upgrader  websocket.Upgrader
	wg        *sync.WaitGroup

	lock        sync.Mutex
	connections map[string]*wsConnection
	streams     map[string]*eventSubscriber
}

// GetManager define a new connection Manager
func GetManager(
	ctxt context.Context,
	msgBroker broker.Broker,
	subjects registry.Registry,
	recorder storage.AsyncRecorder,
	tokens TokenValidator,
	collectors *metrics.Collectors,
	params ManagerParams,
	wg *sync.WaitGroup,
	instance string,
) (Manager, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "connection-manager", "instance": instance,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid connection manager parameters")
		return nil, err
	}
	allowAll := false
	allowed := map[string]bool{}
	for _, origin := range params.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		ctxt:      ctxt,
		broker:    msgBroker,
		registry:  subjects,
		recorder:  recorder,
		validator: tokens,
		metrics:   collectors,
		params:    params,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: params.Connection.WriteWait,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || allowed[origin]
			},
		},
		wg:          wg,
		connections: map[string]*wsConnection{},
		streams:     map[string]*eventSubscriber{},
	}, nil
}

// AcceptWebSocket upgrade a request and run the connection on a new goroutine
func (m *managerImpl) AcceptWebSocket(
	w http.ResponseWriter, r *http.Request, subject, userID string,
) (string, error) {
	if err := common.ValidateSubjectName(subject); err != nil {
		return "", err
	}
	if err := m.ctxt.Err(); err != nil {
		return "", err
	}
	socket, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Info("WebSocket upgrade failed")
		return "", err
	}
	conn := newWSConnection(m, uuid.NewString(), socket, subject)
	m.lock.Lock()
	m.connections[conn.id] = conn
	m.lock.Unlock()
	m.metrics.ActiveConnections.WithLabelValues(TransportWebSocket).Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		conn.run(userID)
	}()
	log.WithFields(conn.LogTags).Debug("Accepted WebSocket")
	return conn.id, nil
}

// forget drop a closed WebSocket connection
func (m *managerImpl) forget(conn *wsConnection, code int) {
	m.lock.Lock()
	_, present := m.connections[conn.id]
	delete(m.connections, conn.id)
	m.lock.Unlock()
	if !present {
		return
	}
	m.metrics.ActiveConnections.WithLabelValues(TransportWebSocket).Dec()
	label, ok := closeReasonLabel[code]
	if !ok {
		label = "other"
	}
	m.metrics.ClosedConnections.WithLabelValues(label).Inc()
}

// recordPresence hand a presence change to the recorder
func (m *managerImpl) recordPresence(subject string, joined bool) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordPresence(subject, joined); err != nil {
		log.WithError(err).WithFields(m.LogTags).Warnf("Presence change on %s not recorded", subject)
	}
}

// recordMembership add the user to the channel behind a channel subject
func (m *managerImpl) recordMembership(subject, userID string) {
	channelID, ok := common.ParseChannelSubject(subject)
	if !ok || m.recorder == nil || userID == "" {
		return
	}
	if err := m.recorder.RecordMembership(channelID, userID); err != nil {
		log.WithError(err).WithFields(m.LogTags).Warnf(
			"Membership of %s in channel %d not recorded", userID, channelID,
		)
	}
}

// ConnectionCount number of live connections, both transports
func (m *managerImpl) ConnectionCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.connections) + len(m.streams)
}

// Shutdown close every live connection with the going-away code
func (m *managerImpl) Shutdown() {
	m.lock.Lock()
	connections := make([]*wsConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		connections = append(connections, conn)
	}
	streams := make([]*eventSubscriber, 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	m.lock.Unlock()
	for _, conn := range connections {
		conn.Close(CloseShutdown, "server shutdown")
	}
	for _, stream := range streams {
		stream.stop()
	}
	log.WithFields(m.LogTags).Infof(
		"Closed %d WebSocket and %d SSE connections", len(connections), len(streams),
	)
}
