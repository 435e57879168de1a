package dataplane

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// EventWriter destination of a server-sent events stream
type EventWriter interface {
	io.Writer
	// Flush push buffered data to the client
	Flush()
}

// eventSubscriber one server-sent events subscriber
type eventSubscriber struct {
	id       string
	queue    *deliveryQueue
	overflow chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// SubscriberID unique ID of the subscriber
func (s *eventSubscriber) SubscriberID() string {
	return s.id
}

// Deliver queue a delivery without blocking
func (s *eventSubscriber) Deliver(delivery common.Delivery) error {
	return s.queue.push(delivery)
}

// stop end the stream
func (s *eventSubscriber) stop() {
	s.stopOnce.Do(func() {
		s.queue.shutdown()
		close(s.stopped)
	})
}

// StreamEvents stream a subject as server-sent events
func (m *managerImpl) StreamEvents(
	reqCtxt context.Context, stream EventWriter, subject, userID string,
) error {
	if err := common.ValidateSubjectName(subject); err != nil {
		return err
	}
	sub := &eventSubscriber{
		id:       uuid.NewString(),
		overflow: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	sub.queue = newDeliveryQueue(
		m.params.Connection.QueueCapacity,
		m.params.Connection.OverflowPolicy,
		m.metrics.Dropped,
		func() { close(sub.overflow) },
	)
	logTags := m.ChildLogTags(log.Fields{
		"connection": sub.id, "subject": subject, "user": userID, "transport": TransportSSE,
	})

	m.lock.Lock()
	m.streams[sub.id] = sub
	m.lock.Unlock()
	if _, err := m.registry.Subscribe(subject, sub); err != nil {
		m.lock.Lock()
		delete(m.streams, sub.id)
		m.lock.Unlock()
		return err
	}
	m.recordPresence(subject, true)
	m.recordMembership(subject, userID)
	m.metrics.ActiveConnections.WithLabelValues(TransportSSE).Inc()
	closeLabel := closeReasonLabel[CloseNormal]
	defer func() {
		sub.stop()
		m.registry.Unsubscribe(subject, sub)
		m.recordPresence(subject, false)
		m.lock.Lock()
		delete(m.streams, sub.id)
		m.lock.Unlock()
		m.metrics.ActiveConnections.WithLabelValues(TransportSSE).Dec()
		m.metrics.ClosedConnections.WithLabelValues(closeLabel).Inc()
		log.WithFields(logTags).Infof("Event stream ended (%s)", closeLabel)
	}()

	if _, err := fmt.Fprintf(stream, ": subscribed to %s\n\n", subject); err != nil {
		return err
	}
	stream.Flush()
	log.WithFields(logTags).Info("Event stream open")

	heartbeat := time.NewTicker(m.params.SSEHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-m.ctxt.Done():
			closeLabel = closeReasonLabel[CloseShutdown]
			return nil
		case <-sub.stopped:
			closeLabel = closeReasonLabel[CloseShutdown]
			return nil
		case <-reqCtxt.Done():
			return nil
		case <-sub.overflow:
			closeLabel = closeReasonLabel[CloseSlowConsumer]
			return common.ErrSlowConsumer
		case delivery := <-sub.queue.items:
			if _, err := fmt.Fprintf(
				stream, "id: %s\nevent: message\ndata: %s\n\n", delivery.Message.ID, delivery.Frame,
			); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Event write failed")
				return err
			}
			stream.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(stream, ": heartbeat\n\n"); err != nil {
				closeLabel = closeReasonLabel[CloseTimeout]
				return err
			}
			stream.Flush()
		}
	}
}
