package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/metrics"
	"github.com/alwitt/stormgate/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// brokerImpl implements Broker
type brokerImpl struct {
	common.Component
	registry   registry.Registry
	metrics    *metrics.Collectors
	maxPayload int
	relayLock  sync.RWMutex
	relay      MessageRelay
}

// GetBroker define a new Broker
func GetBroker(
	subjects registry.Registry,
	collectors *metrics.Collectors,
	maxPayloadBytes int,
	instance string,
) (Broker, error) {
	if maxPayloadBytes < 1 {
		return nil, fmt.Errorf("max payload must be at least 1 byte, got %d", maxPayloadBytes)
	}
	logTags := log.Fields{
		"module": "broker", "component": "fan-out", "instance": instance,
	}
	return &brokerImpl{
		Component:  common.Component{LogTags: logTags},
		registry:   subjects,
		metrics:    collectors,
		maxPayload: maxPayloadBytes,
	}, nil
}

// MaxPayloadBytes largest payload accepted
func (b *brokerImpl) MaxPayloadBytes() int {
	return b.maxPayload
}

// AttachRelay start forwarding local publishes through a relay
func (b *brokerImpl) AttachRelay(relay MessageRelay) {
	b.relayLock.Lock()
	defer b.relayLock.Unlock()
	b.relay = relay
}

// Publish validate a message and enqueue it for every current subscriber
func (b *brokerImpl) Publish(ctxt context.Context, req PublishRequest) (PublishReceipt, error) {
	if err := ctxt.Err(); err != nil {
		return PublishReceipt{}, err
	}
	if err := common.ValidateSubjectName(req.Subject); err != nil {
		b.metrics.Rejected.WithLabelValues("invalid_subject").Inc()
		return PublishReceipt{}, err
	}
	if len(req.Payload) == 0 {
		b.metrics.Rejected.WithLabelValues("invalid_payload").Inc()
		return PublishReceipt{}, fmt.Errorf("empty payload: %w", common.ErrInvalidPayload)
	}
	if len(req.Payload) > b.maxPayload {
		b.metrics.Rejected.WithLabelValues("too_large").Inc()
		return PublishReceipt{}, fmt.Errorf(
			"%dB payload exceeds %dB: %w", len(req.Payload), b.maxPayload, common.ErrPayloadTooLarge,
		)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	payload := make([]byte, len(req.Payload))
	copy(payload, req.Payload)
	msg := common.Message{
		ID:          uuid.NewString(),
		Subject:     req.Subject,
		Sender:      req.Sender,
		ContentType: contentType,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}

	receipt := b.fanOut(msg)
	b.metrics.Published.WithLabelValues(req.Ingress).Inc()

	b.relayLock.RLock()
	relay := b.relay
	b.relayLock.RUnlock()
	if relay != nil {
		if err := relay.Forward(ctxt, msg); err != nil {
			// Local subscribers already have it, so the publish itself stands
			log.WithError(err).WithFields(b.LogTags).Errorf("Failed to relay %s", msg.String())
		} else {
			b.metrics.Relayed.WithLabelValues("out").Inc()
		}
	}
	return receipt, nil
}

// DeliverLocal fan out an already accepted message to local subscribers only
func (b *brokerImpl) DeliverLocal(msg common.Message) PublishReceipt {
	b.metrics.Relayed.WithLabelValues("in").Inc()
	return b.fanOut(msg)
}

// fanOut enqueue a message for the subscribers present right now
func (b *brokerImpl) fanOut(msg common.Message) PublishReceipt {
	receipt := PublishReceipt{MessageID: msg.ID, Subject: msg.Subject}
	subscribers := b.registry.Resolve(msg.Subject)
	if len(subscribers) == 0 {
		log.WithFields(b.LogTags).Debugf("No subscribers for %s", msg.String())
		return receipt
	}
	frame, err := common.EncodeClientFrame(msg)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to encode %s", msg.String())
		return receipt
	}
	delivery := common.Delivery{Message: &msg, Frame: frame}
	for _, sub := range subscribers {
		err := sub.Deliver(delivery)
		switch {
		case err == nil:
			receipt.Delivered++
		case errors.Is(err, common.ErrSlowConsumer):
			receipt.Evicted++
			b.registry.Unsubscribe(msg.Subject, sub)
			log.WithFields(b.LogTags).Warnf(
				"Evicted slow consumer %s from %s", sub.SubscriberID(), msg.Subject,
			)
		default:
			// Subscriber closed between resolve and deliver
			b.registry.Unsubscribe(msg.Subject, sub)
			log.WithError(err).WithFields(b.LogTags).Debugf(
				"Skipped subscriber %s of %s", sub.SubscriberID(), msg.Subject,
			)
		}
	}
	b.metrics.Delivered.Add(float64(receipt.Delivered))
	log.WithFields(b.LogTags).Debugf(
		"Fan-out %s to %d subscribers (%d evicted)", msg.String(), receipt.Delivered, receipt.Evicted,
	)
	return receipt
}
