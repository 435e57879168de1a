package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// relayEnvelope wraps a relayed message with the instance that published it
type relayEnvelope struct {
	InstanceID string         `json:"instance_id" validate:"required"`
	Message    common.Message `json:"message" validate:"required"`
}

// LocalDelivery fan out callback for messages arriving from other instances
type LocalDelivery func(msg common.Message) PublishReceipt

// NatsRelay MessageRelay over plain NATS subjects
type NatsRelay interface {
	MessageRelay
	// Start begin receiving messages relayed by other instances
	Start(ctxt context.Context, wg *sync.WaitGroup) error
}

// natsRelayImpl implements NatsRelay
type natsRelayImpl struct {
	common.Component
	client     *core.NatsClient
	prefix     string
	instanceID string
	deliver    LocalDelivery
	validate   *validator.Validate
}

// GetNatsRelay define a new NatsRelay. Messages are relayed on "<prefix>.<subject>".
func GetNatsRelay(
	client *core.NatsClient, prefix, instanceID string, deliver LocalDelivery,
) (NatsRelay, error) {
	logTags := log.Fields{
		"module": "broker", "component": "nats-relay", "instance": instanceID,
	}
	if err := common.ValidateSubjectName(prefix); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay prefix")
		return nil, err
	}
	return &natsRelayImpl{
		Component:  common.Component{LogTags: logTags},
		client:     client,
		prefix:     prefix,
		instanceID: instanceID,
		deliver:    deliver,
		validate:   validator.New(),
	}, nil
}

// Forward send a locally published message to the other instances
func (r *natsRelayImpl) Forward(_ context.Context, msg common.Message) error {
	payload, err := json.Marshal(&relayEnvelope{InstanceID: r.instanceID, Message: msg})
	if err != nil {
		return err
	}
	return r.client.NATs().Publish(fmt.Sprintf("%s.%s", r.prefix, msg.Subject), payload)
}

// receive handle one relayed message
func (r *natsRelayImpl) receive(natsMsg *nats.Msg) {
	var envelope relayEnvelope
	if err := json.Unmarshal(natsMsg.Data, &envelope); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Dropping undecodable relay message on %s", natsMsg.Subject,
		)
		return
	}
	if envelope.InstanceID == r.instanceID {
		return
	}
	if err := r.validate.Struct(&envelope); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Dropping invalid relay message on %s", natsMsg.Subject,
		)
		return
	}
	if err := common.ValidateSubjectName(envelope.Message.Subject); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Dropping relay message")
		return
	}
	receipt := r.deliver(envelope.Message)
	log.WithFields(r.LogTags).Debugf(
		"Relayed %s from %s to %d local subscribers",
		envelope.Message.String(), envelope.InstanceID, receipt.Delivered,
	)
}

// Start begin receiving messages relayed by other instances
func (r *natsRelayImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	sub, err := r.client.NATs().Subscribe(fmt.Sprintf("%s.>", r.prefix), r.receive)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to subscribe to relay subjects")
		return err
	}
	log.WithFields(r.LogTags).Infof("Relaying on %s.>", r.prefix)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Relay unsubscribe failed")
		} else {
			log.WithFields(r.LogTags).Info("Stopped relay")
		}
	}()
	return nil
}
