package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/core"
	"github.com/alwitt/stormgate/metrics"
	"github.com/alwitt/stormgate/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNatsRelay(t *testing.T) {
	uri := common.GetUnitTestNatsURI()
	if uri == "" {
		t.Skip("UNITTEST_NATS_URI not set")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	type gateway struct {
		broker   Broker
		subjects registry.Registry
	}
	defineGateway := func(instanceID string) gateway {
		client, err := core.GetNatsClient(core.NATSConnectParams{
			ServerURI:      uri,
			ConnectTimeout: time.Second,
			ReconnectWait:  time.Second,
		})
		require.Nil(t, err)
		t.Cleanup(func() { client.Close(context.Background()) })
		subjects, err := registry.GetRegistry(2, instanceID)
		require.Nil(t, err)
		uut, err := GetBroker(subjects, metrics.GetCollectors(), 1024, instanceID)
		require.Nil(t, err)
		relay, err := GetNatsRelay(client, "ut.relay", instanceID, uut.DeliverLocal)
		require.Nil(t, err)
		require.Nil(t, relay.Start(utCtxt, &wg))
		uut.AttachRelay(relay)
		return gateway{broker: uut, subjects: subjects}
	}

	gw1 := defineGateway("gw-1")
	gw2 := defineGateway("gw-2")

	sub1 := newQueueSubscriber("conn-1", 8)
	sub2 := newQueueSubscriber("conn-2", 8)
	_, err := gw1.subjects.Subscribe("storm.events", sub1)
	assert.Nil(err)
	_, err = gw2.subjects.Subscribe("storm.events", sub2)
	assert.Nil(err)

	// Case 0: publish on one instance reaches subscribers on both, once each
	{
		receipt, err := gw1.broker.Publish(utCtxt, PublishRequest{
			Subject: "storm.events", Sender: "alice", Payload: []byte("across"),
		})
		assert.Nil(err)
		assert.Equal(1, receipt.Delivered)
		assert.Equal([]string{"across"}, sub1.drain())
		select {
		case delivery := <-sub2.queue:
			assert.Equal("across", string(delivery.Message.Payload))
			assert.Equal(receipt.MessageID, delivery.Message.ID)
		case <-utCtxt.Done():
			assert.Fail("relayed message not received")
		}
		// The publishing instance must not see its own relay traffic
		time.Sleep(time.Millisecond * 100)
		assert.Empty(sub1.drain())
		assert.Empty(sub2.drain())
	}

	// Case 1: invalid prefix
	{
		_, err := GetNatsRelay(nil, "bad prefix", "gw-3", gw1.broker.DeliverLocal)
		assert.NotNil(err)
	}
}
