package dataplane

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alwitt/stormgate/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDeliveryQueue(t *testing.T) {
	assert := assert.New(t)

	makeDelivery := func(idx int) common.Delivery {
		return common.Delivery{
			Message: &common.Message{ID: fmt.Sprintf("msg-%d", idx)},
			Frame:   []byte(fmt.Sprintf("frame-%d", idx)),
		}
	}

	// Case 0: disconnect policy
	{
		overflows := 0
		uut := newDeliveryQueue(2, common.OverflowDisconnect, nil, func() { overflows++ })
		assert.Nil(uut.push(makeDelivery(0)))
		assert.Nil(uut.push(makeDelivery(1)))
		assert.Equal(2, uut.pending())
		err := uut.push(makeDelivery(2))
		assert.True(errors.Is(err, common.ErrSlowConsumer))
		assert.Equal(1, overflows)
		// Already closed, no second overflow
		err = uut.push(makeDelivery(3))
		assert.True(errors.Is(err, common.ErrClosed))
		assert.Equal(1, overflows)
		// Accepted deliveries stay in order
		assert.Equal("msg-0", (<-uut.items).Message.ID)
		assert.Equal("msg-1", (<-uut.items).Message.ID)
	}

	// Case 1: drop oldest policy
	{
		dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "ut_dropped"})
		uut := newDeliveryQueue(2, common.OverflowDropOldest, dropped, func() {
			assert.Fail("drop oldest never overflows")
		})
		for itr := 0; itr < 5; itr++ {
			assert.Nil(uut.push(makeDelivery(itr)))
		}
		assert.Equal(2, uut.pending())
		assert.Equal(3.0, testutil.ToFloat64(dropped))
		assert.Equal("msg-3", (<-uut.items).Message.ID)
		assert.Equal("msg-4", (<-uut.items).Message.ID)
	}

	// Case 2: shutdown
	{
		uut := newDeliveryQueue(2, common.OverflowDisconnect, nil, nil)
		uut.shutdown()
		assert.True(errors.Is(uut.push(makeDelivery(0)), common.ErrClosed))
	}
}

func TestConnectionStateNames(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("connecting", StateConnecting.String())
	assert.Equal("authenticating", StateAuthenticating.String())
	assert.Equal("open", StateOpen.String())
	assert.Equal("closing", StateClosing.String())
	assert.Equal("closed", StateClosed.String())
	assert.Equal("unknown(9)", ConnectionState(9).String())
}
