package dataplane

import (
	"sync"

	"github.com/alwitt/stormgate/common"
	"github.com/prometheus/client_golang/prometheus"
)

// deliveryQueue bounded outbound queue of one subscriber. Pushing never blocks.
type deliveryQueue struct {
	lock       sync.Mutex
	items      chan common.Delivery
	policy     string
	closed     bool
	dropped    prometheus.Counter
	onOverflow func()
}

func newDeliveryQueue(
	capacity int, policy string, dropped prometheus.Counter, onOverflow func(),
) *deliveryQueue {
	return &deliveryQueue{
		items:      make(chan common.Delivery, capacity),
		policy:     policy,
		dropped:    dropped,
		onOverflow: onOverflow,
	}
}

// push enqueue a delivery. Under the disconnect policy a full queue closes the queue,
// calls onOverflow, and fails with ErrSlowConsumer.
func (q *deliveryQueue) push(delivery common.Delivery) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return common.ErrClosed
	}
	select {
	case q.items <- delivery:
		return nil
	default:
	}
	if q.policy == common.OverflowDropOldest {
		// Only the consumer removes items, so one removal always makes room
		select {
		case <-q.items:
			if q.dropped != nil {
				q.dropped.Inc()
			}
		default:
		}
		q.items <- delivery
		return nil
	}
	q.closed = true
	if q.onOverflow != nil {
		q.onOverflow()
	}
	return common.ErrSlowConsumer
}

// shutdown refuse further pushes
func (q *deliveryQueue) shutdown() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
}

// pending deliveries waiting in the queue
func (q *deliveryQueue) pending() int {
	return len(q.items)
}
