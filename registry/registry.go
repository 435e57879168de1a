package registry

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
)

// Subscriber a live connection which accepts deliveries
type Subscriber interface {
	// SubscriberID unique ID of the subscriber
	SubscriberID() string
	// Deliver queue a delivery without blocking. Fails with ErrSlowConsumer when the
	// subscriber could not accept it and has been closed, or ErrClosed when already closed.
	Deliver(delivery common.Delivery) error
}

// Registry maps subjects to their current set of subscribers
type Registry interface {
	// Subscribe add a subscriber to a subject. Returns false if it was already present.
	Subscribe(subject string, sub Subscriber) (bool, error)
	// Unsubscribe remove a subscriber from a subject. Returns false if it was not present.
	Unsubscribe(subject string, sub Subscriber) bool
	// Resolve snapshot of a subject's subscribers
	Resolve(subject string) []Subscriber
	// Count number of subscribers on a subject
	Count(subject string) int
	// Subjects names of all subjects with at least one subscriber
	Subjects() []string
}

type subscriberSet map[string]Subscriber

// registryShard one lock domain of the registry
type registryShard struct {
	lock     sync.RWMutex
	subjects map[string]subscriberSet
}

// shardedRegistry implements Registry with subjects spread over independently locked shards
type shardedRegistry struct {
	common.Component
	shards []*registryShard
}

// GetRegistry define a new Registry
func GetRegistry(shardCount int, instance string) (Registry, error) {
	if shardCount < 1 {
		shardCount = 1
	}
	logTags := log.Fields{
		"module": "registry", "component": "subject-registry", "instance": instance,
	}
	shards := make([]*registryShard, shardCount)
	for itr := range shards {
		shards[itr] = &registryShard{subjects: make(map[string]subscriberSet)}
	}
	return &shardedRegistry{
		Component: common.Component{LogTags: logTags},
		shards:    shards,
	}, nil
}

func (r *shardedRegistry) shardFor(subject string) *registryShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(subject))
	return r.shards[hasher.Sum32()%uint32(len(r.shards))]
}

// Subscribe add a subscriber to a subject
func (r *shardedRegistry) Subscribe(subject string, sub Subscriber) (bool, error) {
	if err := common.ValidateSubjectName(subject); err != nil {
		return false, err
	}
	shard := r.shardFor(subject)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	subs, ok := shard.subjects[subject]
	if !ok {
		subs = make(subscriberSet)
		shard.subjects[subject] = subs
	}
	if _, ok := subs[sub.SubscriberID()]; ok {
		return false, nil
	}
	subs[sub.SubscriberID()] = sub
	log.WithFields(r.LogTags).Debugf("%s subscribed to %s", sub.SubscriberID(), subject)
	return true, nil
}

// Unsubscribe remove a subscriber from a subject
func (r *shardedRegistry) Unsubscribe(subject string, sub Subscriber) bool {
	shard := r.shardFor(subject)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	subs, ok := shard.subjects[subject]
	if !ok {
		return false
	}
	if _, ok := subs[sub.SubscriberID()]; !ok {
		return false
	}
	delete(subs, sub.SubscriberID())
	if len(subs) == 0 {
		delete(shard.subjects, subject)
	}
	log.WithFields(r.LogTags).Debugf("%s unsubscribed from %s", sub.SubscriberID(), subject)
	return true
}

// Resolve snapshot of a subject's subscribers
func (r *shardedRegistry) Resolve(subject string) []Subscriber {
	shard := r.shardFor(subject)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	subs := shard.subjects[subject]
	result := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		result = append(result, sub)
	}
	return result
}

// Count number of subscribers on a subject
func (r *shardedRegistry) Count(subject string) int {
	shard := r.shardFor(subject)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	return len(shard.subjects[subject])
}

// Subjects names of all subjects with at least one subscriber
func (r *shardedRegistry) Subjects() []string {
	result := []string{}
	for _, shard := range r.shards {
		shard.lock.RLock()
		for subject := range shard.subjects {
			result = append(result, subject)
		}
		shard.lock.RUnlock()
	}
	sort.Strings(result)
	return result
}
