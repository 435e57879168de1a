package storage

import (
	"context"
	"errors"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisParams Redis connection parameters
type RedisParams struct {
	Addr      string `validate:"required"`
	Password  string
	DB        int
	KeyPrefix string
}

// redisPresence Presence backed by Redis counters, shared across gateway instances
type redisPresence struct {
	common.Component
	client    *redis.Client
	keyPrefix string
}

// leaveScript decrement a counter, deleting it once it reaches zero
var leaveScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v <= 0 then
	redis.call("DEL", KEYS[1])
	return 0
end
return v
`)

// GetRedisPresence connect to Redis and define a Presence
func GetRedisPresence(
	ctxt context.Context, params RedisParams, instance string,
) (Presence, func() error, error) {
	logTags := log.Fields{
		"module": "storage", "component": "redis-presence", "instance": instance,
	}
	client := redis.NewClient(&redis.Options{
		Addr:     params.Addr,
		Password: params.Password,
		DB:       params.DB,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Redis at %s not reachable", params.Addr)
		_ = client.Close()
		return nil, nil, err
	}
	log.WithFields(logTags).Infof("Connected to Redis at %s", params.Addr)
	return &redisPresence{
		Component: common.Component{LogTags: logTags},
		client:    client,
		keyPrefix: params.KeyPrefix,
	}, client.Close, nil
}

func (p *redisPresence) key(subject string) string {
	return p.keyPrefix + subject
}

func (p *redisPresence) Join(ctxt context.Context, subject string) (int64, error) {
	return p.client.Incr(ctxt, p.key(subject)).Result()
}

func (p *redisPresence) Leave(ctxt context.Context, subject string) (int64, error) {
	return leaveScript.Run(ctxt, p.client, []string{p.key(subject)}).Int64()
}

func (p *redisPresence) Count(ctxt context.Context, subject string) (int64, error) {
	count, err := p.client.Get(ctxt, p.key(subject)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}
