package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestPostgresStore(t *testing.T) {
	dsn := common.GetUnitTestPostgresDSN()
	if dsn == "" {
		t.Skip("UNITTEST_POSTGRES_DSN not set")
	}
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	uut, err := GetPostgresStore(utCtxt, PostgresParams{DSN: dsn, MaxConns: 4}, "ut-postgres-store")
	assert.Nil(t, err)
	defer uut.Close()

	// Applying the schema twice is harmless
	again, err := GetPostgresStore(utCtxt, PostgresParams{DSN: dsn}, "ut-postgres-store-2")
	assert.Nil(t, err)
	again.Close()

	exerciseStore(t, uut)
}

func TestRedisPresence(t *testing.T) {
	addr := common.GetUnitTestRedisAddr()
	if addr == "" {
		t.Skip("UNITTEST_REDIS_ADDR not set")
	}
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	uut, closer, err := GetRedisPresence(
		utCtxt, RedisParams{Addr: addr, KeyPrefix: "ut-presence:"}, "ut-redis-presence",
	)
	assert.Nil(t, err)
	defer func() {
		assert.Nil(t, closer())
	}()

	exercisePresence(t, uut)
}
