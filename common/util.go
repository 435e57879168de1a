package common

import (
	"os"
	"time"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// ChildLogTags copy the component's log tags with extra fields added
func (c Component) ChildLogTags(extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// Seconds convert an integer count of seconds from config into a duration
func Seconds(sec int) time.Duration {
	return time.Second * time.Duration(sec)
}

// GetUnitTestNatsURI NATS server used by unit tests, empty when not available
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}

// GetUnitTestPostgresDSN PostgreSQL DSN used by unit tests, empty when not available
func GetUnitTestPostgresDSN() string {
	return os.Getenv("UNITTEST_POSTGRES_DSN")
}

// GetUnitTestRedisAddr Redis address used by unit tests, empty when not available
func GetUnitTestRedisAddr() string {
	return os.Getenv("UNITTEST_REDIS_ADDR")
}
