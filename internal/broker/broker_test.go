package broker_test

import (
	"testing"
	"time"

	"github.com/iencode/iencode/internal/broker"
	"github.com/stretchr/testify/assert"
)

func Test_Connect_InvalidURL(t *testing.T) {
	_, err := broker.Connect(broker.Config{RedisURL: "not-a-redis-url"})
	assert.Error(t, err)
}

func Test_Connect_Unreachable(t *testing.T) {
	// Port 1 is never a redis server; the connectivity probe must surface
	// the failure rather than handing back a client that errors later.
	_, err := broker.Connect(broker.Config{RedisURL: "redis://127.0.0.1:1/0"})
	assert.ErrorContains(t, err, "broker unreachable")
}

func Test_RetryDelay(t *testing.T) {
	tests := []struct {
		retried  int
		expected time.Duration
	}{
		{0, time.Second * 60},
		{1, time.Second * 60},
		{2, time.Second * 120},
		{3, time.Second * 240},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, broker.RetryDelay(tt.retried, nil, nil),
			"unexpected delay after %d retries", tt.retried)
	}
}
