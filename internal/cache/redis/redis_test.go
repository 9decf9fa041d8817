package redis

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "spotbot:lock:position:SOLUSDT", joinKey("spotbot", "lock", "position:SOLUSDT"))
	assert.Equal(t, "price:SOLUSDT", joinKey("", "price", "SOLUSDT"))
}

func TestParsePrice(t *testing.T) {
	p, ts, ok := parsePrice(map[string]string{"price": "142.5", "ts": "1760000000000"})
	assert.True(t, ok)
	assert.Equal(t, 142.5, p)
	assert.Equal(t, time.UnixMilli(1760000000000), ts)

	_, _, ok = parsePrice(map[string]string{})
	assert.False(t, ok)
	_, _, ok = parsePrice(map[string]string{"price": "1"})
	assert.False(t, ok)
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.True(t, strings.Contains(slidingWindowLua, "ZREMRANGEBYSCORE"))
	assert.True(t, strings.Contains(slidingWindowLua, "return {1, count + 1}"))
}
