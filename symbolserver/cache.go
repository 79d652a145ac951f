package symbolserver

import (
	"context"
	"fmt"

	"github.com/gomodule/redigo/redis"
)

// redisCache memoizes symbol-server probe results in redis, keyed by the
// full candidate URL. Probes are expensive (a HEAD round-trip per
// candidate size, times however many files remain unresolved) and their
// answer never changes once the symbol server has indexed a build, so a
// resumed run should never re-ask a question it already has the answer to.
type redisCache struct {
	dial func() (redis.Conn, error)
}

// NewRedisCache dials addr ("host:port") on every call, following the same
// connect-on-demand style as pkginfo/redis.go's initRedis.
func NewRedisCache(addr string) Cache {
	return &redisCache{
		dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
}

// newRedisCacheWithDialer builds a redisCache around an arbitrary dial
// func, letting tests substitute a redigomock connection for a live one.
func newRedisCacheWithDialer(dial func() (redis.Conn, error)) *redisCache {
	return &redisCache{dial: dial}
}

func (c *redisCache) key(url string) string {
	return fmt.Sprintf("symbolserver:%s", url)
}

func (c *redisCache) Get(_ context.Context, url string) (valid bool, found bool) {
	conn, err := c.dial()
	if err != nil {
		return false, false
	}
	defer conn.Close()

	v, err := redis.Int(conn.Do("GET", c.key(url)))
	if err != nil {
		return false, false
	}
	return v != 0, true
}

func (c *redisCache) Put(_ context.Context, url string, valid bool) {
	conn, err := c.dial()
	if err != nil {
		return
	}
	defer conn.Close()

	v := 0
	if valid {
		v = 1
	}
	conn.Do("SET", c.key(url), v)
}
