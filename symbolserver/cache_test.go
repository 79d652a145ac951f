package symbolserver

import (
	"context"
	"testing"

	"github.com/gomodule/redigo/redis"
	"github.com/rafaeljusto/redigomock"
)

func TestRedisCacheGetHit(t *testing.T) {
	conn := redigomock.NewConn()
	conn.Command("GET", "symbolserver:https://example.test/x").Expect(int64(1))

	c := newRedisCacheWithDialer(func() (redis.Conn, error) { return conn, nil })
	valid, found := c.Get(context.Background(), "https://example.test/x")
	if !found || !valid {
		t.Errorf("Get() = (%v, %v), want (true, true)", valid, found)
	}
}

func TestRedisCacheGetMiss(t *testing.T) {
	conn := redigomock.NewConn()
	conn.Command("GET", "symbolserver:https://example.test/x").ExpectError(redis.ErrNil)

	c := newRedisCacheWithDialer(func() (redis.Conn, error) { return conn, nil })
	_, found := c.Get(context.Background(), "https://example.test/x")
	if found {
		t.Errorf("Get() found = true, want false for a cache miss")
	}
}

func TestRedisCachePut(t *testing.T) {
	conn := redigomock.NewConn()
	cmd := conn.Command("SET", "symbolserver:https://example.test/x", 1).Expect("OK")

	c := newRedisCacheWithDialer(func() (redis.Conn, error) { return conn, nil })
	c.Put(context.Background(), "https://example.test/x", true)

	if conn.Stats(cmd) == 0 {
		t.Errorf("expected SET to be called")
	}
}
