package broker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedisAddr starts a server speaking just enough RESP to confirm a
// subscription and then stay silent, like a healthy but idle broker.
func fakeRedisAddr(t *testing.T, channel string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					switch {
					case strings.Contains(strings.ToLower(line), "hello"):
						// pretend to be a pre-RESP3 server so the client
						// falls back to RESP2 instead of waiting forever
						fmt.Fprint(conn, "-ERR unknown command 'hello'\r\n")
					case strings.Contains(strings.ToLower(line), "subscribe"):
						fmt.Fprintf(conn, "*3\r\n$9\r\nsubscribe\r\n$%d\r\n%s\r\n:1\r\n", len(channel), channel)
					case strings.Contains(strings.ToLower(line), "ping"):
						fmt.Fprint(conn, "+PONG\r\n")
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestRedisSubscription_ReceiveHonorsPollDeadline(t *testing.T) {
	addr := fakeRedisAddr(t, "rooms")
	b := &RedisBroker{client: redis.NewClient(&redis.Options{
		Addr:             addr,
		Protocol:         2,
		DisableIndentity: true,
	})}
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "rooms")
	require.NoError(t, err)
	defer sub.Close()

	pollCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = sub.Receive(pollCtx)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 2*time.Second, "receive must return near the poll deadline on an idle channel")
}

func TestRedisSubscription_ReceiveFailsFastPastDeadline(t *testing.T) {
	addr := fakeRedisAddr(t, "rooms")
	b := &RedisBroker{client: redis.NewClient(&redis.Options{
		Addr:             addr,
		Protocol:         2,
		DisableIndentity: true,
	})}
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "rooms")
	require.NoError(t, err)
	defer sub.Close()

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err = sub.Receive(expired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
