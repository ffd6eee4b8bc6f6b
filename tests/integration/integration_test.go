// Package integration drives a real redisd master and a real redisd replica
// over actual TCP sockets, using github.com/redis/go-redis/v9 as the client
// — the same driver the teacher project used to talk to Dragonfly/Redis —
// instead of hitting the engine package directly, so the wire framing and
// the accept loop are exercised end to end.
package integration

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"redisd/internal/config"
	"redisd/internal/server"
)

// freePort asks the OS for an ephemeral port and immediately releases it;
// good enough for a test harness where the listener binds moments later.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startServer(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx, cfg)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForPort(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server on port %d never became reachable", port)
}

func TestPingSetGet(t *testing.T) {
	port := freePort(t)
	startServer(t, &config.Config{Port: port, LogDir: t.TempDir(), LogLevel: "error"})
	waitForPort(t, port)

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:" + strconv.Itoa(port)})
	defer client.Close()

	require.Equal(t, "PONG", client.Ping(ctx).Val())
	require.NoError(t, client.Set(ctx, "greeting", "hello", 0).Err())
	require.Equal(t, "hello", client.Get(ctx, "greeting").Val())
	require.Equal(t, redis.Nil, client.Get(ctx, "missing").Err())
}

func TestIncrAndType(t *testing.T) {
	port := freePort(t)
	startServer(t, &config.Config{Port: port, LogDir: t.TempDir(), LogLevel: "error"})
	waitForPort(t, port)

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:" + strconv.Itoa(port)})
	defer client.Close()

	require.Equal(t, int64(1), client.Incr(ctx, "hits").Val())
	require.Equal(t, int64(2), client.Incr(ctx, "hits").Val())
	require.Equal(t, "string", client.Type(ctx, "hits").Val())
	require.Equal(t, "none", client.Type(ctx, "absent").Val())
}

func TestMultiExec(t *testing.T) {
	port := freePort(t)
	startServer(t, &config.Config{Port: port, LogDir: t.TempDir(), LogLevel: "error"})
	waitForPort(t, port)

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:" + strconv.Itoa(port)})
	defer client.Close()

	pipe := client.TxPipeline()
	pipe.Set(ctx, "a", "1", 0)
	pipe.Set(ctx, "b", "2", 0)
	_, err := pipe.Exec(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", client.Get(ctx, "a").Val())
	require.Equal(t, "2", client.Get(ctx, "b").Val())
}

func TestXAddXRange(t *testing.T) {
	port := freePort(t)
	startServer(t, &config.Config{Port: port, LogDir: t.TempDir(), LogLevel: "error"})
	waitForPort(t, port)

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:" + strconv.Itoa(port)})
	defer client.Close()

	id1, err := client.XAdd(ctx, &redis.XAddArgs{Stream: "events", ID: "1-1", Values: map[string]interface{}{"f": "v1"}}).Result()
	require.NoError(t, err)
	require.Equal(t, "1-1", id1)

	_, err = client.XAdd(ctx, &redis.XAddArgs{Stream: "events", ID: "1-1", Values: map[string]interface{}{"f": "dup"}}).Result()
	require.Error(t, err)

	entries, err := client.XRange(ctx, "events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "1-1", entries[0].ID)
}

func TestMasterReplicaReplication(t *testing.T) {
	masterPort := freePort(t)
	startServer(t, &config.Config{Port: masterPort, LogDir: t.TempDir(), LogLevel: "error"})
	waitForPort(t, masterPort)

	replicaPort := freePort(t)
	startServer(t, &config.Config{
		Port:      replicaPort,
		LogDir:    t.TempDir(),
		LogLevel:  "error",
		ReplicaOf: "127.0.0.1 " + strconv.Itoa(masterPort),
	})
	waitForPort(t, replicaPort)

	ctx := context.Background()
	master := redis.NewClient(&redis.Options{Addr: "127.0.0.1:" + strconv.Itoa(masterPort)})
	defer master.Close()
	replica := redis.NewClient(&redis.Options{Addr: "127.0.0.1:" + strconv.Itoa(replicaPort)})
	defer replica.Close()

	require.NoError(t, master.Set(ctx, "k", "v", 0).Err())

	deadline := time.Now().Add(2 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		got = replica.Get(ctx, "k").Val()
		if got == "v" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, "v", got)

	info, err := replica.Info(ctx, "replication").Result()
	require.NoError(t, err)
	require.Contains(t, info, "role:slave")
}
