package hub

import (
	"testing"
	"time"

	hubredis "github.com/chenxilol/wscast/pkg/bus/redis"

	"github.com/alicebob/miniredis/v2"
)

func newRedisHub(t *testing.T, addr string) *Hub {
	t.Helper()

	cfg := hubredis.DefaultConfig()
	cfg.Addrs = []string{addr}
	cfg.RetryInterval = 20 * time.Millisecond

	rb, err := hubredis.New(cfg)
	if err != nil {
		t.Fatalf("failed to create redis bus: %v", err)
	}

	h := NewHub(rb, DefaultConfig())
	t.Cleanup(func() { h.Close() })
	waitReady(t, h)
	return h
}

// TestCluster_RedisBroadcast 一个节点的广播到达另一个节点的本地订阅者，且不会回环重复
func TestCluster_RedisBroadcast(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("无法启动miniredis: %v", err)
	}
	defer s.Close()

	node1 := newRedisHub(t, s.Addr())
	node2 := newRedisHub(t, s.Addr())

	_, sub1, _ := node1.AddConnection()
	_, sub2, _ := node2.AddConnection()

	if _, err := node1.Broadcast([]byte("from-node1")); err != nil {
		t.Fatal(err)
	}

	if got := string(recv(t, sub1)); got != "from-node1" {
		t.Errorf("node1 got %q", got)
	}
	if got := string(recv(t, sub2)); got != "from-node1" {
		t.Errorf("node2 got %q", got)
	}

	expectEmpty(t, sub1)
	expectEmpty(t, sub2)
}
