package nats

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/chenxilol/wscast/pkg/bus"
)

// startNatsServer 启动本地nats-server，未安装时跳过测试
func startNatsServer(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("nats-server"); err != nil {
		t.Skip("nats-server not found in PATH, skipping test")
	}

	port, err := freePort()
	if err != nil {
		t.Fatalf("Failed to get free port: %v", err)
	}

	cmd := exec.Command("nats-server", "-p", strconv.Itoa(port))
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start nats-server: %v", err)
	}
	t.Cleanup(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(os.Interrupt)
			_ = cmd.Wait()
		}
	})

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", addr); err == nil {
			c.Close()
			return "nats://" + addr
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("nats-server did not start")
	return ""
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func newTestBus(t *testing.T, url string) *NatsBus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URLs = []string{url}
	nb, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create NatsBus: %v", err)
	}
	t.Cleanup(func() { nb.Close() })
	return nb
}

func TestNatsBus_PublishSubscribe(t *testing.T) {
	url := startNatsServer(t)
	a := newTestBus(t, url)
	b := newTestBus(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "broadcast")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := a.Publish(ctx, "broadcast", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-ch:
		if string(got) != "hello" {
			t.Errorf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNatsBus_Unsubscribe(t *testing.T) {
	url := startNatsServer(t)
	nb := newTestBus(t, url)

	ch, err := nb.Subscribe(context.Background(), "broadcast")
	if err != nil {
		t.Fatal(err)
	}
	if err := nb.Unsubscribe("broadcast"); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
}

func TestNatsBus_EmptyTopicAndClose(t *testing.T) {
	url := startNatsServer(t)
	nb := newTestBus(t, url)
	ctx := context.Background()

	if err := nb.Publish(ctx, "", nil); !errors.Is(err, bus.ErrTopicEmpty) {
		t.Errorf("Publish: %v", err)
	}
	if _, err := nb.Subscribe(ctx, ""); !errors.Is(err, bus.ErrTopicEmpty) {
		t.Errorf("Subscribe: %v", err)
	}

	if err := nb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := nb.Publish(ctx, "broadcast", nil); !errors.Is(err, bus.ErrBusClosed) {
		t.Errorf("Publish after Close: %v", err)
	}
	if err := nb.Close(); err != nil {
		t.Errorf("duplicate Close: %v", err)
	}
}

func TestNew_NoServer(t *testing.T) {
	cfg := DefaultConfig()
	port, err := freePort()
	if err != nil {
		t.Fatal(err)
	}
	cfg.URLs = []string{fmt.Sprintf("nats://127.0.0.1:%d", port)}
	cfg.ConnectTimeout = 200 * time.Millisecond

	if _, err := New(cfg); err == nil {
		t.Fatal("expected connection error")
	}
}
