package noop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chenxilol/wscast/pkg/bus"
)

// TestNoopBus_PublishSubscribe 发布的消息不会被投递
func TestNoopBus_PublishSubscribe(t *testing.T) {
	b := New()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, "broadcast")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := b.Publish(ctx, "broadcast", []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-ch:
		t.Error("did not expect to receive a message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoopBus_EmptyTopic(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.Publish(ctx, "", nil); !errors.Is(err, bus.ErrTopicEmpty) {
		t.Errorf("Publish: expected ErrTopicEmpty, got %v", err)
	}
	if _, err := b.Subscribe(ctx, ""); !errors.Is(err, bus.ErrTopicEmpty) {
		t.Errorf("Subscribe: expected ErrTopicEmpty, got %v", err)
	}
	if err := b.Unsubscribe(""); !errors.Is(err, bus.ErrTopicEmpty) {
		t.Errorf("Unsubscribe: expected ErrTopicEmpty, got %v", err)
	}
}

// TestNoopBus_ChannelClosedOnCancel ctx取消后channel被关闭
func TestNoopBus_ChannelClosedOnCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "broadcast")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNoopBus_Unsubscribe(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe(context.Background(), "broadcast")

	if err := b.Unsubscribe("broadcast"); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	// 重复取消订阅不报错
	if err := b.Unsubscribe("broadcast"); err != nil {
		t.Errorf("second unsubscribe: %v", err)
	}
}

func TestNoopBus_Close(t *testing.T) {
	b := New()
	ctx := context.Background()
	ch, _ := b.Subscribe(ctx, "broadcast")

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after Close")
	}
	if err := b.Publish(ctx, "broadcast", nil); !errors.Is(err, bus.ErrBusClosed) {
		t.Errorf("Publish after Close: got %v", err)
	}
	if _, err := b.Subscribe(ctx, "broadcast"); !errors.Is(err, bus.ErrBusClosed) {
		t.Errorf("Subscribe after Close: got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("duplicate Close: %v", err)
	}
}
