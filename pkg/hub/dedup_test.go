package hub

import (
	"testing"
	"time"
)

func TestMessageDeduplicator(t *testing.T) {
	d := NewMessageDeduplicator(time.Minute)

	if d.IsDuplicate("a") {
		t.Error("unseen id reported as duplicate")
	}
	d.MarkProcessed("a")
	if !d.IsDuplicate("a") {
		t.Error("processed id not reported as duplicate")
	}
}

func TestMessageDeduplicator_Expiry(t *testing.T) {
	d := NewMessageDeduplicator(10 * time.Millisecond)
	d.MarkProcessed("a")
	d.MarkProcessed("b")

	time.Sleep(20 * time.Millisecond)

	if d.IsDuplicate("a") {
		t.Error("expired id still reported as duplicate")
	}

	d.cleanExpired(0)
	if d.Len() != 0 {
		t.Errorf("Len = %d after cleanup, want 0", d.Len())
	}
}
