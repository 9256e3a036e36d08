package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestClientConnectedDisconnected(t *testing.T) {
	m := Default()
	before := testutil.ToFloat64(m.ConnectedClients)

	ClientConnected()
	ClientConnected()
	ClientDisconnected()

	if got := testutil.ToFloat64(m.ConnectedClients); got != before+1 {
		t.Errorf("connected_clients = %v, want %v", got, before+1)
	}
}

func TestFrameReceived(t *testing.T) {
	m := Default()
	before := testutil.ToFloat64(m.FramesIn.WithLabelValues("text"))

	FrameReceived("text", 10)

	if got := testutil.ToFloat64(m.FramesIn.WithLabelValues("text")); got != before+1 {
		t.Errorf("frames_in_total{opcode=text} = %v, want %v", got, before+1)
	}
}

func TestGetRegistry(t *testing.T) {
	reg := GetRegistry()
	if reg == nil {
		t.Fatal("registry is nil")
	}

	RecordBusPublishError("redis")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "wscast_bus_publish_errors_total" {
			found = true
		}
	}
	if !found {
		t.Error("wscast_bus_publish_errors_total not registered")
	}
}
