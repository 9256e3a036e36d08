package ws

import (
	"bytes"
	"testing"
)

// TestComputeAccept RFC6455 1.3 节的示例
func TestComputeAccept(t *testing.T) {
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("ComputeAccept = %q", got)
	}
	if ComputeAccept("  dGhlIHNhbXBsZSBub25jZQ== ") != got {
		t.Error("client key should be trimmed")
	}
}

func TestHeaderEnd(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", -1},
		{"GET / HTTP/1.1\r\nHost: x\r\n", -1},
		{"GET / HTTP/1.1\r\n\r\n", 18},
		{"GET / HTTP/1.1\r\n\r\nGET", 18},
	}
	for _, tt := range tests {
		if got := HeaderEnd([]byte(tt.in)); got != tt.want {
			t.Errorf("HeaderEnd(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseUpgrade(t *testing.T) {
	tests := []struct {
		name string
		head string
		key  string
		ok   bool
	}{
		{
			name: "valid",
			head: "GET /chat HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: abc== \r\n\r\n",
			key:  "abc==",
			ok:   true,
		},
		{
			name: "missing upgrade",
			head: "GET / HTTP/1.1\r\nSec-WebSocket-Key: abc==\r\n\r\n",
		},
		{
			name: "case sensitive upgrade",
			head: "GET / HTTP/1.1\r\nupgrade: WebSocket\r\nSec-WebSocket-Key: abc==\r\n\r\n",
		},
		{
			name: "missing key",
			head: "GET / HTTP/1.1\r\nUpgrade: websocket\r\n\r\n",
		},
		{
			name: "empty key",
			head: "GET / HTTP/1.1\r\nUpgrade: websocket\r\nSec-WebSocket-Key:   \r\n\r\n",
		},
		{
			name: "plain request",
			head: "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := ParseUpgrade([]byte(tt.head))
			if ok != tt.ok || key != tt.key {
				t.Errorf("got (%q, %v), want (%q, %v)", key, ok, tt.key, tt.ok)
			}
		})
	}
}

func TestAcceptResponse(t *testing.T) {
	got := AcceptResponse("s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	want := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"
	if string(got) != want {
		t.Errorf("got %q", got)
	}
}

func TestPlainResponse(t *testing.T) {
	if !bytes.HasSuffix(PlainResponse, []byte("\r\n\r\nHello")) {
		t.Errorf("unexpected body: %q", PlainResponse)
	}
	if !bytes.Contains(PlainResponse, []byte("Connection: keep-alive\r\n")) {
		t.Error("missing keep-alive header")
	}
}
