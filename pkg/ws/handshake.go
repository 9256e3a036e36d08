package ws

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// RFC6455 规定的固定GUID
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	upgradeLine = "Upgrade: websocket"
	keyPrefix   = "Sec-WebSocket-Key:"
)

var headerTerminator = []byte("\r\n\r\n")

// PlainResponse 非升级请求的固定响应，连接保持
var PlainResponse = []byte("HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 5\r\n" +
	"Connection: keep-alive\r\n\r\n" +
	"Hello")

// ComputeAccept 由客户端的 Sec-WebSocket-Key 计算 Sec-WebSocket-Accept
func ComputeAccept(clientKey string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(clientKey) + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HeaderEnd 返回第一个 \r\n\r\n 之后的偏移量，未找到时返回 -1
func HeaderEnd(buf []byte) int {
	i := bytes.Index(buf, headerTerminator)
	if i < 0 {
		return -1
	}
	return i + len(headerTerminator)
}

// ParseUpgrade 检查请求头是否为WebSocket升级请求。
//
// 需要一行完全等于 "Upgrade: websocket"（大小写敏感），以及一行以
// "Sec-WebSocket-Key:" 开头，返回去除空白后的key。
func ParseUpgrade(head []byte) (key string, ok bool) {
	var upgrade bool
	for _, line := range strings.Split(string(head), "\r\n") {
		switch {
		case line == upgradeLine:
			upgrade = true
		case strings.HasPrefix(line, keyPrefix) && key == "":
			key = strings.TrimSpace(line[len(keyPrefix):])
		}
	}
	if !upgrade || key == "" {
		return "", false
	}
	return key, true
}

// AcceptResponse 构造 101 Switching Protocols 响应
func AcceptResponse(accept string) []byte {
	var b bytes.Buffer
	b.Grow(128)
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(accept)
	b.WriteString("\r\n\r\n")
	return b.Bytes()
}
