// wscast-client 连接到wscast，把标准输入的每一行作为文本消息发送，并打印收到的广播
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

var (
	url = flag.String("url", "ws://localhost:60000/", "服务器地址")
	id  = flag.String("id", "client", "客户端标识，用于区分输出")
)

func main() {
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)).With("client", *id))

	c, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		slog.Error("连接失败", "url", *url, "error", err)
		os.Exit(1)
	}
	defer c.Close()
	slog.Info("已连接", "url", *url)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				slog.Info("连接已关闭", "error", err)
				return
			}
			fmt.Printf("[%s] %s\n", *id, message)
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	for {
		select {
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				closeAndWait(c, done)
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				slog.Error("发送失败", "error", err)
				return
			}
		case <-interrupt:
			closeAndWait(c, done)
			return
		}
	}
}

// closeAndWait 发送close帧并等待服务器回复
func closeAndWait(c *websocket.Conn, done <-chan struct{}) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.WriteMessage(websocket.CloseMessage, msg); err != nil {
		slog.Warn("写入关闭消息失败", "error", err)
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
