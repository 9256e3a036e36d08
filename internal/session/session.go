// Package session 驱动单个TCP连接：HTTP握手、普通HTTP回退、WebSocket帧分发与广播投递
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/chenxilol/wscast/internal/metrics"
	"github.com/chenxilol/wscast/pkg/hub"
	"github.com/chenxilol/wscast/pkg/ws"

	"github.com/gobwas/pool/pbytes"
)

var (
	ErrBufferOverflow = errors.New("session buffer limit exceeded")
	ErrProtocol       = errors.New("protocol error")
)

type Config struct {
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size"` // 单次读取的块大小
	MaxBufferSize  int `mapstructure:"max_buffer_size" json:"max_buffer_size"`   // 未处理数据上限，0表示不限制
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize: 4 << 10,
		MaxBufferSize:  16 << 20,
	}
}

// State 会话状态
type State int32

const (
	StateHandshaking State = iota
	StatePlainHTTP
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StatePlainHTTP:
		return "plain_http"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Session struct {
	conn net.Conn
	hub  *hub.Hub
	cfg  Config
	log  *slog.Logger

	state  atomic.Int32
	connID atomic.Uint64

	// 升级成功后设置，仅由Serve所在goroutine访问
	id  hub.ConnectionID
	sub *hub.Subscription

	wmu        sync.Mutex // 串行化对conn的写
	closeOnce  sync.Once
	writerDone chan struct{}
}

func New(conn net.Conn, h *hub.Hub, cfg Config) *Session {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultConfig().ReadBufferSize
	}
	return &Session{
		conn:       conn,
		hub:        h,
		cfg:        cfg,
		log:        slog.With("remote_addr", conn.RemoteAddr().String()),
		writerDone: make(chan struct{}),
	}
}

// ID 升级前为0
func (s *Session) ID() hub.ConnectionID {
	return hub.ConnectionID(s.connID.Load())
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Close 关闭底层连接，阻塞中的读写随之返回，Serve负责其余清理
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// Serve 运行会话直到连接关闭。ctx结束时关闭连接。
// 对端正常断开时返回nil。
func (s *Session) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()
	defer s.cleanup()

	chunk := pbytes.GetLen(s.cfg.ReadBufferSize)
	defer pbytes.Put(chunk)

	rest, err := s.handshake(chunk)
	if err != nil {
		return normalizeErr(err)
	}
	return normalizeErr(s.serveWebSocket(chunk, rest))
}

func (s *Session) cleanup() {
	s.Close()
	if s.sub != nil {
		s.hub.RemoveConnection(s.id)
		<-s.writerDone
		metrics.ClientDisconnected()
		s.log.Info("websocket connection closed")
	}
	s.setState(StateClosed)
}

// handshake 读取HTTP请求直到升级成功，返回请求头之后剩余的字节
func (s *Session) handshake(chunk []byte) ([]byte, error) {
	var buf []byte
	for {
		for {
			end := ws.HeaderEnd(buf)
			if end < 0 {
				break
			}

			if key, ok := ws.ParseUpgrade(buf[:end]); ok {
				if err := s.upgrade(key); err != nil {
					return nil, err
				}
				return buf[end:], nil
			}

			s.setState(StatePlainHTTP)
			if err := s.write(ws.PlainResponse); err != nil {
				return nil, err
			}
			metrics.HTTPRequestServed()
			buf = append(buf[:0], buf[end:]...)
			s.setState(StateHandshaking)
		}

		if s.cfg.MaxBufferSize > 0 && len(buf) > s.cfg.MaxBufferSize {
			s.log.Warn("request header too large, closing", "size", len(buf))
			return nil, ErrBufferOverflow
		}

		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// upgrade 先注册到Hub再回复101，客户端看到101时已能收到广播
func (s *Session) upgrade(key string) error {
	id, sub, err := s.hub.AddConnection()
	if err != nil {
		return err
	}
	s.id, s.sub = id, sub
	s.connID.Store(uint64(id))
	s.log = s.log.With("conn_id", id)
	s.setState(StateOpen)
	metrics.ClientConnected()

	if err := s.write(ws.AcceptResponse(ws.ComputeAccept(key))); err != nil {
		close(s.writerDone)
		return err
	}
	// 101必须先于任何广播帧写出
	go s.writeLoop()
	s.log.Info("websocket connection established")
	return nil
}

// writeLoop 把订阅收到的广播原样写出，写失败时关闭连接
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for msg := range s.sub.C() {
		if err := s.write(msg); err != nil {
			s.log.Debug("broadcast write failed", "error", err)
			s.Close()
			return
		}
		metrics.FrameSent()
	}
}

func (s *Session) serveWebSocket(chunk, buf []byte) error {
	for {
		var (
			done bool
			err  error
		)
		buf, done, err = s.processFrames(buf)
		if err != nil || done {
			return err
		}

		if s.cfg.MaxBufferSize > 0 && len(buf) > s.cfg.MaxBufferSize {
			s.log.Warn("frame too large, closing", "size", len(buf))
			return ErrBufferOverflow
		}

		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return err
		}
	}
}

// processFrames 处理buf中所有完整的帧，返回未处理的剩余字节。
// done为true表示会话应结束。
func (s *Session) processFrames(buf []byte) (rest []byte, done bool, err error) {
	offset := 0
	defer func() {
		rest = append(buf[:0], buf[offset:]...)
	}()

	for offset < len(buf) {
		f, n, err := ws.ParseFrame(buf[offset:])
		switch {
		case err == nil:
		case errors.Is(err, ws.ErrIncomplete):
			return nil, false, nil
		case errors.Is(err, ws.ErrInvalidOpCode):
			s.log.Debug("dropping frame with unknown opcode", "opcode", buf[offset]&0x0f)
			offset += n
			continue
		case errors.Is(err, ws.ErrUnmaskedFrame):
			s.log.Warn("received unmasked client frame, closing")
			metrics.RecordProtocolError()
			_ = s.write(ws.NewCloseFrame(ws.StatusProtocolError))
			return nil, true, ErrProtocol
		default:
			return nil, true, err
		}

		offset += n
		if done, err := s.dispatch(f); err != nil || done {
			return nil, true, err
		}
	}
	return nil, false, nil
}

func (s *Session) dispatch(f ws.Frame) (bool, error) {
	metrics.FrameReceived(f.OpCode.String(), len(f.Payload))

	switch f.OpCode {
	case ws.OpText, ws.OpBinary:
		n, err := s.hub.Broadcast(ws.BuildFrame(true, ws.OpText, f.Payload))
		if err != nil {
			return true, err
		}
		s.log.Debug("message broadcast", "size", len(f.Payload), "recipients", n)
	case ws.OpPing:
		if err := s.write(ws.BuildFrame(true, ws.OpPong, f.Payload)); err != nil {
			return true, err
		}
		metrics.FrameSent()
	case ws.OpClose:
		_ = s.write(ws.BuildFrame(true, ws.OpClose, nil))
		s.log.Debug("close frame received")
		return true, nil
	}
	return false, nil
}

func (s *Session) write(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(p)
	return err
}

// normalizeErr 对端断开和主动关闭不视为错误
func normalizeErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
