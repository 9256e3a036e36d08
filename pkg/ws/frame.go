// Package ws 实现 RFC6455 帧编解码与握手
package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrIncomplete    = errors.New("frame incomplete")
	ErrInvalidOpCode = errors.New("invalid opcode")
	ErrUnmaskedFrame = errors.New("client frame is not masked")
)

// OpCode 帧操作码（4位）
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xa
)

// IsValid 判断操作码是否为已定义的六种之一
func (c OpCode) IsValid() bool {
	switch c {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// IsControl 控制帧的最高位为1
func (c OpCode) IsControl() bool {
	return c&0x8 != 0
}

// IsData 数据帧的最高位为0
func (c OpCode) IsData() bool {
	return c&0x8 == 0
}

func (c OpCode) String() string {
	switch c {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(c))
	}
}

// 关闭状态码
const (
	StatusNormalClosure uint16 = 1000
	StatusProtocolError uint16 = 1002
)

const (
	bit0 = 0x80

	len7  = 125
	len16 = 65535
)

// Frame 一个完整的WebSocket帧
type Frame struct {
	Fin     bool
	OpCode  OpCode
	Payload []byte
}

// ParseFrame 从buf头部解析一个客户端帧，返回帧和消耗的字节数。
//
// 数据不足时返回 ErrIncomplete，调用方应保留buf并在下次读取后重试。
// 操作码未定义时返回 ErrInvalidOpCode，同时返回该帧的完整长度以便跳过。
// 64位长度字段只取低32位。
func ParseFrame(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrIncomplete
	}

	fin := buf[0]&bit0 != 0
	op := OpCode(buf[0] & 0x0f)
	if buf[1]&bit0 == 0 {
		return Frame{}, 0, ErrUnmaskedFrame
	}

	offset := 2
	length := uint64(buf[1] & 0x7f)
	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, ErrIncomplete
		}
		length = uint64(uint32(binary.BigEndian.Uint64(buf[offset:])))
		offset += 8
	}

	if len(buf) < offset+4 {
		return Frame{}, 0, ErrIncomplete
	}
	var mask [4]byte
	copy(mask[:], buf[offset:offset+4])
	offset += 4

	if uint64(len(buf)-offset) < length {
		return Frame{}, 0, ErrIncomplete
	}
	total := offset + int(length)

	if !op.IsValid() {
		return Frame{}, total, ErrInvalidOpCode
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:total])
	Cipher(payload, mask, 0)

	return Frame{Fin: fin, OpCode: op, Payload: payload}, total, nil
}

// BuildFrame 构造服务端帧（不带掩码）
func BuildFrame(fin bool, op OpCode, payload []byte) []byte {
	n := len(payload)
	out := make([]byte, 0, headerSize(n)+n)

	b0 := byte(op) & 0x0f
	if fin {
		b0 |= bit0
	}
	out = append(out, b0)

	switch {
	case n <= len7:
		out = append(out, byte(n))
	case n <= len16:
		out = append(out, 126)
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, 127)
		out = binary.BigEndian.AppendUint64(out, uint64(uint32(n)))
	}

	return append(out, payload...)
}

// NewCloseFrame 构造带状态码的关闭帧
func NewCloseFrame(code uint16) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], code)
	return BuildFrame(true, OpClose, p[:])
}

// MaskFrame 将服务端格式的帧转换为客户端格式：置掩码位、插入掩码并加密载荷。
// 输入必须是 BuildFrame 的输出。
func MaskFrame(frame []byte, mask [4]byte) []byte {
	if len(frame) < 2 {
		return nil
	}
	hdr := 2
	switch frame[1] & 0x7f {
	case 126:
		hdr += 2
	case 127:
		hdr += 8
	}
	if len(frame) < hdr {
		return nil
	}

	out := make([]byte, 0, len(frame)+4)
	out = append(out, frame[:hdr]...)
	out[1] |= bit0
	out = append(out, mask[:]...)
	start := len(out)
	out = append(out, frame[hdr:]...)
	Cipher(out[start:], mask, 0)
	return out
}

func headerSize(n int) int {
	switch {
	case n <= len7:
		return 2
	case n <= len16:
		return 4
	default:
		return 10
	}
}
