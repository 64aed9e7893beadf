// Package wt WebTransport 传输
//
// 客户端只使用一个双向流，每帧由 5 字节帧头（4 字节大端长度 + 1 字节帧类型）和 JSON 信封组成。
package wt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// 帧头大小：4 bytes length + 1 byte frame type
	FrameHeaderSize = 5

	FrameTypeRequest  byte = 2 // 上行事件
	FrameTypeResponse byte = 4 // 下行事件
)

var ErrFrameTooLarge = errors.New("frame exceeds max size")

// WriteFrame 帧头和帧体一次写出
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	buf[4] = frameType
	copy(buf[FrameHeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame 读取一帧，maxSize 为 0 时不限制长度
func ReadFrame(r io.Reader, maxSize uint32) (byte, []byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	frameType := header[4]
	if maxSize > 0 && length > maxSize {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameType, body, nil
}
