// Package conn 实现连接层：传输抽象、WebSocket 拨号器、内存管道（测试/进程内回环用），
// 以及登录/登出/断线重连的连接状态机。
package conn

import (
	"context"
	"errors"
	"io"
	"sync"

	"go-imsdk/internal/protocol"
)

// Conn 一条已建立的帧传输连接。ReadFrame 由单一读循环调用；
// WriteFrame 可并发调用，实现负责串行化写。
type Conn interface {
	ReadFrame() (*protocol.Frame, error)
	WriteFrame(f *protocol.Frame) error
	Close() error
}

// Dialer 建立到接入端的连接。
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc 函数适配器。
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

func (fn DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) { return fn(ctx, addr) }

var errPipeClosed = errors.New("pipe closed")

// pipeEnd 内存管道的一端。两端共享 done，任一端 Close 即整体关闭。
type pipeEnd struct {
	in   chan *protocol.Frame
	out  chan *protocol.Frame
	done chan struct{}
	once *sync.Once
}

// Pipe 返回一对互联的内存连接端，供测试与进程内回环核心直连使用。
func Pipe() (Conn, Conn) {
	a2b := make(chan *protocol.Frame, 64)
	b2a := make(chan *protocol.Frame, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: b2a, out: a2b, done: done, once: once}
	b := &pipeEnd{in: a2b, out: b2a, done: done, once: once}
	return a, b
}

func (p *pipeEnd) ReadFrame() (*protocol.Frame, error) {
	select {
	case f, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-p.done:
		// 关闭后先排空已缓冲的帧，避免丢失对端已写入的数据
		select {
		case f := <-p.in:
			return f, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) WriteFrame(f *protocol.Frame) error {
	select {
	case <-p.done:
		return errPipeClosed
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return errPipeClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
