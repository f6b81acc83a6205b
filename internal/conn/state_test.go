package conn

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/models"
)

type stateEvent struct {
	state models.ConnectionState
	event models.ConnectionEvent
}

type testHarness struct {
	states chan stateEvent
	frames chan *protocol.Frame
	expire chan int
}

func newHarness() *testHarness {
	return &testHarness{
		states: make(chan stateEvent, 16),
		frames: make(chan *protocol.Frame, 16),
		expire: make(chan int, 4),
	}
}

func (h *testHarness) options(d Dialer) Options {
	return Options{
		Dialer: d,
		Addr:   "pipe://test",
		OnStateChanged: func(s models.ConnectionState, e models.ConnectionEvent) {
			h.states <- stateEvent{s, e}
		},
		OnFrame:              func(f *protocol.Frame) { h.frames <- f },
		OnTokenWillExpire:    func(left int) { h.expire <- left },
		ReconnectMaxAttempts: 2,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		DialTimeout:          time.Second,
	}
}

func (h *testHarness) waitState(t *testing.T) stateEvent {
	t.Helper()
	select {
	case ev := <-h.states:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for state event")
		return stateEvent{}
	}
}

func (h *testHarness) waitFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

// acceptLogin 在服务端管道上应答一次登录（code 为 0 时成功）。
func acceptLogin(t *testing.T, server Conn, code int) {
	t.Helper()
	f, err := server.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.CmdLogin, f.Cmd)
	reply := &protocol.Frame{Reply: protocol.CmdLogin, Seq: f.Seq, Code: code}
	require.NoError(t, server.WriteFrame(reply))
}

func pipeDialer(serverEnds chan Conn) Dialer {
	return DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
		client, server := Pipe()
		select {
		case serverEnds <- server:
			return client, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestLoginSuccessTransitions(t *testing.T) {
	h := newHarness()
	serverEnds := make(chan Conn, 4)
	m := NewMachine(h.options(pipeDialer(serverEnds)))

	m.Login("alice", "tok", 1)
	ev := h.waitState(t)
	assert.Equal(t, models.ConnConnecting, ev.state)
	assert.Equal(t, models.ConnEventActiveLogin, ev.event)

	server := <-serverEnds
	acceptLogin(t, server, 0)

	ev = h.waitState(t)
	assert.Equal(t, models.ConnConnected, ev.state)
	assert.Equal(t, models.ConnEventSuccess, ev.event)

	f := h.waitFrame(t)
	assert.Equal(t, protocol.CmdLogin, f.Reply)
	assert.EqualValues(t, 1, f.Seq)
	assert.Zero(t, f.Code)
	assert.Equal(t, "alice", m.UserID())
}

func TestLoginRejectedByServer(t *testing.T) {
	h := newHarness()
	serverEnds := make(chan Conn, 4)
	m := NewMachine(h.options(pipeDialer(serverEnds)))

	m.Login("alice", "bad", 7)
	_ = h.waitState(t) // connecting
	acceptLogin(t, <-serverEnds, errs.CodeTokenInvalid)

	ev := h.waitState(t)
	assert.Equal(t, models.ConnDisconnected, ev.state)
	assert.Equal(t, models.ConnEventLoginFailed, ev.event)

	f := h.waitFrame(t)
	assert.EqualValues(t, 7, f.Seq)
	assert.Equal(t, errs.CodeTokenInvalid, f.Code)
	assert.Equal(t, models.ConnDisconnected, m.State())
}

func TestLoginDialFailure(t *testing.T) {
	h := newHarness()
	d := DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
		return nil, errors.New("connection refused")
	})
	m := NewMachine(h.options(d))

	m.Login("alice", "tok", 3)
	_ = h.waitState(t) // connecting
	ev := h.waitState(t)
	assert.Equal(t, models.ConnDisconnected, ev.state)

	f := h.waitFrame(t)
	assert.EqualValues(t, 3, f.Seq)
	assert.Equal(t, errs.CodeNetwork, f.Code)
}

func TestLogoutFromConnected(t *testing.T) {
	h := newHarness()
	serverEnds := make(chan Conn, 4)
	m := NewMachine(h.options(pipeDialer(serverEnds)))

	m.Login("alice", "tok", 1)
	_ = h.waitState(t)
	acceptLogin(t, <-serverEnds, 0)
	_ = h.waitState(t)
	_ = h.waitFrame(t)

	m.Logout()
	ev := h.waitState(t)
	assert.Equal(t, models.ConnDisconnected, ev.state)
	assert.Equal(t, models.ConnEventLogout, ev.event)
	assert.Empty(t, m.UserID())

	// 未登录状态发送快速失败
	sendErr := m.Send(protocol.NewRequest("x", 9, nil))
	require.NotNil(t, sendErr)
	assert.Equal(t, errs.CodeNoSession, sendErr.Code)
}

func TestReconnectAfterInterruption(t *testing.T) {
	h := newHarness()
	serverEnds := make(chan Conn, 4)
	m := NewMachine(h.options(pipeDialer(serverEnds)))

	m.Login("alice", "tok", 1)
	_ = h.waitState(t)
	server := <-serverEnds
	acceptLogin(t, server, 0)
	_ = h.waitState(t)
	_ = h.waitFrame(t)

	// 服务端断开 → reconnecting → 重连恢复
	_ = server.Close()
	ev := h.waitState(t)
	assert.Equal(t, models.ConnReconnecting, ev.state)
	assert.Equal(t, models.ConnEventInterrupted, ev.event)

	server2 := <-serverEnds
	f, err := server2.ReadFrame()
	require.NoError(t, err)
	var req protocol.LoginRequest
	require.NoError(t, json.Unmarshal(f.Data, &req))
	assert.True(t, req.Resume, "reconnect must use resume login")
	require.NoError(t, server2.WriteFrame(&protocol.Frame{Reply: protocol.CmdLogin, Seq: f.Seq}))

	ev = h.waitState(t)
	assert.Equal(t, models.ConnConnected, ev.state)
}

func TestReconnectExhaustionEndsDisconnected(t *testing.T) {
	h := newHarness()
	serverEnds := make(chan Conn, 4)
	var dialed int
	d := DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
		dialed++
		if dialed == 1 {
			client, server := Pipe()
			serverEnds <- server
			return client, nil
		}
		return nil, errors.New("network down")
	})
	m := NewMachine(h.options(d))

	m.Login("alice", "tok", 1)
	_ = h.waitState(t)
	server := <-serverEnds
	acceptLogin(t, server, 0)
	_ = h.waitState(t)
	_ = h.waitFrame(t)

	_ = server.Close()
	ev := h.waitState(t)
	assert.Equal(t, models.ConnReconnecting, ev.state)

	ev = h.waitState(t)
	assert.Equal(t, models.ConnDisconnected, ev.state)
	assert.Equal(t, models.ConnEventReconnectFailed, ev.event)
}

func TestTokenWillExpireNotification(t *testing.T) {
	h := newHarness()
	serverEnds := make(chan Conn, 4)
	opts := h.options(pipeDialer(serverEnds))
	opts.TokenExpireAdvance = time.Hour // 提前量大于剩余时长，连接后立即提醒
	m := NewMachine(opts)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	m.Login("alice", token, 1)
	_ = h.waitState(t)
	acceptLogin(t, <-serverEnds, 0)
	_ = h.waitState(t)
	_ = h.waitFrame(t)

	select {
	case left := <-h.expire:
		assert.Greater(t, left, 0)
		assert.LessOrEqual(t, left, 60)
	case <-time.After(3 * time.Second):
		t.Fatal("token-will-expire notification not delivered")
	}
	m.Close()
}
