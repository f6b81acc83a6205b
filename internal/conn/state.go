package conn

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-imsdk/errs"
	"go-imsdk/internal/logx"
	"go-imsdk/internal/metrics"
	"go-imsdk/internal/protocol"
	"go-imsdk/models"
)

// Options 状态机依赖与策略参数。
type Options struct {
	Dialer Dialer
	Addr   string

	// OnStateChanged 状态迁移通知（带原因标签），经引擎串行派发。
	OnStateChanged func(state models.ConnectionState, event models.ConnectionEvent)
	// OnFrame 连接期间收到的应答/推送帧；登录失败等本层合成的应答也走这里，
	// 由上层统一对账序列号。
	OnFrame func(f *protocol.Frame)
	// OnTokenWillExpire 令牌即将过期倒计时通知（秒）。
	OnTokenWillExpire func(secondsLeft int)

	// 令牌过期前多久提醒，默认 30s。
	TokenExpireAdvance time.Duration
	// 重连策略：指数退避，对调用方透明（仅状态事件可见）。
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	DialTimeout          time.Duration
}

func (o *Options) withDefaults() {
	if o.TokenExpireAdvance <= 0 {
		o.TokenExpireAdvance = 30 * time.Second
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 5
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 200 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
}

// Machine 连接状态机：disconnected → connecting → connected ⇄ reconnecting。
// - 登出从任意状态强制回到 disconnected
// - 重连在本层内部退避重试，耗尽后落回 disconnected（reconnectFailed）
// - 消息级操作不做透明重试，连接丢失时由上层结清在途请求
type Machine struct {
	mu      sync.Mutex
	opts    Options
	state   models.ConnectionState
	conn    Conn
	userID  string
	token   string
	gen     int // 连接代数；旧连接的读循环/重连循环以此识别自己已过期
	closing bool

	tokenTimer *time.Timer
	resumeCh   chan *errs.Error // 当前重连尝试的结果通道
}

func NewMachine(opts Options) *Machine {
	opts.withDefaults()
	return &Machine{opts: opts, state: models.ConnDisconnected}
}

// State 当前状态（快照）。
func (m *Machine) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID 当前登录用户（未登录为空）。
func (m *Machine) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Login 发起登录。seqID 是上层为本次登录分配的序列号；
// 无论成功失败，本层都会通过 OnFrame 送回一个对应 seqID 的 login 应答帧。
func (m *Machine) Login(userID, token string, seqID int64) {
	m.mu.Lock()
	if m.state != models.ConnDisconnected {
		m.mu.Unlock()
		m.synthesizeLoginReply(seqID, errs.New(errs.CodeInvalidParam, "already logged in or login in progress"))
		return
	}
	m.state = models.ConnConnecting
	m.userID = userID
	m.token = token
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.emitState(models.ConnConnecting, models.ConnEventActiveLogin)
	go m.dialAndLogin(gen, seqID, false)
}

// Logout 从任意状态强制断开。上层负责随后 CancelAll。
func (m *Machine) Logout() {
	m.disconnect(models.ConnEventLogout)
}

// ForceDisconnect 服务端致命事件（被踢、令牌过期等）导致的强制断开。
func (m *Machine) ForceDisconnect(event models.ConnectionEvent) {
	m.disconnect(event)
}

func (m *Machine) disconnect(event models.ConnectionEvent) {
	m.mu.Lock()
	if m.state == models.ConnDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	c := m.conn
	m.conn = nil
	m.state = models.ConnDisconnected
	m.userID = ""
	m.stopTokenTimerLocked()
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	m.emitState(models.ConnDisconnected, event)
}

// Close 销毁实例时调用，不再产生任何事件。
func (m *Machine) Close() {
	m.mu.Lock()
	m.closing = true
	m.gen++
	c := m.conn
	m.conn = nil
	m.state = models.ConnDisconnected
	m.stopTokenTimerLocked()
	m.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// Send 发送请求帧。仅 connected 状态可发；其余状态快速失败，不做静默排队。
func (m *Machine) Send(f *protocol.Frame) *errs.Error {
	m.mu.Lock()
	c := m.conn
	ok := m.state == models.ConnConnected
	m.mu.Unlock()
	if !ok || c == nil {
		return errs.ErrNoSession
	}
	if err := c.WriteFrame(f); err != nil {
		return errs.Newf(errs.CodeNetwork, "write failed: %v", err)
	}
	return nil
}

// RenewToken 更新令牌并重置过期倒计时（在服务端确认续期成功后调用）。
func (m *Machine) RenewToken(token string) {
	m.mu.Lock()
	m.token = token
	connected := m.state == models.ConnConnected
	m.mu.Unlock()
	if connected {
		m.scheduleTokenTimer(token)
	}
}

func (m *Machine) dialAndLogin(gen int, seqID int64, resume bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	c, err := m.opts.Dialer.Dial(ctx, m.opts.Addr)
	cancel()
	if err != nil {
		logx.Warnf("conn: dial failed: %v", err)
		m.loginFailed(gen, seqID, errs.Newf(errs.CodeNetwork, "dial failed: %v", err), resume)
		return
	}

	m.mu.Lock()
	userID, token := m.userID, m.token
	m.mu.Unlock()
	req := protocol.NewRequest(protocol.CmdLogin, seqID,
		&protocol.LoginRequest{UserID: userID, Token: token, Resume: resume})
	if err := c.WriteFrame(req); err != nil {
		_ = c.Close()
		m.loginFailed(gen, seqID, errs.Newf(errs.CodeNetwork, "login write failed: %v", err), resume)
		return
	}

	reply, err := c.ReadFrame()
	if err != nil || reply.Reply != protocol.CmdLogin {
		_ = c.Close()
		m.loginFailed(gen, seqID, errs.New(errs.CodeNetwork, "login handshake failed"), resume)
		return
	}
	if replyErr := reply.Err(); replyErr != nil {
		_ = c.Close()
		m.loginFailed(gen, seqID, replyErr, resume)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.closing {
		m.mu.Unlock()
		_ = c.Close()
		return
	}
	m.conn = c
	m.state = models.ConnConnected
	m.mu.Unlock()

	m.emitState(models.ConnConnected, models.ConnEventSuccess)
	if resume {
		m.notifyResume(gen, nil)
	} else if m.opts.OnFrame != nil {
		m.opts.OnFrame(reply)
	}
	m.scheduleTokenTimer(token)
	go m.readLoop(c, gen)
}

// loginFailed 处理首连/重连失败的状态落点与应答合成。
// 返回 true 表示已终结（不再继续重连）。
func (m *Machine) loginFailed(gen int, seqID int64, failErr *errs.Error, resume bool) {
	if resume {
		// 重连路径：由 reconnectLoop 根据返回的错误决定退避或放弃，这里只透传
		m.notifyResume(gen, failErr)
		return
	}
	m.mu.Lock()
	if gen != m.gen || m.closing {
		m.mu.Unlock()
		return
	}
	m.state = models.ConnDisconnected
	m.userID = ""
	m.mu.Unlock()
	m.emitState(models.ConnDisconnected, models.ConnEventLoginFailed)
	m.synthesizeLoginReply(seqID, failErr)
}

// notifyResume 把一次重连尝试的结果（nil 为成功）回传给 reconnectLoop。
func (m *Machine) notifyResume(gen int, err *errs.Error) {
	m.mu.Lock()
	ch := m.resumeCh
	stale := gen != m.gen
	m.mu.Unlock()
	if stale || ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (m *Machine) readLoop(c Conn, gen int) {
	for {
		f, err := c.ReadFrame()
		if err != nil {
			m.onReadError(gen)
			return
		}
		if m.opts.OnFrame != nil {
			m.opts.OnFrame(f)
		}
	}
}

// onReadError 连接中断：connected → reconnecting，并启动退避重连。
func (m *Machine) onReadError(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.closing || m.state != models.ConnConnected {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = models.ConnReconnecting
	m.gen++
	newGen := m.gen
	m.mu.Unlock()

	m.emitState(models.ConnReconnecting, models.ConnEventInterrupted)
	go m.reconnectLoop(newGen)
}

func (m *Machine) reconnectLoop(gen int) {
	delay := m.opts.ReconnectBaseDelay
	for attempt := 1; attempt <= m.opts.ReconnectMaxAttempts; attempt++ {
		time.Sleep(delay)
		m.mu.Lock()
		if gen != m.gen || m.closing || m.state != models.ConnReconnecting {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		metrics.ReconnectsTotal.Inc()
		ch := make(chan *errs.Error, 1)
		m.mu.Lock()
		m.resumeCh = ch
		m.mu.Unlock()
		go m.dialAndLogin(gen, 0, true)

		var attemptErr *errs.Error
		select {
		case attemptErr = <-ch:
		case <-time.After(m.opts.DialTimeout + time.Second):
			attemptErr = errs.New(errs.CodeTimeout, "reconnect attempt timed out")
		}
		m.mu.Lock()
		m.resumeCh = nil
		m.mu.Unlock()

		if attemptErr == nil {
			// dialAndLogin 已迁移到 connected
			return
		}
		// 认证类失败重试无意义，直接落回 disconnected
		if attemptErr.Code == errs.CodeTokenInvalid || attemptErr.Code == errs.CodeTokenExpired {
			m.disconnect(models.ConnEventTokenExpired)
			return
		}
		logx.Warnf("conn: reconnect attempt %d/%d failed: %v", attempt, m.opts.ReconnectMaxAttempts, attemptErr)
		delay *= 2
		if delay > m.opts.ReconnectMaxDelay {
			delay = m.opts.ReconnectMaxDelay
		}
	}
	m.disconnect(models.ConnEventReconnectFailed)
}

func (m *Machine) synthesizeLoginReply(seqID int64, err *errs.Error) {
	if m.opts.OnFrame == nil {
		return
	}
	m.opts.OnFrame(&protocol.Frame{Reply: protocol.CmdLogin, Seq: seqID, Code: err.Code, Message: err.Message})
}

func (m *Machine) emitState(state models.ConnectionState, event models.ConnectionEvent) {
	logx.Infof("conn: state=%s event=%s", state, event)
	if m.opts.OnStateChanged != nil {
		m.opts.OnStateChanged(state, event)
	}
}

// ---- 令牌过期倒计时 ----

// tokenExpiry 本地解析 JWT 的 exp（不校验签名，签名由服务端校验）。
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// scheduleTokenTimer 在过期前 TokenExpireAdvance 触发提醒；
// 调用方续期成功后 RenewToken 会重置计时。
func (m *Machine) scheduleTokenTimer(token string) {
	exp, ok := tokenExpiry(token)
	if !ok {
		return
	}
	fireIn := time.Until(exp) - m.opts.TokenExpireAdvance
	if fireIn < 0 {
		fireIn = 0
	}
	m.mu.Lock()
	m.stopTokenTimerLocked()
	gen := m.gen
	m.tokenTimer = time.AfterFunc(fireIn, func() {
		m.mu.Lock()
		stale := gen != m.gen || m.state != models.ConnConnected
		m.mu.Unlock()
		if stale {
			return
		}
		left := int(time.Until(exp).Seconds())
		if left < 0 {
			left = 0
		}
		if m.opts.OnTokenWillExpire != nil {
			m.opts.OnTokenWillExpire(left)
		}
	})
	m.mu.Unlock()
}

func (m *Machine) stopTokenTimerLocked() {
	if m.tokenTimer != nil {
		m.tokenTimer.Stop()
		m.tokenTimer = nil
	}
}
