// Package server 进程内回环服务核心：实现客户端引擎所依赖的完整契约语义
// （会话与踢人、会话内单调序、历史与撤回窗口、回执聚合、房间/群组/呼叫/好友注册表）。
// 既作为 loopbackd 的核心挂在 WebSocket 网关之后，也可经内存管道直连用于联调。
package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-imsdk/errs"
	"go-imsdk/internal/conn"
	"go-imsdk/internal/logx"
	"go-imsdk/internal/metrics"
	"go-imsdk/internal/protocol"
)

// SendLimiter 上行发送限流（可选，Redis 令牌桶实现见 ratelimit.go）。
type SendLimiter interface {
	Allow(key string) bool
}

// Options 核心参数。
type Options struct {
	// TokenVerifier 为空时仅要求 token 非空（管道直连联调用）
	TokenVerifier func(userID, token string) *errs.Error

	RevokeWindow   time.Duration // 可撤回时间窗，默认 2 分钟
	HistoryPageMax int           // 单页历史上限，默认 100
	CallTimeoutMax int           // 呼叫超时秒数上限，默认 600

	Bus     Bus         // 默认内存 hub
	Export  *Exporter   // 可选：消息事件导出 Kafka
	Limiter SendLimiter // 可选：发送限流

	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.RevokeWindow <= 0 {
		o.RevokeWindow = 2 * time.Minute
	}
	if o.HistoryPageMax <= 0 {
		o.HistoryPageMax = 100
	}
	if o.CallTimeoutMax <= 0 {
		o.CallTimeoutMax = 600
	}
	if o.Bus == nil {
		o.Bus = NewMemoryBus()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Core 回环核心。
type Core struct {
	mu   sync.Mutex
	opts Options

	sessions map[string]*session // userID → 唯一活跃会话
	convs    map[convKey]*convLog
	rooms    map[string]*room
	groups   map[string]*group
	calls    map[string]*call
	social   *socialRegistry
}

func NewCore(opts Options) *Core {
	opts.withDefaults()
	return &Core{
		opts:     opts,
		sessions: make(map[string]*session),
		convs:    make(map[convKey]*convLog),
		rooms:    make(map[string]*room),
		groups:   make(map[string]*group),
		calls:    make(map[string]*call),
		social:   newSocialRegistry(),
	}
}

// session 一条已登录连接。
type session struct {
	id     string
	userID string
	conn   conn.Conn
	core   *Core

	mu      sync.Mutex
	closed  bool
	uploads map[string][]byte // localMsgID → 已收分片拼接
	unsub   func()
}

// Serve 接管一条连接：首帧必须是登录，此后逐帧处理直到连接关闭。
// 阻塞运行，调用方负责为每条连接开协程。
func (c *Core) Serve(cn conn.Conn) {
	first, err := cn.ReadFrame()
	if err != nil {
		_ = cn.Close()
		return
	}
	s, loginErr := c.login(cn, first)
	if loginErr != nil {
		_ = cn.WriteFrame(protocol.ReplyErr(first, loginErr))
		_ = cn.Close()
		return
	}
	_ = cn.WriteFrame(protocol.ReplyOK(first, &protocol.LoginReply{ServerTime: c.opts.Now().UnixMilli()}))

	for {
		f, err := cn.ReadFrame()
		if err != nil {
			c.dropSession(s, false)
			return
		}
		metrics.ServerFramesTotal.WithLabelValues(f.Cmd).Inc()
		c.handle(s, f)
	}
}

func (c *Core) login(cn conn.Conn, f *protocol.Frame) (*session, *errs.Error) {
	if f.Cmd != protocol.CmdLogin {
		return nil, errs.New(errs.CodeNoSession, "first frame must be login")
	}
	var req protocol.LoginRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" || req.Token == "" {
		return nil, errs.New(errs.CodeInvalidParam, "userId and token required")
	}
	if c.opts.TokenVerifier != nil {
		if verr := c.opts.TokenVerifier(req.UserID, req.Token); verr != nil {
			return nil, verr
		}
	}

	s := &session{
		id:      uuid.NewString(),
		userID:  req.UserID,
		conn:    cn,
		core:    c,
		uploads: make(map[string][]byte),
	}

	c.mu.Lock()
	old := c.sessions[req.UserID]
	c.sessions[req.UserID] = s
	c.mu.Unlock()

	// 同账号新登录：旧会话收到被踢通知后关闭（resume 重连除外，旧连接已死）
	if old != nil && !req.Resume {
		old.write(protocol.NewPush(protocol.PushKickedOut, &protocol.KickedOutPush{Reason: "logged in elsewhere"}))
		old.close()
	} else if old != nil {
		old.close()
	}

	s.unsub = c.opts.Bus.Subscribe(req.UserID, s.write)
	logx.Infof("server: user %s logged in session=%s resume=%v", req.UserID, s.id, req.Resume)
	return s, nil
}

func (c *Core) dropSession(s *session, kicked bool) {
	c.mu.Lock()
	if c.sessions[s.userID] == s {
		delete(c.sessions, s.userID)
	}
	c.mu.Unlock()
	s.close()
	if !kicked {
		// 断开连接即退出其加入的所有房间（房间随连接存活）
		c.leaveAllRooms(s.userID)
	}
	logx.Infof("server: user %s disconnected session=%s", s.userID, s.id)
}

// Online 用户是否有活跃会话。
func (c *Core) Online(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[userID] != nil
}

func (s *session) write(f *protocol.Frame) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.conn.WriteFrame(f); err != nil {
		logx.Warnf("server: write to %s: %v", s.userID, err)
	}
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	_ = s.conn.Close()
}

// push 给某用户投递推送帧（经 Bus，跨实例透明）。
func (c *Core) push(userID string, name string, data interface{}) {
	c.opts.Bus.Publish(userID, protocol.NewPush(name, data))
}

func (c *Core) handle(s *session, f *protocol.Frame) {
	var reply *protocol.Frame
	switch f.Cmd {
	case protocol.CmdRenewToken:
		reply = c.handleRenewToken(s, f)
	case protocol.CmdSendMessage:
		reply = c.handleSendMessage(s, f)
	case protocol.CmdUploadChunk:
		c.handleUploadChunk(s, f)
		return // 分片不应答，由随后的 send_message 统一确认
	case protocol.CmdRevokeMessage:
		reply = c.handleRevoke(s, f)
	case protocol.CmdReadReceipt:
		reply = c.handleReadReceipt(s, f)
	case protocol.CmdQueryHistory:
		reply = c.handleQueryHistory(s, f)
	case protocol.CmdDeleteConv:
		reply = c.handleDeleteConv(s, f)
	case protocol.CmdDeleteAllConv:
		reply = protocol.ReplyOK(f, nil)

	case protocol.CmdCreateRoom, protocol.CmdJoinRoom, protocol.CmdEnterRoom:
		reply = c.handleRoomEnter(s, f)
	case protocol.CmdLeaveRoom:
		reply = c.handleRoomLeave(s, f)
	case protocol.CmdQueryRoomMembers:
		reply = c.handleRoomMembers(s, f)
	case protocol.CmdQueryRoomMemberList:
		reply = c.handleRoomMemberList(s, f)
	case protocol.CmdSetRoomAttributes:
		reply = c.handleRoomSetAttrs(s, f)
	case protocol.CmdDelRoomAttributes:
		reply = c.handleRoomDelAttrs(s, f)
	case protocol.CmdQueryRoomAttributes:
		reply = c.handleRoomQueryAttrs(s, f)

	case protocol.CmdCreateGroup:
		reply = c.handleCreateGroup(s, f)
	case protocol.CmdJoinGroup:
		reply = c.handleJoinGroup(s, f)
	case protocol.CmdLeaveGroup:
		reply = c.handleLeaveGroup(s, f)
	case protocol.CmdDismissGroup:
		reply = c.handleDismissGroup(s, f)
	case protocol.CmdInviteGroupMembers:
		reply = c.handleInviteGroupMembers(s, f)
	case protocol.CmdKickGroupMembers:
		reply = c.handleKickGroupMembers(s, f)
	case protocol.CmdMuteGroup:
		reply = c.handleMuteGroup(s, f)
	case protocol.CmdMuteGroupMembers:
		reply = c.handleMuteGroupMembers(s, f)
	case protocol.CmdSetGroupMemberRole:
		reply = c.handleSetGroupMemberRole(s, f)
	case protocol.CmdSetGroupName, protocol.CmdSetGroupNotice:
		reply = c.handleSetGroupText(s, f)
	case protocol.CmdSetGroupAttributes, protocol.CmdDelGroupAttributes:
		reply = c.handleGroupAttrsWrite(s, f)
	case protocol.CmdQueryGroupAttributes:
		reply = c.handleGroupAttrsQuery(s, f)
	case protocol.CmdQueryGroupList:
		reply = c.handleQueryGroupList(s, f)
	case protocol.CmdQueryGroupMemberList:
		reply = c.handleGroupMemberList(s, f)

	case protocol.CmdCallInvite:
		reply = c.handleCallInvite(s, f)
	case protocol.CmdCallCancel, protocol.CmdCallAccept, protocol.CmdCallReject,
		protocol.CmdCallQuit, protocol.CmdCallEnd, protocol.CmdCallingInv:
		reply = c.handleCallControl(s, f)
	case protocol.CmdCallJoin:
		reply = c.handleCallJoin(s, f)

	case protocol.CmdFriendAdd:
		reply = c.handleFriendAdd(s, f)
	case protocol.CmdFriendApply:
		reply = c.handleFriendApply(s, f)
	case protocol.CmdFriendAccept, protocol.CmdFriendReject:
		reply = c.handleFriendRespond(s, f)
	case protocol.CmdFriendDelete:
		reply = c.handleFriendDelete(s, f)
	case protocol.CmdFriendList:
		reply = c.handleFriendList(s, f)
	case protocol.CmdBlacklistAdd, protocol.CmdBlacklistDel:
		reply = c.handleBlacklistWrite(s, f)
	case protocol.CmdBlacklistCheck:
		reply = c.handleBlacklistCheck(s, f)

	default:
		reply = protocol.ReplyErr(f, errs.Newf(errs.CodeInvalidParam, "unknown command %q", f.Cmd))
	}
	if reply != nil {
		s.write(reply)
	}
}

func (c *Core) handleRenewToken(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.RenewTokenRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if c.opts.TokenVerifier != nil {
		if verr := c.opts.TokenVerifier(s.userID, req.Token); verr != nil {
			return protocol.ReplyErr(f, verr)
		}
	} else if req.Token == "" {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "token required"))
	}
	return protocol.ReplyOK(f, nil)
}

func unmarshal(data []byte, v interface{}) *errs.Error {
	if len(data) == 0 {
		return errs.New(errs.CodeInvalidParam, "empty request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Newf(errs.CodeInvalidParam, "bad request body: %v", err)
	}
	return nil
}
