package server

import (
	"time"

	"github.com/google/uuid"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/models"
)

// DefaultCallTimeoutSec 未指定超时时的默认等待秒数。
const DefaultCallTimeoutSec = 60

// call 一次进行中的呼叫。瞬态，全部被邀请者进入终态且无人在通话中即销毁。
type call struct {
	info   models.CallInfo
	timers map[string]*time.Timer // 仍在 inviting 的被邀请者
}

func (c *Core) clampCallTimeout(sec int) int {
	if sec <= 0 {
		sec = DefaultCallTimeoutSec
	}
	if sec > c.opts.CallTimeoutMax {
		sec = c.opts.CallTimeoutMax
	}
	return sec
}

// inCall 用户是否是呼叫参与方（发起者或任意状态的被邀请者）。
func (cl *call) inCall(userID string) bool {
	return cl.info.Caller == userID || cl.info.InviteeByID(userID) >= 0
}

// participants 当前应收到呼叫内状态变更的用户：发起者与已接受者。
func (cl *call) participants() []string {
	out := []string{cl.info.Caller}
	for _, iv := range cl.info.Invitees {
		if iv.State == models.InviteeAccepted {
			out = append(out, iv.UserID)
		}
	}
	return out
}

func (c *Core) handleCallInvite(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.CallInviteRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if len(req.Invitees) == 0 {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "invitees required"))
	}
	timeout := c.clampCallTimeout(req.TimeoutSec)

	cl := &call{
		info: models.CallInfo{
			CallID:       uuid.NewString(),
			Caller:       s.userID,
			Inviter:      s.userID,
			Mode:         req.Mode,
			State:        models.CallStateStarted,
			TimeoutSec:   timeout,
			ExtendedData: req.ExtendedData,
			CreatedAt:    c.opts.Now().UnixMilli(),
		},
		timers: make(map[string]*time.Timer),
	}

	reply := &protocol.CallInviteReply{CallID: cl.info.CallID}
	c.mu.Lock()
	for _, id := range req.Invitees {
		if id == s.userID || cl.info.InviteeByID(id) >= 0 {
			continue
		}
		state := models.InviteeInviting
		if !c.online(id) {
			// 离线是单人失败，呼叫对其余被邀请者照常进行
			state = models.InviteeOffline
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeCallInviteeOffline, "invitee offline")})
		}
		cl.info.Invitees = append(cl.info.Invitees, models.CallInvitee{UserID: id, State: state})
	}
	c.calls[cl.info.CallID] = cl
	for _, iv := range cl.info.Invitees {
		if iv.State == models.InviteeInviting {
			c.armInviteeTimer(cl, iv.UserID, timeout)
		}
	}
	snapshot := cl.info.Clone()
	c.mu.Unlock()

	for _, iv := range snapshot.Invitees {
		if iv.State == models.InviteeInviting {
			c.push(iv.UserID, protocol.PushCallInvitation, &protocol.CallInvitationPush{Call: snapshot})
		}
	}
	c.maybeFinishCall(cl.info.CallID)
	return protocol.ReplyOK(f, reply)
}

// online 是否在线。调用方持有 c.mu。
func (c *Core) online(userID string) bool {
	return c.sessions[userID] != nil
}

// armInviteeTimer 为仍在 inviting 的被邀请者挂超时。调用方持有 c.mu。
func (c *Core) armInviteeTimer(cl *call, userID string, timeoutSec int) {
	callID := cl.info.CallID
	cl.timers[userID] = time.AfterFunc(time.Duration(timeoutSec)*time.Second, func() {
		c.transitionInvitee(callID, userID, models.InviteeTimeout)
		c.maybeFinishCall(callID)
	})
}

// transitionInvitee 把被邀请者迁入目标状态并广播；终态不被覆盖。
func (c *Core) transitionInvitee(callID, userID string, state models.CallInviteeState) bool {
	c.mu.Lock()
	cl, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	i := cl.info.InviteeByID(userID)
	if i < 0 || cl.info.Invitees[i].State.Terminal() {
		c.mu.Unlock()
		return false
	}
	cl.info.Invitees[i].State = state
	if t := cl.timers[userID]; t != nil {
		t.Stop()
		delete(cl.timers, userID)
	}
	targets := cl.participants()
	c.mu.Unlock()

	push := &protocol.CallInviteePush{CallID: callID, UserID: userID, State: state}
	for _, t := range targets {
		c.push(t, protocol.PushCallInvitee, push)
	}
	if state != models.InviteeAccepted {
		c.push(userID, protocol.PushCallInvitee, push)
	}
	return true
}

// maybeFinishCall 全员终态或退出且无人接通时销毁呼叫。
func (c *Core) maybeFinishCall(callID string) {
	c.mu.Lock()
	cl, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, iv := range cl.info.Invitees {
		if iv.State == models.InviteeInviting || iv.State == models.InviteeAccepted {
			c.mu.Unlock()
			return
		}
	}
	caller := cl.info.Caller
	c.dropCallLocked(cl)
	c.mu.Unlock()

	c.push(caller, protocol.PushCallEnded, &protocol.CallEndedPush{CallID: callID})
}

// dropCallLocked 停掉全部计时器并移除呼叫。调用方持有 c.mu。
func (c *Core) dropCallLocked(cl *call) {
	for _, t := range cl.timers {
		t.Stop()
	}
	cl.timers = make(map[string]*time.Timer)
	cl.info.State = models.CallStateEnded
	delete(c.calls, cl.info.CallID)
}

func (c *Core) handleCallControl(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.CallControlRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	cl, ok := c.calls[req.CallID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeCallNotExist, "call not exist or already ended"))
	}

	switch f.Cmd {
	case protocol.CmdCallCancel:
		return c.cancelInvitees(s, f, cl, &req)

	case protocol.CmdCallAccept, protocol.CmdCallReject:
		i := cl.info.InviteeByID(s.userID)
		if i < 0 {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.New(errs.CodeCallNotInvited, "not invited"))
		}
		cur := cl.info.Invitees[i].State
		if cur != models.InviteeInviting {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.New(errs.CodeCallAlreadyHandled, "invitation already handled"))
		}
		c.mu.Unlock()
		state := models.InviteeAccepted
		if f.Cmd == protocol.CmdCallReject {
			state = models.InviteeRejected
		}
		c.transitionInvitee(req.CallID, s.userID, state)
		c.maybeFinishCall(req.CallID)
		return protocol.ReplyOK(f, &protocol.CallControlReply{})

	case protocol.CmdCallQuit:
		i := cl.info.InviteeByID(s.userID)
		if i < 0 || cl.info.Invitees[i].State != models.InviteeAccepted {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.New(errs.CodeCallNotJoined, "not in the call"))
		}
		c.mu.Unlock()
		c.transitionInvitee(req.CallID, s.userID, models.InviteeQuit)
		c.maybeFinishCall(req.CallID)
		return protocol.ReplyOK(f, &protocol.CallControlReply{})

	case protocol.CmdCallEnd:
		if !cl.inCall(s.userID) {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.New(errs.CodeCallNotJoined, "not in the call"))
		}
		if s.userID != cl.info.Caller {
			if i := cl.info.InviteeByID(s.userID); cl.info.Invitees[i].State != models.InviteeAccepted {
				c.mu.Unlock()
				return protocol.ReplyErr(f, errs.New(errs.CodeCallNotJoined, "not in the call"))
			}
		}
		targets := append(cl.participants(), inviteesInState(cl, models.InviteeInviting)...)
		c.dropCallLocked(cl)
		c.mu.Unlock()
		push := &protocol.CallEndedPush{CallID: req.CallID, Operator: s.userID, Extended: req.ExtendedData}
		for _, t := range targets {
			if t != s.userID {
				c.push(t, protocol.PushCallEnded, push)
			}
		}
		return protocol.ReplyOK(f, &protocol.CallControlReply{})

	case protocol.CmdCallingInv:
		return c.callingInvite(s, f, cl, &req)
	}
	c.mu.Unlock()
	return protocol.ReplyErr(f, errs.Newf(errs.CodeInvalidParam, "unknown call command %q", f.Cmd))
}

// cancelInvitees 发起者取消尚未应答的被邀请者。进入时持有 c.mu。
func (c *Core) cancelInvitees(s *session, f *protocol.Frame, cl *call, req *protocol.CallControlRequest) *protocol.Frame {
	if s.userID != cl.info.Caller && s.userID != cl.info.Inviter {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeCallNotJoined, "only the inviter can cancel"))
	}
	targets := req.Invitees
	if len(targets) == 0 {
		targets = inviteesInState(cl, models.InviteeInviting)
	}
	reply := &protocol.CallControlReply{}
	var cancelled []string
	for _, id := range targets {
		i := cl.info.InviteeByID(id)
		if i < 0 {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeCallNotInvited, "not invited")})
			continue
		}
		if cl.info.Invitees[i].State != models.InviteeInviting {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeCallAlreadyHandled, "invitation already handled")})
			continue
		}
		cancelled = append(cancelled, id)
	}
	inviter := cl.info.Inviter
	extended := req.ExtendedData
	c.mu.Unlock()

	for _, id := range cancelled {
		c.transitionInvitee(req.CallID, id, models.InviteeCancelled)
		c.push(id, protocol.PushCallCancelled, &protocol.CallCancelledPush{
			CallID: req.CallID, Inviter: inviter, Extended: extended,
		})
	}
	c.maybeFinishCall(req.CallID)
	return protocol.ReplyOK(f, reply)
}

// callingInvite advanced 模式的通话内追加邀请。进入时持有 c.mu。
func (c *Core) callingInvite(s *session, f *protocol.Frame, cl *call, req *protocol.CallControlRequest) *protocol.Frame {
	if cl.info.Mode != models.CallModeAdvanced {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeCallNotAdvanced, "advanced mode required"))
	}
	if !cl.inCall(s.userID) {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeCallNotJoined, "not in the call"))
	}
	timeout := c.clampCallTimeout(req.TimeoutSec)
	reply := &protocol.CallControlReply{}
	var added []string
	for _, id := range req.Invitees {
		if cl.info.InviteeByID(id) >= 0 || id == cl.info.Caller {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeCallAlreadyHandled, "already in call")})
			continue
		}
		if !c.online(id) {
			cl.info.Invitees = append(cl.info.Invitees, models.CallInvitee{UserID: id, State: models.InviteeOffline})
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeCallInviteeOffline, "invitee offline")})
			continue
		}
		cl.info.Invitees = append(cl.info.Invitees, models.CallInvitee{UserID: id, State: models.InviteeInviting})
		c.armInviteeTimer(cl, id, timeout)
		added = append(added, id)
	}
	cl.info.Inviter = s.userID
	snapshot := cl.info.Clone()
	c.mu.Unlock()

	for _, id := range added {
		c.push(id, protocol.PushCallInvitation, &protocol.CallInvitationPush{Call: snapshot})
	}
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleCallJoin(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.CallControlRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	cl, ok := c.calls[req.CallID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeCallNotExist, "call not exist or already ended"))
	}
	if cl.info.Mode != models.CallModeAdvanced {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeCallNotAdvanced, "advanced mode required"))
	}
	if i := cl.info.InviteeByID(s.userID); i >= 0 {
		if cl.info.Invitees[i].State == models.InviteeAccepted {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.New(errs.CodeCallAlreadyHandled, "already joined"))
		}
		c.mu.Unlock()
		c.transitionInvitee(req.CallID, s.userID, models.InviteeAccepted)
		c.mu.Lock()
		snapshot := cl.info.Clone()
		c.mu.Unlock()
		return protocol.ReplyOK(f, &protocol.CallInvitationPush{Call: snapshot})
	}
	cl.info.Invitees = append(cl.info.Invitees, models.CallInvitee{UserID: s.userID, State: models.InviteeAccepted})
	targets := cl.participants()
	snapshot := cl.info.Clone()
	c.mu.Unlock()

	push := &protocol.CallInviteePush{CallID: req.CallID, UserID: s.userID, State: models.InviteeAccepted}
	for _, t := range targets {
		if t != s.userID {
			c.push(t, protocol.PushCallInvitee, push)
		}
	}
	// 加入方需要拿到最新呼叫快照来初始化本地状态
	return protocol.ReplyOK(f, &protocol.CallInvitationPush{Call: snapshot})
}

// inviteesInState 处于给定状态的被邀请者 id 列表。调用方持有 c.mu。
func inviteesInState(cl *call, state models.CallInviteeState) []string {
	var out []string
	for _, iv := range cl.info.Invitees {
		if iv.State == state {
			out = append(out, iv.UserID)
		}
	}
	return out
}
