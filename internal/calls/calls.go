// Package calls 呼叫邀请信令的客户端状态机。
// 每个被邀请者独立计时与迁移（inviting → accepted/rejected/cancelled/timeout/offline），
// 部分投递失败不阻止呼叫建立；呼叫进入终态后本地状态即销毁。
// advanced 模式支持追加邀请与免邀请加入；general 模式下这两个操作返回 call_not_advanced。
package calls

import (
	"encoding/json"
	"sync"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/models"
)

// Events 呼叫事件钩子。
type Events struct {
	OnInvitationReceived  func(call *models.CallInfo)
	OnInvitationCancelled func(callID, inviter, extended string)
	OnInviteeStateChanged func(callID, userID string, state models.CallInviteeState)
	OnCallEnded           func(callID, operator, extended string)
}

// Deps 依赖。
type Deps struct {
	Send   func(f *protocol.Frame) *errs.Error
	Corr   *seq.Correlator
	SelfID func() string
	Events Events
}

// Machine 本端参与的呼叫集合。
type Machine struct {
	mu    sync.Mutex
	deps  Deps
	calls map[string]*models.CallInfo
}

func New(deps Deps) *Machine {
	return &Machine{deps: deps, calls: make(map[string]*models.CallInfo)}
}

// InviteCallback 发起呼叫回调：itemErrs 为投递失败（如离线）的被邀请者。
type InviteCallback func(callID string, itemErrs []errs.ItemError, err *errs.Error)

// ControlCallback 呼叫控制操作回调。
type ControlCallback func(itemErrs []errs.ItemError, err *errs.Error)

func (m *Machine) complete(seqID int64, err *errs.Error) {
	m.deps.Corr.Complete(seqID, &seq.Result{Err: err})
}

// Get 呼叫快照。
func (m *Machine) Get(callID string) (*models.CallInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Invite 发起呼叫。离线的被邀请者以 item error 返回，其余照常进入 inviting；
// 全部投递失败时呼叫仍然建立，由后续超时统一终结。
func (m *Machine) Invite(invitees []string, timeoutSec int, mode models.CallMode, extended string, cb InviteCallback) int64 {
	seqID := m.deps.Corr.Submit(protocol.CmdCallInvite, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb("", nil, res.Err)
			}
			return
		}
		var reply protocol.CallInviteReply
		if err := json.Unmarshal(res.Data, &reply); err != nil {
			if cb != nil {
				cb("", nil, errs.Newf(errs.CodeServerError, "bad invite reply: %v", err))
			}
			return
		}
		call := &models.CallInfo{
			CallID:       reply.CallID,
			Caller:       m.deps.SelfID(),
			Inviter:      m.deps.SelfID(),
			Mode:         mode,
			State:        models.CallStateStarted,
			TimeoutSec:   timeoutSec,
			ExtendedData: extended,
		}
		failed := make(map[string]bool, len(reply.Errors))
		for _, ie := range reply.Errors {
			failed[ie.ID] = true
		}
		for _, id := range invitees {
			st := models.InviteeInviting
			if failed[id] {
				st = models.InviteeOffline
			}
			call.Invitees = append(call.Invitees, models.CallInvitee{UserID: id, State: st})
		}
		m.mu.Lock()
		m.calls[call.CallID] = call
		m.mu.Unlock()
		if cb != nil {
			cb(reply.CallID, reply.Errors, nil)
		}
	})
	if len(invitees) == 0 {
		m.complete(seqID, errs.New(errs.CodeInvalidParam, "invitees empty"))
		return seqID
	}
	if err := m.deps.Send(protocol.NewRequest(protocol.CmdCallInvite, seqID, &protocol.CallInviteRequest{
		Invitees: invitees, TimeoutSec: timeoutSec, Mode: mode, ExtendedData: extended,
	})); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

// control 所有回包为 CallControlReply 的操作共用路径。
func (m *Machine) control(cmd string, req *protocol.CallControlRequest, onOK func(), cb ControlCallback) int64 {
	seqID := m.deps.Corr.Submit(cmd, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.CallControlReply
		_ = json.Unmarshal(res.Data, &reply)
		if onOK != nil {
			onOK()
		}
		if cb != nil {
			cb(reply.Errors, nil)
		}
	})
	if err := m.deps.Send(protocol.NewRequest(cmd, seqID, req)); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

// Cancel 取消对仍处于 inviting 的被邀请者的邀请；已终态的条目以 item error 返回。
func (m *Machine) Cancel(callID string, invitees []string, extended string, cb ControlCallback) int64 {
	return m.control(protocol.CmdCallCancel, &protocol.CallControlRequest{
		CallID: callID, Invitees: invitees, ExtendedData: extended,
	}, func() {
		m.setInviteeStates(callID, invitees, models.InviteeCancelled)
	}, cb)
}

// Accept 接受邀请（被邀请端）。
func (m *Machine) Accept(callID, extended string, cb ControlCallback) int64 {
	return m.control(protocol.CmdCallAccept, &protocol.CallControlRequest{
		CallID: callID, ExtendedData: extended,
	}, func() {
		m.setInviteeStates(callID, []string{m.deps.SelfID()}, models.InviteeAccepted)
	}, cb)
}

// Reject 拒绝邀请（被邀请端）。
func (m *Machine) Reject(callID, extended string, cb ControlCallback) int64 {
	return m.control(protocol.CmdCallReject, &protocol.CallControlRequest{
		CallID: callID, ExtendedData: extended,
	}, func() {
		m.dropCall(callID)
	}, cb)
}

// Quit 退出已接受的呼叫（advanced）。
func (m *Machine) Quit(callID, extended string, cb ControlCallback) int64 {
	return m.control(protocol.CmdCallQuit, &protocol.CallControlRequest{
		CallID: callID, ExtendedData: extended,
	}, func() {
		m.dropCall(callID)
	}, cb)
}

// End 结束整个呼叫（advanced；general 模式由服务端拒绝）。
func (m *Machine) End(callID, extended string, cb ControlCallback) int64 {
	return m.control(protocol.CmdCallEnd, &protocol.CallControlRequest{
		CallID: callID, ExtendedData: extended,
	}, func() {
		m.dropCall(callID)
	}, cb)
}

// CallingInvite 呼叫进行中追加邀请（advanced）。
func (m *Machine) CallingInvite(callID string, invitees []string, timeoutSec int, extended string, cb ControlCallback) int64 {
	return m.control(protocol.CmdCallingInv, &protocol.CallControlRequest{
		CallID: callID, Invitees: invitees, TimeoutSec: timeoutSec, ExtendedData: extended,
	}, func() {
		m.mu.Lock()
		if call, ok := m.calls[callID]; ok {
			for _, id := range invitees {
				if call.InviteeByID(id) < 0 {
					call.Invitees = append(call.Invitees, models.CallInvitee{UserID: id, State: models.InviteeInviting})
				}
			}
		}
		m.mu.Unlock()
	}, cb)
}

// Join 免邀请加入（advanced）。成功后回调最新呼叫快照。
func (m *Machine) Join(callID string, cb func(call *models.CallInfo, err *errs.Error)) int64 {
	seqID := m.deps.Corr.Submit(protocol.CmdCallJoin, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var push protocol.CallInvitationPush
		if err := json.Unmarshal(res.Data, &push); err != nil || push.Call == nil {
			if cb != nil {
				cb(nil, errs.New(errs.CodeServerError, "bad join reply"))
			}
			return
		}
		m.mu.Lock()
		m.calls[push.Call.CallID] = push.Call.Clone()
		m.mu.Unlock()
		if cb != nil {
			cb(push.Call, nil)
		}
	})
	if err := m.deps.Send(protocol.NewRequest(protocol.CmdCallJoin, seqID, &protocol.CallControlRequest{CallID: callID})); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

func (m *Machine) setInviteeStates(callID string, userIDs []string, st models.CallInviteeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callID]
	if !ok {
		return
	}
	for _, id := range userIDs {
		if i := call.InviteeByID(id); i >= 0 && !call.Invitees[i].State.Terminal() {
			call.Invitees[i].State = st
		}
	}
}

func (m *Machine) dropCall(callID string) {
	m.mu.Lock()
	if call, ok := m.calls[callID]; ok {
		call.State = models.CallStateEnded
	}
	delete(m.calls, callID)
	m.mu.Unlock()
}

// ---- 推送处理 ----

// HandleInvitation 收到邀请：登记呼叫并上抛。
func (m *Machine) HandleInvitation(push *protocol.CallInvitationPush) {
	if push.Call == nil {
		return
	}
	m.mu.Lock()
	m.calls[push.Call.CallID] = push.Call.Clone()
	m.mu.Unlock()
	if m.deps.Events.OnInvitationReceived != nil {
		m.deps.Events.OnInvitationReceived(push.Call)
	}
}

// HandleCancelled 邀请被取消（被邀请端视角），呼叫对本端终结。
func (m *Machine) HandleCancelled(push *protocol.CallCancelledPush) {
	m.dropCall(push.CallID)
	if m.deps.Events.OnInvitationCancelled != nil {
		m.deps.Events.OnInvitationCancelled(push.CallID, push.Inviter, push.Extended)
	}
}

// HandleInviteeState 单个被邀请者状态迁移（含服务端判定的 timeout/offline）。
func (m *Machine) HandleInviteeState(push *protocol.CallInviteePush) {
	m.setInviteeStates(push.CallID, []string{push.UserID}, push.State)
	if m.deps.Events.OnInviteeStateChanged != nil {
		m.deps.Events.OnInviteeStateChanged(push.CallID, push.UserID, push.State)
	}
}

// HandleEnded 呼叫整体结束。
func (m *Machine) HandleEnded(push *protocol.CallEndedPush) {
	m.dropCall(push.CallID)
	if m.deps.Events.OnCallEnded != nil {
		m.deps.Events.OnCallEnded(push.CallID, push.Operator, push.Extended)
	}
}
