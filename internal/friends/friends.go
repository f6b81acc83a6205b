// Package friends 好友关系与黑名单的客户端管理。
// 好友申请走 waiting → accepted/rejected/expired；黑名单操作按条目返回部分失败。
package friends

import (
	"encoding/json"
	"sync"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/models"
)

// Events 好友事件钩子。
type Events struct {
	OnApplicationReceived func(app *models.FriendApplication)
	OnFriendChanged       func(event string, friends []models.FriendInfo)
}

// Deps 依赖。
type Deps struct {
	Send   func(f *protocol.Frame) *errs.Error
	Corr   *seq.Correlator
	SelfID func() string
	Events Events
}

// Manager 好友与黑名单。
type Manager struct {
	mu      sync.Mutex
	deps    Deps
	friends map[string]models.FriendInfo
}

func New(deps Deps) *Manager {
	return &Manager{deps: deps, friends: make(map[string]models.FriendInfo)}
}

// Done 仅成功/失败的完成回调。
type Done func(err *errs.Error)

// BatchCallback 批量条目操作回调。
type BatchCallback func(itemErrs []errs.ItemError, err *errs.Error)

func (m *Manager) complete(seqID int64, err *errs.Error) {
	m.deps.Corr.Complete(seqID, &seq.Result{Err: err})
}

// Get 本地缓存中的好友。
func (m *Manager) Get(userID string) (models.FriendInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.friends[userID]
	return f, ok
}

// AddFriend 直接添加好友（免申请路径）。
func (m *Manager) AddFriend(userID, alias string, attrs map[string]string, cb Done) int64 {
	seqID := m.deps.Corr.Submit(protocol.CmdFriendAdd, func(res *seq.Result) {
		if res.Err == nil {
			m.mu.Lock()
			m.friends[userID] = models.FriendInfo{UserID: userID, Alias: alias, Attributes: attrs}
			m.mu.Unlock()
		}
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := m.deps.Send(protocol.NewRequest(protocol.CmdFriendAdd, seqID, &protocol.FriendAddRequest{
		UserID: userID, Alias: alias, Attributes: attrs,
	})); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

// SendApplication 发起好友申请（wording 为申请附言）。
func (m *Manager) SendApplication(userID, wording string, cb Done) int64 {
	seqID := m.deps.Corr.Submit(protocol.CmdFriendApply, func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := m.deps.Send(protocol.NewRequest(protocol.CmdFriendApply, seqID, &protocol.FriendAddRequest{
		UserID: userID, Wording: wording,
	})); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

// AcceptApplication / RejectApplication 处理收到的申请。
func (m *Manager) AcceptApplication(applyUserID string, cb Done) int64 {
	return m.respond(protocol.CmdFriendAccept, applyUserID, cb)
}

func (m *Manager) RejectApplication(applyUserID string, cb Done) int64 {
	return m.respond(protocol.CmdFriendReject, applyUserID, cb)
}

func (m *Manager) respond(cmd, applyUserID string, cb Done) int64 {
	seqID := m.deps.Corr.Submit(cmd, func(res *seq.Result) {
		if res.Err == nil && cmd == protocol.CmdFriendAccept {
			m.mu.Lock()
			m.friends[applyUserID] = models.FriendInfo{UserID: applyUserID}
			m.mu.Unlock()
		}
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := m.deps.Send(protocol.NewRequest(cmd, seqID, &protocol.FriendRespondRequest{UserID: applyUserID})); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

// DeleteFriends 批量删除好友；不存在的条目以 item error 返回。
func (m *Manager) DeleteFriends(userIDs []string, cb BatchCallback) int64 {
	return m.batchOp(protocol.CmdFriendDelete, userIDs, func(ok []string) {
		m.mu.Lock()
		for _, id := range ok {
			delete(m.friends, id)
		}
		m.mu.Unlock()
	}, cb)
}

// AddToBlacklist / RemoveFromBlacklist 黑名单批量操作（容量超限整体失败）。
func (m *Manager) AddToBlacklist(userIDs []string, cb BatchCallback) int64 {
	return m.batchOp(protocol.CmdBlacklistAdd, userIDs, nil, cb)
}

func (m *Manager) RemoveFromBlacklist(userIDs []string, cb BatchCallback) int64 {
	return m.batchOp(protocol.CmdBlacklistDel, userIDs, nil, cb)
}

func (m *Manager) batchOp(cmd string, userIDs []string, onOK func(ok []string), cb BatchCallback) int64 {
	seqID := m.deps.Corr.Submit(cmd, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.FriendBatchReply
		_ = json.Unmarshal(res.Data, &reply)
		if onOK != nil {
			failed := make(map[string]bool, len(reply.Errors))
			for _, ie := range reply.Errors {
				failed[ie.ID] = true
			}
			ok := make([]string, 0, len(userIDs))
			for _, id := range userIDs {
				if !failed[id] {
					ok = append(ok, id)
				}
			}
			onOK(ok)
		}
		if cb != nil {
			cb(reply.Errors, nil)
		}
	})
	if len(userIDs) == 0 {
		m.complete(seqID, errs.New(errs.CodeInvalidParam, "user id list empty"))
		return seqID
	}
	if err := m.deps.Send(protocol.NewRequest(cmd, seqID, &protocol.FriendBatchRequest{UserIDs: userIDs})); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

// CheckBlacklist 查询某用户是否在本端黑名单。
func (m *Manager) CheckBlacklist(userID string, cb func(in bool, err *errs.Error)) int64 {
	seqID := m.deps.Corr.Submit(protocol.CmdBlacklistCheck, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(false, res.Err)
			}
			return
		}
		var reply protocol.BlacklistCheckReply
		_ = json.Unmarshal(res.Data, &reply)
		if cb != nil {
			cb(reply.InBlacklist, nil)
		}
	})
	if err := m.deps.Send(protocol.NewRequest(protocol.CmdBlacklistCheck, seqID, &protocol.BlacklistCheckRequest{UserID: userID})); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

// QueryFriendList 分页好友列表；nextFlag 为空表示到达末尾。
func (m *Manager) QueryFriendList(count int, nextFlag string, cb func(friends []models.FriendInfo, nextFlag string, err *errs.Error)) int64 {
	seqID := m.deps.Corr.Submit(protocol.CmdFriendList, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, "", res.Err)
			}
			return
		}
		var reply protocol.FriendListReply
		_ = json.Unmarshal(res.Data, &reply)
		m.mu.Lock()
		for _, f := range reply.Friends {
			m.friends[f.UserID] = f
		}
		m.mu.Unlock()
		if cb != nil {
			cb(reply.Friends, reply.NextFlag, nil)
		}
	})
	if err := m.deps.Send(protocol.NewRequest(protocol.CmdFriendList, seqID, &protocol.FriendListRequest{
		Count: count, NextFlag: nextFlag,
	})); err != nil {
		m.complete(seqID, err)
	}
	return seqID
}

// ---- 推送处理 ----

func (m *Manager) HandleApplication(push *protocol.FriendApplyPush) {
	if m.deps.Events.OnApplicationReceived != nil {
		app := push.Application
		m.deps.Events.OnApplicationReceived(&app)
	}
}

func (m *Manager) HandleFriendChanged(push *protocol.FriendChangedPush) {
	m.mu.Lock()
	switch push.Event {
	case "deleted":
		for _, f := range push.Friends {
			delete(m.friends, f.UserID)
		}
	default:
		for _, f := range push.Friends {
			m.friends[f.UserID] = f
		}
	}
	m.mu.Unlock()
	if m.deps.Events.OnFriendChanged != nil {
		m.deps.Events.OnFriendChanged(push.Event, push.Friends)
	}
}
