package imsdk

import (
	"go-imsdk/errs"
	"go-imsdk/internal/calls"
	"go-imsdk/internal/convindex"
	"go-imsdk/internal/friends"
	"go-imsdk/internal/pipeline"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/rooms"
	"go-imsdk/internal/seq"
	"go-imsdk/models"
)

// 回调类型。所有回调在实例派发协程上串行执行。
type (
	// Done 无返回数据的操作完成回调。
	Done = convindex.Done
	// SendCallback 消息发送回调：err 为 nil 时 m 为确认后的消息快照。
	SendCallback = pipeline.SendCallback
	// HistoryCallback 历史分页回调：nextFlag 为空表示到达末尾。
	HistoryCallback = pipeline.HistoryCallback
	// BatchCallback 按条目操作回调：itemErrs 为逐条目的部分失败。
	BatchCallback = rooms.BatchCallback
	// RoomCallback 房间进入类操作回调。
	RoomCallback = rooms.RoomCallback
	// AttrCallback 房间属性写操作回调：errorKeys 为未生效的键。
	AttrCallback = rooms.AttrCallback
	// GroupCallback 群组创建/加入回调。
	GroupCallback = rooms.GroupCallback
	// CallInviteCallback 发起呼叫回调：itemErrs 为离线被邀请者。
	CallInviteCallback = calls.InviteCallback
	// CallControlCallback 呼叫控制操作回调。
	CallControlCallback = calls.ControlCallback
	// CreateGroupRequest 建群参数。
	CreateGroupRequest = protocol.CreateGroupRequest
)

// ---- 连接 ----

// Login 发起登录。已连接或销毁后的实例快速失败。
func (e *Engine) Login(userID, token string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	seqID := e.corr.Submit(protocol.CmdLogin, func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	e.machine.Login(userID, token, seqID)
	return seqID
}

// Logout 主动登出。在途请求以 session-closed 结清后再送达完成回调。
func (e *Engine) Logout(cb Done) {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return
	}
	e.machine.Logout()
	if cb != nil {
		e.dispatch(func() { cb(nil) })
	}
}

// RenewToken 续签令牌。成功后连接层切换到新令牌并重置过期提醒。
func (e *Engine) RenewToken(token string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	seqID := e.corr.Submit(protocol.CmdRenewToken, func(res *seq.Result) {
		if res.Err == nil {
			e.machine.RenewToken(token)
		}
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := e.machine.Send(protocol.NewRequest(protocol.CmdRenewToken, seqID, &protocol.RenewTokenRequest{Token: token})); err != nil {
		e.corr.Complete(seqID, &seq.Result{Err: err})
	}
	return seqID
}

// State 当前连接状态。
func (e *Engine) State() models.ConnectionState { return e.machine.State() }

// UserID 当前登录用户，未登录时为空串。
func (e *Engine) UserID() string { return e.machine.UserID() }

// ---- 消息 ----

func (e *Engine) SendMessage(m *models.Message, cb SendCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.pipe.SendMessage(m, cb)
}

func (e *Engine) RevokeMessage(convID string, convType models.ConversationType, serverMsgID, extended string, cb SendCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.pipe.RevokeMessage(convID, convType, serverMsgID, extended, cb)
}

// MarkConversationRead 上报已读水位（orderKey 及之前的消息视为已读）。
func (e *Engine) MarkConversationRead(convID string, convType models.ConversationType, orderKey int64, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.pipe.MarkConversationRead(convID, convType, orderKey, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

// QueryHistory 按 orderKey 分页拉取历史。reverse 为 true 从最新向旧翻页，
// 为 false 从最旧向新翻页；nextFlag 传空串从端点开始。
func (e *Engine) QueryHistory(convID string, convType models.ConversationType, count int, nextFlag string, reverse bool, cb HistoryCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, "", err)
		}
		return 0
	}
	return e.pipe.QueryHistory(convID, convType, count, nextFlag, reverse, cb)
}

// ---- 会话 ----

// QueryConversationList 本地会话列表（置顶优先，按活跃时间倒序）。
func (e *Engine) QueryConversationList() []*models.Conversation {
	if e.guard() != nil {
		return nil
	}
	return e.convs.List()
}

func (e *Engine) GetConversation(convID string, convType models.ConversationType) (*models.Conversation, *errs.Error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.convs.Get(convID, convType)
}

func (e *Engine) TotalUnreadCount() int {
	if e.guard() != nil {
		return 0
	}
	return e.convs.TotalUnread()
}

func (e *Engine) PinConversation(convID string, convType models.ConversationType, pinned bool, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.convs.SetPinned(convID, convType, pinned, cb)
}

func (e *Engine) SetConversationNotificationStatus(convID string, convType models.ConversationType, st models.NotificationStatus, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.convs.SetNotificationStatus(convID, convType, st, cb)
}

// SetConversationDraft 纯本地操作，立即回调。
func (e *Engine) SetConversationDraft(convID string, convType models.ConversationType, draft string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.convs.SetDraft(convID, convType, draft, cb)
}

func (e *Engine) ClearConversationUnread(convID string, convType models.ConversationType, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.convs.ClearUnread(convID, convType, cb)
}

// DeleteConversation 删除会话；cascade 时连同服务端历史一起删除。
func (e *Engine) DeleteConversation(convID string, convType models.ConversationType, cascade bool, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.convs.Delete(convID, convType, cascade, cb)
}

func (e *Engine) DeleteAllConversations(cascade bool, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.convs.DeleteAll(cascade, cb)
}

// ---- 房间 ----

func (e *Engine) CreateRoom(roomID, roomName string, cb RoomCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.rooms.CreateRoom(roomID, roomName, cb)
}

func (e *Engine) JoinRoom(roomID string, cb RoomCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.rooms.JoinRoom(roomID, cb)
}

// EnterRoom 进入房间，不存在则按给定名称创建。
func (e *Engine) EnterRoom(roomID, roomName string, cb RoomCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.rooms.EnterRoom(roomID, roomName, cb)
}

func (e *Engine) LeaveRoom(roomID string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.rooms.LeaveRoom(roomID, cb)
}

func (e *Engine) QueryRoomMembers(roomID string, userIDs []string, cb func(members []models.RoomMember, itemErrs []errs.ItemError, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, nil, err)
		}
		return 0
	}
	return e.rooms.QueryRoomMembers(roomID, userIDs, cb)
}

func (e *Engine) QueryRoomMemberList(roomID string, count int, nextFlag string, cb func(members []models.RoomMember, nextFlag string, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, "", err)
		}
		return 0
	}
	return e.rooms.QueryRoomMemberList(roomID, count, nextFlag, cb)
}

func (e *Engine) SetRoomAttributes(roomID string, attrs map[string]string, cfg models.RoomAttributesSetConfig, cb AttrCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.rooms.SetRoomAttributes(roomID, attrs, cfg, cb)
}

func (e *Engine) DeleteRoomAttributes(roomID string, keys []string, force bool, cb AttrCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.rooms.DeleteRoomAttributes(roomID, keys, force, cb)
}

// BeginRoomAttributesBatch 开启属性批处理；EndRoomAttributesBatch 一次性提交。
func (e *Engine) BeginRoomAttributesBatch(roomID string) *errs.Error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.rooms.BeginRoomAttributesBatch(roomID)
}

func (e *Engine) EndRoomAttributesBatch(roomID string, cb AttrCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.rooms.EndRoomAttributesBatch(roomID, cb)
}

func (e *Engine) QueryRoomAttributes(roomID string, cb func(attrs []models.RoomAttribute, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.rooms.QueryRoomAttributes(roomID, cb)
}

// ---- 群组 ----

func (e *Engine) CreateGroup(req *CreateGroupRequest, cb GroupCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.groups.CreateGroup(req, cb)
}

func (e *Engine) JoinGroup(groupID string, cb GroupCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.groups.JoinGroup(groupID, cb)
}

func (e *Engine) LeaveGroup(groupID string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.groups.LeaveGroup(groupID, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (e *Engine) DismissGroup(groupID string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.groups.DismissGroup(groupID, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (e *Engine) InviteGroupMembers(groupID string, userIDs []string, cb BatchCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.groups.InviteMembers(groupID, userIDs, cb)
}

func (e *Engine) KickGroupMembers(groupID string, userIDs []string, cb BatchCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.groups.KickMembers(groupID, userIDs, cb)
}

// MuteGroup 设置群级禁言：none / all / custom（按角色）。
func (e *Engine) MuteGroup(groupID string, mode models.GroupMuteMode, durationSec int, roles []models.GroupMemberRole, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.groups.MuteGroup(groupID, mode, durationSec, roles, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

// MuteGroupMembers 按成员禁言；durationSec 为 0 表示解除。
func (e *Engine) MuteGroupMembers(groupID string, userIDs []string, durationSec int, cb BatchCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.groups.MuteMembers(groupID, userIDs, durationSec, cb)
}

func (e *Engine) SetGroupMemberRole(groupID, userID string, role models.GroupMemberRole, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.groups.SetMemberRole(groupID, userID, role, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (e *Engine) SetGroupName(groupID, name string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.groups.SetName(groupID, name, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (e *Engine) SetGroupNotice(groupID, notice string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.groups.SetNotice(groupID, notice, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (e *Engine) SetGroupAttributes(groupID string, attrs map[string]string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.groups.SetAttributes(groupID, attrs, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (e *Engine) DeleteGroupAttributes(groupID string, keys []string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.groups.DeleteAttributes(groupID, keys, func(err *errs.Error) {
		if cb != nil {
			cb(err)
		}
	})
}

// QueryGroupAttributes keys 为空时返回全部。
func (e *Engine) QueryGroupAttributes(groupID string, keys []string, cb func(attrs map[string]string, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.groups.QueryAttributes(groupID, keys, cb)
}

func (e *Engine) QueryGroupList(cb func(groups []models.GroupInfo, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.groups.QueryGroupList(cb)
}

func (e *Engine) QueryGroupMemberList(groupID string, count int, nextFlag string, cb func(members []models.GroupMember, nextFlag string, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, "", err)
		}
		return 0
	}
	return e.groups.QueryMemberList(groupID, count, nextFlag, cb)
}

// ---- 呼叫 ----

// CallInvite 发起呼叫邀请。离线被邀请者以逐条目错误返回，不阻断其余邀请。
func (e *Engine) CallInvite(invitees []string, timeoutSec int, mode models.CallMode, extended string, cb CallInviteCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb("", nil, err)
		}
		return 0
	}
	return e.calls.Invite(invitees, timeoutSec, mode, extended, cb)
}

func (e *Engine) CallCancel(callID string, invitees []string, extended string, cb CallControlCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.calls.Cancel(callID, invitees, extended, cb)
}

func (e *Engine) CallAccept(callID, extended string, cb CallControlCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.calls.Accept(callID, extended, cb)
}

func (e *Engine) CallReject(callID, extended string, cb CallControlCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.calls.Reject(callID, extended, cb)
}

func (e *Engine) CallQuit(callID, extended string, cb CallControlCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.calls.Quit(callID, extended, cb)
}

func (e *Engine) CallEnd(callID, extended string, cb CallControlCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.calls.End(callID, extended, cb)
}

// CallingInvite 在已建立的高级模式呼叫中追加邀请。
func (e *Engine) CallingInvite(callID string, invitees []string, timeoutSec int, extended string, cb CallControlCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.calls.CallingInvite(callID, invitees, timeoutSec, extended, cb)
}

// CallJoin 直接加入高级模式呼叫（无需受邀）。
func (e *Engine) CallJoin(callID string, cb func(call *models.CallInfo, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.calls.Join(callID, cb)
}

// GetCallInfo 本地呼叫快照。
func (e *Engine) GetCallInfo(callID string) (*models.CallInfo, bool) {
	if e.guard() != nil {
		return nil, false
	}
	return e.calls.Get(callID)
}

// ---- 好友与黑名单 ----

// AddFriend 单向添加好友（无需对方确认）。
func (e *Engine) AddFriend(userID, alias string, attrs map[string]string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.friends.AddFriend(userID, alias, attrs, friends.Done(cb))
}

func (e *Engine) SendFriendApplication(userID, wording string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.friends.SendApplication(userID, wording, friends.Done(cb))
}

func (e *Engine) AcceptFriendApplication(applyUserID string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.friends.AcceptApplication(applyUserID, friends.Done(cb))
}

func (e *Engine) RejectFriendApplication(applyUserID string, cb Done) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(err)
		}
		return 0
	}
	return e.friends.RejectApplication(applyUserID, friends.Done(cb))
}

func (e *Engine) DeleteFriends(userIDs []string, cb BatchCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.friends.DeleteFriends(userIDs, friends.BatchCallback(cb))
}

func (e *Engine) AddUsersToBlacklist(userIDs []string, cb BatchCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.friends.AddToBlacklist(userIDs, friends.BatchCallback(cb))
}

func (e *Engine) RemoveUsersFromBlacklist(userIDs []string, cb BatchCallback) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	return e.friends.RemoveFromBlacklist(userIDs, friends.BatchCallback(cb))
}

func (e *Engine) CheckUserIsInBlacklist(userID string, cb func(in bool, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(false, err)
		}
		return 0
	}
	return e.friends.CheckBlacklist(userID, cb)
}

func (e *Engine) QueryFriendList(count int, nextFlag string, cb func(friends []models.FriendInfo, nextFlag string, err *errs.Error)) int64 {
	if err := e.guard(); err != nil {
		if cb != nil {
			cb(nil, "", err)
		}
		return 0
	}
	return e.friends.QueryFriendList(count, nextFlag, cb)
}
