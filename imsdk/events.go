package imsdk

import (
	"go-imsdk/models"
)

// EventHandler 事件回调集合。字段为 nil 的事件被忽略。
// 所有回调都在实例的派发协程上串行执行，回调内不得阻塞。
type EventHandler struct {
	// 连接
	OnConnectionStateChanged func(state models.ConnectionState, event models.ConnectionEvent)
	OnTokenWillExpire        func(secondsLeft int)

	// 消息
	OnMessageAttached func(m *models.Message)
	OnMessageReceived func(convID string, convType models.ConversationType, msgs []*models.Message)
	OnMessageRevoked  func(m *models.Message)
	OnReceiptChanged  func(convID string, convType models.ConversationType, msgs []*models.Message)
	OnMediaProgress   func(localMsgID string, uploaded, total int64)

	// 会话
	OnConversationChanged func(changes []models.ConversationChange)
	OnTotalUnreadChanged  func(total int)

	// 房间
	OnRoomStateChanged      func(roomID string, event models.RoomEvent)
	OnRoomMembersIn         func(roomID string, members []models.RoomMember)
	OnRoomMembersOut        func(roomID string, members []models.RoomMember)
	OnRoomAttributesUpdated func(roomID string, updated []models.RoomAttribute, deleted []string)

	// 群组
	OnGroupStateChanged  func(groupID string, event models.GroupEvent, operator string, group *models.GroupInfo)
	OnGroupMemberChanged func(groupID string, event models.GroupEvent, operator string, members []models.GroupMember)
	OnGroupMuteChanged   func(groupID string, mode models.GroupMuteMode, muteExpire int64, roles []models.GroupMemberRole)
	OnGroupAttributes    func(groupID string, updated map[string]string, deleted []string)

	// 呼叫
	OnCallInvitationReceived  func(call *models.CallInfo)
	OnCallInvitationCancelled func(callID, inviter, extended string)
	OnCallInviteeStateChanged func(callID, userID string, state models.CallInviteeState)
	OnCallEnded               func(callID, operator, extended string)

	// 好友
	OnFriendApplicationReceived func(app *models.FriendApplication)
	OnFriendChanged             func(event string, friends []models.FriendInfo)
}

// AddEventHandler 注册事件回调，返回句柄供 RemoveEventHandler 使用。
func (e *Engine) AddEventHandler(h *EventHandler) int {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handlerSeq++
	id := e.handlerSeq
	e.handlers[id] = h
	return id
}

// RemoveEventHandler 注销事件回调。未知句柄为 no-op。
func (e *Engine) RemoveEventHandler(id int) {
	e.handlerMu.Lock()
	delete(e.handlers, id)
	e.handlerMu.Unlock()
}

// eachHandler 遍历当前注册的回调集合快照。
func (e *Engine) eachHandler(fn func(h *EventHandler)) {
	e.handlerMu.Lock()
	hs := make([]*EventHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.handlerMu.Unlock()
	for _, h := range hs {
		fn(h)
	}
}
