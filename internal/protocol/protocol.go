// Package protocol 定义客户端与接入端之间的 JSON 帧格式。
// 三种帧：请求（cmd+seq）、应答（reply 回显 cmd 与 seq）、推送（push，无 seq）。
// 应答与请求一一对应；seq 即调用方拿到的关联键。
// 分页游标 nextFlag 为不透明字符串，空串表示到达末尾（不是重新开始）。
package protocol

import (
	"encoding/json"

	"go-imsdk/errs"
	"go-imsdk/models"
)

// Frame 统一帧结构。Cmd/Reply/Push 三者只会出现一个。
type Frame struct {
	Cmd     string          `json:"cmd,omitempty"`
	Reply   string          `json:"reply,omitempty"`
	Push    string          `json:"push,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest 组装请求帧（data 可为 nil）。
func NewRequest(cmd string, seq int64, data interface{}) *Frame {
	f := &Frame{Cmd: cmd, Seq: seq}
	if data != nil {
		b, _ := json.Marshal(data)
		f.Data = b
	}
	return f
}

// ReplyOK / ReplyErr 组装应答帧。
func ReplyOK(req *Frame, data interface{}) *Frame {
	f := &Frame{Reply: req.Cmd, Seq: req.Seq}
	if data != nil {
		b, _ := json.Marshal(data)
		f.Data = b
	}
	return f
}

func ReplyErr(req *Frame, err *errs.Error) *Frame {
	return &Frame{Reply: req.Cmd, Seq: req.Seq, Code: err.Code, Message: err.Message}
}

// NewPush 组装推送帧。
func NewPush(name string, data interface{}) *Frame {
	f := &Frame{Push: name}
	if data != nil {
		b, _ := json.Marshal(data)
		f.Data = b
	}
	return f
}

// Err 从应答帧还原错误（code 为 0 表示成功）。
func (f *Frame) Err() *errs.Error {
	if f.Code == 0 {
		return nil
	}
	return errs.New(f.Code, f.Message)
}

// 请求命令名。
const (
	CmdLogin      = "login"
	CmdRenewToken = "renew_token"

	CmdSendMessage   = "send_message"
	CmdUploadChunk   = "upload_chunk" // 媒体分片，无 seq 应答
	CmdRevokeMessage = "revoke_message"
	CmdReadReceipt   = "read_receipt"
	CmdQueryHistory  = "query_history"
	CmdDeleteConv    = "delete_conversation"
	CmdDeleteAllConv = "delete_all_conversations"

	CmdCreateRoom          = "create_room"
	CmdJoinRoom            = "join_room"
	CmdEnterRoom           = "enter_room" // 不存在则创建
	CmdLeaveRoom           = "leave_room"
	CmdQueryRoomMembers    = "query_room_members"     // 按显式 id 列表
	CmdQueryRoomMemberList = "query_room_member_list" // 分页全量
	CmdSetRoomAttributes   = "set_room_attributes"
	CmdDelRoomAttributes   = "delete_room_attributes"
	CmdQueryRoomAttributes = "query_room_attributes"

	CmdCreateGroup           = "create_group"
	CmdJoinGroup             = "join_group"
	CmdLeaveGroup            = "leave_group"
	CmdDismissGroup          = "dismiss_group"
	CmdInviteGroupMembers    = "invite_group_members"
	CmdKickGroupMembers      = "kick_group_members"
	CmdMuteGroup             = "mute_group"
	CmdMuteGroupMembers      = "mute_group_members"
	CmdSetGroupMemberRole    = "set_group_member_role"
	CmdSetGroupName          = "set_group_name"
	CmdSetGroupNotice        = "set_group_notice"
	CmdSetGroupAttributes    = "set_group_attributes"
	CmdDelGroupAttributes    = "delete_group_attributes"
	CmdQueryGroupAttributes  = "query_group_attributes"
	CmdQueryGroupList        = "query_group_list"
	CmdQueryGroupMemberList  = "query_group_member_list"

	CmdCallInvite  = "call_invite"
	CmdCallCancel  = "call_cancel"
	CmdCallAccept  = "call_accept"
	CmdCallReject  = "call_reject"
	CmdCallQuit    = "call_quit"
	CmdCallEnd     = "call_end"
	CmdCallingInv  = "calling_invite" // advanced：追加邀请
	CmdCallJoin    = "call_join"      // advanced：免邀请加入

	CmdFriendAdd      = "friend_add"
	CmdFriendDelete   = "friend_delete"
	CmdFriendApply    = "friend_apply"
	CmdFriendAccept   = "friend_accept"
	CmdFriendReject   = "friend_reject"
	CmdFriendList     = "friend_list"
	CmdBlacklistAdd   = "blacklist_add"
	CmdBlacklistDel   = "blacklist_remove"
	CmdBlacklistCheck = "blacklist_check"
)

// 推送事件名。
const (
	PushKickedOut       = "kicked_out"
	PushMessageBatch    = "message_batch"
	PushMessageRevoked  = "message_revoked"
	PushReceiptChanged  = "receipt_changed"
	PushRoomState       = "room_state"
	PushRoomMemberIn    = "room_member_joined"
	PushRoomMemberOut   = "room_member_left"
	PushRoomAttributes  = "room_attributes_updated"
	PushGroupState      = "group_state"
	PushGroupMember     = "group_member_state"
	PushGroupMute       = "group_mute_changed"
	PushGroupAttributes = "group_attributes_updated"
	PushCallInvitation  = "call_invitation_received"
	PushCallCancelled   = "call_invitation_cancelled"
	PushCallInvitee     = "call_invitee_state_changed"
	PushCallEnded       = "call_invitation_ended"
	PushFriendApply     = "friend_application_received"
	PushFriendChanged   = "friend_changed"
)

// ---- 请求/应答载荷 ----

type LoginRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
	Resume bool   `json:"resume,omitempty"` // 重连恢复，不重置服务端状态
}

type LoginReply struct {
	ServerTime int64 `json:"serverTime"`
}

type RenewTokenRequest struct {
	Token string `json:"token"`
}

type SendMessageRequest struct {
	LocalMsgID       string                  `json:"localMsgId"`
	ConvID           string                  `json:"convId"`
	ConvType         models.ConversationType `json:"convType"`
	Type             models.MessageType      `json:"type"`
	Payload          json.RawMessage         `json:"payload,omitempty"`
	Priority         models.MessagePriority  `json:"priority,omitempty"`
	HasReceipt       bool                    `json:"hasReceipt,omitempty"`
	MentionedUserIDs []string                `json:"mentionedUserIds,omitempty"`
	OfflinePush      bool                    `json:"offlinePush,omitempty"`
}

type SendMessageReply struct {
	ServerMsgID string `json:"serverMsgId"`
	OrderKey    int64  `json:"orderKey"`
	Timestamp   int64  `json:"timestamp"`
	MediaURL    string `json:"mediaUrl,omitempty"` // 媒体消息上传后的下载地址
}

// UploadChunk 媒体分片（cmd 帧但 seq 为 0，不产生应答；随后的 send_message 统一确认）。
type UploadChunk struct {
	LocalMsgID string `json:"localMsgId"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Data       []byte `json:"data"`
}

type RevokeMessageRequest struct {
	ConvID      string                  `json:"convId"`
	ConvType    models.ConversationType `json:"convType"`
	ServerMsgID string                  `json:"serverMsgId"`
	Extended    string                  `json:"extended,omitempty"`
}

type ReadReceiptRequest struct {
	ConvID   string                  `json:"convId"`
	ConvType models.ConversationType `json:"convType"`
	OrderKey int64                   `json:"orderKey"` // 已读水位
}

type QueryHistoryRequest struct {
	ConvID   string                  `json:"convId"`
	ConvType models.ConversationType `json:"convType"`
	Count    int                     `json:"count"`
	NextFlag string                  `json:"nextFlag,omitempty"`
	Reverse  bool                    `json:"reverse,omitempty"` // true 从最新向旧翻页，false 从最旧向新翻页
}

type QueryHistoryReply struct {
	Messages []*models.Message `json:"messages"`
	NextFlag string            `json:"nextFlag,omitempty"`
}

type DeleteConvRequest struct {
	ConvID   string                  `json:"convId"`
	ConvType models.ConversationType `json:"convType"`
}

// ---- 房间 ----

type RoomRequest struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName,omitempty"`
}

type RoomReply struct {
	Room models.RoomInfo `json:"room"`
}

type QueryRoomMembersRequest struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
}

type QueryRoomMembersReply struct {
	Members []models.RoomMember `json:"members"`
	Errors  []errs.ItemError    `json:"errors,omitempty"` // 未找到的成员逐条返回
}

type QueryRoomMemberListRequest struct {
	RoomID   string `json:"roomId"`
	Count    int    `json:"count"`
	NextFlag string `json:"nextFlag,omitempty"`
}

type QueryRoomMemberListReply struct {
	Members  []models.RoomMember `json:"members"`
	NextFlag string              `json:"nextFlag,omitempty"`
}

type SetRoomAttributesRequest struct {
	RoomID     string                         `json:"roomId"`
	Attributes map[string]string              `json:"attributes"`
	DeleteKeys []string                       `json:"deleteKeys,omitempty"` // 批处理中缓冲的删除，与写入同一次提交
	Config     models.RoomAttributesSetConfig `json:"config"`
	Batch      bool                           `json:"batch,omitempty"` // begin/end 批处理合并后的一次提交
}

type SetRoomAttributesReply struct {
	ErrorKeys []string `json:"errorKeys,omitempty"`
}

type DeleteRoomAttributesRequest struct {
	RoomID string   `json:"roomId"`
	Keys   []string `json:"keys"`
	Force  bool     `json:"force,omitempty"`
}

type QueryRoomAttributesReply struct {
	Attributes []models.RoomAttribute `json:"attributes"`
}

// ---- 群组 ----

type CreateGroupRequest struct {
	GroupID    string            `json:"groupId"`
	Name       string            `json:"name"`
	Notice     string            `json:"notice,omitempty"`
	UserIDs    []string          `json:"userIds,omitempty"` // 初始成员
	Attributes map[string]string `json:"attributes,omitempty"`
}

type GroupRequest struct {
	GroupID string `json:"groupId"`
}

type GroupReply struct {
	Group models.GroupInfo `json:"group"`
}

type GroupMembersRequest struct {
	GroupID string   `json:"groupId"`
	UserIDs []string `json:"userIds"`
}

type GroupMembersReply struct {
	Errors []errs.ItemError `json:"errors,omitempty"`
}

type MuteGroupRequest struct {
	GroupID     string                   `json:"groupId"`
	Mode        models.GroupMuteMode     `json:"mode"`
	DurationSec int                      `json:"durationSec,omitempty"` // 0 为无限期
	Roles       []models.GroupMemberRole `json:"roles,omitempty"`       // custom 模式的禁言角色
}

type MuteGroupMembersRequest struct {
	GroupID     string   `json:"groupId"`
	UserIDs     []string `json:"userIds"`
	DurationSec int      `json:"durationSec"`
}

type SetGroupMemberRoleRequest struct {
	GroupID string                 `json:"groupId"`
	UserID  string                 `json:"userId"`
	Role    models.GroupMemberRole `json:"role"`
}

type SetGroupTextRequest struct {
	GroupID string `json:"groupId"`
	Text    string `json:"text"`
}

type GroupAttributesRequest struct {
	GroupID    string            `json:"groupId"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Keys       []string          `json:"keys,omitempty"`
}

type GroupAttributesReply struct {
	Attributes map[string]string `json:"attributes"`
}

type QueryGroupListReply struct {
	Groups []models.GroupInfo `json:"groups"`
}

type QueryGroupMemberListRequest struct {
	GroupID  string `json:"groupId"`
	Count    int    `json:"count"`
	NextFlag string `json:"nextFlag,omitempty"`
}

type QueryGroupMemberListReply struct {
	Members  []models.GroupMember `json:"members"`
	NextFlag string               `json:"nextFlag,omitempty"`
}

// ---- 呼叫 ----

type CallInviteRequest struct {
	Invitees     []string        `json:"invitees"`
	TimeoutSec   int             `json:"timeoutSec"`
	Mode         models.CallMode `json:"mode"`
	ExtendedData string          `json:"extendedData,omitempty"`
}

type CallInviteReply struct {
	CallID string           `json:"callId"`
	Errors []errs.ItemError `json:"errors,omitempty"` // 离线等投递失败的被邀请者
}

type CallControlRequest struct {
	CallID       string   `json:"callId"`
	Invitees     []string `json:"invitees,omitempty"` // cancel/calling_invite 的目标
	ExtendedData string   `json:"extendedData,omitempty"`
	TimeoutSec   int      `json:"timeoutSec,omitempty"` // calling_invite 的超时
}

type CallControlReply struct {
	Errors []errs.ItemError `json:"errors,omitempty"`
}

// ---- 好友/黑名单 ----

type FriendAddRequest struct {
	UserID     string            `json:"userId"`
	Alias      string            `json:"alias,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Wording    string            `json:"wording,omitempty"`
}

type FriendBatchRequest struct {
	UserIDs []string `json:"userIds"`
}

type FriendBatchReply struct {
	Errors []errs.ItemError `json:"errors,omitempty"`
}

type FriendRespondRequest struct {
	UserID string `json:"userId"` // 申请人
}

type FriendListRequest struct {
	Count    int    `json:"count"`
	NextFlag string `json:"nextFlag,omitempty"`
}

type FriendListReply struct {
	Friends  []models.FriendInfo `json:"friends"`
	NextFlag string              `json:"nextFlag,omitempty"`
}

type BlacklistCheckRequest struct {
	UserID string `json:"userId"`
}

type BlacklistCheckReply struct {
	InBlacklist bool `json:"inBlacklist"`
}

// ---- 推送载荷 ----

type KickedOutPush struct {
	Reason string `json:"reason,omitempty"`
}

type MessageBatchPush struct {
	ConvID   string                  `json:"convId"`
	ConvType models.ConversationType `json:"convType"`
	Messages []*models.Message       `json:"messages"`
}

type MessageRevokedPush struct {
	ConvID      string                  `json:"convId"`
	ConvType    models.ConversationType `json:"convType"`
	ServerMsgID string                  `json:"serverMsgId"`
	Operator    string                  `json:"operator"`
	Extended    string                  `json:"extended,omitempty"`
}

type ReceiptItem struct {
	ServerMsgID string               `json:"serverMsgId"`
	Status      models.ReceiptStatus `json:"status"`
}

type ReceiptChangedPush struct {
	ConvID   string                  `json:"convId"`
	ConvType models.ConversationType `json:"convType"`
	Items    []ReceiptItem           `json:"items"`
}

type RoomStatePush struct {
	RoomID string           `json:"roomId"`
	Event  models.RoomEvent `json:"event"`
}

type RoomMemberPush struct {
	RoomID  string              `json:"roomId"`
	Members []models.RoomMember `json:"members"`
}

type RoomAttributesPush struct {
	RoomID  string                 `json:"roomId"`
	Updated []models.RoomAttribute `json:"updated,omitempty"`
	Deleted []string               `json:"deleted,omitempty"`
	Batch   bool                   `json:"batch,omitempty"`
}

type GroupStatePush struct {
	GroupID  string            `json:"groupId"`
	Event    models.GroupEvent `json:"event"`
	Operator string            `json:"operator,omitempty"`
	Group    *models.GroupInfo `json:"group,omitempty"`
}

type GroupMemberPush struct {
	GroupID  string               `json:"groupId"`
	Event    models.GroupEvent    `json:"event"`
	Operator string               `json:"operator,omitempty"`
	Members  []models.GroupMember `json:"members"`
}

type GroupMutePush struct {
	GroupID    string                   `json:"groupId"`
	Mode       models.GroupMuteMode     `json:"mode"`
	MuteExpire int64                    `json:"muteExpire,omitempty"`
	Roles      []models.GroupMemberRole `json:"roles,omitempty"`
}

type GroupAttributesPush struct {
	GroupID string            `json:"groupId"`
	Updated map[string]string `json:"updated,omitempty"`
	Deleted []string          `json:"deleted,omitempty"`
}

type CallInvitationPush struct {
	Call *models.CallInfo `json:"call"`
}

type CallCancelledPush struct {
	CallID   string `json:"callId"`
	Inviter  string `json:"inviter"`
	Extended string `json:"extended,omitempty"`
}

type CallInviteePush struct {
	CallID string                  `json:"callId"`
	UserID string                  `json:"userId"`
	State  models.CallInviteeState `json:"state"`
}

type CallEndedPush struct {
	CallID   string `json:"callId"`
	Operator string `json:"operator,omitempty"`
	Extended string `json:"extended,omitempty"`
}

type FriendApplyPush struct {
	Application models.FriendApplication `json:"application"`
}

type FriendChangedPush struct {
	Event   string              `json:"event"` // added / deleted / updated
	Friends []models.FriendInfo `json:"friends"`
}
