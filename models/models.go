// Package models 定义引擎的核心领域模型与枚举。
// Message 采用“核心字段 + 按类型解释的变体载荷”结构，避免大而平的消息结构体中
// 出现与类型无关的未定义字段；撤回后的消息改写为墓碑形态，原类型与原载荷
// 保留在 Original* 字段中供审计使用。
package models

import "encoding/json"

// ConversationType 会话维度：单聊 / 房间 / 群组。
type ConversationType string

const (
	ConversationTypePeer  ConversationType = "peer"
	ConversationTypeRoom  ConversationType = "room"
	ConversationTypeGroup ConversationType = "group"
)

// MessageType 消息类型（变体标签）。
type MessageType string

const (
	MessageTypeText    MessageType = "text"
	MessageTypeCommand MessageType = "command"
	MessageTypeImage   MessageType = "image"
	MessageTypeFile    MessageType = "file"
	MessageTypeAudio   MessageType = "audio"
	MessageTypeVideo   MessageType = "video"
	MessageTypeBarrage MessageType = "barrage" // 弹幕：仅房间内、不入本地历史
	MessageTypeSystem  MessageType = "system"
	MessageTypeRevoke  MessageType = "revoke" // 撤回墓碑
	MessageTypeCombine MessageType = "combine"
	MessageTypeCustom  MessageType = "custom"
)

// IsMedia 是否媒体类消息（发送前需要上传，过程中产生进度事件）。
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeFile, MessageTypeAudio, MessageTypeVideo:
		return true
	}
	return false
}

// MessagePriority 发送优先级。
type MessagePriority int

const (
	PriorityLow    MessagePriority = 1
	PriorityMedium MessagePriority = 2
	PriorityHigh   MessagePriority = 3
)

// SentStatus 发送状态机：created → sending → ok/failed；入站消息直接为 ok。
type SentStatus string

const (
	SentStatusSending SentStatus = "sending"
	SentStatusOK      SentStatus = "ok"
	SentStatusFailed  SentStatus = "failed"
)

// ReceiptStatus 回执状态：群/房间按必读集合聚合，全部已读才为 done。
type ReceiptStatus string

const (
	ReceiptStatusNone       ReceiptStatus = "none"
	ReceiptStatusProcessing ReceiptStatus = "processing"
	ReceiptStatusDone       ReceiptStatus = "done"
	ReceiptStatusExpired    ReceiptStatus = "expired"
	ReceiptStatusFailed     ReceiptStatus = "failed"
)

// Message 一条消息。
// - LocalMsgID 创建即分配，重试间保持稳定，用于 UI 关联
// - ServerMsgID 服务端确认前为空
// - OrderKey 为会话内权威排序键（单调不减）；Timestamp 仅供展示，可能有时钟偏差
type Message struct {
	LocalMsgID  string           `json:"localMsgId"`
	ServerMsgID string           `json:"serverMsgId,omitempty"`
	ConvID      string           `json:"convId"`
	ConvType    ConversationType `json:"convType"`
	FromUserID  string           `json:"fromUserId"`
	Type        MessageType      `json:"type"`
	OrderKey    int64            `json:"orderKey"`
	Timestamp   int64            `json:"timestamp"` // 毫秒
	Priority    MessagePriority  `json:"priority,omitempty"`
	SentStatus  SentStatus       `json:"sentStatus"`

	HasReceipt    bool          `json:"hasReceipt,omitempty"`
	ReceiptStatus ReceiptStatus `json:"receiptStatus,omitempty"`

	MentionedUserIDs []string `json:"mentionedUserIds,omitempty"`

	// 按 Type 解释的变体载荷（TextPayload/ImagePayload/...）。
	Payload json.RawMessage `json:"payload,omitempty"`

	// 撤回墓碑的审计字段：原类型与原载荷。
	OriginalType    MessageType     `json:"originalType,omitempty"`
	OriginalPayload json.RawMessage `json:"originalPayload,omitempty"`
	RevokeExtended  string          `json:"revokeExtended,omitempty"`
}

// Clone 返回只读快照用副本（Payload 为不可变字节，直接共享）。
func (m *Message) Clone() *Message {
	cp := *m
	if m.MentionedUserIDs != nil {
		cp.MentionedUserIDs = append([]string(nil), m.MentionedUserIDs...)
	}
	return &cp
}

// 文本消息载荷
type TextPayload struct {
	Text string `json:"text"`
}

// 命令消息载荷（透传二进制，JSON 下为 base64）
type CommandPayload struct {
	Data []byte `json:"data"`
}

// 图片消息载荷
type ImagePayload struct {
	URL       string `json:"url,omitempty"` // 上传完成后由服务端分配
	LocalPath string `json:"localPath,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// 文件消息载荷
type FilePayload struct {
	URL       string `json:"url,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
	Name      string `json:"name"`
	Size      int64  `json:"size,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// 语音消息载荷
type AudioPayload struct {
	URL       string `json:"url,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
	Duration  int    `json:"duration"` // 秒
	Size      int64  `json:"size,omitempty"`
}

// 视频消息载荷
type VideoPayload struct {
	URL       string `json:"url,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
	Duration  int    `json:"duration"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// 弹幕消息载荷
type BarragePayload struct {
	Text string `json:"text"`
}

// 系统消息载荷
type SystemPayload struct {
	Text string `json:"text"`
}

// 合并转发消息载荷
type CombinePayload struct {
	Title        string   `json:"title"`
	Summary      []string `json:"summary,omitempty"`
	MessageIDs   []string `json:"messageIds"`
	SourceConvID string   `json:"sourceConvId,omitempty"`
}

// 自定义消息载荷
type CustomPayload struct {
	SubType int    `json:"subType,omitempty"`
	Data    string `json:"data"`
}

// MediaLocalPath 取媒体消息的本地文件路径（非媒体返回空）。
func MediaLocalPath(t MessageType, payload json.RawMessage) string {
	var probe struct {
		LocalPath string `json:"localPath"`
	}
	if !t.IsMedia() || len(payload) == 0 {
		return ""
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.LocalPath
}

// NotificationStatus 会话免打扰状态。
type NotificationStatus string

const (
	NotificationEnabled      NotificationStatus = "enabled"
	NotificationDoNotDisturb NotificationStatus = "doNotDisturb"
)

// Conversation 会话索引记录：由消息/房间/群事件派生，应用不可直接构造。
type Conversation struct {
	ID                 string             `json:"id"`
	Type               ConversationType   `json:"type"`
	Name               string             `json:"name,omitempty"`
	UnreadCount        int                `json:"unreadCount"`
	LastMessage        *Message           `json:"lastMessage,omitempty"`
	OrderKey           int64              `json:"orderKey"`
	Pinned             bool               `json:"pinned"`
	NotificationStatus NotificationStatus `json:"notificationStatus"`
	Draft              string             `json:"draft,omitempty"`
}

func (c *Conversation) Clone() *Conversation {
	cp := *c
	if c.LastMessage != nil {
		cp.LastMessage = c.LastMessage.Clone()
	}
	return &cp
}

// ConversationEvent 会话变更事件种类。
type ConversationEvent string

const (
	ConversationAdded   ConversationEvent = "added"
	ConversationUpdated ConversationEvent = "updated"
	ConversationDeleted ConversationEvent = "deleted"
)

// ConversationChange 单条会话变更（批量通知中的一项）。
type ConversationChange struct {
	Event        ConversationEvent `json:"event"`
	Conversation *Conversation     `json:"conversation"`
}

// ConnectionState 连接状态机状态。
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
)

// ConnectionEvent 状态迁移的原因标签。
type ConnectionEvent string

const (
	ConnEventSuccess         ConnectionEvent = "success"
	ConnEventActiveLogin     ConnectionEvent = "activeLogin"
	ConnEventLoginFailed     ConnectionEvent = "loginFailed"
	ConnEventInterrupted     ConnectionEvent = "interrupted"
	ConnEventKickedOut       ConnectionEvent = "kickedOut"
	ConnEventTokenExpired    ConnectionEvent = "tokenExpired"
	ConnEventLogout          ConnectionEvent = "logout"
	ConnEventReconnectFailed ConnectionEvent = "reconnectFailed"
)

// RoomInfo 房间元信息。房间是瞬态的：最后一个成员断开即销毁。
type RoomInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoomAttribute 房间属性（带创建者，默认仅创建者可改）。
type RoomAttribute struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Owner      string `json:"owner"`
	AutoDelete bool   `json:"autoDelete,omitempty"` // 创建者离开时自动删除
}

// RoomAttributesSetConfig 房间属性写入配置。
type RoomAttributesSetConfig struct {
	Force          bool `json:"force"`          // 跨创建者强制覆盖
	AutoDelete     bool `json:"autoDelete"`     // 创建者离开后删除
	UpdateOwner    bool `json:"updateOwner"`    // 覆盖时是否更新创建者
	NotifyYourself bool `json:"notifyYourself"` // 是否给自己也下发变更通知
}

// RoomMember 房间成员。
type RoomMember struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// RoomEvent 房间状态事件。
type RoomEvent string

const (
	RoomEventEntered     RoomEvent = "entered"
	RoomEventLeft        RoomEvent = "left"
	RoomEventDestroyed   RoomEvent = "destroyed" // 视同本端离开
	RoomEventInterrupted RoomEvent = "interrupted"
)

// GroupMemberRole 群成员角色。
type GroupMemberRole int

const (
	GroupRoleOwner  GroupMemberRole = 1
	GroupRoleAdmin  GroupMemberRole = 2
	GroupRoleMember GroupMemberRole = 3
)

// GroupMuteMode 群禁言模式；all 优先于成员/角色级控制。
type GroupMuteMode string

const (
	GroupMuteNone   GroupMuteMode = "none"
	GroupMuteAll    GroupMuteMode = "all"
	GroupMuteCustom GroupMuteMode = "custom" // 按角色列表
)

// GroupInfo 群组元信息。群组持久存在，仅显式解散或按业务规则销毁。
type GroupInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Notice      string            `json:"notice,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MuteMode    GroupMuteMode     `json:"muteMode"`
	MuteExpire  int64             `json:"muteExpire,omitempty"` // 毫秒时间戳，0 表示无限期
	MutedRoles  []GroupMemberRole `json:"mutedRoles,omitempty"`
	OwnerUserID string            `json:"ownerUserId"`
}

// GroupMember 群成员（MuteUntil 为毫秒时间戳，0 表示未禁言）。
type GroupMember struct {
	GroupID   string          `json:"groupId"`
	UserID    string          `json:"userId"`
	Role      GroupMemberRole `json:"role"`
	Nickname  string          `json:"nickname,omitempty"`
	MuteUntil int64           `json:"muteUntil,omitempty"`
}

// GroupEvent 群状态事件。
type GroupEvent string

const (
	GroupEventCreated   GroupEvent = "created"
	GroupEventDismissed GroupEvent = "dismissed"
	GroupEventJoined    GroupEvent = "joined"
	GroupEventLeft      GroupEvent = "left"
	GroupEventInvited   GroupEvent = "invited"
	GroupEventKicked    GroupEvent = "kicked"
)

// CallMode 呼叫模式；advanced 支持增量邀请与主动加入。
type CallMode int

const (
	CallModeGeneral  CallMode = 0
	CallModeAdvanced CallMode = 1
)

// CallState 呼叫级状态。
type CallState string

const (
	CallStateStarted CallState = "started"
	CallStateEnded   CallState = "ended"
)

// CallInviteeState 单个被邀请者的状态。
type CallInviteeState string

const (
	InviteeInviting  CallInviteeState = "inviting"
	InviteeAccepted  CallInviteeState = "accepted"
	InviteeRejected  CallInviteeState = "rejected"
	InviteeCancelled CallInviteeState = "cancelled"
	InviteeTimeout   CallInviteeState = "timeout"
	InviteeOffline   CallInviteeState = "offline"
	InviteeQuit      CallInviteeState = "quit"
)

// Terminal 是否终态（终态后的应答操作返回 already-handled 冲突）。
func (s CallInviteeState) Terminal() bool {
	switch s {
	case InviteeRejected, InviteeCancelled, InviteeTimeout, InviteeOffline:
		return true
	}
	return false
}

// CallInvitee 被邀请者及其状态。
type CallInvitee struct {
	UserID string           `json:"userId"`
	State  CallInviteeState `json:"state"`
}

// CallInfo 一次呼叫。瞬态，进入终态后销毁。
type CallInfo struct {
	CallID       string        `json:"callId"`
	Caller       string        `json:"caller"`  // 发起者
	Inviter      string        `json:"inviter"` // 最近一次邀请的发出者（advanced 下可不同于 Caller）
	Mode         CallMode      `json:"mode"`
	State        CallState     `json:"state"`
	Invitees     []CallInvitee `json:"invitees"`
	TimeoutSec   int           `json:"timeoutSec"`
	ExtendedData string        `json:"extendedData,omitempty"`
	CreatedAt    int64         `json:"createdAt"`
}

func (c *CallInfo) Clone() *CallInfo {
	cp := *c
	cp.Invitees = append([]CallInvitee(nil), c.Invitees...)
	return &cp
}

// InviteeByID 查找被邀请者，未找到返回 -1。
func (c *CallInfo) InviteeByID(userID string) int {
	for i := range c.Invitees {
		if c.Invitees[i].UserID == userID {
			return i
		}
	}
	return -1
}

// FriendApplicationState 好友申请状态。
type FriendApplicationState string

const (
	ApplicationWaiting  FriendApplicationState = "waiting"
	ApplicationAccepted FriendApplicationState = "accepted"
	ApplicationRejected FriendApplicationState = "rejected"
	ApplicationExpired  FriendApplicationState = "expired"
	ApplicationDisabled FriendApplicationState = "disabled"
)

// FriendInfo 好友关系。
type FriendInfo struct {
	UserID     string            `json:"userId"`
	Alias      string            `json:"alias,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  int64             `json:"createdAt"`
	UpdatedAt  int64             `json:"updatedAt"`
}

// FriendApplication 好友申请。
type FriendApplication struct {
	ApplyUserID string                 `json:"applyUserId"`
	Wording     string                 `json:"wording,omitempty"`
	State       FriendApplicationState `json:"state"`
	CreatedAt   int64                  `json:"createdAt"`
	UpdatedAt   int64                  `json:"updatedAt"`
}
