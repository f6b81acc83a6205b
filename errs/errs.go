// Package errs 定义 SDK 的数字错误码与错误类型：
// - 所有异步操作只通过回调携带 *Error 返回结果（nil 表示成功）
// - 引擎内部不跨 API 边界 panic
// - 批量操作返回整体结果 + 按条目的错误列表，调用方需同时核对两者
package errs

import "fmt"

// Error 携带模块化数字错误码与可读信息。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("imsdk error %d: %s", e.Code, e.Message)
}

func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is 判断错误码是否匹配（err 为 nil 时恒为 false）。
func Is(err *Error, code int) bool {
	return err != nil && err.Code == code
}

// ItemError 批量操作中单个条目的失败信息（例如邀请多个用户、批量设置属性）。
type ItemError struct {
	ID  string `json:"id"`
	Err *Error `json:"error"`
}

// 错误码按模块分段：1xxx 通用/会话，2xxx 消息，3xxx 会话索引，
// 4xxx 房间，5xxx 群组，6xxx 呼叫，7xxx 好友/黑名单。
const (
	CodeInvalidParam  = 1001 // 参数校验失败
	CodeNotCreated    = 1002 // 实例未创建或已销毁
	CodeNoSession     = 1003 // 未登录，无可用会话
	CodeNetwork       = 1004 // 网络/传输错误
	CodeTimeout       = 1005 // 请求超时
	CodeSessionClosed = 1006 // 登出/销毁时挂起请求被取消
	CodeServerError   = 1007 // 服务端内部错误

	CodeTokenInvalid      = 1101
	CodeTokenExpired      = 1102
	CodeKickedOut         = 1103 // 同账号在他处登录被踢
	CodeUserNotRegistered = 1104

	CodeMessageSendFailed      = 2001
	CodeMessageTooLarge        = 2002
	CodeMessageAuditRejected   = 2003 // 内容审核拒绝
	CodeMessageSenderMuted     = 2004
	CodeMessageNotFound        = 2101
	CodeRevokeWindowExceeded   = 2201 // 超出可撤回时间窗
	CodeMessageAlreadyRevoked  = 2202
	CodeMediaFileNotFound      = 2301
	CodeMediaUploadInterrupted = 2302

	CodeConversationNotExist = 3001

	CodeRoomNotExist               = 4001
	CodeRoomAlreadyExists          = 4002
	CodeRoomNotJoined              = 4003
	CodeRoomAlreadyJoined          = 4004
	CodeRoomAttributesFull         = 4101 // 属性键数量超限（检查为全有或全无）
	CodeRoomAttributeKeyInvalid    = 4102
	CodeRoomAttributeValueTooLong  = 4103
	CodeRoomAttributesSizeExceeded = 4104 // 属性总大小超限
	CodeRoomAttributeNotOwned      = 4105 // 非创建者修改且未加 force
	CodeRoomBatchNotOpen           = 4106
	CodeRoomBatchAlreadyOpen       = 4107

	CodeGroupNotExist        = 5001
	CodeGroupAlreadyExists   = 5002
	CodeGroupNotJoined       = 5003
	CodeGroupAlreadyJoined   = 5004
	CodeGroupPermissionDeny  = 5005
	CodeGroupMuted           = 5006 // 群全员禁言
	CodeGroupMemberMuted     = 5007
	CodeGroupMemberNotExist  = 5008
	CodeGroupAttributesFull  = 5101
	CodeGroupDismissed       = 5102
	CodeGroupOwnerCannotQuit = 5103

	CodeCallNotExist       = 6001
	CodeCallAlreadyEnded   = 6002
	CodeCallNotInvited     = 6003
	CodeCallAlreadyHandled = 6004 // 已接受/拒绝后重复操作
	CodeCallInviteeOffline = 6005
	CodeCallNotAdvanced    = 6006 // 仅 advanced 模式支持的操作
	CodeCallNotJoined      = 6007

	CodeFriendAlreadyExists       = 7001
	CodeFriendNotExist            = 7002
	CodeFriendListFull            = 7003
	CodeFriendApplicationNotExist = 7101
	CodeFriendApplicationExpired  = 7102
	CodeBlacklistFull             = 7201
	CodeAlreadyInBlacklist        = 7202
	CodeNotInBlacklist            = 7203
)

// 常用预置错误（挂起请求取消、未登录快速失败等高频路径复用同一实例）。
var (
	ErrSessionClosed = New(CodeSessionClosed, "session closed, pending request cancelled")
	ErrNoSession     = New(CodeNoSession, "not logged in")
	ErrNotCreated    = New(CodeNotCreated, "engine not created or already destroyed")
)
