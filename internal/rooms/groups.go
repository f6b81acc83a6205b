package rooms

import (
	"encoding/json"
	"sync"
	"time"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/models"
)

// GroupEvents 群组事件钩子。
type GroupEvents struct {
	OnGroupStateChanged  func(groupID string, event models.GroupEvent, operator string, group *models.GroupInfo)
	OnGroupMemberChanged func(groupID string, event models.GroupEvent, operator string, members []models.GroupMember)
	OnGroupMuteChanged   func(groupID string, mode models.GroupMuteMode, muteExpire int64, roles []models.GroupMemberRole)
	OnGroupAttributes    func(groupID string, updated map[string]string, deleted []string)
}

// GroupDeps 依赖。
type GroupDeps struct {
	Send   func(f *protocol.Frame) *errs.Error
	Corr   *seq.Correlator
	SelfID func() string
	Events GroupEvents
}

// GroupTracker 已加入群组的本地视图。群组持久存在，断线不清空。
type GroupTracker struct {
	mu     sync.Mutex
	deps   GroupDeps
	groups map[string]*models.GroupInfo
}

func NewGroupTracker(deps GroupDeps) *GroupTracker {
	return &GroupTracker{deps: deps, groups: make(map[string]*models.GroupInfo)}
}

// GroupCallback 群操作回调。
type GroupCallback func(group *models.GroupInfo, err *errs.Error)

// BatchCallback 按成员列表操作的回调；itemErrs 为逐成员的部分失败。
type BatchCallback func(itemErrs []errs.ItemError, err *errs.Error)

func (g *GroupTracker) complete(seqID int64, err *errs.Error) {
	g.deps.Corr.Complete(seqID, &seq.Result{Err: err})
}

// Get 群信息快照（本地缓存）。
func (g *GroupTracker) Get(groupID string) (*models.GroupInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.groups[groupID]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

func (g *GroupTracker) cache(info *models.GroupInfo) {
	g.mu.Lock()
	cp := *info
	g.groups[info.ID] = &cp
	g.mu.Unlock()
}

func (g *GroupTracker) drop(groupID string) {
	g.mu.Lock()
	delete(g.groups, groupID)
	g.mu.Unlock()
}

// groupReplyOp 回包为 GroupReply 的操作共用路径。
func (g *GroupTracker) groupReplyOp(cmd string, req interface{}, cb GroupCallback) int64 {
	seqID := g.deps.Corr.Submit(cmd, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.GroupReply
		if err := json.Unmarshal(res.Data, &reply); err != nil {
			if cb != nil {
				cb(nil, errs.Newf(errs.CodeServerError, "bad group reply: %v", err))
			}
			return
		}
		g.cache(&reply.Group)
		if cb != nil {
			group := reply.Group
			cb(&group, nil)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(cmd, seqID, req)); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// CreateGroup 建群（可带初始成员与属性）；id 冲突返回 group_already_exists。
func (g *GroupTracker) CreateGroup(req *protocol.CreateGroupRequest, cb GroupCallback) int64 {
	return g.groupReplyOp(protocol.CmdCreateGroup, req, cb)
}

// JoinGroup 加入群。
func (g *GroupTracker) JoinGroup(groupID string, cb GroupCallback) int64 {
	return g.groupReplyOp(protocol.CmdJoinGroup, &protocol.GroupRequest{GroupID: groupID}, cb)
}

// LeaveGroup 退群。群主退群返回 group_owner_cannot_quit（需先转让或解散）。
func (g *GroupTracker) LeaveGroup(groupID string, cb func(err *errs.Error)) int64 {
	return g.simpleOp(protocol.CmdLeaveGroup, &protocol.GroupRequest{GroupID: groupID}, groupID, cb)
}

// DismissGroup 解散群（仅群主）。
func (g *GroupTracker) DismissGroup(groupID string, cb func(err *errs.Error)) int64 {
	return g.simpleOp(protocol.CmdDismissGroup, &protocol.GroupRequest{GroupID: groupID}, groupID, cb)
}

// simpleOp 成功后移除本地缓存的操作。
func (g *GroupTracker) simpleOp(cmd string, req interface{}, groupID string, cb func(err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(cmd, func(res *seq.Result) {
		if res.Err == nil {
			g.drop(groupID)
		}
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(cmd, seqID, req)); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// batchMemberOp 逐成员部分失败的操作共用路径。
func (g *GroupTracker) batchMemberOp(cmd string, req interface{}, cb BatchCallback) int64 {
	seqID := g.deps.Corr.Submit(cmd, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.GroupMembersReply
		_ = json.Unmarshal(res.Data, &reply)
		if cb != nil {
			cb(reply.Errors, nil)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(cmd, seqID, req)); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// InviteMembers 拉人进群；已在群内等失败逐成员返回。
func (g *GroupTracker) InviteMembers(groupID string, userIDs []string, cb BatchCallback) int64 {
	return g.batchMemberOp(protocol.CmdInviteGroupMembers, &protocol.GroupMembersRequest{GroupID: groupID, UserIDs: userIDs}, cb)
}

// KickMembers 踢人（权限：管理员及以上，且不能踢平级）。
func (g *GroupTracker) KickMembers(groupID string, userIDs []string, cb BatchCallback) int64 {
	return g.batchMemberOp(protocol.CmdKickGroupMembers, &protocol.GroupMembersRequest{GroupID: groupID, UserIDs: userIDs}, cb)
}

// MuteGroup 群级禁言：all 模式优先于任何成员/角色级控制。
func (g *GroupTracker) MuteGroup(groupID string, mode models.GroupMuteMode, durationSec int, roles []models.GroupMemberRole, cb func(err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(protocol.CmdMuteGroup, func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(protocol.CmdMuteGroup, seqID, &protocol.MuteGroupRequest{
		GroupID: groupID, Mode: mode, DurationSec: durationSec, Roles: roles,
	})); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// MuteMembers 成员级禁言（durationSec<=0 表示解除）。
func (g *GroupTracker) MuteMembers(groupID string, userIDs []string, durationSec int, cb BatchCallback) int64 {
	return g.batchMemberOp(protocol.CmdMuteGroupMembers, &protocol.MuteGroupMembersRequest{
		GroupID: groupID, UserIDs: userIDs, DurationSec: durationSec,
	}, cb)
}

// SetMemberRole 调整成员角色（仅群主）。
func (g *GroupTracker) SetMemberRole(groupID, userID string, role models.GroupMemberRole, cb func(err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(protocol.CmdSetGroupMemberRole, func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(protocol.CmdSetGroupMemberRole, seqID, &protocol.SetGroupMemberRoleRequest{
		GroupID: groupID, UserID: userID, Role: role,
	})); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// SetName / SetNotice 群资料。
func (g *GroupTracker) SetName(groupID, name string, cb func(err *errs.Error)) int64 {
	return g.textOp(protocol.CmdSetGroupName, groupID, name, cb)
}

func (g *GroupTracker) SetNotice(groupID, notice string, cb func(err *errs.Error)) int64 {
	return g.textOp(protocol.CmdSetGroupNotice, groupID, notice, cb)
}

func (g *GroupTracker) textOp(cmd, groupID, text string, cb func(err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(cmd, func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(cmd, seqID, &protocol.SetGroupTextRequest{GroupID: groupID, Text: text})); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// SetAttributes / DeleteAttributes / QueryAttributes 群自定义属性。
func (g *GroupTracker) SetAttributes(groupID string, attrs map[string]string, cb func(err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(protocol.CmdSetGroupAttributes, func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(protocol.CmdSetGroupAttributes, seqID, &protocol.GroupAttributesRequest{
		GroupID: groupID, Attributes: attrs,
	})); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

func (g *GroupTracker) DeleteAttributes(groupID string, keys []string, cb func(err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(protocol.CmdDelGroupAttributes, func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(protocol.CmdDelGroupAttributes, seqID, &protocol.GroupAttributesRequest{
		GroupID: groupID, Keys: keys,
	})); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

func (g *GroupTracker) QueryAttributes(groupID string, keys []string, cb func(attrs map[string]string, err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(protocol.CmdQueryGroupAttributes, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.GroupAttributesReply
		_ = json.Unmarshal(res.Data, &reply)
		if cb != nil {
			cb(reply.Attributes, nil)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(protocol.CmdQueryGroupAttributes, seqID, &protocol.GroupAttributesRequest{
		GroupID: groupID, Keys: keys,
	})); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// QueryGroupList 本端加入的全部群。
func (g *GroupTracker) QueryGroupList(cb func(groups []models.GroupInfo, err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(protocol.CmdQueryGroupList, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.QueryGroupListReply
		_ = json.Unmarshal(res.Data, &reply)
		for i := range reply.Groups {
			g.cache(&reply.Groups[i])
		}
		if cb != nil {
			cb(reply.Groups, nil)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(protocol.CmdQueryGroupList, seqID, nil)); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// QueryMemberList 分页群成员；nextFlag 为空表示到达末尾。
func (g *GroupTracker) QueryMemberList(groupID string, count int, nextFlag string, cb func(members []models.GroupMember, nextFlag string, err *errs.Error)) int64 {
	seqID := g.deps.Corr.Submit(protocol.CmdQueryGroupMemberList, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, "", res.Err)
			}
			return
		}
		var reply protocol.QueryGroupMemberListReply
		_ = json.Unmarshal(res.Data, &reply)
		if cb != nil {
			cb(reply.Members, reply.NextFlag, nil)
		}
	})
	if err := g.deps.Send(protocol.NewRequest(protocol.CmdQueryGroupMemberList, seqID, &protocol.QueryGroupMemberListRequest{
		GroupID: groupID, Count: count, NextFlag: nextFlag,
	})); err != nil {
		g.complete(seqID, err)
	}
	return seqID
}

// ---- 推送处理 ----

func (g *GroupTracker) HandleGroupState(push *protocol.GroupStatePush) {
	switch push.Event {
	case models.GroupEventDismissed, models.GroupEventLeft, models.GroupEventKicked:
		g.drop(push.GroupID)
	default:
		if push.Group != nil {
			g.cache(push.Group)
		}
	}
	if g.deps.Events.OnGroupStateChanged != nil {
		g.deps.Events.OnGroupStateChanged(push.GroupID, push.Event, push.Operator, push.Group)
	}
}

func (g *GroupTracker) HandleGroupMember(push *protocol.GroupMemberPush) {
	if g.deps.Events.OnGroupMemberChanged != nil {
		g.deps.Events.OnGroupMemberChanged(push.GroupID, push.Event, push.Operator, push.Members)
	}
}

func (g *GroupTracker) HandleGroupMute(push *protocol.GroupMutePush) {
	g.mu.Lock()
	if info, ok := g.groups[push.GroupID]; ok {
		info.MuteMode = push.Mode
		info.MuteExpire = push.MuteExpire
		info.MutedRoles = append([]models.GroupMemberRole(nil), push.Roles...)
	}
	g.mu.Unlock()
	if g.deps.Events.OnGroupMuteChanged != nil {
		g.deps.Events.OnGroupMuteChanged(push.GroupID, push.Mode, push.MuteExpire, push.Roles)
	}
}

func (g *GroupTracker) HandleGroupAttributes(push *protocol.GroupAttributesPush) {
	g.mu.Lock()
	if info, ok := g.groups[push.GroupID]; ok {
		if info.Attributes == nil {
			info.Attributes = make(map[string]string)
		}
		for k, v := range push.Updated {
			info.Attributes[k] = v
		}
		for _, k := range push.Deleted {
			delete(info.Attributes, k)
		}
	}
	g.mu.Unlock()
	if g.deps.Events.OnGroupAttributes != nil {
		g.deps.Events.OnGroupAttributes(push.GroupID, push.Updated, push.Deleted)
	}
}

// MemberMuted 成员是否被禁言的本地判定，镜像服务端规则：
// 群主不受禁言；all 优先；custom 按角色列表；成员级按 mute_until。
func MemberMuted(info *models.GroupInfo, m *models.GroupMember, now time.Time) bool {
	if m.Role == models.GroupRoleOwner {
		return false
	}
	groupMuteActive := info.MuteExpire == 0 || now.UnixMilli() < info.MuteExpire
	switch info.MuteMode {
	case models.GroupMuteAll:
		if groupMuteActive {
			return true
		}
	case models.GroupMuteCustom:
		if groupMuteActive {
			for _, r := range info.MutedRoles {
				if r == m.Role {
					return true
				}
			}
		}
	}
	return m.MuteUntil > 0 && now.UnixMilli() < m.MuteUntil
}
