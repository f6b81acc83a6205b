package server

import (
	"sort"
	"time"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/rooms"
	"go-imsdk/models"
)

// MaxGroupAttributes 群属性键数量上限。
const MaxGroupAttributes = 16

// group 持久群组：仅显式解散时销毁。
type group struct {
	info    models.GroupInfo
	members map[string]*models.GroupMember
}

func (g *group) memberList(except string) []string {
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		if id != except {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (g *group) memberSlice() []models.GroupMember {
	out := make([]models.GroupMember, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// memberMuted 禁言判定与客户端镜像保持同一套优先级。
func (g *group) memberMuted(m *models.GroupMember, now time.Time) bool {
	return rooms.MemberMuted(&g.info, m, now)
}

// lockGroup 取群并校验成员身份，出错时直接返回应答帧。调用方持有 c.mu。
func (c *Core) lockGroup(s *session, f *protocol.Frame, groupID string) (*group, *models.GroupMember, *protocol.Frame) {
	g, ok := c.groups[groupID]
	if !ok {
		return nil, nil, protocol.ReplyErr(f, errs.New(errs.CodeGroupNotExist, "group not exist"))
	}
	m, ok := g.members[s.userID]
	if !ok {
		return nil, nil, protocol.ReplyErr(f, errs.New(errs.CodeGroupNotJoined, "group not joined"))
	}
	return g, m, nil
}

// pushGroup 把群事件广播到全部成员（含操作者）。
func (c *Core) pushGroup(g *group, name string, data interface{}) {
	for _, t := range g.memberList("") {
		c.push(t, name, data)
	}
}

func (c *Core) handleCreateGroup(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.CreateGroupRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if req.GroupID == "" {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "groupId required"))
	}
	if len(req.Attributes) > MaxGroupAttributes {
		return protocol.ReplyErr(f, errs.Newf(errs.CodeGroupAttributesFull, "at most %d attributes", MaxGroupAttributes))
	}

	c.mu.Lock()
	if _, exists := c.groups[req.GroupID]; exists {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupAlreadyExists, "group already exists"))
	}
	g := &group{
		info: models.GroupInfo{
			ID:          req.GroupID,
			Name:        req.Name,
			Notice:      req.Notice,
			Attributes:  req.Attributes,
			MuteMode:    models.GroupMuteNone,
			OwnerUserID: s.userID,
		},
		members: make(map[string]*models.GroupMember),
	}
	g.members[s.userID] = &models.GroupMember{GroupID: req.GroupID, UserID: s.userID, Role: models.GroupRoleOwner}
	var invited []models.GroupMember
	for _, id := range req.UserIDs {
		if id == s.userID || g.members[id] != nil {
			continue
		}
		m := &models.GroupMember{GroupID: req.GroupID, UserID: id, Role: models.GroupRoleMember}
		g.members[id] = m
		invited = append(invited, *m)
	}
	c.groups[req.GroupID] = g
	info := g.info
	c.mu.Unlock()

	for _, m := range invited {
		c.push(m.UserID, protocol.PushGroupState, &protocol.GroupStatePush{
			GroupID: req.GroupID, Event: models.GroupEventInvited, Operator: s.userID, Group: &info,
		})
	}
	return protocol.ReplyOK(f, &protocol.GroupReply{Group: info})
}

func (c *Core) handleJoinGroup(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.GroupRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, ok := c.groups[req.GroupID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupNotExist, "group not exist"))
	}
	if g.members[s.userID] != nil {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupAlreadyJoined, "already in group"))
	}
	m := &models.GroupMember{GroupID: req.GroupID, UserID: s.userID, Role: models.GroupRoleMember}
	g.members[s.userID] = m
	info := g.info
	joined := *m
	c.mu.Unlock()

	c.pushGroup(g, protocol.PushGroupMember, &protocol.GroupMemberPush{
		GroupID: req.GroupID, Event: models.GroupEventJoined, Operator: s.userID,
		Members: []models.GroupMember{joined},
	})
	return protocol.ReplyOK(f, &protocol.GroupReply{Group: info})
}

func (c *Core) handleLeaveGroup(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.GroupRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, m, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	if m.Role == models.GroupRoleOwner {
		// 群主须先转让或解散
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupOwnerCannotQuit, "owner must transfer or dismiss first"))
	}
	left := *m
	delete(g.members, s.userID)
	c.mu.Unlock()

	c.push(s.userID, protocol.PushGroupState, &protocol.GroupStatePush{
		GroupID: req.GroupID, Event: models.GroupEventLeft, Operator: s.userID,
	})
	c.pushGroup(g, protocol.PushGroupMember, &protocol.GroupMemberPush{
		GroupID: req.GroupID, Event: models.GroupEventLeft, Operator: s.userID,
		Members: []models.GroupMember{left},
	})
	return protocol.ReplyOK(f, nil)
}

func (c *Core) handleDismissGroup(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.GroupRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, m, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	if m.Role != models.GroupRoleOwner {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupPermissionDeny, "only owner can dismiss"))
	}
	members := g.memberList("")
	delete(c.groups, req.GroupID)
	delete(c.convs, convKey{req.GroupID, models.ConversationTypeGroup})
	c.mu.Unlock()

	for _, t := range members {
		c.push(t, protocol.PushGroupState, &protocol.GroupStatePush{
			GroupID: req.GroupID, Event: models.GroupEventDismissed, Operator: s.userID,
		})
	}
	return protocol.ReplyOK(f, nil)
}

func (c *Core) handleInviteGroupMembers(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.GroupMembersRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, _, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	reply := &protocol.GroupMembersReply{}
	var invited []models.GroupMember
	for _, id := range req.UserIDs {
		if g.members[id] != nil {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeGroupAlreadyJoined, "already in group")})
			continue
		}
		m := &models.GroupMember{GroupID: req.GroupID, UserID: id, Role: models.GroupRoleMember}
		g.members[id] = m
		invited = append(invited, *m)
	}
	info := g.info
	c.mu.Unlock()

	if len(invited) > 0 {
		for _, m := range invited {
			c.push(m.UserID, protocol.PushGroupState, &protocol.GroupStatePush{
				GroupID: req.GroupID, Event: models.GroupEventInvited, Operator: s.userID, Group: &info,
			})
		}
		c.pushGroup(g, protocol.PushGroupMember, &protocol.GroupMemberPush{
			GroupID: req.GroupID, Event: models.GroupEventInvited, Operator: s.userID, Members: invited,
		})
	}
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleKickGroupMembers(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.GroupMembersRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, op, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	if op.Role == models.GroupRoleMember {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupPermissionDeny, "admin role required"))
	}
	reply := &protocol.GroupMembersReply{}
	var kicked []models.GroupMember
	for _, id := range req.UserIDs {
		m, ok := g.members[id]
		if !ok {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeGroupMemberNotExist, "not in group")})
			continue
		}
		// 管理员不能踢群主或同级
		if m.Role <= op.Role {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeGroupPermissionDeny, "cannot kick this role")})
			continue
		}
		kicked = append(kicked, *m)
		delete(g.members, id)
	}
	c.mu.Unlock()

	if len(kicked) > 0 {
		for _, m := range kicked {
			c.push(m.UserID, protocol.PushGroupState, &protocol.GroupStatePush{
				GroupID: req.GroupID, Event: models.GroupEventKicked, Operator: s.userID,
			})
		}
		c.pushGroup(g, protocol.PushGroupMember, &protocol.GroupMemberPush{
			GroupID: req.GroupID, Event: models.GroupEventKicked, Operator: s.userID, Members: kicked,
		})
	}
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleMuteGroup(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.MuteGroupRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, op, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	if op.Role == models.GroupRoleMember {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupPermissionDeny, "admin role required"))
	}
	g.info.MuteMode = req.Mode
	g.info.MutedRoles = nil
	g.info.MuteExpire = 0
	if req.Mode == models.GroupMuteCustom {
		g.info.MutedRoles = req.Roles
	}
	if req.Mode != models.GroupMuteNone && req.DurationSec > 0 {
		g.info.MuteExpire = c.opts.Now().Add(time.Duration(req.DurationSec) * time.Second).UnixMilli()
	}
	push := &protocol.GroupMutePush{
		GroupID: req.GroupID, Mode: g.info.MuteMode,
		MuteExpire: g.info.MuteExpire, Roles: g.info.MutedRoles,
	}
	c.mu.Unlock()

	c.pushGroup(g, protocol.PushGroupMute, push)
	return protocol.ReplyOK(f, nil)
}

func (c *Core) handleMuteGroupMembers(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.MuteGroupMembersRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, op, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	if op.Role == models.GroupRoleMember {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupPermissionDeny, "admin role required"))
	}
	if req.DurationSec < 0 {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "durationSec must be >= 0"))
	}
	// durationSec 0 表示解除成员禁言
	var until int64
	if req.DurationSec > 0 {
		until = c.opts.Now().Add(time.Duration(req.DurationSec) * time.Second).UnixMilli()
	}
	reply := &protocol.GroupMembersReply{}
	var changed []models.GroupMember
	for _, id := range req.UserIDs {
		m, ok := g.members[id]
		if !ok {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeGroupMemberNotExist, "not in group")})
			continue
		}
		if m.Role <= op.Role && id != s.userID {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeGroupPermissionDeny, "cannot mute this role")})
			continue
		}
		m.MuteUntil = until
		changed = append(changed, *m)
	}
	c.mu.Unlock()

	if len(changed) > 0 {
		c.pushGroup(g, protocol.PushGroupMember, &protocol.GroupMemberPush{
			GroupID: req.GroupID, Event: models.GroupEvent("muted"), Operator: s.userID, Members: changed,
		})
	}
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleSetGroupMemberRole(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.SetGroupMemberRoleRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if req.Role != models.GroupRoleAdmin && req.Role != models.GroupRoleMember {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "role must be admin or member"))
	}
	c.mu.Lock()
	g, op, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	if op.Role != models.GroupRoleOwner {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupPermissionDeny, "only owner can set roles"))
	}
	m, ok := g.members[req.UserID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupMemberNotExist, "not in group"))
	}
	m.Role = req.Role
	changed := *m
	c.mu.Unlock()

	c.pushGroup(g, protocol.PushGroupMember, &protocol.GroupMemberPush{
		GroupID: req.GroupID, Event: models.GroupEvent("role_changed"), Operator: s.userID,
		Members: []models.GroupMember{changed},
	})
	return protocol.ReplyOK(f, nil)
}

func (c *Core) handleSetGroupText(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.SetGroupTextRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, op, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	if op.Role == models.GroupRoleMember {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupPermissionDeny, "admin role required"))
	}
	if f.Cmd == protocol.CmdSetGroupName {
		g.info.Name = req.Text
	} else {
		g.info.Notice = req.Text
	}
	info := g.info
	c.mu.Unlock()

	c.pushGroup(g, protocol.PushGroupState, &protocol.GroupStatePush{
		GroupID: req.GroupID, Event: models.GroupEvent("updated"), Operator: s.userID, Group: &info,
	})
	return protocol.ReplyOK(f, &protocol.GroupReply{Group: info})
}

func (c *Core) handleGroupAttrsWrite(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.GroupAttributesRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, op, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	if op.Role == models.GroupRoleMember {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeGroupPermissionDeny, "admin role required"))
	}
	push := &protocol.GroupAttributesPush{GroupID: req.GroupID}
	if f.Cmd == protocol.CmdSetGroupAttributes {
		if g.info.Attributes == nil {
			g.info.Attributes = make(map[string]string)
		}
		newKeys := 0
		for k := range req.Attributes {
			if _, exists := g.info.Attributes[k]; !exists {
				newKeys++
			}
		}
		if len(g.info.Attributes)+newKeys > MaxGroupAttributes {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.Newf(errs.CodeGroupAttributesFull, "attribute count would exceed %d", MaxGroupAttributes))
		}
		push.Updated = make(map[string]string, len(req.Attributes))
		for k, v := range req.Attributes {
			g.info.Attributes[k] = v
			push.Updated[k] = v
		}
	} else {
		for _, k := range req.Keys {
			if _, exists := g.info.Attributes[k]; exists {
				delete(g.info.Attributes, k)
				push.Deleted = append(push.Deleted, k)
			}
		}
		sort.Strings(push.Deleted)
	}
	c.mu.Unlock()

	if len(push.Updated) > 0 || len(push.Deleted) > 0 {
		c.pushGroup(g, protocol.PushGroupAttributes, push)
	}
	return protocol.ReplyOK(f, nil)
}

func (c *Core) handleGroupAttrsQuery(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.GroupAttributesRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	g, _, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	reply := &protocol.GroupAttributesReply{Attributes: make(map[string]string)}
	if len(req.Keys) == 0 {
		for k, v := range g.info.Attributes {
			reply.Attributes[k] = v
		}
	} else {
		for _, k := range req.Keys {
			if v, exists := g.info.Attributes[k]; exists {
				reply.Attributes[k] = v
			}
		}
	}
	c.mu.Unlock()
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleQueryGroupList(s *session, f *protocol.Frame) *protocol.Frame {
	c.mu.Lock()
	reply := &protocol.QueryGroupListReply{}
	for _, g := range c.groups {
		if g.members[s.userID] != nil {
			reply.Groups = append(reply.Groups, g.info)
		}
	}
	c.mu.Unlock()
	sort.Slice(reply.Groups, func(i, j int) bool { return reply.Groups[i].ID < reply.Groups[j].ID })
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleGroupMemberList(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.QueryGroupMemberListRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	offset, derr := decodeCursor(req.NextFlag)
	if derr != nil {
		return protocol.ReplyErr(f, derr)
	}
	count := req.Count
	if count <= 0 || count > c.opts.HistoryPageMax {
		count = c.opts.HistoryPageMax
	}

	c.mu.Lock()
	g, _, errReply := c.lockGroup(s, f, req.GroupID)
	if errReply != nil {
		c.mu.Unlock()
		return errReply
	}
	all := g.memberSlice()
	c.mu.Unlock()

	start := int(offset)
	if start > len(all) {
		start = len(all)
	}
	end := start + count
	if end > len(all) {
		end = len(all)
	}
	reply := &protocol.QueryGroupMemberListReply{Members: all[start:end]}
	if end < len(all) {
		reply.NextFlag = encodeCursor(int64(end))
	}
	return protocol.ReplyOK(f, reply)
}
