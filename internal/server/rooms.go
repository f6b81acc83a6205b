package server

import (
	"sort"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/rooms"
	"go-imsdk/models"
)

// MaxRoomMembers 单房间人数上限。
const MaxRoomMembers = 500

// room 瞬态房间：随连接存活，最后一个成员离开即销毁。
type room struct {
	info    models.RoomInfo
	creator string
	members map[string]bool
	attrs   map[string]models.RoomAttribute
}

func (r *room) memberList(except string) []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		if id != except {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Core) handleRoomEnter(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.RoomRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if req.RoomID == "" {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "roomId required"))
	}

	c.mu.Lock()
	r, exists := c.rooms[req.RoomID]
	switch f.Cmd {
	case protocol.CmdCreateRoom:
		if exists {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.New(errs.CodeRoomAlreadyExists, "room already exists"))
		}
	case protocol.CmdJoinRoom:
		if !exists {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.New(errs.CodeRoomNotExist, "room not exist"))
		}
	}
	if !exists {
		r = &room{
			info:    models.RoomInfo{ID: req.RoomID, Name: req.RoomName},
			creator: s.userID,
			members: make(map[string]bool),
			attrs:   make(map[string]models.RoomAttribute),
		}
		c.rooms[req.RoomID] = r
	}
	if r.members[s.userID] {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomAlreadyJoined, "already in room"))
	}
	if len(r.members) >= MaxRoomMembers {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "room full"))
	}
	r.members[s.userID] = true
	others := r.memberList(s.userID)
	info := r.info
	c.mu.Unlock()

	for _, t := range others {
		c.push(t, protocol.PushRoomMemberIn, &protocol.RoomMemberPush{
			RoomID:  req.RoomID,
			Members: []models.RoomMember{{UserID: s.userID}},
		})
	}
	return protocol.ReplyOK(f, &protocol.RoomReply{Room: info})
}

func (c *Core) handleRoomLeave(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.RoomRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if err := c.leaveRoom(s.userID, req.RoomID); err != nil {
		return protocol.ReplyErr(f, err)
	}
	return protocol.ReplyOK(f, nil)
}

func (c *Core) leaveRoom(userID, roomID string) *errs.Error {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return errs.New(errs.CodeRoomNotExist, "room not exist")
	}
	if !r.members[userID] {
		c.mu.Unlock()
		return errs.New(errs.CodeRoomNotJoined, "room not joined")
	}
	delete(r.members, userID)

	// 创建者离开：清掉标记了 autoDelete 的属性
	var autoDeleted []string
	for k, a := range r.attrs {
		if a.Owner == userID && a.AutoDelete {
			delete(r.attrs, k)
			autoDeleted = append(autoDeleted, k)
		}
	}
	sort.Strings(autoDeleted)

	if len(r.members) == 0 {
		// 最后一个成员离开即销毁（无人可通知）
		delete(c.rooms, roomID)
		delete(c.convs, convKey{roomID, models.ConversationTypeRoom})
		c.mu.Unlock()
		return nil
	}
	remaining := r.memberList("")
	c.mu.Unlock()

	for _, t := range remaining {
		c.push(t, protocol.PushRoomMemberOut, &protocol.RoomMemberPush{
			RoomID:  roomID,
			Members: []models.RoomMember{{UserID: userID}},
		})
		if len(autoDeleted) > 0 {
			c.push(t, protocol.PushRoomAttributes, &protocol.RoomAttributesPush{RoomID: roomID, Deleted: autoDeleted})
		}
	}
	return nil
}

func (c *Core) leaveAllRooms(userID string) {
	c.mu.Lock()
	var joined []string
	for id, r := range c.rooms {
		if r.members[userID] {
			joined = append(joined, id)
		}
	}
	c.mu.Unlock()
	for _, id := range joined {
		_ = c.leaveRoom(userID, id)
	}
}

func (c *Core) handleRoomMembers(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.QueryRoomMembersRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	r, ok := c.rooms[req.RoomID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomNotExist, "room not exist"))
	}
	reply := &protocol.QueryRoomMembersReply{}
	for _, id := range req.UserIDs {
		if r.members[id] {
			reply.Members = append(reply.Members, models.RoomMember{UserID: id})
		} else {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeRoomNotJoined, "not in room")})
		}
	}
	c.mu.Unlock()
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleRoomMemberList(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.QueryRoomMemberListRequest
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
	r, ok := c.rooms[req.RoomID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomNotExist, "room not exist"))
	}
	all := r.memberList("")
	c.mu.Unlock()

	start := int(offset)
	if start > len(all) {
		start = len(all)
	}
	end := start + count
	if end > len(all) {
		end = len(all)
	}
	reply := &protocol.QueryRoomMemberListReply{}
	for _, id := range all[start:end] {
		reply.Members = append(reply.Members, models.RoomMember{UserID: id})
	}
	if end < len(all) {
		reply.NextFlag = encodeCursor(int64(end))
	}
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleRoomSetAttrs(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.SetRoomAttributesRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	r, ok := c.rooms[req.RoomID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomNotExist, "room not exist"))
	}
	if !r.members[s.userID] {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomNotJoined, "room not joined"))
	}

	// 配额检查整批生效或整批拒绝
	newKeys := 0
	total := 0
	for _, a := range r.attrs {
		total += len(a.Key) + len(a.Value)
	}
	for k, v := range req.Attributes {
		if k == "" || len(k) > rooms.MaxRoomAttributeKeyLen {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.Newf(errs.CodeRoomAttributeKeyInvalid, "invalid key %q", k))
		}
		if len(v) > rooms.MaxRoomAttributeValueLen {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.Newf(errs.CodeRoomAttributeValueTooLong, "value of %q too long", k))
		}
		if old, exists := r.attrs[k]; exists {
			total -= len(old.Key) + len(old.Value)
		} else {
			newKeys++
		}
		total += len(k) + len(v)
	}
	if len(r.attrs)+newKeys > rooms.MaxRoomAttributes {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.Newf(errs.CodeRoomAttributesFull, "attribute count would exceed %d", rooms.MaxRoomAttributes))
	}
	if total > rooms.MaxRoomAttributesSize {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomAttributesSizeExceeded, "attributes size limit"))
	}

	// 归属检查按键独立：非创建者且未 force 的键跳过并记入 errorKeys
	reply := &protocol.SetRoomAttributesReply{}
	var updated []models.RoomAttribute
	for k, v := range req.Attributes {
		if old, exists := r.attrs[k]; exists && old.Owner != s.userID && !req.Config.Force {
			reply.ErrorKeys = append(reply.ErrorKeys, k)
			continue
		}
		owner := s.userID
		if old, exists := r.attrs[k]; exists && !req.Config.UpdateOwner && old.Owner != s.userID {
			owner = old.Owner
		}
		a := models.RoomAttribute{Key: k, Value: v, Owner: owner, AutoDelete: req.Config.AutoDelete}
		r.attrs[k] = a
		updated = append(updated, a)
	}
	// 批处理缓冲的删除与写入同一次提交
	var deleted []string
	for _, k := range req.DeleteKeys {
		a, exists := r.attrs[k]
		if !exists || (a.Owner != s.userID && !req.Config.Force) {
			reply.ErrorKeys = append(reply.ErrorKeys, k)
			continue
		}
		delete(r.attrs, k)
		deleted = append(deleted, k)
	}
	sort.Strings(reply.ErrorKeys)
	sort.Strings(deleted)
	sort.Slice(updated, func(i, j int) bool { return updated[i].Key < updated[j].Key })
	members := r.memberList("")
	c.mu.Unlock()

	if len(updated) > 0 || len(deleted) > 0 {
		for _, t := range members {
			if t == s.userID && !req.Config.NotifyYourself {
				continue
			}
			c.push(t, protocol.PushRoomAttributes, &protocol.RoomAttributesPush{
				RoomID:  req.RoomID,
				Updated: updated,
				Deleted: deleted,
				Batch:   req.Batch,
			})
		}
	}
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleRoomDelAttrs(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.DeleteRoomAttributesRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	r, ok := c.rooms[req.RoomID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomNotExist, "room not exist"))
	}
	if !r.members[s.userID] {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomNotJoined, "room not joined"))
	}
	reply := &protocol.SetRoomAttributesReply{}
	var deleted []string
	for _, k := range req.Keys {
		a, exists := r.attrs[k]
		if !exists {
			reply.ErrorKeys = append(reply.ErrorKeys, k)
			continue
		}
		if a.Owner != s.userID && !req.Force {
			reply.ErrorKeys = append(reply.ErrorKeys, k)
			continue
		}
		delete(r.attrs, k)
		deleted = append(deleted, k)
	}
	sort.Strings(reply.ErrorKeys)
	sort.Strings(deleted)
	members := r.memberList("")
	c.mu.Unlock()

	if len(deleted) > 0 {
		for _, t := range members {
			c.push(t, protocol.PushRoomAttributes, &protocol.RoomAttributesPush{RoomID: req.RoomID, Deleted: deleted})
		}
	}
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleRoomQueryAttrs(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.RoomRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	r, ok := c.rooms[req.RoomID]
	if !ok {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRoomNotExist, "room not exist"))
	}
	reply := &protocol.QueryRoomAttributesReply{}
	for _, a := range r.attrs {
		reply.Attributes = append(reply.Attributes, a)
	}
	c.mu.Unlock()
	sort.Slice(reply.Attributes, func(i, j int) bool { return reply.Attributes[i].Key < reply.Attributes[j].Key })
	return protocol.ReplyOK(f, reply)
}
