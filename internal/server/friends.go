package server

import (
	"sort"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/models"
)

// 好友与黑名单容量上限。
const (
	MaxFriends   = 1000
	MaxBlacklist = 500
)

// socialRegistry 好友关系、申请与黑名单。全部访问都在 Core.mu 下。
// 好友关系与黑名单均为单向：alice 删除 bob 不影响 bob 的好友表。
type socialRegistry struct {
	friends      map[string]map[string]*models.FriendInfo
	applications map[string]map[string]*models.FriendApplication // 接收者 → 申请人
	blacklist    map[string]map[string]bool
}

func newSocialRegistry() *socialRegistry {
	return &socialRegistry{
		friends:      make(map[string]map[string]*models.FriendInfo),
		applications: make(map[string]map[string]*models.FriendApplication),
		blacklist:    make(map[string]map[string]bool),
	}
}

// blacklisted owner 是否把 user 拉黑（owner 视角的单向判定）。
func (r *socialRegistry) blacklisted(owner, user string) bool {
	return r.blacklist[owner][user]
}

func (r *socialRegistry) addFriend(owner string, info *models.FriendInfo) {
	if r.friends[owner] == nil {
		r.friends[owner] = make(map[string]*models.FriendInfo)
	}
	r.friends[owner][info.UserID] = info
}

func (c *Core) handleFriendAdd(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.FriendAddRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if req.UserID == "" || req.UserID == s.userID {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "bad target userId"))
	}
	now := c.opts.Now().UnixMilli()

	c.mu.Lock()
	if c.social.friends[s.userID][req.UserID] != nil {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeFriendAlreadyExists, "already friends"))
	}
	if len(c.social.friends[s.userID]) >= MaxFriends {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeFriendListFull, "friend list full"))
	}
	info := &models.FriendInfo{
		UserID: req.UserID, Alias: req.Alias, Attributes: req.Attributes,
		CreatedAt: now, UpdatedAt: now,
	}
	c.social.addFriend(s.userID, info)
	c.mu.Unlock()

	c.push(req.UserID, protocol.PushFriendChanged, &protocol.FriendChangedPush{
		Event:   "added",
		Friends: []models.FriendInfo{{UserID: s.userID, CreatedAt: now, UpdatedAt: now}},
	})
	return protocol.ReplyOK(f, nil)
}

func (c *Core) handleFriendApply(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.FriendAddRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if req.UserID == "" || req.UserID == s.userID {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "bad target userId"))
	}
	now := c.opts.Now().UnixMilli()

	c.mu.Lock()
	if c.social.friends[req.UserID][s.userID] != nil {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeFriendAlreadyExists, "already friends"))
	}
	if c.social.blacklisted(req.UserID, s.userID) {
		// 被对方拉黑时申请静默丢弃，不暴露黑名单状态
		c.mu.Unlock()
		return protocol.ReplyOK(f, nil)
	}
	app := &models.FriendApplication{
		ApplyUserID: s.userID, Wording: req.Wording,
		State: models.ApplicationWaiting, CreatedAt: now, UpdatedAt: now,
	}
	if c.social.applications[req.UserID] == nil {
		c.social.applications[req.UserID] = make(map[string]*models.FriendApplication)
	}
	c.social.applications[req.UserID][s.userID] = app
	pushApp := *app
	c.mu.Unlock()

	c.push(req.UserID, protocol.PushFriendApply, &protocol.FriendApplyPush{Application: pushApp})
	return protocol.ReplyOK(f, nil)
}

func (c *Core) handleFriendRespond(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.FriendRespondRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	now := c.opts.Now().UnixMilli()

	c.mu.Lock()
	app := c.social.applications[s.userID][req.UserID]
	if app == nil {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeFriendApplicationNotExist, "application not exist"))
	}
	if app.State != models.ApplicationWaiting {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeFriendApplicationExpired, "application already handled"))
	}
	accepted := f.Cmd == protocol.CmdFriendAccept
	app.UpdatedAt = now
	if accepted {
		app.State = models.ApplicationAccepted
		// 接受即建立双向好友关系
		c.social.addFriend(s.userID, &models.FriendInfo{UserID: req.UserID, CreatedAt: now, UpdatedAt: now})
		c.social.addFriend(req.UserID, &models.FriendInfo{UserID: s.userID, CreatedAt: now, UpdatedAt: now})
	} else {
		app.State = models.ApplicationRejected
	}
	pushApp := *app
	c.mu.Unlock()

	c.push(req.UserID, protocol.PushFriendApply, &protocol.FriendApplyPush{Application: pushApp})
	if accepted {
		c.push(req.UserID, protocol.PushFriendChanged, &protocol.FriendChangedPush{
			Event:   "added",
			Friends: []models.FriendInfo{{UserID: s.userID, CreatedAt: now, UpdatedAt: now}},
		})
	}
	return protocol.ReplyOK(f, nil)
}

func (c *Core) handleFriendDelete(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.FriendBatchRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if len(req.UserIDs) == 0 {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "userIds required"))
	}
	reply := &protocol.FriendBatchReply{}
	c.mu.Lock()
	for _, id := range req.UserIDs {
		if c.social.friends[s.userID][id] == nil {
			reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeFriendNotExist, "not a friend")})
			continue
		}
		delete(c.social.friends[s.userID], id)
	}
	c.mu.Unlock()
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleFriendList(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.FriendListRequest
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
	all := make([]models.FriendInfo, 0, len(c.social.friends[s.userID]))
	for _, info := range c.social.friends[s.userID] {
		all = append(all, *info)
	}
	c.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].UserID < all[j].UserID })

	start := int(offset)
	if start > len(all) {
		start = len(all)
	}
	end := start + count
	if end > len(all) {
		end = len(all)
	}
	reply := &protocol.FriendListReply{Friends: all[start:end]}
	if end < len(all) {
		reply.NextFlag = encodeCursor(int64(end))
	}
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleBlacklistWrite(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.FriendBatchRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if len(req.UserIDs) == 0 {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "userIds required"))
	}
	reply := &protocol.FriendBatchReply{}
	c.mu.Lock()
	if f.Cmd == protocol.CmdBlacklistAdd {
		// 容量检查整批生效或整批拒绝
		fresh := 0
		for _, id := range req.UserIDs {
			if !c.social.blacklist[s.userID][id] {
				fresh++
			}
		}
		if len(c.social.blacklist[s.userID])+fresh > MaxBlacklist {
			c.mu.Unlock()
			return protocol.ReplyErr(f, errs.New(errs.CodeBlacklistFull, "blacklist full"))
		}
		if c.social.blacklist[s.userID] == nil {
			c.social.blacklist[s.userID] = make(map[string]bool)
		}
		for _, id := range req.UserIDs {
			if c.social.blacklist[s.userID][id] {
				reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeAlreadyInBlacklist, "already in blacklist")})
				continue
			}
			c.social.blacklist[s.userID][id] = true
		}
	} else {
		for _, id := range req.UserIDs {
			if !c.social.blacklist[s.userID][id] {
				reply.Errors = append(reply.Errors, errs.ItemError{ID: id, Err: errs.New(errs.CodeNotInBlacklist, "not in blacklist")})
				continue
			}
			delete(c.social.blacklist[s.userID], id)
		}
	}
	c.mu.Unlock()
	return protocol.ReplyOK(f, reply)
}

func (c *Core) handleBlacklistCheck(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.BlacklistCheckRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	in := c.social.blacklisted(s.userID, req.UserID)
	c.mu.Unlock()
	return protocol.ReplyOK(f, &protocol.BlacklistCheckReply{InBlacklist: in})
}
