package server

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/models"
)

type convKey struct {
	id string
	ct models.ConversationType
}

// convLog 会话内权威消息日志。seq 单调递增，即客户端看到的 order_key。
type convLog struct {
	seq      int64
	messages []*storedMessage
}

type storedMessage struct {
	msg       *models.Message
	createdAt int64           // 毫秒，撤回窗口判定用
	required  map[string]bool // 回执必读集合（发送时快照）
	readBy    map[string]bool
}

func (l *convLog) next() int64 {
	l.seq++
	return l.seq
}

func (l *convLog) byServerID(serverMsgID string) *storedMessage {
	for _, sm := range l.messages {
		if sm.msg.ServerMsgID == serverMsgID {
			return sm
		}
	}
	return nil
}

// logKey 会话日志键。单聊两端看到的 convId 互为对方，
// 日志按排序后的参与者对归一，保证双方命中同一份。
func logKey(from, convID string, ct models.ConversationType) convKey {
	if ct == models.ConversationTypePeer {
		a, b := from, convID
		if a > b {
			a, b = b, a
		}
		return convKey{a + "|" + b, ct}
	}
	return convKey{convID, ct}
}

func (c *Core) convLogLocked(k convKey) *convLog {
	l, ok := c.convs[k]
	if !ok {
		l = &convLog{}
		c.convs[k] = l
	}
	return l
}

// recipients 消息接收方（不含发送者）。房间/群组要求发送者在成员内。
func (c *Core) recipientsLocked(from string, convID string, ct models.ConversationType) ([]string, *errs.Error) {
	switch ct {
	case models.ConversationTypePeer:
		if c.social.blacklisted(convID, from) {
			return nil, errs.New(errs.CodeMessageSendFailed, "rejected by recipient")
		}
		return []string{convID}, nil
	case models.ConversationTypeRoom:
		r, ok := c.rooms[convID]
		if !ok {
			return nil, errs.New(errs.CodeRoomNotExist, "room not exist")
		}
		if !r.members[from] {
			return nil, errs.New(errs.CodeRoomNotJoined, "room not joined")
		}
		return r.memberList(from), nil
	case models.ConversationTypeGroup:
		g, ok := c.groups[convID]
		if !ok {
			return nil, errs.New(errs.CodeGroupNotExist, "group not exist")
		}
		m, ok := g.members[from]
		if !ok {
			return nil, errs.New(errs.CodeGroupNotJoined, "group not joined")
		}
		if g.memberMuted(m, c.opts.Now()) {
			if g.info.MuteMode == models.GroupMuteAll {
				return nil, errs.New(errs.CodeGroupMuted, "group muted")
			}
			return nil, errs.New(errs.CodeGroupMemberMuted, "sender muted")
		}
		return g.memberList(from), nil
	}
	return nil, errs.Newf(errs.CodeInvalidParam, "unknown conversation type %q", ct)
}

func (c *Core) handleSendMessage(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.SendMessageRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	if req.ConvID == "" || req.Type == "" {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "convId and type required"))
	}
	if req.Type == models.MessageTypeBarrage && req.ConvType != models.ConversationTypeRoom {
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "barrage is room-only"))
	}
	if c.opts.Limiter != nil && !c.opts.Limiter.Allow(s.userID+":send") {
		return protocol.ReplyErr(f, errs.New(errs.CodeMessageSendFailed, "rate limited"))
	}

	// 媒体：上传分片必须先到齐，分配下载地址
	mediaURL := ""
	if req.Type.IsMedia() {
		s.mu.Lock()
		data, ok := s.uploads[req.LocalMsgID]
		delete(s.uploads, req.LocalMsgID)
		s.mu.Unlock()
		if !ok {
			return protocol.ReplyErr(f, errs.New(errs.CodeMediaUploadInterrupted, "media chunks missing"))
		}
		mediaURL = fmt.Sprintf("loopback://media/%s/%d", req.LocalMsgID, len(data))
	}

	c.mu.Lock()
	targets, rerr := c.recipientsLocked(s.userID, req.ConvID, req.ConvType)
	if rerr != nil {
		c.mu.Unlock()
		return protocol.ReplyErr(f, rerr)
	}
	l := c.convLogLocked(logKey(s.userID, req.ConvID, req.ConvType))
	now := c.opts.Now().UnixMilli()
	msg := &models.Message{
		LocalMsgID:       req.LocalMsgID,
		ServerMsgID:      uuid.NewString(),
		ConvID:           req.ConvID,
		ConvType:         req.ConvType,
		FromUserID:       s.userID,
		Type:             req.Type,
		OrderKey:         l.next(),
		Timestamp:        now,
		Priority:         req.Priority,
		SentStatus:       models.SentStatusOK,
		HasReceipt:       req.HasReceipt,
		MentionedUserIDs: req.MentionedUserIDs,
		Payload:          req.Payload,
	}
	sm := &storedMessage{msg: msg, createdAt: now}
	if req.HasReceipt {
		msg.ReceiptStatus = models.ReceiptStatusProcessing
		sm.required = make(map[string]bool, len(targets))
		for _, t := range targets {
			sm.required[t] = true
		}
		sm.readBy = make(map[string]bool)
	}
	// 弹幕只投递不入日志
	if req.Type != models.MessageTypeBarrage {
		l.messages = append(l.messages, sm)
	}
	c.mu.Unlock()

	if c.opts.Export != nil {
		c.opts.Export.MessageStored(msg)
	}

	// 接收方视角的消息（发送者自己的回执走应答，不回环推送）。
	// 单聊在接收端的会话 id 是发送者。
	for _, t := range targets {
		out := msg.Clone()
		convID := req.ConvID
		if req.ConvType == models.ConversationTypePeer {
			convID = s.userID
			out.ConvID = s.userID
		}
		c.push(t, protocol.PushMessageBatch, &protocol.MessageBatchPush{
			ConvID:   convID,
			ConvType: req.ConvType,
			Messages: []*models.Message{out},
		})
	}
	return protocol.ReplyOK(f, &protocol.SendMessageReply{
		ServerMsgID: msg.ServerMsgID,
		OrderKey:    msg.OrderKey,
		Timestamp:   msg.Timestamp,
		MediaURL:    mediaURL,
	})
}

func (c *Core) handleUploadChunk(s *session, f *protocol.Frame) {
	var req protocol.UploadChunk
	if err := unmarshal(f.Data, &req); err != nil {
		return
	}
	s.mu.Lock()
	if req.Index == 0 {
		s.uploads[req.LocalMsgID] = nil
	}
	s.uploads[req.LocalMsgID] = append(s.uploads[req.LocalMsgID], req.Data...)
	s.mu.Unlock()
}

func (c *Core) handleRevoke(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.RevokeMessageRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	c.mu.Lock()
	l, ok := c.convs[logKey(s.userID, req.ConvID, req.ConvType)]
	var sm *storedMessage
	if ok {
		sm = l.byServerID(req.ServerMsgID)
	}
	if sm == nil {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeMessageNotFound, "message not found"))
	}
	if sm.msg.FromUserID != s.userID {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeInvalidParam, "only the sender can revoke"))
	}
	if sm.msg.Type == models.MessageTypeRevoke {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeMessageAlreadyRevoked, "already revoked"))
	}
	if c.opts.Now().UnixMilli()-sm.createdAt > c.opts.RevokeWindow.Milliseconds() {
		c.mu.Unlock()
		return protocol.ReplyErr(f, errs.New(errs.CodeRevokeWindowExceeded, "revoke window exceeded"))
	}
	sm.msg.OriginalType = sm.msg.Type
	sm.msg.OriginalPayload = sm.msg.Payload
	sm.msg.Type = models.MessageTypeRevoke
	sm.msg.Payload = nil
	sm.msg.RevokeExtended = req.Extended
	targets, rerr := c.recipientsLocked(s.userID, req.ConvID, req.ConvType)
	c.mu.Unlock()
	if rerr != nil {
		targets = nil
	}

	for _, t := range targets {
		convID := req.ConvID
		if req.ConvType == models.ConversationTypePeer {
			convID = s.userID
		}
		c.push(t, protocol.PushMessageRevoked, &protocol.MessageRevokedPush{
			ConvID:      convID,
			ConvType:    req.ConvType,
			ServerMsgID: req.ServerMsgID,
			Operator:    s.userID,
			Extended:    req.Extended,
		})
	}
	return protocol.ReplyOK(f, nil)
}

// handleReadReceipt 已读水位：把该用户对 order_key ≤ 水位的必读消息标记已读，
// 全员读完的消息聚合为 done 推给发送者。
func (c *Core) handleReadReceipt(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.ReadReceiptRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	type doneItem struct {
		sender string
		convID string // 发送者视角的会话 id
		item   protocol.ReceiptItem
	}
	var done []doneItem
	c.mu.Lock()
	if l, ok := c.convs[logKey(s.userID, req.ConvID, req.ConvType)]; ok {
		for _, sm := range l.messages {
			if sm.required == nil || sm.msg.OrderKey > req.OrderKey || !sm.required[s.userID] || sm.readBy[s.userID] {
				continue
			}
			sm.readBy[s.userID] = true
			if len(sm.readBy) >= len(sm.required) {
				sm.msg.ReceiptStatus = models.ReceiptStatusDone
				done = append(done, doneItem{sm.msg.FromUserID, sm.msg.ConvID, protocol.ReceiptItem{
					ServerMsgID: sm.msg.ServerMsgID,
					Status:      models.ReceiptStatusDone,
				}})
			}
		}
	}
	c.mu.Unlock()

	for _, d := range done {
		c.push(d.sender, protocol.PushReceiptChanged, &protocol.ReceiptChangedPush{
			ConvID:   d.convID,
			ConvType: req.ConvType,
			Items:    []protocol.ReceiptItem{d.item},
		})
	}
	return protocol.ReplyOK(f, nil)
}

// 游标编码：不透明字符串，内部是下一页的 order_key 上界。
func encodeCursor(orderKey int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("ok:" + strconv.FormatInt(orderKey, 10)))
}

func decodeCursor(flag string) (int64, *errs.Error) {
	if flag == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(flag)
	if err != nil || len(raw) < 4 || string(raw[:3]) != "ok:" {
		return 0, errs.New(errs.CodeInvalidParam, "bad nextFlag")
	}
	n, err := strconv.ParseInt(string(raw[3:]), 10, 64)
	if err != nil {
		return 0, errs.New(errs.CodeInvalidParam, "bad nextFlag")
	}
	return n, nil
}

func (c *Core) handleQueryHistory(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.QueryHistoryRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	cursor, derr := decodeCursor(req.NextFlag)
	if derr != nil {
		return protocol.ReplyErr(f, derr)
	}
	count := req.Count
	if count <= 0 || count > c.opts.HistoryPageMax {
		count = c.opts.HistoryPageMax
	}

	c.mu.Lock()
	var page []*models.Message
	edge := int64(0)
	if l, ok := c.convs[logKey(s.userID, req.ConvID, req.ConvType)]; ok && len(l.messages) > 0 {
		if req.Reverse {
			// 倒序：从最新向旧翻页，游标为上一页最旧一条的 orderKey
			for i := len(l.messages) - 1; i >= 0 && len(page) < count; i-- {
				m := l.messages[i].msg
				if cursor > 0 && m.OrderKey >= cursor {
					continue
				}
				page = append(page, historyClone(m, &req))
				edge = m.OrderKey
			}
			if edge <= l.messages[0].msg.OrderKey {
				edge = 0 // 已到最早一条，游标置空
			}
		} else {
			// 正序：从最旧向新翻页，游标为上一页最新一条的 orderKey
			for i := 0; i < len(l.messages) && len(page) < count; i++ {
				m := l.messages[i].msg
				if cursor > 0 && m.OrderKey <= cursor {
					continue
				}
				page = append(page, historyClone(m, &req))
				edge = m.OrderKey
			}
			if edge >= l.messages[len(l.messages)-1].msg.OrderKey {
				edge = 0 // 已到最新一条，游标置空
			}
		}
	}
	c.mu.Unlock()

	if req.Reverse {
		// 页内统一升序
		for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
			page[i], page[j] = page[j], page[i]
		}
	}
	next := ""
	if edge > 0 {
		next = encodeCursor(edge)
	}
	return protocol.ReplyOK(f, &protocol.QueryHistoryReply{Messages: page, NextFlag: next})
}

// historyClone 拷贝一条历史消息；单聊统一改写成查询方视角的会话 id。
func historyClone(m *models.Message, req *protocol.QueryHistoryRequest) *models.Message {
	cp := m.Clone()
	if req.ConvType == models.ConversationTypePeer {
		cp.ConvID = req.ConvID
	}
	return cp
}

func (c *Core) handleDeleteConv(s *session, f *protocol.Frame) *protocol.Frame {
	var req protocol.DeleteConvRequest
	if err := unmarshal(f.Data, &req); err != nil {
		return protocol.ReplyErr(f, err)
	}
	// 回环核心按会话整体删除（真实服务按用户维度打删除位，这里契约只要求确认）
	c.mu.Lock()
	delete(c.convs, logKey(s.userID, req.ConvID, req.ConvType))
	c.mu.Unlock()
	return protocol.ReplyOK(f, nil)
}
