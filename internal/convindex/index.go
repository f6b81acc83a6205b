// Package convindex 会话索引：由消息管线与房间/群组事件反应式派生，
// 同一（id, 类型）只存在一个会话；总未读数增量维护，O(1) 读取。
// 置顶/免打扰/草稿/清未读是本地状态，但完成回调仍走序列号对账器，
// 与网络操作共享同一套 seq 语义。
package convindex

import (
	"sort"
	"sync"

	"go-imsdk/errs"
	"go-imsdk/internal/logx"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/internal/store"
	"go-imsdk/models"
)

// Events 会话索引事件钩子。
type Events struct {
	OnConversationChanged func(changes []models.ConversationChange)
	OnTotalUnreadChanged  func(total int)
}

// Deps 依赖。
type Deps struct {
	Send   func(f *protocol.Frame) *errs.Error
	Corr   *seq.Correlator
	Store  store.Store
	SelfID func() string
	Events Events
}

type key struct {
	id string
	ct models.ConversationType
}

type Index struct {
	mu          sync.Mutex
	deps        Deps
	convs       map[key]*models.Conversation
	totalUnread int
}

func New(deps Deps) *Index {
	return &Index{deps: deps, convs: make(map[key]*models.Conversation)}
}

// Load 从本地存储恢复会话行（实例创建时调用一次）。
func (x *Index) Load() {
	list, err := x.deps.Store.ListConversations()
	if err != nil {
		logx.Warnf("convindex: load conversations: %v", err)
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range list {
		x.convs[key{c.ID, c.Type}] = c
		x.totalUnread += c.UnreadCount
	}
}

// List 会话快照列表：置顶优先，其余按活跃度（order_key 降序）。
func (x *Index) List() []*models.Conversation {
	x.mu.Lock()
	out := make([]*models.Conversation, 0, len(x.convs))
	for _, c := range x.convs {
		out = append(out, c.Clone())
	}
	x.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].OrderKey > out[j].OrderKey
	})
	return out
}

// Get 单个会话快照。
func (x *Index) Get(convID string, convType models.ConversationType) (*models.Conversation, *errs.Error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.convs[key{convID, convType}]
	if !ok {
		return nil, errs.New(errs.CodeConversationNotExist, "conversation not exist")
	}
	return c.Clone(), nil
}

// TotalUnread 总未读数（增量维护）。
func (x *Index) TotalUnread() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.totalUnread
}

// ApplyIncoming 入站批次驱动的会话派生：不存在则建立，未读按非本端消息数累加。
func (x *Index) ApplyIncoming(convID string, convType models.ConversationType, msgs []*models.Message) {
	if len(msgs) == 0 {
		return
	}
	self := x.deps.SelfID()
	x.mu.Lock()
	c, existed := x.convs[key{convID, convType}]
	if !existed {
		c = &models.Conversation{ID: convID, Type: convType, NotificationStatus: models.NotificationEnabled}
		x.convs[key{convID, convType}] = c
	}
	unreadDelta := 0
	for _, m := range msgs {
		if m.FromUserID != self {
			unreadDelta++
		}
		if c.LastMessage == nil || m.OrderKey >= c.LastMessage.OrderKey {
			c.LastMessage = m.Clone()
			c.OrderKey = m.OrderKey
		}
	}
	c.UnreadCount += unreadDelta
	x.totalUnread += unreadDelta
	x.finishLocked(c, existed, unreadDelta != 0)
}

// ApplyOutgoing 本端发送（attach 或确认）驱动的会话刷新，不计未读。
func (x *Index) ApplyOutgoing(m *models.Message) {
	x.mu.Lock()
	c, existed := x.convs[key{m.ConvID, m.ConvType}]
	if !existed {
		c = &models.Conversation{ID: m.ConvID, Type: m.ConvType, NotificationStatus: models.NotificationEnabled}
		x.convs[key{m.ConvID, m.ConvType}] = c
	}
	if c.LastMessage == nil || c.LastMessage.LocalMsgID == m.LocalMsgID || m.OrderKey >= c.LastMessage.OrderKey {
		c.LastMessage = m.Clone()
		if m.OrderKey > c.OrderKey {
			c.OrderKey = m.OrderKey
		}
	}
	x.finishLocked(c, existed, false)
}

// ApplyRevoked 撤回墓碑：若被撤回的恰是会话尾消息则替换展示。
func (x *Index) ApplyRevoked(tomb *models.Message) {
	x.mu.Lock()
	c, ok := x.convs[key{tomb.ConvID, tomb.ConvType}]
	if !ok || c.LastMessage == nil || c.LastMessage.ServerMsgID != tomb.ServerMsgID {
		x.mu.Unlock()
		return
	}
	c.LastMessage = tomb.Clone()
	x.finishLocked(c, true, false)
}

// finishLocked 持久化并在锁外发事件。调用时必须持有 x.mu，返回时已释放。
func (x *Index) finishLocked(c *models.Conversation, existed bool, unreadChanged bool) {
	snapshot := c.Clone()
	total := x.totalUnread
	x.mu.Unlock()

	if err := x.deps.Store.UpsertConversation(snapshot); err != nil {
		logx.Warnf("convindex: persist conversation: %v", err)
	}
	ev := models.ConversationAdded
	if existed {
		ev = models.ConversationUpdated
	}
	if x.deps.Events.OnConversationChanged != nil {
		x.deps.Events.OnConversationChanged([]models.ConversationChange{{Event: ev, Conversation: snapshot}})
	}
	if unreadChanged && x.deps.Events.OnTotalUnreadChanged != nil {
		x.deps.Events.OnTotalUnreadChanged(total)
	}
}

// ---- 本地会话命令（完成回调走对账器，保证串行交付）----

// Done 仅表示成功/失败的完成回调。
type Done func(err *errs.Error)

func (x *Index) complete(seqID int64, err *errs.Error) {
	x.deps.Corr.Complete(seqID, &seq.Result{Err: err})
}

// SetPinned 置顶/取消置顶。
func (x *Index) SetPinned(convID string, convType models.ConversationType, pinned bool, cb Done) int64 {
	seqID := x.deps.Corr.Submit("pin_conversation", func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	x.complete(seqID, x.mutate(convID, convType, func(c *models.Conversation) { c.Pinned = pinned }))
	return seqID
}

// SetNotificationStatus 免打扰设置。
func (x *Index) SetNotificationStatus(convID string, convType models.ConversationType, st models.NotificationStatus, cb Done) int64 {
	seqID := x.deps.Corr.Submit("mute_conversation", func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	x.complete(seqID, x.mutate(convID, convType, func(c *models.Conversation) { c.NotificationStatus = st }))
	return seqID
}

// SetDraft 草稿。
func (x *Index) SetDraft(convID string, convType models.ConversationType, draft string, cb Done) int64 {
	seqID := x.deps.Corr.Submit("set_conversation_draft", func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	x.complete(seqID, x.mutate(convID, convType, func(c *models.Conversation) { c.Draft = draft }))
	return seqID
}

// ClearUnread 清零未读。
func (x *Index) ClearUnread(convID string, convType models.ConversationType, cb Done) int64 {
	seqID := x.deps.Corr.Submit("clear_conversation_unread", func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	x.mu.Lock()
	c, ok := x.convs[key{convID, convType}]
	if !ok {
		x.mu.Unlock()
		x.complete(seqID, errs.New(errs.CodeConversationNotExist, "conversation not exist"))
		return seqID
	}
	changed := c.UnreadCount != 0
	x.totalUnread -= c.UnreadCount
	c.UnreadCount = 0
	x.finishLocked(c, true, changed)
	x.complete(seqID, nil)
	return seqID
}

// mutate 锁内改写会话并落库/发事件。
func (x *Index) mutate(convID string, convType models.ConversationType, fn func(c *models.Conversation)) *errs.Error {
	x.mu.Lock()
	c, ok := x.convs[key{convID, convType}]
	if !ok {
		x.mu.Unlock()
		return errs.New(errs.CodeConversationNotExist, "conversation not exist")
	}
	fn(c)
	x.finishLocked(c, true, false)
	return nil
}

// Delete 删除单个会话。cascade 为 true 时同时请求服务端清除消息并删除本地历史。
func (x *Index) Delete(convID string, convType models.ConversationType, cascade bool, cb Done) int64 {
	seqID := x.deps.Corr.Submit(protocol.CmdDeleteConv, func(res *seq.Result) {
		if res.Err == nil {
			x.deleteLocal(convID, convType, cascade)
		}
		if cb != nil {
			cb(res.Err)
		}
	})
	if !cascade {
		x.complete(seqID, nil)
		return seqID
	}
	if err := x.deps.Send(protocol.NewRequest(protocol.CmdDeleteConv, seqID, &protocol.DeleteConvRequest{
		ConvID: convID, ConvType: convType,
	})); err != nil {
		x.complete(seqID, err)
	}
	return seqID
}

// DeleteAll 删除全部会话。
func (x *Index) DeleteAll(cascade bool, cb Done) int64 {
	seqID := x.deps.Corr.Submit(protocol.CmdDeleteAllConv, func(res *seq.Result) {
		if res.Err == nil {
			x.deleteAllLocal(cascade)
		}
		if cb != nil {
			cb(res.Err)
		}
	})
	if !cascade {
		x.complete(seqID, nil)
		return seqID
	}
	if err := x.deps.Send(protocol.NewRequest(protocol.CmdDeleteAllConv, seqID, nil)); err != nil {
		x.complete(seqID, err)
	}
	return seqID
}

func (x *Index) deleteLocal(convID string, convType models.ConversationType, withMessages bool) {
	x.mu.Lock()
	c, ok := x.convs[key{convID, convType}]
	if !ok {
		x.mu.Unlock()
		return
	}
	delete(x.convs, key{convID, convType})
	x.totalUnread -= c.UnreadCount
	snapshot := c.Clone()
	total := x.totalUnread
	unreadChanged := snapshot.UnreadCount != 0
	x.mu.Unlock()

	if err := x.deps.Store.DeleteConversation(convID, convType); err != nil {
		logx.Warnf("convindex: delete conversation: %v", err)
	}
	if withMessages {
		if err := x.deps.Store.DeleteConversationMessages(convID, convType); err != nil {
			logx.Warnf("convindex: delete messages: %v", err)
		}
	}
	if x.deps.Events.OnConversationChanged != nil {
		x.deps.Events.OnConversationChanged([]models.ConversationChange{{Event: models.ConversationDeleted, Conversation: snapshot}})
	}
	if unreadChanged && x.deps.Events.OnTotalUnreadChanged != nil {
		x.deps.Events.OnTotalUnreadChanged(total)
	}
}

func (x *Index) deleteAllLocal(withMessages bool) {
	x.mu.Lock()
	changes := make([]models.ConversationChange, 0, len(x.convs))
	for _, c := range x.convs {
		changes = append(changes, models.ConversationChange{Event: models.ConversationDeleted, Conversation: c.Clone()})
	}
	unreadChanged := x.totalUnread != 0
	x.convs = make(map[key]*models.Conversation)
	x.totalUnread = 0
	x.mu.Unlock()

	if err := x.deps.Store.DeleteAllConversations(); err != nil {
		logx.Warnf("convindex: delete all conversations: %v", err)
	}
	if withMessages {
		if err := x.deps.Store.DeleteAllMessages(); err != nil {
			logx.Warnf("convindex: delete all messages: %v", err)
		}
	}
	if len(changes) > 0 && x.deps.Events.OnConversationChanged != nil {
		x.deps.Events.OnConversationChanged(changes)
	}
	if unreadChanged && x.deps.Events.OnTotalUnreadChanged != nil {
		x.deps.Events.OnTotalUnreadChanged(0)
	}
}
