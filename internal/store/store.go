// Package store 本地持久化：消息与会话行。
// 默认内存实现；配置了缓存路径时使用 SQLite 实现。
package store

import (
	"sort"
	"sync"

	"go-imsdk/errs"
	"go-imsdk/models"
)

// Store 消息与会话的本地存取。
// - SaveMessage 按（会话, 消息ID）去重：有 server_msg_id 用它，否则用 local_msg_id；
//   返回 false 表示重复，调用方据此实现重放幂等
// - QueryHistory 按 order_key 降序翻页：beforeKey<=0 表示从最新开始
type Store interface {
	SaveMessage(m *models.Message) (bool, error)
	UpdateMessage(m *models.Message) error
	GetMessageByServerID(convID string, convType models.ConversationType, serverMsgID string) (*models.Message, error)
	QueryHistory(convID string, convType models.ConversationType, beforeKey int64, limit int) ([]*models.Message, error)
	DeleteConversationMessages(convID string, convType models.ConversationType) error
	DeleteAllMessages() error

	UpsertConversation(c *models.Conversation) error
	DeleteConversation(convID string, convType models.ConversationType) error
	DeleteAllConversations() error
	ListConversations() ([]*models.Conversation, error)

	Close() error
}

type convKey struct {
	id string
	ct models.ConversationType
}

type msgKey struct {
	conv convKey
	id   string
}

// memoryStore 内存实现，消息按 order_key 有序保存。
type memoryStore struct {
	mu     sync.RWMutex
	byConv map[convKey][]*models.Message
	index  map[msgKey]*models.Message
	convs  map[convKey]*models.Conversation
}

// NewMemory 返回内存存储。
func NewMemory() Store {
	return &memoryStore{
		byConv: make(map[convKey][]*models.Message),
		index:  make(map[msgKey]*models.Message),
		convs:  make(map[convKey]*models.Conversation),
	}
}

func dedupID(m *models.Message) string {
	if m.ServerMsgID != "" {
		return "s:" + m.ServerMsgID
	}
	return "l:" + m.LocalMsgID
}

func (s *memoryStore) SaveMessage(m *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := convKey{m.ConvID, m.ConvType}
	mk := msgKey{ck, dedupID(m)}
	if _, ok := s.index[mk]; ok {
		return false, nil
	}
	cp := m.Clone()
	s.index[mk] = cp
	list := s.byConv[ck]
	// 按 order_key 插入有序位置，乱序到达的批次也保持有序
	i := sort.Search(len(list), func(i int) bool { return list[i].OrderKey > cp.OrderKey })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = cp
	s.byConv[ck] = list
	return true, nil
}

func (s *memoryStore) UpdateMessage(m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := convKey{m.ConvID, m.ConvType}
	for i, old := range s.byConv[ck] {
		if old.LocalMsgID == m.LocalMsgID {
			cp := m.Clone()
			// 发送确认后补上 server_msg_id 索引
			delete(s.index, msgKey{ck, "l:" + old.LocalMsgID})
			if old.ServerMsgID != "" {
				delete(s.index, msgKey{ck, "s:" + old.ServerMsgID})
			}
			s.index[msgKey{ck, dedupID(cp)}] = cp
			list := s.byConv[ck]
			list[i] = cp
			sort.SliceStable(list, func(a, b int) bool { return list[a].OrderKey < list[b].OrderKey })
			return nil
		}
	}
	return errs.New(errs.CodeInvalidParam, "message not found")
}

func (s *memoryStore) GetMessageByServerID(convID string, convType models.ConversationType, serverMsgID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[msgKey{convKey{convID, convType}, "s:" + serverMsgID}]
	if !ok {
		return nil, errs.New(errs.CodeInvalidParam, "message not found")
	}
	return m.Clone(), nil
}

func (s *memoryStore) QueryHistory(convID string, convType models.ConversationType, beforeKey int64, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[convKey{convID, convType}]
	end := len(list)
	if beforeKey > 0 {
		end = sort.Search(len(list), func(i int) bool { return list[i].OrderKey >= beforeKey })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]*models.Message, 0, end-start)
	for _, m := range list[start:end] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *memoryStore) DeleteConversationMessages(convID string, convType models.ConversationType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := convKey{convID, convType}
	for _, m := range s.byConv[ck] {
		delete(s.index, msgKey{ck, dedupID(m)})
	}
	delete(s.byConv, ck)
	return nil
}

func (s *memoryStore) DeleteAllMessages() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConv = make(map[convKey][]*models.Message)
	s.index = make(map[msgKey]*models.Message)
	return nil
}

func (s *memoryStore) UpsertConversation(c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[convKey{c.ID, c.Type}] = c.Clone()
	return nil
}

func (s *memoryStore) DeleteConversation(convID string, convType models.ConversationType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, convKey{convID, convType})
	return nil
}

func (s *memoryStore) DeleteAllConversations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make(map[convKey]*models.Conversation)
	return nil
}

func (s *memoryStore) ListConversations() ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderKey > out[j].OrderKey })
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
