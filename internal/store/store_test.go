package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-imsdk/models"
)

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func incoming(conv string, serverID string, orderKey int64) *models.Message {
	return &models.Message{
		LocalMsgID:  serverID,
		ServerMsgID: serverID,
		ConvID:      conv,
		ConvType:    models.ConversationTypePeer,
		FromUserID:  "bob",
		Type:        models.MessageTypeText,
		OrderKey:    orderKey,
		SentStatus:  models.SentStatusOK,
	}
}

func TestSaveMessageDeduplicates(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		m := incoming("c1", "srv-1", 10)
		ok, err := s.SaveMessage(m)
		require.NoError(t, err)
		assert.True(t, ok)

		// 重放同一条：幂等丢弃
		ok, err = s.SaveMessage(m)
		require.NoError(t, err)
		assert.False(t, ok)

		page, err := s.QueryHistory("c1", models.ConversationTypePeer, 0, 10)
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})
}

func TestUpdateMessageAttachesServerID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		out := &models.Message{
			LocalMsgID: "local-1",
			ConvID:     "c1",
			ConvType:   models.ConversationTypePeer,
			FromUserID: "alice",
			Type:       models.MessageTypeText,
			SentStatus: models.SentStatusSending,
		}
		ok, err := s.SaveMessage(out)
		require.NoError(t, err)
		require.True(t, ok)

		out.ServerMsgID = "srv-9"
		out.OrderKey = 42
		out.SentStatus = models.SentStatusOK
		require.NoError(t, s.UpdateMessage(out))

		got, err := s.GetMessageByServerID("c1", models.ConversationTypePeer, "srv-9")
		require.NoError(t, err)
		assert.Equal(t, "local-1", got.LocalMsgID)
		assert.Equal(t, models.SentStatusOK, got.SentStatus)

		// 确认后再收到同 server_msg_id 的副本也要被去重
		dup := incoming("c1", "srv-9", 42)
		ok, err = s.SaveMessage(dup)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestUpdateUnknownMessageFails(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		err := s.UpdateMessage(&models.Message{LocalMsgID: "nope", ConvID: "c1", ConvType: models.ConversationTypePeer})
		assert.Error(t, err)
	})
}

func TestQueryHistoryPagesDescendingByOrderKey(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		// 乱序写入，读取必须按 order_key 有序
		for _, k := range []int64{30, 10, 50, 20, 40} {
			ok, err := s.SaveMessage(incoming("c1", fmt.Sprintf("srv-%d", k), k))
			require.NoError(t, err)
			require.True(t, ok)
		}

		page, err := s.QueryHistory("c1", models.ConversationTypePeer, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.EqualValues(t, 40, page[0].OrderKey)
		assert.EqualValues(t, 50, page[1].OrderKey)

		page, err = s.QueryHistory("c1", models.ConversationTypePeer, 40, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.EqualValues(t, 20, page[0].OrderKey)
		assert.EqualValues(t, 30, page[1].OrderKey)

		page, err = s.QueryHistory("c1", models.ConversationTypePeer, 20, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.EqualValues(t, 10, page[0].OrderKey)
	})
}

func TestDeleteConversationMessages(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, _ = s.SaveMessage(incoming("c1", "srv-1", 1))
		_, _ = s.SaveMessage(incoming("c2", "srv-2", 1))
		require.NoError(t, s.DeleteConversationMessages("c1", models.ConversationTypePeer))

		page, err := s.QueryHistory("c1", models.ConversationTypePeer, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
		page, err = s.QueryHistory("c2", models.ConversationTypePeer, 0, 10)
		require.NoError(t, err)
		assert.Len(t, page, 1)

		// 删除后重新写入同一条不算重复
		ok, err := s.SaveMessage(incoming("c1", "srv-1", 1))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestConversationRows(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.UpsertConversation(&models.Conversation{
				ID:       id,
				Type:     models.ConversationTypePeer,
				OrderKey: int64(i + 1),
			}))
		}
		// upsert 覆盖已有行
		require.NoError(t, s.UpsertConversation(&models.Conversation{
			ID:       "a",
			Type:     models.ConversationTypePeer,
			OrderKey: 99,
			Pinned:   true,
		}))

		list, err := s.ListConversations()
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "a", list[0].ID)
		assert.True(t, list[0].Pinned)

		require.NoError(t, s.DeleteConversation("b", models.ConversationTypePeer))
		list, err = s.ListConversations()
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.DeleteAllConversations())
		list, err = s.ListConversations()
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}
