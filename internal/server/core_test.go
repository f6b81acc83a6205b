package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-imsdk/errs"
	"go-imsdk/internal/conn"
	"go-imsdk/internal/protocol"
	"go-imsdk/models"
)

// fakeClock 可拨动的测试时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testClient 管道直连的测试客户端：单读循环收帧，call 同步等待应答，推送暂存。
type testClient struct {
	t      *testing.T
	conn   conn.Conn
	seq    int64
	frames chan *protocol.Frame
	stash  []*protocol.Frame
}

func dialCore(t *testing.T, core *Core, userID string) *testClient {
	t.Helper()
	client, srv := conn.Pipe()
	go core.Serve(srv)
	tc := &testClient{t: t, conn: client, frames: make(chan *protocol.Frame, 64)}
	go func() {
		for {
			f, err := client.ReadFrame()
			if err != nil {
				close(tc.frames)
				return
			}
			tc.frames <- f
		}
	}()
	t.Cleanup(func() { _ = client.Close() })

	reply := tc.call(protocol.CmdLogin, &protocol.LoginRequest{UserID: userID, Token: "t-" + userID})
	require.Nil(t, reply.Err())
	return tc
}

func (c *testClient) call(cmd string, data interface{}) *protocol.Frame {
	c.t.Helper()
	c.seq++
	require.NoError(c.t, c.conn.WriteFrame(protocol.NewRequest(cmd, c.seq, data)))
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed waiting for reply to %s", cmd)
			}
			if f.Reply == cmd && f.Seq == c.seq {
				return f
			}
			c.stash = append(c.stash, f)
		case <-deadline:
			c.t.Fatalf("timeout waiting for reply to %s", cmd)
		}
	}
}

// waitPush 等待一条指定名字的推送帧。
func (c *testClient) waitPush(name string) *protocol.Frame {
	c.t.Helper()
	for i, f := range c.stash {
		if f.Push == name {
			c.stash = append(c.stash[:i], c.stash[i+1:]...)
			return f
		}
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed waiting for push %s", name)
			}
			if f.Push == name {
				return f
			}
			c.stash = append(c.stash, f)
		case <-deadline:
			c.t.Fatalf("timeout waiting for push %s", name)
			return nil
		}
	}
}

func decode(t *testing.T, f *protocol.Frame, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, v))
}

func TestLoginKicksOutOlderSession(t *testing.T) {
	core := NewCore(Options{})
	first := dialCore(t, core, "alice")
	_ = dialCore(t, core, "alice")

	kicked := first.waitPush(protocol.PushKickedOut)
	var push protocol.KickedOutPush
	decode(t, kicked, &push)
	assert.NotEmpty(t, push.Reason)
}

func TestPeerMessageDeliveryAndOrder(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	var last protocol.SendMessageReply
	for i := 0; i < 3; i++ {
		reply := alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
			LocalMsgID: "l1", ConvID: "bob", ConvType: models.ConversationTypePeer,
			Type: models.MessageTypeText, Payload: json.RawMessage(`{"message":"hi"}`),
		})
		require.Nil(t, reply.Err())
		decode(t, reply, &last)
	}
	assert.Equal(t, int64(3), last.OrderKey, "order keys grow monotonically per conversation")

	push := bob.waitPush(protocol.PushMessageBatch)
	var batch protocol.MessageBatchPush
	decode(t, push, &batch)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "alice", batch.Messages[0].FromUserID)
	assert.Equal(t, "bob", batch.Messages[0].ConvID)
}

func TestBlacklistBlocksPeerMessage(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	reply := bob.call(protocol.CmdBlacklistAdd, &protocol.FriendBatchRequest{UserIDs: []string{"alice"}})
	require.Nil(t, reply.Err())

	reply = alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
		ConvID: "bob", ConvType: models.ConversationTypePeer, Type: models.MessageTypeText,
	})
	require.NotNil(t, reply.Err())
	assert.Equal(t, errs.CodeMessageSendFailed, reply.Err().Code)
}

func TestRevokeWindow(t *testing.T) {
	clock := newFakeClock()
	core := NewCore(Options{Now: clock.Now})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	reply := alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
		ConvID: "bob", ConvType: models.ConversationTypePeer, Type: models.MessageTypeText,
	})
	require.Nil(t, reply.Err())
	var sent protocol.SendMessageReply
	decode(t, reply, &sent)

	// 窗口内撤回成功，对端收到推送
	reply = alice.call(protocol.CmdRevokeMessage, &protocol.RevokeMessageRequest{
		ConvID: "bob", ConvType: models.ConversationTypePeer, ServerMsgID: sent.ServerMsgID,
	})
	require.Nil(t, reply.Err())
	push := bob.waitPush(protocol.PushMessageRevoked)
	var revoked protocol.MessageRevokedPush
	decode(t, push, &revoked)
	assert.Equal(t, sent.ServerMsgID, revoked.ServerMsgID)

	// 重复撤回报已撤回
	reply = alice.call(protocol.CmdRevokeMessage, &protocol.RevokeMessageRequest{
		ConvID: "bob", ConvType: models.ConversationTypePeer, ServerMsgID: sent.ServerMsgID,
	})
	require.NotNil(t, reply.Err())
	assert.Equal(t, errs.CodeMessageAlreadyRevoked, reply.Err().Code)

	// 超窗撤回被拒
	reply = alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
		ConvID: "bob", ConvType: models.ConversationTypePeer, Type: models.MessageTypeText,
	})
	require.Nil(t, reply.Err())
	decode(t, reply, &sent)
	clock.Advance(3 * time.Minute)
	reply = alice.call(protocol.CmdRevokeMessage, &protocol.RevokeMessageRequest{
		ConvID: "bob", ConvType: models.ConversationTypePeer, ServerMsgID: sent.ServerMsgID,
	})
	require.NotNil(t, reply.Err())
	assert.Equal(t, errs.CodeRevokeWindowExceeded, reply.Err().Code)
}

func TestReceiptAggregation(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	reply := alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
		ConvID: "bob", ConvType: models.ConversationTypePeer,
		Type: models.MessageTypeText, HasReceipt: true,
	})
	require.Nil(t, reply.Err())
	var sent protocol.SendMessageReply
	decode(t, reply, &sent)

	reply = bob.call(protocol.CmdReadReceipt, &protocol.ReadReceiptRequest{
		ConvID: "alice", ConvType: models.ConversationTypePeer, OrderKey: sent.OrderKey,
	})
	require.Nil(t, reply.Err())

	// bob 的已读水位在 alice 视角聚合为 done
	push := alice.waitPush(protocol.PushReceiptChanged)
	var changed protocol.ReceiptChangedPush
	decode(t, push, &changed)
	require.Len(t, changed.Items, 1)
	assert.Equal(t, sent.ServerMsgID, changed.Items[0].ServerMsgID)
	assert.Equal(t, models.ReceiptStatusDone, changed.Items[0].Status)
}

func TestHistoryCursorPagination(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	_ = dialCore(t, core, "bob")

	for i := 0; i < 5; i++ {
		reply := alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
			ConvID: "bob", ConvType: models.ConversationTypePeer, Type: models.MessageTypeText,
		})
		require.Nil(t, reply.Err())
	}

	queryPages := func(reverse bool) [][]int64 {
		var pages [][]int64
		flag := ""
		for {
			reply := alice.call(protocol.CmdQueryHistory, &protocol.QueryHistoryRequest{
				ConvID: "bob", ConvType: models.ConversationTypePeer, Count: 2, NextFlag: flag, Reverse: reverse,
			})
			require.Nil(t, reply.Err())
			var page protocol.QueryHistoryReply
			decode(t, reply, &page)
			var keys []int64
			for _, m := range page.Messages {
				keys = append(keys, m.OrderKey)
			}
			pages = append(pages, keys)
			if page.NextFlag == "" {
				return pages
			}
			flag = page.NextFlag
		}
	}

	pages := queryPages(true)
	require.Len(t, pages, 3)
	assert.Equal(t, []int64{4, 5}, pages[0], "pages are ascending, newest page first")
	assert.Equal(t, []int64{2, 3}, pages[1])
	assert.Equal(t, []int64{1}, pages[2])

	// 正序从最旧一条向新翻页
	pages = queryPages(false)
	require.Len(t, pages, 3)
	assert.Equal(t, []int64{1, 2}, pages[0], "forward paging starts at the oldest")
	assert.Equal(t, []int64{3, 4}, pages[1])
	assert.Equal(t, []int64{5}, pages[2])
}

func TestRoomLifecycle(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	reply := bob.call(protocol.CmdJoinRoom, &protocol.RoomRequest{RoomID: "r1"})
	require.NotNil(t, reply.Err())
	assert.Equal(t, errs.CodeRoomNotExist, reply.Err().Code)

	require.Nil(t, alice.call(protocol.CmdCreateRoom, &protocol.RoomRequest{RoomID: "r1", RoomName: "lobby"}).Err())
	reply = alice.call(protocol.CmdCreateRoom, &protocol.RoomRequest{RoomID: "r1"})
	assert.Equal(t, errs.CodeRoomAlreadyExists, reply.Err().Code)

	require.Nil(t, bob.call(protocol.CmdJoinRoom, &protocol.RoomRequest{RoomID: "r1"}).Err())
	joined := alice.waitPush(protocol.PushRoomMemberIn)
	var member protocol.RoomMemberPush
	decode(t, joined, &member)
	require.Len(t, member.Members, 1)
	assert.Equal(t, "bob", member.Members[0].UserID)

	// 全员离开后房间销毁，重新 join 报不存在
	require.Nil(t, alice.call(protocol.CmdLeaveRoom, &protocol.RoomRequest{RoomID: "r1"}).Err())
	require.Nil(t, bob.call(protocol.CmdLeaveRoom, &protocol.RoomRequest{RoomID: "r1"}).Err())
	reply = bob.call(protocol.CmdJoinRoom, &protocol.RoomRequest{RoomID: "r1"})
	assert.Equal(t, errs.CodeRoomNotExist, reply.Err().Code)
}

func TestRoomAttributeQuotaAndOwnership(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")
	require.Nil(t, alice.call(protocol.CmdCreateRoom, &protocol.RoomRequest{RoomID: "r1"}).Err())
	require.Nil(t, bob.call(protocol.CmdJoinRoom, &protocol.RoomRequest{RoomID: "r1"}).Err())

	require.Nil(t, alice.call(protocol.CmdSetRoomAttributes, &protocol.SetRoomAttributesRequest{
		RoomID: "r1", Attributes: map[string]string{"topic": "go"},
	}).Err())

	// 非属主覆盖被逐键拒绝，force 放行
	reply := bob.call(protocol.CmdSetRoomAttributes, &protocol.SetRoomAttributesRequest{
		RoomID: "r1", Attributes: map[string]string{"topic": "rust"},
	})
	require.Nil(t, reply.Err())
	var set protocol.SetRoomAttributesReply
	decode(t, reply, &set)
	assert.Equal(t, []string{"topic"}, set.ErrorKeys)

	reply = bob.call(protocol.CmdSetRoomAttributes, &protocol.SetRoomAttributesRequest{
		RoomID: "r1", Attributes: map[string]string{"topic": "rust"},
		Config: models.RoomAttributesSetConfig{Force: true},
	})
	require.Nil(t, reply.Err())
	set = protocol.SetRoomAttributesReply{}
	decode(t, reply, &set)
	assert.Empty(t, set.ErrorKeys)

	// 超过键数配额整批拒绝
	big := make(map[string]string)
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		big[k] = "v"
	}
	reply = alice.call(protocol.CmdSetRoomAttributes, &protocol.SetRoomAttributesRequest{
		RoomID: "r1", Attributes: big,
	})
	require.NotNil(t, reply.Err())
	assert.Equal(t, errs.CodeRoomAttributesFull, reply.Err().Code)
}

func TestRoomAttributeBatchCommitsSetAndDeleteTogether(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")
	require.Nil(t, alice.call(protocol.CmdCreateRoom, &protocol.RoomRequest{RoomID: "r1"}).Err())
	require.Nil(t, bob.call(protocol.CmdJoinRoom, &protocol.RoomRequest{RoomID: "r1"}).Err())

	require.Nil(t, alice.call(protocol.CmdSetRoomAttributes, &protocol.SetRoomAttributesRequest{
		RoomID: "r1", Attributes: map[string]string{"topic": "go", "stale": "x"},
	}).Err())
	bob.waitPush(protocol.PushRoomAttributes)

	// 写入与删除同帧提交；删除失败的键并入 errorKeys
	reply := alice.call(protocol.CmdSetRoomAttributes, &protocol.SetRoomAttributesRequest{
		RoomID:     "r1",
		Attributes: map[string]string{"topic": "rust"},
		DeleteKeys: []string{"stale", "ghost"},
		Batch:      true,
	})
	require.Nil(t, reply.Err())
	var set protocol.SetRoomAttributesReply
	decode(t, reply, &set)
	assert.Equal(t, []string{"ghost"}, set.ErrorKeys)

	// 对端只收到一条同时带更新与删除的通知
	push := bob.waitPush(protocol.PushRoomAttributes)
	var attrs protocol.RoomAttributesPush
	decode(t, push, &attrs)
	assert.True(t, attrs.Batch)
	require.Len(t, attrs.Updated, 1)
	assert.Equal(t, "topic", attrs.Updated[0].Key)
	assert.Equal(t, "rust", attrs.Updated[0].Value)
	assert.Equal(t, []string{"stale"}, attrs.Deleted)

	select {
	case f := <-bob.frames:
		assert.NotEqual(t, protocol.PushRoomAttributes, f.Push, "one commit must produce one notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGroupLifecycleAndMute(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	require.Nil(t, alice.call(protocol.CmdCreateGroup, &protocol.CreateGroupRequest{
		GroupID: "g1", Name: "devs", UserIDs: []string{"bob"},
	}).Err())
	invited := bob.waitPush(protocol.PushGroupState)
	var state protocol.GroupStatePush
	decode(t, invited, &state)
	assert.Equal(t, models.GroupEventInvited, state.Event)

	// 全员禁言后普通成员发言被拒，群主不受影响
	require.Nil(t, alice.call(protocol.CmdMuteGroup, &protocol.MuteGroupRequest{
		GroupID: "g1", Mode: models.GroupMuteAll,
	}).Err())
	reply := bob.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
		ConvID: "g1", ConvType: models.ConversationTypeGroup, Type: models.MessageTypeText,
	})
	require.NotNil(t, reply.Err())
	assert.Equal(t, errs.CodeGroupMuted, reply.Err().Code)
	require.Nil(t, alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
		ConvID: "g1", ConvType: models.ConversationTypeGroup, Type: models.MessageTypeText,
	}).Err())

	// 群主不能直接退群
	reply = alice.call(protocol.CmdLeaveGroup, &protocol.GroupRequest{GroupID: "g1"})
	assert.Equal(t, errs.CodeGroupOwnerCannotQuit, reply.Err().Code)

	require.Nil(t, alice.call(protocol.CmdDismissGroup, &protocol.GroupRequest{GroupID: "g1"}).Err())
	dismissed := bob.waitPush(protocol.PushGroupState)
	state = protocol.GroupStatePush{}
	decode(t, dismissed, &state)
	assert.Equal(t, models.GroupEventDismissed, state.Event)
}

func TestCallInviteOfflineAndTimeout(t *testing.T) {
	core := NewCore(Options{CallTimeoutMax: 600})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	reply := alice.call(protocol.CmdCallInvite, &protocol.CallInviteRequest{
		Invitees: []string{"bob", "ghost"}, TimeoutSec: 1,
	})
	require.Nil(t, reply.Err())
	var inv protocol.CallInviteReply
	decode(t, reply, &inv)
	require.Len(t, inv.Errors, 1, "offline invitee is a per-item failure")
	assert.Equal(t, "ghost", inv.Errors[0].ID)

	got := bob.waitPush(protocol.PushCallInvitation)
	var push protocol.CallInvitationPush
	decode(t, got, &push)
	assert.Equal(t, inv.CallID, push.Call.CallID)

	// bob 不应答：超时迁移并结束呼叫
	timeoutPush := alice.waitPush(protocol.PushCallInvitee)
	var inviteeState protocol.CallInviteePush
	decode(t, timeoutPush, &inviteeState)
	assert.Equal(t, models.InviteeTimeout, inviteeState.State)
	ended := alice.waitPush(protocol.PushCallEnded)
	var endedPush protocol.CallEndedPush
	decode(t, ended, &endedPush)
	assert.Equal(t, inv.CallID, endedPush.CallID)
}

func TestCallAcceptRejectTerminalGuard(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	reply := alice.call(protocol.CmdCallInvite, &protocol.CallInviteRequest{
		Invitees: []string{"bob"}, TimeoutSec: 30,
	})
	require.Nil(t, reply.Err())
	var inv protocol.CallInviteReply
	decode(t, reply, &inv)
	bob.waitPush(protocol.PushCallInvitation)

	require.Nil(t, bob.call(protocol.CmdCallReject, &protocol.CallControlRequest{CallID: inv.CallID}).Err())
	// 拒绝后再接受报已处理；全员终态时呼叫已销毁
	reply = bob.call(protocol.CmdCallAccept, &protocol.CallControlRequest{CallID: inv.CallID})
	require.NotNil(t, reply.Err())
	assert.Contains(t, []int{errs.CodeCallAlreadyHandled, errs.CodeCallNotExist}, reply.Err().Code)
}

func TestAdvancedCallJoinRequiresMode(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	dialCore(t, core, "bob")
	carol := dialCore(t, core, "carol")

	reply := alice.call(protocol.CmdCallInvite, &protocol.CallInviteRequest{
		Invitees: []string{"bob"}, TimeoutSec: 30, Mode: models.CallModeGeneral,
	})
	require.Nil(t, reply.Err())
	var general protocol.CallInviteReply
	decode(t, reply, &general)
	reply = carol.call(protocol.CmdCallJoin, &protocol.CallControlRequest{CallID: general.CallID})
	require.NotNil(t, reply.Err())
	assert.Equal(t, errs.CodeCallNotAdvanced, reply.Err().Code)

	reply = alice.call(protocol.CmdCallInvite, &protocol.CallInviteRequest{
		Invitees: []string{"bob"}, TimeoutSec: 30, Mode: models.CallModeAdvanced,
	})
	require.Nil(t, reply.Err())
	var advanced protocol.CallInviteReply
	decode(t, reply, &advanced)
	require.Nil(t, carol.call(protocol.CmdCallJoin, &protocol.CallControlRequest{CallID: advanced.CallID}).Err())

	joined := alice.waitPush(protocol.PushCallInvitee)
	var state protocol.CallInviteePush
	decode(t, joined, &state)
	assert.Equal(t, "carol", state.UserID)
	assert.Equal(t, models.InviteeAccepted, state.State)
}

func TestFriendApplicationRoundTrip(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	bob := dialCore(t, core, "bob")

	require.Nil(t, alice.call(protocol.CmdFriendApply, &protocol.FriendAddRequest{
		UserID: "bob", Wording: "hello",
	}).Err())
	applyPush := bob.waitPush(protocol.PushFriendApply)
	var apply protocol.FriendApplyPush
	decode(t, applyPush, &apply)
	assert.Equal(t, "alice", apply.Application.ApplyUserID)

	require.Nil(t, bob.call(protocol.CmdFriendAccept, &protocol.FriendRespondRequest{UserID: "alice"}).Err())
	accepted := alice.waitPush(protocol.PushFriendApply)
	apply = protocol.FriendApplyPush{}
	decode(t, accepted, &apply)
	assert.Equal(t, models.ApplicationAccepted, apply.Application.State)

	reply := alice.call(protocol.CmdFriendList, &protocol.FriendListRequest{Count: 10})
	require.Nil(t, reply.Err())
	var list protocol.FriendListReply
	decode(t, reply, &list)
	require.Len(t, list.Friends, 1)
	assert.Equal(t, "bob", list.Friends[0].UserID)
}

func TestMediaUploadRoundTrip(t *testing.T) {
	core := NewCore(Options{})
	alice := dialCore(t, core, "alice")
	_ = dialCore(t, core, "bob")

	for i := 0; i < 3; i++ {
		require.NoError(t, alice.conn.WriteFrame(protocol.NewRequest(protocol.CmdUploadChunk, 0, &protocol.UploadChunk{
			LocalMsgID: "m1", Index: i, Total: 3, Data: []byte{byte(i), byte(i)},
		})))
	}
	reply := alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
		LocalMsgID: "m1", ConvID: "bob", ConvType: models.ConversationTypePeer,
		Type: models.MessageTypeImage,
	})
	require.Nil(t, reply.Err())
	var sent protocol.SendMessageReply
	decode(t, reply, &sent)
	assert.Equal(t, "loopback://media/m1/6", sent.MediaURL)

	// 无分片直接发媒体消息报上传中断
	reply = alice.call(protocol.CmdSendMessage, &protocol.SendMessageRequest{
		LocalMsgID: "m2", ConvID: "bob", ConvType: models.ConversationTypePeer,
		Type: models.MessageTypeImage,
	})
	require.NotNil(t, reply.Err())
	assert.Equal(t, errs.CodeMediaUploadInterrupted, reply.Err().Code)
}
