package imsdk

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-imsdk/errs"
	"go-imsdk/internal/conn"
	"go-imsdk/internal/seq"
	"go-imsdk/internal/server"
	"go-imsdk/models"
)

// pipeDialer 每次拨号建立一对内存管道，服务端一端交给回环核心处理。
// 新建管道使重连也能拿到全新连接。
func pipeDialer(core *server.Core) conn.DialerFunc {
	return func(_ context.Context, _ string) (conn.Conn, error) {
		client, srv := conn.Pipe()
		go core.Serve(srv)
		return client, nil
	}
}

func newTestEngine(t *testing.T, core *server.Core) *Engine {
	t.Helper()
	e, err := create(&AppConfig{AppID: 1, ServerAddr: "pipe://core"}, pipeDialer(core))
	require.NoError(t, err)
	t.Cleanup(e.Destroy)
	return e
}

func mustLogin(t *testing.T, e *Engine, userID string) {
	t.Helper()
	done := make(chan *errs.Error, 1)
	e.Login(userID, "token-"+userID, func(err *errs.Error) { done <- err })
	select {
	case err := <-done:
		require.Nil(t, err, "login %s", userID)
	case <-time.After(3 * time.Second):
		t.Fatalf("login %s timed out", userID)
	}
}

func textMessage(convID string) *models.Message {
	payload, _ := json.Marshal(&models.TextPayload{Text: "hi"})
	return &models.Message{
		ConvID:   convID,
		ConvType: models.ConversationTypePeer,
		Type:     models.MessageTypeText,
		Payload:  payload,
	}
}

func TestEnginePeerMessageRoundTrip(t *testing.T) {
	core := server.NewCore(server.Options{})
	alice := newTestEngine(t, core)
	bob := newTestEngine(t, core)
	mustLogin(t, alice, "alice")
	mustLogin(t, bob, "bob")

	attached := make(chan *models.Message, 1)
	alice.AddEventHandler(&EventHandler{
		OnMessageAttached: func(m *models.Message) { attached <- m },
	})
	received := make(chan []*models.Message, 1)
	bob.AddEventHandler(&EventHandler{
		OnMessageReceived: func(convID string, _ models.ConversationType, msgs []*models.Message) {
			assert.Equal(t, "alice", convID)
			received <- msgs
		},
	})

	sent := make(chan *models.Message, 1)
	alice.SendMessage(textMessage("bob"), func(m *models.Message, err *errs.Error) {
		require.Nil(t, err)
		sent <- m
	})

	select {
	case m := <-attached:
		assert.Equal(t, models.SentStatusSending, m.SentStatus)
		assert.NotEmpty(t, m.LocalMsgID)
	case <-time.After(3 * time.Second):
		t.Fatal("no attach event")
	}
	select {
	case m := <-sent:
		assert.Equal(t, models.SentStatusOK, m.SentStatus)
		assert.NotEmpty(t, m.ServerMsgID)
		assert.Greater(t, m.OrderKey, int64(0))
	case <-time.After(3 * time.Second):
		t.Fatal("send not confirmed")
	}
	select {
	case msgs := <-received:
		require.Len(t, msgs, 1)
		assert.Equal(t, "alice", msgs[0].FromUserID)
	case <-time.After(3 * time.Second):
		t.Fatal("recipient got nothing")
	}

	// 发送方会话索引同步更新
	convs := alice.QueryConversationList()
	require.NotEmpty(t, convs)
	assert.Equal(t, "bob", convs[0].ID)
}

func TestEngineAdvancedCallJoinReturnsSnapshot(t *testing.T) {
	core := server.NewCore(server.Options{})
	alice := newTestEngine(t, core)
	bob := newTestEngine(t, core)
	carol := newTestEngine(t, core)
	mustLogin(t, alice, "alice")
	mustLogin(t, bob, "bob")
	mustLogin(t, carol, "carol")

	invited := make(chan string, 1)
	bob.AddEventHandler(&EventHandler{
		OnCallInvitationReceived: func(call *models.CallInfo) { invited <- call.CallID },
	})

	created := make(chan string, 1)
	alice.CallInvite([]string{"bob"}, 30, models.CallModeAdvanced, "", func(callID string, itemErrs []errs.ItemError, err *errs.Error) {
		require.Nil(t, err)
		require.Empty(t, itemErrs)
		created <- callID
	})
	var callID string
	select {
	case callID = <-created:
	case <-time.After(3 * time.Second):
		t.Fatal("call not created")
	}
	select {
	case got := <-invited:
		assert.Equal(t, callID, got)
	case <-time.After(3 * time.Second):
		t.Fatal("invitee got no invitation")
	}

	// 免邀请加入要拿到完整呼叫快照，自身已处于 accepted
	joined := make(chan *models.CallInfo, 1)
	carol.CallJoin(callID, func(call *models.CallInfo, err *errs.Error) {
		require.Nil(t, err)
		joined <- call
	})
	select {
	case call := <-joined:
		require.NotNil(t, call)
		assert.Equal(t, callID, call.CallID)
		i := call.InviteeByID("carol")
		require.GreaterOrEqual(t, i, 0)
		assert.Equal(t, models.InviteeAccepted, call.Invitees[i].State)
	case <-time.After(3 * time.Second):
		t.Fatal("join not confirmed")
	}
}

func TestEngineUnreadTracking(t *testing.T) {
	core := server.NewCore(server.Options{})
	alice := newTestEngine(t, core)
	bob := newTestEngine(t, core)
	mustLogin(t, alice, "alice")
	mustLogin(t, bob, "bob")

	unread := make(chan int, 4)
	bob.AddEventHandler(&EventHandler{
		OnTotalUnreadChanged: func(total int) { unread <- total },
	})

	done := make(chan struct{}, 1)
	alice.SendMessage(textMessage("bob"), func(_ *models.Message, err *errs.Error) {
		require.Nil(t, err)
		done <- struct{}{}
	})
	<-done

	select {
	case total := <-unread:
		assert.Equal(t, 1, total)
	case <-time.After(3 * time.Second):
		t.Fatal("no unread event")
	}

	cleared := make(chan *errs.Error, 1)
	bob.ClearConversationUnread("alice", models.ConversationTypePeer, func(err *errs.Error) { cleared <- err })
	select {
	case err := <-cleared:
		require.Nil(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("clear unread timed out")
	}
	assert.Equal(t, 0, bob.TotalUnreadCount())
}

func TestEngineLogoutCancelsPending(t *testing.T) {
	core := server.NewCore(server.Options{})
	e := newTestEngine(t, core)
	mustLogin(t, e, "alice")

	got := make(chan *errs.Error, 1)
	e.corr.Submit("op", func(res *seq.Result) { got <- res.Err })

	e.Logout(nil)
	select {
	case err := <-got:
		require.NotNil(t, err)
		assert.Equal(t, errs.CodeSessionClosed, err.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not cancelled")
	}
	assert.Equal(t, models.ConnDisconnected, e.State())
}

func TestEngineSecondLoginKicksOutFirst(t *testing.T) {
	core := server.NewCore(server.Options{})
	first := newTestEngine(t, core)
	second := newTestEngine(t, core)

	states := make(chan models.ConnectionEvent, 4)
	first.AddEventHandler(&EventHandler{
		OnConnectionStateChanged: func(state models.ConnectionState, event models.ConnectionEvent) {
			if state == models.ConnDisconnected {
				states <- event
			}
		},
	})

	mustLogin(t, first, "alice")
	mustLogin(t, second, "alice")

	select {
	case event := <-states:
		assert.Equal(t, models.ConnEventKickedOut, event)
	case <-time.After(3 * time.Second):
		t.Fatal("first session not kicked out")
	}
}

func TestEngineRenewToken(t *testing.T) {
	core := server.NewCore(server.Options{})
	e := newTestEngine(t, core)
	mustLogin(t, e, "alice")

	done := make(chan *errs.Error, 1)
	e.RenewToken("token-alice-2", func(err *errs.Error) { done <- err })
	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("renew timed out")
	}
}

func TestEngineDestroyedInstanceFailsFast(t *testing.T) {
	core := server.NewCore(server.Options{})
	e := newTestEngine(t, core)
	e.Destroy()

	loginErr := make(chan *errs.Error, 1)
	e.Login("alice", "t", func(err *errs.Error) { loginErr <- err })
	lerr := <-loginErr
	require.NotNil(t, lerr)
	assert.Equal(t, errs.CodeNotCreated, lerr.Code)

	sendErr := make(chan *errs.Error, 1)
	e.SendMessage(textMessage("bob"), func(_ *models.Message, err *errs.Error) { sendErr <- err })
	err := <-sendErr
	require.NotNil(t, err)
	assert.Equal(t, errs.CodeNotCreated, err.Code)

	assert.Nil(t, e.QueryConversationList())
	e.Destroy() // 幂等
}
