package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/internal/store"
	"go-imsdk/models"
)

type fixture struct {
	p      *Pipeline
	corr   *seq.Correlator
	store  store.Store
	frames chan *protocol.Frame

	sendErr *errs.Error // 非空时 Send 直接失败

	attached []*models.Message
	received [][]*models.Message
	revoked  []*models.Message
	receipts [][]*models.Message
	progress []int64
}

func newFixture() *fixture {
	f := &fixture{
		corr:   seq.New(nil),
		store:  store.NewMemory(),
		frames: make(chan *protocol.Frame, 64),
	}
	f.p = New(Deps{
		Send: func(fr *protocol.Frame) *errs.Error {
			if f.sendErr != nil {
				return f.sendErr
			}
			f.frames <- fr
			return nil
		},
		Corr:   f.corr,
		Store:  f.store,
		SelfID: func() string { return "alice" },
		Events: Events{
			OnMessageAttached: func(m *models.Message) { f.attached = append(f.attached, m) },
			OnMessageReceived: func(_ string, _ models.ConversationType, msgs []*models.Message) {
				f.received = append(f.received, msgs)
			},
			OnMessageRevoked: func(m *models.Message) { f.revoked = append(f.revoked, m) },
			OnReceiptChanged: func(_ string, _ models.ConversationType, msgs []*models.Message) {
				f.receipts = append(f.receipts, msgs)
			},
			OnMediaProgress: func(_ string, uploaded, _ int64) { f.progress = append(f.progress, uploaded) },
		},
		ChunkSize:        8,
		ProgressInterval: time.Nanosecond,
	})
	return f
}

func textMessage(conv string) *models.Message {
	payload, _ := json.Marshal(&models.TextPayload{Text: "hi"})
	return &models.Message{
		ConvID:   conv,
		ConvType: models.ConversationTypePeer,
		Type:     models.MessageTypeText,
		Payload:  payload,
	}
}

func (f *fixture) nextFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case fr := <-f.frames:
		return fr
	case <-time.After(3 * time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

func TestSendMessageAttachThenConfirm(t *testing.T) {
	f := newFixture()
	var done *models.Message
	seqID := f.p.SendMessage(textMessage("c1"), func(m *models.Message, err *errs.Error) {
		require.Nil(t, err)
		done = m
	})

	// attach 先于确认，状态为 sending
	require.Len(t, f.attached, 1)
	assert.Equal(t, models.SentStatusSending, f.attached[0].SentStatus)
	assert.NotEmpty(t, f.attached[0].LocalMsgID)
	assert.Equal(t, "alice", f.attached[0].FromUserID)

	fr := f.nextFrame(t)
	assert.Equal(t, protocol.CmdSendMessage, fr.Cmd)
	assert.Equal(t, seqID, fr.Seq)

	data, _ := json.Marshal(&protocol.SendMessageReply{ServerMsgID: "srv-1", OrderKey: 100, Timestamp: 1234})
	require.True(t, f.corr.Complete(seqID, &seq.Result{Data: data}))

	require.NotNil(t, done)
	assert.Equal(t, models.SentStatusOK, done.SentStatus)
	assert.Equal(t, "srv-1", done.ServerMsgID)
	assert.EqualValues(t, 100, done.OrderKey)
	assert.Equal(t, f.attached[0].LocalMsgID, done.LocalMsgID, "local id stable across confirmation")

	got, err := f.store.GetMessageByServerID("c1", models.ConversationTypePeer, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SentStatusOK, got.SentStatus)
}

func TestSendMessageFailsFastWhenOffline(t *testing.T) {
	f := newFixture()
	f.sendErr = errs.ErrNoSession

	var gotErr *errs.Error
	var gotMsg *models.Message
	f.p.SendMessage(textMessage("c1"), func(m *models.Message, err *errs.Error) {
		gotMsg, gotErr = m, err
	})

	require.NotNil(t, gotErr)
	assert.Equal(t, errs.CodeNoSession, gotErr.Code)
	require.NotNil(t, gotMsg)
	assert.Equal(t, models.SentStatusFailed, gotMsg.SentStatus)
	assert.Equal(t, f.attached[0].LocalMsgID, gotMsg.LocalMsgID, "failed message keeps its local id")
}

func TestHandleMessageBatchDedupAndOrder(t *testing.T) {
	f := newFixture()
	batch := &protocol.MessageBatchPush{
		ConvID:   "c1",
		ConvType: models.ConversationTypePeer,
		Messages: []*models.Message{
			{ServerMsgID: "s2", ConvID: "c1", ConvType: models.ConversationTypePeer, Type: models.MessageTypeText, OrderKey: 2},
			{ServerMsgID: "s1", ConvID: "c1", ConvType: models.ConversationTypePeer, Type: models.MessageTypeText, OrderKey: 1},
			{ServerMsgID: "s3", ConvID: "c1", ConvType: models.ConversationTypePeer, Type: models.MessageTypeText, OrderKey: 3},
		},
	}
	f.p.HandleMessageBatch(batch)
	require.Len(t, f.received, 1)
	require.Len(t, f.received[0], 3)
	assert.EqualValues(t, 1, f.received[0][0].OrderKey)
	assert.EqualValues(t, 2, f.received[0][1].OrderKey)
	assert.EqualValues(t, 3, f.received[0][2].OrderKey)

	// 重放同一批次：幂等，无第二次事件
	f.p.HandleMessageBatch(batch)
	assert.Len(t, f.received, 1)
}

func TestRevokeRewritesTombstone(t *testing.T) {
	f := newFixture()
	f.p.HandleMessageBatch(&protocol.MessageBatchPush{
		ConvID:   "c1",
		ConvType: models.ConversationTypePeer,
		Messages: []*models.Message{
			{ServerMsgID: "s1", ConvID: "c1", ConvType: models.ConversationTypePeer, Type: models.MessageTypeText, OrderKey: 1, Payload: json.RawMessage(`{"text":"secret"}`)},
		},
	})

	var tomb *models.Message
	seqID := f.p.RevokeMessage("c1", models.ConversationTypePeer, "s1", "moderation", func(m *models.Message, err *errs.Error) {
		require.Nil(t, err)
		tomb = m
	})
	_ = f.nextFrame(t)
	require.True(t, f.corr.Complete(seqID, &seq.Result{}))

	require.NotNil(t, tomb)
	assert.Equal(t, models.MessageTypeRevoke, tomb.Type)
	assert.Equal(t, models.MessageTypeText, tomb.OriginalType)
	assert.JSONEq(t, `{"text":"secret"}`, string(tomb.OriginalPayload))
	assert.Equal(t, "moderation", tomb.RevokeExtended)
	assert.Nil(t, tomb.Payload)
}

func TestRevokeWindowErrorPassedThrough(t *testing.T) {
	f := newFixture()
	var gotErr *errs.Error
	seqID := f.p.RevokeMessage("c1", models.ConversationTypePeer, "s1", "", func(m *models.Message, err *errs.Error) {
		gotErr = err
	})
	_ = f.nextFrame(t)
	f.corr.Complete(seqID, &seq.Result{Err: errs.New(errs.CodeRevokeWindowExceeded, "window exceeded")})
	require.NotNil(t, gotErr)
	assert.Equal(t, errs.CodeRevokeWindowExceeded, gotErr.Code)
}

func TestReceiptChangedUpdatesStatus(t *testing.T) {
	f := newFixture()
	f.p.HandleMessageBatch(&protocol.MessageBatchPush{
		ConvID:   "c1",
		ConvType: models.ConversationTypeGroup,
		Messages: []*models.Message{
			{ServerMsgID: "s1", ConvID: "c1", ConvType: models.ConversationTypeGroup, Type: models.MessageTypeText, OrderKey: 1, HasReceipt: true, ReceiptStatus: models.ReceiptStatusProcessing},
		},
	})

	f.p.HandleReceiptChanged(&protocol.ReceiptChangedPush{
		ConvID:   "c1",
		ConvType: models.ConversationTypeGroup,
		Items:    []protocol.ReceiptItem{{ServerMsgID: "s1", Status: models.ReceiptStatusDone}},
	})
	require.Len(t, f.receipts, 1)
	assert.Equal(t, models.ReceiptStatusDone, f.receipts[0][0].ReceiptStatus)

	// 相同状态的重复推送不产生事件
	f.p.HandleReceiptChanged(&protocol.ReceiptChangedPush{
		ConvID:   "c1",
		ConvType: models.ConversationTypeGroup,
		Items:    []protocol.ReceiptItem{{ServerMsgID: "s1", Status: models.ReceiptStatusDone}},
	})
	assert.Len(t, f.receipts, 1)
}

func TestMediaUploadChunksThenSend(t *testing.T) {
	f := newFixture()
	path := filepath.Join(t.TempDir(), "pic.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 20), 0o644)) // 20 字节，8 字节分片 → 3 片

	payload, _ := json.Marshal(&models.ImagePayload{LocalPath: path})
	msg := &models.Message{
		ConvID:   "c1",
		ConvType: models.ConversationTypePeer,
		Type:     models.MessageTypeImage,
		Payload:  payload,
	}

	done := make(chan *models.Message, 1)
	seqID := f.p.SendMessage(msg, func(m *models.Message, err *errs.Error) {
		require.Nil(t, err)
		done <- m
	})

	var chunks []*protocol.UploadChunk
	for {
		fr := f.nextFrame(t)
		if fr.Cmd == protocol.CmdUploadChunk {
			var c protocol.UploadChunk
			require.NoError(t, json.Unmarshal(fr.Data, &c))
			chunks = append(chunks, &c)
			continue
		}
		require.Equal(t, protocol.CmdSendMessage, fr.Cmd)
		break
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 3, chunks[0].Total)
	assert.Len(t, chunks[2].Data, 4)

	data, _ := json.Marshal(&protocol.SendMessageReply{ServerMsgID: "srv-m", OrderKey: 5, Timestamp: 1, MediaURL: "http://files/pic.bin"})
	require.True(t, f.corr.Complete(seqID, &seq.Result{Data: data}))

	select {
	case m := <-done:
		assert.Equal(t, models.SentStatusOK, m.SentStatus)
		assert.Contains(t, string(m.Payload), "http://files/pic.bin")
	case <-time.After(3 * time.Second):
		t.Fatal("send not confirmed")
	}

	// 进度事件至少包含末片（全量上传完成）
	require.NotEmpty(t, f.progress)
	assert.EqualValues(t, 20, f.progress[len(f.progress)-1])
}
