// Package pipeline 消息管线：发送、媒体分片上传、入站分发、回执、撤回与历史翻页。
// 所有完成回调都经由序列号对账器结清，保证恰好一次；
// 事件钩子由引擎包装后在派发协程上串行执行。
package pipeline

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"

	"go-imsdk/errs"
	"go-imsdk/internal/logx"
	"go-imsdk/internal/metrics"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/internal/store"
	"go-imsdk/models"
)

// Events 管线对外的事件钩子（由引擎串行派发）。
type Events struct {
	// OnMessageAttached 消息进入发送管线时立即触发，UI 据此先行展示
	OnMessageAttached func(m *models.Message)
	// OnMessageReceived 入站批次（去重后、按 order_key 升序）
	OnMessageReceived func(convID string, convType models.ConversationType, msgs []*models.Message)
	// OnMessageRevoked 他端撤回，参数为改写后的墓碑
	OnMessageRevoked func(m *models.Message)
	// OnReceiptChanged 回执聚合状态变化
	OnReceiptChanged func(convID string, convType models.ConversationType, msgs []*models.Message)
	// OnMediaProgress 媒体上传进度（限频）
	OnMediaProgress func(localMsgID string, uploaded, total int64)
}

// Deps 管线依赖。
type Deps struct {
	Send   func(f *protocol.Frame) *errs.Error
	Corr   *seq.Correlator
	Store  store.Store
	SelfID func() string
	Events Events

	// 媒体分片大小与进度事件最小间隔
	ChunkSize        int
	ProgressInterval time.Duration
}

// SendCallback 发送完成回调：err 为 nil 时 m 为确认后的消息快照。
type SendCallback func(m *models.Message, err *errs.Error)

// HistoryCallback 历史查询回调：nextFlag 为空表示到达末尾。
type HistoryCallback func(msgs []*models.Message, nextFlag string, err *errs.Error)

type Pipeline struct {
	deps Deps
}

func New(deps Deps) *Pipeline {
	if deps.ChunkSize <= 0 {
		deps.ChunkSize = 64 * 1024
	}
	if deps.ProgressInterval <= 0 {
		deps.ProgressInterval = 100 * time.Millisecond
	}
	return &Pipeline{deps: deps}
}

// SendMessage 发送消息。
// - 本地 id 立即分配并触发 attach 事件，重试间保持稳定
// - 未连接时快速失败（消息落库为 failed，local id 不变）
// - 媒体消息先分片上传再发送，进度事件限频
func (p *Pipeline) SendMessage(m *models.Message, cb SendCallback) int64 {
	if m.LocalMsgID == "" {
		m.LocalMsgID = uuid.NewString()
	}
	m.FromUserID = p.deps.SelfID()
	m.SentStatus = models.SentStatusSending
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	if m.HasReceipt {
		m.ReceiptStatus = models.ReceiptStatusProcessing
	}

	if m.Type != models.MessageTypeBarrage {
		if _, err := p.deps.Store.SaveMessage(m); err != nil {
			logx.Warnf("pipeline: save outgoing failed: %v", err)
		}
	}
	if p.deps.Events.OnMessageAttached != nil {
		p.deps.Events.OnMessageAttached(m.Clone())
	}

	start := time.Now()
	seqID := p.deps.Corr.Submit(protocol.CmdSendMessage, func(res *seq.Result) {
		p.finishSend(m, res, start, cb)
	})

	if m.Type.IsMedia() {
		go p.uploadAndSend(seqID, m)
		return seqID
	}
	if err := p.writeSendFrame(seqID, m); err != nil {
		p.deps.Corr.Complete(seqID, &seq.Result{Err: err})
	}
	return seqID
}

func (p *Pipeline) writeSendFrame(seqID int64, m *models.Message) *errs.Error {
	return p.deps.Send(protocol.NewRequest(protocol.CmdSendMessage, seqID, &protocol.SendMessageRequest{
		LocalMsgID:       m.LocalMsgID,
		ConvID:           m.ConvID,
		ConvType:         m.ConvType,
		Type:             m.Type,
		Payload:          m.Payload,
		Priority:         m.Priority,
		HasReceipt:       m.HasReceipt,
		MentionedUserIDs: m.MentionedUserIDs,
	}))
}

// uploadAndSend 媒体路径：读文件 → 分片上传（限频进度）→ 发送消息帧。
func (p *Pipeline) uploadAndSend(seqID int64, m *models.Message) {
	path := models.MediaLocalPath(m.Type, m.Payload)
	if path == "" {
		p.deps.Corr.Complete(seqID, &seq.Result{Err: errs.New(errs.CodeMediaFileNotFound, "media local path missing")})
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		p.deps.Corr.Complete(seqID, &seq.Result{Err: errs.Newf(errs.CodeMediaFileNotFound, "read media file: %v", err)})
		return
	}

	total := (len(data) + p.deps.ChunkSize - 1) / p.deps.ChunkSize
	lastProgress := time.Time{}
	for i := 0; i < total; i++ {
		end := (i + 1) * p.deps.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := &protocol.UploadChunk{LocalMsgID: m.LocalMsgID, Index: i, Total: total, Data: data[i*p.deps.ChunkSize : end]}
		if err := p.deps.Send(protocol.NewRequest(protocol.CmdUploadChunk, 0, chunk)); err != nil {
			p.deps.Corr.Complete(seqID, &seq.Result{Err: err})
			return
		}
		// 进度限频：至少间隔 ProgressInterval，末片必报
		if p.deps.Events.OnMediaProgress != nil {
			final := i == total-1
			if final || time.Since(lastProgress) >= p.deps.ProgressInterval {
				lastProgress = time.Now()
				p.deps.Events.OnMediaProgress(m.LocalMsgID, int64(end), int64(len(data)))
			}
		}
	}
	if err := p.writeSendFrame(seqID, m); err != nil {
		p.deps.Corr.Complete(seqID, &seq.Result{Err: err})
	}
}

func (p *Pipeline) finishSend(m *models.Message, res *seq.Result, start time.Time, cb SendCallback) {
	metrics.SendLatency.Observe(float64(time.Since(start).Milliseconds()))
	if res.Err != nil {
		m.SentStatus = models.SentStatusFailed
		if m.Type != models.MessageTypeBarrage {
			if err := p.deps.Store.UpdateMessage(m); err != nil {
				logx.Warnf("pipeline: mark failed: %v", err)
			}
		}
		if cb != nil {
			cb(m.Clone(), res.Err)
		}
		return
	}
	var reply protocol.SendMessageReply
	if err := json.Unmarshal(res.Data, &reply); err != nil {
		if cb != nil {
			cb(m.Clone(), errs.Newf(errs.CodeServerError, "bad send reply: %v", err))
		}
		return
	}
	m.ServerMsgID = reply.ServerMsgID
	m.OrderKey = reply.OrderKey
	m.Timestamp = reply.Timestamp
	m.SentStatus = models.SentStatusOK
	if reply.MediaURL != "" {
		m.Payload = attachMediaURL(m.Payload, reply.MediaURL)
	}
	if m.Type != models.MessageTypeBarrage {
		if err := p.deps.Store.UpdateMessage(m); err != nil {
			logx.Warnf("pipeline: confirm update: %v", err)
		}
	}
	if cb != nil {
		cb(m.Clone(), nil)
	}
}

// attachMediaURL 把服务端分配的下载地址写回媒体载荷。
func attachMediaURL(payload json.RawMessage, url string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		fields = map[string]json.RawMessage{}
	}
	u, _ := json.Marshal(url)
	fields["url"] = u
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

// RevokeMessage 撤回已发消息。成功后本地改写为墓碑并回调墓碑快照。
func (p *Pipeline) RevokeMessage(convID string, convType models.ConversationType, serverMsgID, extended string, cb SendCallback) int64 {
	seqID := p.deps.Corr.Submit(protocol.CmdRevokeMessage, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		tomb, err := p.applyRevoke(convID, convType, serverMsgID, extended)
		if cb != nil {
			cb(tomb, err)
		}
	})
	if err := p.deps.Send(protocol.NewRequest(protocol.CmdRevokeMessage, seqID, &protocol.RevokeMessageRequest{
		ConvID: convID, ConvType: convType, ServerMsgID: serverMsgID, Extended: extended,
	})); err != nil {
		p.deps.Corr.Complete(seqID, &seq.Result{Err: err})
	}
	return seqID
}

// applyRevoke 本地墓碑改写：保留原类型与原载荷供审计。
func (p *Pipeline) applyRevoke(convID string, convType models.ConversationType, serverMsgID, extended string) (*models.Message, *errs.Error) {
	m, err := p.deps.Store.GetMessageByServerID(convID, convType, serverMsgID)
	if err != nil {
		return nil, errs.New(errs.CodeInvalidParam, "revoked message not in local store")
	}
	if m.Type == models.MessageTypeRevoke {
		return m, nil
	}
	m.OriginalType = m.Type
	m.OriginalPayload = m.Payload
	m.Type = models.MessageTypeRevoke
	m.Payload = nil
	m.RevokeExtended = extended
	if err := p.deps.Store.UpdateMessage(m); err != nil {
		logx.Warnf("pipeline: revoke rewrite: %v", err)
	}
	return m.Clone(), nil
}

// MarkConversationRead 上报已读水位（回执由服务端聚合后推送）。
func (p *Pipeline) MarkConversationRead(convID string, convType models.ConversationType, orderKey int64, cb func(err *errs.Error)) int64 {
	seqID := p.deps.Corr.Submit(protocol.CmdReadReceipt, func(res *seq.Result) {
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := p.deps.Send(protocol.NewRequest(protocol.CmdReadReceipt, seqID, &protocol.ReadReceiptRequest{
		ConvID: convID, ConvType: convType, OrderKey: orderKey,
	})); err != nil {
		p.deps.Corr.Complete(seqID, &seq.Result{Err: err})
	}
	return seqID
}

// QueryHistory 向服务端翻页取历史，返回页入库（去重）后回调。
// reverse 为 true 从最新向旧翻页，为 false 从最旧向新翻页；
// nextFlag 传空从端点开始；回调返回空 nextFlag 表示到达末尾。
func (p *Pipeline) QueryHistory(convID string, convType models.ConversationType, count int, nextFlag string, reverse bool, cb HistoryCallback) int64 {
	seqID := p.deps.Corr.Submit(protocol.CmdQueryHistory, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, "", res.Err)
			}
			return
		}
		var reply protocol.QueryHistoryReply
		if err := json.Unmarshal(res.Data, &reply); err != nil {
			if cb != nil {
				cb(nil, "", errs.Newf(errs.CodeServerError, "bad history reply: %v", err))
			}
			return
		}
		for _, m := range reply.Messages {
			if _, err := p.deps.Store.SaveMessage(m); err != nil {
				logx.Warnf("pipeline: cache history: %v", err)
			}
		}
		if cb != nil {
			cb(reply.Messages, reply.NextFlag, nil)
		}
	})
	if err := p.deps.Send(protocol.NewRequest(protocol.CmdQueryHistory, seqID, &protocol.QueryHistoryRequest{
		ConvID: convID, ConvType: convType, Count: count, NextFlag: nextFlag, Reverse: reverse,
	})); err != nil {
		p.deps.Corr.Complete(seqID, &seq.Result{Err: err})
	}
	return seqID
}

// ---- 入站推送 ----

// HandleMessageBatch 入站批次：按 order_key 升序、store 去重后分发；
// 重放同一批次不会产生第二次事件（幂等）。
func (p *Pipeline) HandleMessageBatch(push *protocol.MessageBatchPush) {
	fresh := make([]*models.Message, 0, len(push.Messages))
	for _, m := range push.Messages {
		if m.LocalMsgID == "" {
			m.LocalMsgID = m.ServerMsgID
		}
		// 弹幕只分发不入库
		if m.Type == models.MessageTypeBarrage {
			fresh = append(fresh, m)
			continue
		}
		inserted, err := p.deps.Store.SaveMessage(m)
		if err != nil {
			logx.Warnf("pipeline: save incoming: %v", err)
			continue
		}
		if inserted {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return
	}
	sortByOrderKey(fresh)
	if p.deps.Events.OnMessageReceived != nil {
		p.deps.Events.OnMessageReceived(push.ConvID, push.ConvType, fresh)
	}
}

func sortByOrderKey(msgs []*models.Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].OrderKey > msgs[j].OrderKey; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

// HandleRevoked 他端撤回推送：本地改写墓碑并分发。
func (p *Pipeline) HandleRevoked(push *protocol.MessageRevokedPush) {
	tomb, err := p.applyRevoke(push.ConvID, push.ConvType, push.ServerMsgID, push.Extended)
	if err != nil {
		// 本地没有这条消息：无需墓碑，静默忽略
		return
	}
	if p.deps.Events.OnMessageRevoked != nil {
		p.deps.Events.OnMessageRevoked(tomb)
	}
}

// HandleReceiptChanged 回执聚合推送：逐条更新本地状态后整体分发。
func (p *Pipeline) HandleReceiptChanged(push *protocol.ReceiptChangedPush) {
	updated := make([]*models.Message, 0, len(push.Items))
	for _, it := range push.Items {
		m, err := p.deps.Store.GetMessageByServerID(push.ConvID, push.ConvType, it.ServerMsgID)
		if err != nil {
			continue
		}
		if m.ReceiptStatus == it.Status {
			continue
		}
		m.ReceiptStatus = it.Status
		if err := p.deps.Store.UpdateMessage(m); err != nil {
			logx.Warnf("pipeline: receipt update: %v", err)
			continue
		}
		updated = append(updated, m)
	}
	if len(updated) == 0 {
		return
	}
	if p.deps.Events.OnReceiptChanged != nil {
		p.deps.Events.OnReceiptChanged(push.ConvID, push.ConvType, updated)
	}
}
