package imsdk

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go-imsdk/errs"
	"go-imsdk/internal/calls"
	"go-imsdk/internal/conn"
	"go-imsdk/internal/convindex"
	"go-imsdk/internal/friends"
	"go-imsdk/internal/logx"
	"go-imsdk/internal/metrics"
	"go-imsdk/internal/pipeline"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/rooms"
	"go-imsdk/internal/seq"
	"go-imsdk/internal/store"
	"go-imsdk/models"
)

// Engine 一个独立的 SDK 实例。进程内可同时存在多个实例，互不共享状态。
type Engine struct {
	cfg  AppConfig
	snap configSnapshot

	machine *conn.Machine
	corr    *seq.Correlator
	st      store.Store
	pipe    *pipeline.Pipeline
	convs   *convindex.Index
	rooms   *rooms.RoomTracker
	groups  *rooms.GroupTracker
	calls   *calls.Machine
	friends *friends.Manager

	tasks     chan func()
	quit      chan struct{}
	destroyed atomic.Bool

	handlerMu  sync.Mutex
	handlers   map[int]*EventHandler
	handlerSeq int
}

// Create 按当前创建前配置快照创建实例。
func Create(cfg *AppConfig) (*Engine, error) {
	return create(cfg, &conn.WSDialer{})
}

func create(cfg *AppConfig, dialer conn.Dialer) (*Engine, error) {
	if cfg == nil || cfg.ServerAddr == "" {
		return nil, errs.New(errs.CodeInvalidParam, "appConfig with serverAddr required")
	}
	snap := snapshotPreConfig()
	if snap.log != nil {
		logx.Init(snap.log)
	}
	metrics.Init()

	var st store.Store
	if snap.cache.Path != "" {
		s, err := store.OpenSQLite(snap.cache.Path)
		if err != nil {
			return nil, err
		}
		st = s
	} else {
		st = store.NewMemory()
	}

	e := &Engine{
		cfg:      *cfg,
		snap:     snap,
		st:       st,
		tasks:    make(chan func(), 1024),
		quit:     make(chan struct{}),
		handlers: make(map[int]*EventHandler),
	}
	go e.loop()

	e.corr = seq.New(e.dispatch)
	e.machine = conn.NewMachine(conn.Options{
		Dialer:               dialer,
		Addr:                 cfg.ServerAddr,
		OnStateChanged:       e.onStateChanged,
		OnFrame:              e.route,
		OnTokenWillExpire:    e.onTokenWillExpire,
		TokenExpireAdvance:   time.Duration(snap.intOption("token.advanceSec", 30)) * time.Second,
		ReconnectMaxAttempts: snap.intOption("reconnect.maxAttempts", 5),
	})

	e.pipe = pipeline.New(pipeline.Deps{
		Send:      e.machine.Send,
		Corr:      e.corr,
		Store:     e.st,
		SelfID:    e.machine.UserID,
		ChunkSize: snap.intOption("media.chunkSize", 64*1024),
		Events: pipeline.Events{
			OnMessageAttached: func(m *models.Message) {
				e.emit(func(h *EventHandler) {
					if h.OnMessageAttached != nil {
						h.OnMessageAttached(m)
					}
				})
				e.convs.ApplyOutgoing(m)
			},
			OnMessageReceived: func(convID string, ct models.ConversationType, msgs []*models.Message) {
				e.emit(func(h *EventHandler) {
					if h.OnMessageReceived != nil {
						h.OnMessageReceived(convID, ct, msgs)
					}
				})
				e.convs.ApplyIncoming(convID, ct, msgs)
			},
			OnMessageRevoked: func(m *models.Message) {
				e.emit(func(h *EventHandler) {
					if h.OnMessageRevoked != nil {
						h.OnMessageRevoked(m)
					}
				})
				e.convs.ApplyRevoked(m)
			},
			OnReceiptChanged: func(convID string, ct models.ConversationType, msgs []*models.Message) {
				e.emit(func(h *EventHandler) {
					if h.OnReceiptChanged != nil {
						h.OnReceiptChanged(convID, ct, msgs)
					}
				})
			},
			OnMediaProgress: func(localMsgID string, uploaded, total int64) {
				e.emit(func(h *EventHandler) {
					if h.OnMediaProgress != nil {
						h.OnMediaProgress(localMsgID, uploaded, total)
					}
				})
			},
		},
	})

	e.convs = convindex.New(convindex.Deps{
		Send:   e.machine.Send,
		Corr:   e.corr,
		Store:  e.st,
		SelfID: e.machine.UserID,
		Events: convindex.Events{
			OnConversationChanged: func(changes []models.ConversationChange) {
				e.emit(func(h *EventHandler) {
					if h.OnConversationChanged != nil {
						h.OnConversationChanged(changes)
					}
				})
			},
			OnTotalUnreadChanged: func(total int) {
				e.emit(func(h *EventHandler) {
					if h.OnTotalUnreadChanged != nil {
						h.OnTotalUnreadChanged(total)
					}
				})
			},
		},
	})
	e.convs.Load()

	e.rooms = rooms.NewRoomTracker(rooms.RoomDeps{
		Send:   e.machine.Send,
		Corr:   e.corr,
		SelfID: e.machine.UserID,
		Events: rooms.RoomEvents{
			OnRoomStateChanged: func(roomID string, event models.RoomEvent) {
				e.emit(func(h *EventHandler) {
					if h.OnRoomStateChanged != nil {
						h.OnRoomStateChanged(roomID, event)
					}
				})
			},
			OnRoomMembersIn: func(roomID string, members []models.RoomMember) {
				e.emit(func(h *EventHandler) {
					if h.OnRoomMembersIn != nil {
						h.OnRoomMembersIn(roomID, members)
					}
				})
			},
			OnRoomMembersOut: func(roomID string, members []models.RoomMember) {
				e.emit(func(h *EventHandler) {
					if h.OnRoomMembersOut != nil {
						h.OnRoomMembersOut(roomID, members)
					}
				})
			},
			OnRoomAttributesUpdated: func(roomID string, updated []models.RoomAttribute, deleted []string) {
				e.emit(func(h *EventHandler) {
					if h.OnRoomAttributesUpdated != nil {
						h.OnRoomAttributesUpdated(roomID, updated, deleted)
					}
				})
			},
		},
	})

	e.groups = rooms.NewGroupTracker(rooms.GroupDeps{
		Send:   e.machine.Send,
		Corr:   e.corr,
		SelfID: e.machine.UserID,
		Events: rooms.GroupEvents{
			OnGroupStateChanged: func(groupID string, event models.GroupEvent, operator string, group *models.GroupInfo) {
				e.emit(func(h *EventHandler) {
					if h.OnGroupStateChanged != nil {
						h.OnGroupStateChanged(groupID, event, operator, group)
					}
				})
			},
			OnGroupMemberChanged: func(groupID string, event models.GroupEvent, operator string, members []models.GroupMember) {
				e.emit(func(h *EventHandler) {
					if h.OnGroupMemberChanged != nil {
						h.OnGroupMemberChanged(groupID, event, operator, members)
					}
				})
			},
			OnGroupMuteChanged: func(groupID string, mode models.GroupMuteMode, muteExpire int64, roles []models.GroupMemberRole) {
				e.emit(func(h *EventHandler) {
					if h.OnGroupMuteChanged != nil {
						h.OnGroupMuteChanged(groupID, mode, muteExpire, roles)
					}
				})
			},
			OnGroupAttributes: func(groupID string, updated map[string]string, deleted []string) {
				e.emit(func(h *EventHandler) {
					if h.OnGroupAttributes != nil {
						h.OnGroupAttributes(groupID, updated, deleted)
					}
				})
			},
		},
	})

	e.calls = calls.New(calls.Deps{
		Send:   e.machine.Send,
		Corr:   e.corr,
		SelfID: e.machine.UserID,
		Events: calls.Events{
			OnInvitationReceived: func(call *models.CallInfo) {
				e.emit(func(h *EventHandler) {
					if h.OnCallInvitationReceived != nil {
						h.OnCallInvitationReceived(call)
					}
				})
			},
			OnInvitationCancelled: func(callID, inviter, extended string) {
				e.emit(func(h *EventHandler) {
					if h.OnCallInvitationCancelled != nil {
						h.OnCallInvitationCancelled(callID, inviter, extended)
					}
				})
			},
			OnInviteeStateChanged: func(callID, userID string, state models.CallInviteeState) {
				e.emit(func(h *EventHandler) {
					if h.OnCallInviteeStateChanged != nil {
						h.OnCallInviteeStateChanged(callID, userID, state)
					}
				})
			},
			OnCallEnded: func(callID, operator, extended string) {
				e.emit(func(h *EventHandler) {
					if h.OnCallEnded != nil {
						h.OnCallEnded(callID, operator, extended)
					}
				})
			},
		},
	})

	e.friends = friends.New(friends.Deps{
		Send:   e.machine.Send,
		Corr:   e.corr,
		SelfID: e.machine.UserID,
		Events: friends.Events{
			OnApplicationReceived: func(app *models.FriendApplication) {
				e.emit(func(h *EventHandler) {
					if h.OnFriendApplicationReceived != nil {
						h.OnFriendApplicationReceived(app)
					}
				})
			},
			OnFriendChanged: func(event string, fs []models.FriendInfo) {
				e.emit(func(h *EventHandler) {
					if h.OnFriendChanged != nil {
						h.OnFriendChanged(event, fs)
					}
				})
			},
		},
	})

	logx.Infof("imsdk: instance created appId=%d addr=%s", cfg.AppID, cfg.ServerAddr)
	return e, nil
}

// Destroy 销毁实例：断开连接、以 session-closed 结清全部在途请求、
// 排空派发队列后停止派发协程。销毁后所有方法快速失败。
func (e *Engine) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	e.machine.Close()
	e.corr.CancelAll(errs.ErrSessionClosed)
	close(e.quit)
	_ = e.st.Close()
	logx.Infof("imsdk: instance destroyed appId=%d", e.cfg.AppID)
}

// loop 派发协程：串行执行全部完成回调与事件回调。
// 退出前排空队列，保证 Destroy 前入队的回调不丢。
func (e *Engine) loop() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.quit:
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) dispatch(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.quit:
	}
}

// emit 把一次事件广播排入派发队列。
func (e *Engine) emit(fn func(h *EventHandler)) {
	e.dispatch(func() { e.eachHandler(fn) })
}

func (e *Engine) guard() *errs.Error {
	if e.destroyed.Load() {
		return errs.ErrNotCreated
	}
	return nil
}

// onStateChanged 连接状态迁移的引擎侧处理：
// - 进入 reconnecting：在途请求以网络错误结清（消息级不做透明重试），房间视图清空
// - 落回 disconnected（登出/被踢/令牌过期/重连耗尽）：在途请求以 session-closed 结清
func (e *Engine) onStateChanged(state models.ConnectionState, event models.ConnectionEvent) {
	switch state {
	case models.ConnReconnecting:
		e.corr.CancelAll(errs.New(errs.CodeNetwork, "connection interrupted"))
		e.rooms.DropAll()
	case models.ConnDisconnected:
		switch event {
		case models.ConnEventLogout, models.ConnEventKickedOut,
			models.ConnEventTokenExpired, models.ConnEventReconnectFailed:
			e.corr.CancelAll(errs.ErrSessionClosed)
			e.rooms.DropAll()
		}
	}
	e.emit(func(h *EventHandler) {
		if h.OnConnectionStateChanged != nil {
			h.OnConnectionStateChanged(state, event)
		}
	})
}

func (e *Engine) onTokenWillExpire(secondsLeft int) {
	e.emit(func(h *EventHandler) {
		if h.OnTokenWillExpire != nil {
			h.OnTokenWillExpire(secondsLeft)
		}
	})
}

// route 连接层送上来的应答与推送。运行在读循环协程上；
// 组件内部状态就地更新，用户回调统一经派发队列串行送达。
func (e *Engine) route(f *protocol.Frame) {
	switch {
	case f.Reply != "":
		if f.Seq != 0 {
			e.corr.Complete(f.Seq, &seq.Result{Err: f.Err(), Data: f.Data})
		}
	case f.Push != "":
		e.routePush(f)
	}
}

func (e *Engine) routePush(f *protocol.Frame) {
	decode := func(v interface{}) bool {
		if err := json.Unmarshal(f.Data, v); err != nil {
			logx.Warnf("imsdk: bad %s push: %v", f.Push, err)
			return false
		}
		return true
	}
	switch f.Push {
	case protocol.PushKickedOut:
		e.machine.ForceDisconnect(models.ConnEventKickedOut)

	case protocol.PushMessageBatch:
		var p protocol.MessageBatchPush
		if decode(&p) {
			e.pipe.HandleMessageBatch(&p)
		}
	case protocol.PushMessageRevoked:
		var p protocol.MessageRevokedPush
		if decode(&p) {
			e.pipe.HandleRevoked(&p)
		}
	case protocol.PushReceiptChanged:
		var p protocol.ReceiptChangedPush
		if decode(&p) {
			e.pipe.HandleReceiptChanged(&p)
		}

	case protocol.PushRoomState:
		var p protocol.RoomStatePush
		if decode(&p) {
			e.rooms.HandleRoomState(&p)
		}
	case protocol.PushRoomMemberIn:
		var p protocol.RoomMemberPush
		if decode(&p) {
			e.rooms.HandleMembersIn(&p)
		}
	case protocol.PushRoomMemberOut:
		var p protocol.RoomMemberPush
		if decode(&p) {
			e.rooms.HandleMembersOut(&p)
		}
	case protocol.PushRoomAttributes:
		var p protocol.RoomAttributesPush
		if decode(&p) {
			e.rooms.HandleAttributesUpdated(&p)
		}

	case protocol.PushGroupState:
		var p protocol.GroupStatePush
		if decode(&p) {
			e.groups.HandleGroupState(&p)
		}
	case protocol.PushGroupMember:
		var p protocol.GroupMemberPush
		if decode(&p) {
			e.groups.HandleGroupMember(&p)
		}
	case protocol.PushGroupMute:
		var p protocol.GroupMutePush
		if decode(&p) {
			e.groups.HandleGroupMute(&p)
		}
	case protocol.PushGroupAttributes:
		var p protocol.GroupAttributesPush
		if decode(&p) {
			e.groups.HandleGroupAttributes(&p)
		}

	case protocol.PushCallInvitation:
		var p protocol.CallInvitationPush
		if decode(&p) {
			e.calls.HandleInvitation(&p)
		}
	case protocol.PushCallCancelled:
		var p protocol.CallCancelledPush
		if decode(&p) {
			e.calls.HandleCancelled(&p)
		}
	case protocol.PushCallInvitee:
		var p protocol.CallInviteePush
		if decode(&p) {
			e.calls.HandleInviteeState(&p)
		}
	case protocol.PushCallEnded:
		var p protocol.CallEndedPush
		if decode(&p) {
			e.calls.HandleEnded(&p)
		}

	case protocol.PushFriendApply:
		var p protocol.FriendApplyPush
		if decode(&p) {
			e.friends.HandleApplication(&p)
		}
	case protocol.PushFriendChanged:
		var p protocol.FriendChangedPush
		if decode(&p) {
			e.friends.HandleFriendChanged(&p)
		}

	default:
		logx.Warnf("imsdk: unknown push %q", f.Push)
	}
}
