// Package rooms 房间与群组成员关系跟踪。
// 房间是瞬态的：本端断开即退出，最后一个成员离开即销毁（销毁对本端视同离开）。
// 群组是持久的，见 groups.go。
package rooms

import (
	"encoding/json"
	"sync"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/models"
)

// 房间属性配额（与服务端一致，客户端先行校验减少无效往返）。
const (
	MaxRoomAttributes        = 10
	MaxRoomAttributeKeyLen   = 64
	MaxRoomAttributeValueLen = 1024
	MaxRoomAttributesSize    = 4096
)

// RoomEvents 房间事件钩子。
type RoomEvents struct {
	OnRoomStateChanged func(roomID string, event models.RoomEvent)
	OnRoomMembersIn    func(roomID string, members []models.RoomMember)
	OnRoomMembersOut   func(roomID string, members []models.RoomMember)
	// OnRoomAttributesUpdated 一次推送一条通知；批量提交也只产生一条
	OnRoomAttributesUpdated func(roomID string, updated []models.RoomAttribute, deleted []string)
}

// RoomDeps 依赖。
type RoomDeps struct {
	Send   func(f *protocol.Frame) *errs.Error
	Corr   *seq.Correlator
	SelfID func() string
	Events RoomEvents
}

type roomState struct {
	info  models.RoomInfo
	attrs map[string]models.RoomAttribute
	// begin/end 批处理缓冲；nil 表示未开启
	batch *attrBatch
}

type attrBatch struct {
	set    map[string]string
	config models.RoomAttributesSetConfig
	del    []string
	force  bool
}

// RoomTracker 已加入房间的本地视图。
type RoomTracker struct {
	mu    sync.Mutex
	deps  RoomDeps
	rooms map[string]*roomState
}

func NewRoomTracker(deps RoomDeps) *RoomTracker {
	return &RoomTracker{deps: deps, rooms: make(map[string]*roomState)}
}

// RoomCallback 房间操作完成回调。
type RoomCallback func(room *models.RoomInfo, err *errs.Error)

// AttrCallback 属性写操作回调：errorKeys 为未生效的键（部分失败）。
type AttrCallback func(errorKeys []string, err *errs.Error)

func (r *RoomTracker) complete(seqID int64, err *errs.Error) {
	r.deps.Corr.Complete(seqID, &seq.Result{Err: err})
}

// roomOp 三种入口共用的请求路径，区别仅在命令名与已存在/不存在的语义。
func (r *RoomTracker) roomOp(cmd, roomID, roomName string, cb RoomCallback) int64 {
	seqID := r.deps.Corr.Submit(cmd, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.RoomReply
		if err := json.Unmarshal(res.Data, &reply); err != nil {
			if cb != nil {
				cb(nil, errs.Newf(errs.CodeServerError, "bad room reply: %v", err))
			}
			return
		}
		r.mu.Lock()
		r.rooms[reply.Room.ID] = &roomState{info: reply.Room, attrs: make(map[string]models.RoomAttribute)}
		r.mu.Unlock()
		if r.deps.Events.OnRoomStateChanged != nil {
			r.deps.Events.OnRoomStateChanged(reply.Room.ID, models.RoomEventEntered)
		}
		if cb != nil {
			room := reply.Room
			cb(&room, nil)
		}
	})
	if err := r.deps.Send(protocol.NewRequest(cmd, seqID, &protocol.RoomRequest{RoomID: roomID, RoomName: roomName})); err != nil {
		r.complete(seqID, err)
	}
	return seqID
}

// CreateRoom 创建并进入房间；已存在返回 room_already_exists。
func (r *RoomTracker) CreateRoom(roomID, roomName string, cb RoomCallback) int64 {
	return r.roomOp(protocol.CmdCreateRoom, roomID, roomName, cb)
}

// JoinRoom 加入已有房间；不存在返回 room_not_exist。
func (r *RoomTracker) JoinRoom(roomID string, cb RoomCallback) int64 {
	return r.roomOp(protocol.CmdJoinRoom, roomID, "", cb)
}

// EnterRoom 进入房间：不存在则创建（create 与 join 的合并入口）。
func (r *RoomTracker) EnterRoom(roomID, roomName string, cb RoomCallback) int64 {
	return r.roomOp(protocol.CmdEnterRoom, roomID, roomName, cb)
}

// LeaveRoom 离开房间并清空本地状态。
func (r *RoomTracker) LeaveRoom(roomID string, cb func(err *errs.Error)) int64 {
	seqID := r.deps.Corr.Submit(protocol.CmdLeaveRoom, func(res *seq.Result) {
		if res.Err == nil {
			r.dropRoom(roomID, models.RoomEventLeft)
		}
		if cb != nil {
			cb(res.Err)
		}
	})
	if err := r.deps.Send(protocol.NewRequest(protocol.CmdLeaveRoom, seqID, &protocol.RoomRequest{RoomID: roomID})); err != nil {
		r.complete(seqID, err)
	}
	return seqID
}

func (r *RoomTracker) dropRoom(roomID string, event models.RoomEvent) {
	r.mu.Lock()
	_, ok := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()
	if ok && r.deps.Events.OnRoomStateChanged != nil {
		r.deps.Events.OnRoomStateChanged(roomID, event)
	}
}

// Joined 是否在房间内（本地视图）。
func (r *RoomTracker) Joined(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Attributes 房间属性快照。
func (r *RoomTracker) Attributes(roomID string) []models.RoomAttribute {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]models.RoomAttribute, 0, len(st.attrs))
	for _, a := range st.attrs {
		out = append(out, a)
	}
	return out
}

// validateAttributes 配额与尺寸检查：全有或全无，任何一条违规整批拒绝。
func validateAttributes(existing map[string]models.RoomAttribute, attrs map[string]string) *errs.Error {
	newKeys := 0
	total := 0
	for _, a := range existing {
		total += len(a.Key) + len(a.Value)
	}
	for k, v := range attrs {
		if k == "" || len(k) > MaxRoomAttributeKeyLen {
			return errs.Newf(errs.CodeRoomAttributeKeyInvalid, "invalid attribute key %q", k)
		}
		if len(v) > MaxRoomAttributeValueLen {
			return errs.Newf(errs.CodeRoomAttributeValueTooLong, "attribute %q value too long", k)
		}
		if old, ok := existing[k]; ok {
			total -= len(old.Key) + len(old.Value)
		} else {
			newKeys++
		}
		total += len(k) + len(v)
	}
	if len(existing)+newKeys > MaxRoomAttributes {
		return errs.Newf(errs.CodeRoomAttributesFull, "attribute count would exceed %d", MaxRoomAttributes)
	}
	if total > MaxRoomAttributesSize {
		return errs.Newf(errs.CodeRoomAttributesSizeExceeded, "attributes total size would exceed %d", MaxRoomAttributesSize)
	}
	return nil
}

// SetRoomAttributes 写房间属性。批处理开启时仅入缓冲，EndBatch 才提交。
func (r *RoomTracker) SetRoomAttributes(roomID string, attrs map[string]string, cfg models.RoomAttributesSetConfig, cb AttrCallback) int64 {
	r.mu.Lock()
	st, joined := r.rooms[roomID]
	if joined && st.batch != nil {
		for k, v := range attrs {
			st.batch.set[k] = v
		}
		st.batch.config = cfg
		r.mu.Unlock()
		// 批处理缓冲：立即确认入队，真正的结果在 EndBatch 的回调里
		seqID := r.deps.Corr.Submit(protocol.CmdSetRoomAttributes, func(res *seq.Result) {
			if cb != nil {
				cb(nil, res.Err)
			}
		})
		r.complete(seqID, nil)
		return seqID
	}
	var existing map[string]models.RoomAttribute
	if joined {
		existing = st.attrs
	}
	verr := validateAttributes(existing, attrs)
	r.mu.Unlock()

	seqID := r.submitAttrWrite(cb)
	if !joined {
		r.complete(seqID, errs.New(errs.CodeRoomNotJoined, "room not joined"))
		return seqID
	}
	if verr != nil {
		r.complete(seqID, verr)
		return seqID
	}
	if err := r.deps.Send(protocol.NewRequest(protocol.CmdSetRoomAttributes, seqID, &protocol.SetRoomAttributesRequest{
		RoomID: roomID, Attributes: attrs, Config: cfg,
	})); err != nil {
		r.complete(seqID, err)
	}
	return seqID
}

func (r *RoomTracker) submitAttrWrite(cb AttrCallback) int64 {
	return r.deps.Corr.Submit(protocol.CmdSetRoomAttributes, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.SetRoomAttributesReply
		_ = json.Unmarshal(res.Data, &reply)
		if cb != nil {
			cb(reply.ErrorKeys, nil)
		}
	})
}

// DeleteRoomAttributes 删除房间属性（默认仅创建者；force 跨创建者）。
func (r *RoomTracker) DeleteRoomAttributes(roomID string, keys []string, force bool, cb AttrCallback) int64 {
	r.mu.Lock()
	st, joined := r.rooms[roomID]
	if joined && st.batch != nil {
		st.batch.del = append(st.batch.del, keys...)
		st.batch.force = st.batch.force || force
		r.mu.Unlock()
		seqID := r.deps.Corr.Submit(protocol.CmdDelRoomAttributes, func(res *seq.Result) {
			if cb != nil {
				cb(nil, res.Err)
			}
		})
		r.complete(seqID, nil)
		return seqID
	}
	r.mu.Unlock()

	seqID := r.deps.Corr.Submit(protocol.CmdDelRoomAttributes, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.SetRoomAttributesReply
		_ = json.Unmarshal(res.Data, &reply)
		if cb != nil {
			cb(reply.ErrorKeys, nil)
		}
	})
	if !joined {
		r.complete(seqID, errs.New(errs.CodeRoomNotJoined, "room not joined"))
		return seqID
	}
	if err := r.deps.Send(protocol.NewRequest(protocol.CmdDelRoomAttributes, seqID, &protocol.DeleteRoomAttributesRequest{
		RoomID: roomID, Keys: keys, Force: force,
	})); err != nil {
		r.complete(seqID, err)
	}
	return seqID
}

// BeginRoomAttributesBatch 开启属性批处理：之后的 set/delete 只入缓冲。
func (r *RoomTracker) BeginRoomAttributesBatch(roomID string) *errs.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[roomID]
	if !ok {
		return errs.New(errs.CodeRoomNotJoined, "room not joined")
	}
	if st.batch != nil {
		return errs.New(errs.CodeRoomBatchAlreadyOpen, "attributes batch already open")
	}
	st.batch = &attrBatch{set: make(map[string]string)}
	return nil
}

// EndRoomAttributesBatch 提交批处理：合并为一次请求，对端只产生一条变更通知。
func (r *RoomTracker) EndRoomAttributesBatch(roomID string, cb AttrCallback) int64 {
	r.mu.Lock()
	st, ok := r.rooms[roomID]
	if !ok || st.batch == nil {
		r.mu.Unlock()
		seqID := r.deps.Corr.Submit(protocol.CmdSetRoomAttributes, func(res *seq.Result) {
			if cb != nil {
				cb(nil, res.Err)
			}
		})
		if !ok {
			r.complete(seqID, errs.New(errs.CodeRoomNotJoined, "room not joined"))
		} else {
			r.complete(seqID, errs.New(errs.CodeRoomBatchNotOpen, "attributes batch not open"))
		}
		return seqID
	}
	batch := st.batch
	st.batch = nil
	verr := validateAttributes(st.attrs, batch.set)
	r.mu.Unlock()

	seqID := r.submitAttrWrite(cb)
	if verr != nil {
		r.complete(seqID, verr)
		return seqID
	}
	// 缓冲中的删除并入同一帧，整批只产生一次提交与一条变更通知
	req := &protocol.SetRoomAttributesRequest{
		RoomID:     roomID,
		Attributes: batch.set,
		DeleteKeys: batch.del,
		Config:     batch.config,
		Batch:      true,
	}
	if batch.force {
		req.Config.Force = true
	}
	if err := r.deps.Send(protocol.NewRequest(protocol.CmdSetRoomAttributes, seqID, req)); err != nil {
		r.complete(seqID, err)
	}
	return seqID
}

// QueryRoomMembers 按显式 id 列表查询；未找到的成员逐条出现在 errors 中（部分失败）。
func (r *RoomTracker) QueryRoomMembers(roomID string, userIDs []string, cb func(members []models.RoomMember, itemErrs []errs.ItemError, err *errs.Error)) int64 {
	seqID := r.deps.Corr.Submit(protocol.CmdQueryRoomMembers, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, nil, res.Err)
			}
			return
		}
		var reply protocol.QueryRoomMembersReply
		_ = json.Unmarshal(res.Data, &reply)
		if cb != nil {
			cb(reply.Members, reply.Errors, nil)
		}
	})
	if err := r.deps.Send(protocol.NewRequest(protocol.CmdQueryRoomMembers, seqID, &protocol.QueryRoomMembersRequest{
		RoomID: roomID, UserIDs: userIDs,
	})); err != nil {
		r.complete(seqID, err)
	}
	return seqID
}

// QueryRoomMemberList 分页全量成员；nextFlag 为空表示到达末尾。
func (r *RoomTracker) QueryRoomMemberList(roomID string, count int, nextFlag string, cb func(members []models.RoomMember, nextFlag string, err *errs.Error)) int64 {
	seqID := r.deps.Corr.Submit(protocol.CmdQueryRoomMemberList, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, "", res.Err)
			}
			return
		}
		var reply protocol.QueryRoomMemberListReply
		_ = json.Unmarshal(res.Data, &reply)
		if cb != nil {
			cb(reply.Members, reply.NextFlag, nil)
		}
	})
	if err := r.deps.Send(protocol.NewRequest(protocol.CmdQueryRoomMemberList, seqID, &protocol.QueryRoomMemberListRequest{
		RoomID: roomID, Count: count, NextFlag: nextFlag,
	})); err != nil {
		r.complete(seqID, err)
	}
	return seqID
}

// QueryRoomAttributes 服务端全量属性，同时刷新本地缓存。
func (r *RoomTracker) QueryRoomAttributes(roomID string, cb func(attrs []models.RoomAttribute, err *errs.Error)) int64 {
	seqID := r.deps.Corr.Submit(protocol.CmdQueryRoomAttributes, func(res *seq.Result) {
		if res.Err != nil {
			if cb != nil {
				cb(nil, res.Err)
			}
			return
		}
		var reply protocol.QueryRoomAttributesReply
		_ = json.Unmarshal(res.Data, &reply)
		r.mu.Lock()
		if st, ok := r.rooms[roomID]; ok {
			st.attrs = make(map[string]models.RoomAttribute, len(reply.Attributes))
			for _, a := range reply.Attributes {
				st.attrs[a.Key] = a
			}
		}
		r.mu.Unlock()
		if cb != nil {
			cb(reply.Attributes, nil)
		}
	})
	if err := r.deps.Send(protocol.NewRequest(protocol.CmdQueryRoomAttributes, seqID, &protocol.RoomRequest{RoomID: roomID})); err != nil {
		r.complete(seqID, err)
	}
	return seqID
}

// ---- 推送处理 ----

// HandleRoomState 房间级状态推送。destroyed 对本端视同离开。
func (r *RoomTracker) HandleRoomState(push *protocol.RoomStatePush) {
	switch push.Event {
	case models.RoomEventDestroyed, models.RoomEventLeft:
		r.dropRoom(push.RoomID, push.Event)
	default:
		if r.deps.Events.OnRoomStateChanged != nil {
			r.deps.Events.OnRoomStateChanged(push.RoomID, push.Event)
		}
	}
}

// HandleMembersIn / HandleMembersOut 成员进出推送。
func (r *RoomTracker) HandleMembersIn(push *protocol.RoomMemberPush) {
	if r.deps.Events.OnRoomMembersIn != nil {
		r.deps.Events.OnRoomMembersIn(push.RoomID, push.Members)
	}
}

func (r *RoomTracker) HandleMembersOut(push *protocol.RoomMemberPush) {
	if r.deps.Events.OnRoomMembersOut != nil {
		r.deps.Events.OnRoomMembersOut(push.RoomID, push.Members)
	}
}

// HandleAttributesUpdated 属性变更推送：刷新缓存并整批发一条通知。
func (r *RoomTracker) HandleAttributesUpdated(push *protocol.RoomAttributesPush) {
	r.mu.Lock()
	if st, ok := r.rooms[push.RoomID]; ok {
		for _, a := range push.Updated {
			st.attrs[a.Key] = a
		}
		for _, k := range push.Deleted {
			delete(st.attrs, k)
		}
	}
	r.mu.Unlock()
	if r.deps.Events.OnRoomAttributesUpdated != nil {
		r.deps.Events.OnRoomAttributesUpdated(push.RoomID, push.Updated, push.Deleted)
	}
}

// DropAll 连接丢失时清空瞬态房间（房间随连接存活）。
func (r *RoomTracker) DropAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.rooms = make(map[string]*roomState)
	r.mu.Unlock()
	for _, id := range ids {
		if r.deps.Events.OnRoomStateChanged != nil {
			r.deps.Events.OnRoomStateChanged(id, models.RoomEventInterrupted)
		}
	}
}
