// Package seq 实现异步请求的序列号关联器：
// - Submit 为每次异步调用分配会话内单调递增且不复用的序列号
// - Complete 把应答派发给且仅派发给对应的一个挂起回调
// - CancelAll 在登出/销毁时以 session-closed 错误结清全部挂起请求
// 挂起表大小是可观测的背压信号（PendingCount 与 Prometheus gauge）。
package seq

import (
	"encoding/json"
	"sync"
	"time"

	"go-imsdk/errs"
	"go-imsdk/internal/logx"
	"go-imsdk/internal/metrics"
)

// Result 一次异步操作的完成结果。Err 为 nil 表示成功，Data 为应答载荷。
type Result struct {
	Err  *errs.Error
	Data json.RawMessage
}

// Callback 完成回调。每个序列号至多被调用一次。
type Callback func(*Result)

type entry struct {
	kind     string
	cb       Callback
	issuedAt time.Time
}

// Correlator 挂起请求表。回调不在锁内执行，统一交给 dispatch 串行派发，
// 保证调用方观察到的回调顺序与完成顺序一致。
type Correlator struct {
	mu       sync.Mutex
	next     int64
	pending  map[int64]*entry
	dispatch func(fn func())
}

// New 创建关联器。dispatch 为 nil 时回调就地执行（测试用）。
func New(dispatch func(fn func())) *Correlator {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Correlator{pending: make(map[int64]*entry), dispatch: dispatch}
}

// Submit 登记一次异步操作，返回其序列号。
func (c *Correlator) Submit(kind string, cb Callback) int64 {
	c.mu.Lock()
	c.next++
	id := c.next
	c.pending[id] = &entry{kind: kind, cb: cb, issuedAt: time.Now()}
	c.mu.Unlock()
	metrics.PendingRequests.Inc()
	return id
}

// Complete 完成指定序列号。未知序列号为防御性 no-op（记日志），返回 false。
func (c *Correlator) Complete(id int64, res *Result) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		logx.Warnf("seq: complete unknown id=%d", id)
		return false
	}
	metrics.PendingRequests.Dec()
	if e.cb != nil {
		c.dispatch(func() { e.cb(res) })
	}
	return true
}

// CancelAll 以给定错误结清所有挂起请求，返回取消数量。
// 回调按序列号升序派发，保证确定的取消顺序。
func (c *Correlator) CancelAll(err *errs.Error) int {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	// 小表，插入排序足够
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, c.pending[id])
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, e := range entries {
		metrics.PendingRequests.Dec()
		if e.cb != nil {
			cb := e.cb
			c.dispatch(func() { cb(&Result{Err: err}) })
		}
	}
	return len(entries)
}

// PendingCount 当前挂起请求数。
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
