package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"go-imsdk/internal/logx"
	"go-imsdk/internal/protocol"
)

// Bus 下行投递通道抽象：按用户维度发布/订阅推送帧。
// 单进程默认用内存 hub；多实例部署可换 Redis Pub/Sub。
type Bus interface {
	Publish(userID string, f *protocol.Frame)
	Subscribe(userID string, fn func(f *protocol.Frame)) (cancel func())
	Close() error
}

// memoryBus 进程内 hub。
type memoryBus struct {
	mu   sync.Mutex
	subs map[string]map[int]func(f *protocol.Frame)
	next int
}

func NewMemoryBus() Bus {
	return &memoryBus{subs: make(map[string]map[int]func(f *protocol.Frame))}
}

func (b *memoryBus) Publish(userID string, f *protocol.Frame) {
	b.mu.Lock()
	fns := make([]func(*protocol.Frame), 0, len(b.subs[userID]))
	for _, fn := range b.subs[userID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (b *memoryBus) Subscribe(userID string, fn func(f *protocol.Frame)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]func(f *protocol.Frame))
	}
	b.next++
	id := b.next
	b.subs[userID][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[userID], id)
	}
}

func (b *memoryBus) Close() error { return nil }

// DeliverChannel 用户投递通道键。
func DeliverChannel(userID string) string { return fmt.Sprintf("imsdk:deliver:%s", userID) }

// redisBus 基于 Redis Pub/Sub 的跨实例投递。
type redisBus struct {
	client *redis.Client
}

func NewRedisBus(addr, pass string, db int) Bus {
	return &redisBus{client: redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})}
}

func (b *redisBus) Publish(userID string, f *protocol.Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := b.client.Publish(context.Background(), DeliverChannel(userID), payload).Err(); err != nil {
		logx.Warnf("bus: publish %s: %v", userID, err)
	}
}

func (b *redisBus) Subscribe(userID string, fn func(f *protocol.Frame)) func() {
	sub := b.client.Subscribe(context.Background(), DeliverChannel(userID))
	go func() {
		for msg := range sub.Channel() {
			var f protocol.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				logx.Warnf("bus: bad frame on %s: %v", msg.Channel, err)
				continue
			}
			fn(&f)
		}
	}()
	return func() { _ = sub.Close() }
}

func (b *redisBus) Close() error { return b.client.Close() }
