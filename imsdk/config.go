// Package imsdk 是 SDK 的公开门面：实例生命周期、连接管理、消息/会话/房间/群组/
// 呼叫/好友的异步操作入口，以及按实例注册的事件回调。
// 所有异步操作立即返回序列号，结果经各自回调在单一派发协程上串行送达。
package imsdk

import (
	"strconv"
	"sync"

	"go-imsdk/internal/logx"
)

// AppConfig 创建实例的必要参数。
type AppConfig struct {
	AppID uint32
	// ServerAddr 接入端地址，如 ws://host:port/ws
	ServerAddr string
}

// LogConfig 日志路径与滚动参数，创建实例前设定。
type LogConfig = logx.Config

// CacheConfig 本地缓存配置。Path 为空时使用进程内缓存（不落盘）。
type CacheConfig struct {
	Path string
}

// AdvancedConfig 键值形式的高级参数，创建时快照生效。
// 已识别键：
//   - media.chunkSize       媒体分片字节数
//   - reconnect.maxAttempts 重连尝试上限
//   - token.advanceSec      令牌过期提前提醒秒数
type AdvancedConfig map[string]string

// GeofencingConfig 数据合规区配置（仅作为创建参数保存，不参与路由）。
type GeofencingConfig struct {
	Type     int
	AreaList []int
}

// 创建前配置。Set* 只影响之后的 Create，创建时快照进实例。
var (
	preMu         sync.Mutex
	preLog        *LogConfig
	preCache      CacheConfig
	preAdvanced   AdvancedConfig
	preGeofencing GeofencingConfig
)

// SetLogConfig 设定日志配置，对后续 Create 生效。
func SetLogConfig(cfg *LogConfig) {
	preMu.Lock()
	preLog = cfg
	preMu.Unlock()
}

// SetCacheConfig 设定本地缓存配置，对后续 Create 生效。
func SetCacheConfig(cfg CacheConfig) {
	preMu.Lock()
	preCache = cfg
	preMu.Unlock()
}

// SetAdvancedConfig 设定高级参数，对后续 Create 生效。
func SetAdvancedConfig(cfg AdvancedConfig) {
	preMu.Lock()
	preAdvanced = cfg
	preMu.Unlock()
}

// SetGeofencingConfig 设定合规区配置，对后续 Create 生效。
func SetGeofencingConfig(cfg GeofencingConfig) {
	preMu.Lock()
	preGeofencing = cfg
	preMu.Unlock()
}

// configSnapshot 创建时刻的配置快照。
type configSnapshot struct {
	log        *LogConfig
	cache      CacheConfig
	advanced   AdvancedConfig
	geofencing GeofencingConfig
}

func snapshotPreConfig() configSnapshot {
	preMu.Lock()
	defer preMu.Unlock()
	adv := make(AdvancedConfig, len(preAdvanced))
	for k, v := range preAdvanced {
		adv[k] = v
	}
	return configSnapshot{log: preLog, cache: preCache, advanced: adv, geofencing: preGeofencing}
}

// intOption 高级参数取整，缺失或非法时回落默认值。
func (c configSnapshot) intOption(key string, def int) int {
	if v, ok := c.advanced[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
