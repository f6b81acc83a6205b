package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "imsdk_pending_requests", Help: "在途异步请求数（可作背压信号）"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "imsdk_send_latency_ms", Help: "消息发送端到端延迟(近似)", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
	ServerFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "imsdk_server_frames_total", Help: "回环服务端收到的上行帧数"},
		[]string{"cmd"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "imsdk_reconnects_total", Help: "重连尝试次数"},
	)
)

var registerOnce sync.Once

// Init 注册指标；多实例共用一套进程级指标，重复调用安全。
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(PendingRequests)
		prometheus.MustRegister(SendLatency)
		prometheus.MustRegister(ServerFramesTotal)
		prometheus.MustRegister(ReconnectsTotal)
	})
}
