// Package metrics 提供监控指标收集功能
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once           sync.Once
	registry       *prometheus.Registry
	defaultMetrics *Metrics
)

// Metrics 封装所有监控指标
type Metrics struct {
	// 连接指标
	ConnectedClients prometheus.Gauge
	Connections      prometheus.Counter
	Disconnections   prometheus.Counter
	HTTPRequests     prometheus.Counter

	// 帧与广播指标
	FramesIn        *prometheus.CounterVec
	FramesOut       prometheus.Counter
	Broadcasts      prometheus.Counter
	DroppedMessages prometheus.Counter
	MessageSize     prometheus.Histogram

	// 集群总线指标
	BusPublishErrors   *prometheus.CounterVec
	BusSubscribeErrors *prometheus.CounterVec
	BusReconnects      *prometheus.CounterVec
	BusLatency         prometheus.Histogram

	// 错误指标
	ProtocolErrors      prometheus.Counter
	ErrorsTotal         prometheus.Counter
	CriticalErrorsTotal prometheus.Counter

	// 认证指标
	AuthSuccess prometheus.Counter
	AuthFailure prometheus.Counter
}

// NewMetrics 创建新的Metrics实例
func NewMetrics(namespace string) *Metrics {
	registry = prometheus.NewRegistry()
	f := promauto.With(registry)

	return &Metrics{
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "当前已升级的WebSocket连接数",
		}),
		Connections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "握手成功的连接总数",
		}),
		Disconnections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "断开的WebSocket连接总数",
		}),
		HTTPRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "以普通HTTP响应的请求总数",
		}),

		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_in_total",
			Help:      "按操作码统计的入站帧",
		}, []string{"opcode"}),
		FramesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_out_total",
			Help:      "写出的帧总数",
		}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "广播次数",
		}),
		DroppedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "订阅队列满时丢弃的消息数",
		}),
		MessageSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size",
			Help:      "入站数据帧载荷大小分布",
			Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
		}),

		BusPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_errors_total",
			Help:      "消息总线发布错误总数",
		}, []string{"bus"}),
		BusSubscribeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_subscribe_errors_total",
			Help:      "消息总线订阅错误总数",
		}, []string{"bus"}),
		BusReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "消息总线重连次数",
		}, []string{"bus"}),
		BusLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_latency_seconds",
			Help:      "跨节点广播延迟(秒)",
			Buckets:   prometheus.DefBuckets,
		}),

		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "协议错误总数",
		}),
		ErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		}),
		CriticalErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "严重错误总数",
		}),

		AuthSuccess: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_success",
			Help:      "认证成功计数",
		}),
		AuthFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failure",
			Help:      "认证失败计数",
		}),
	}
}

// GetRegistry 获取Prometheus注册表
func GetRegistry() *prometheus.Registry {
	Default()
	return registry
}

// Default 获取默认指标实例
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = NewMetrics("wscast")
	})
	return defaultMetrics
}

// 便捷方法，用于快速记录指标

// ClientConnected 记录握手成功
func ClientConnected() {
	m := Default()
	m.ConnectedClients.Inc()
	m.Connections.Inc()
}

// ClientDisconnected 记录连接断开
func ClientDisconnected() {
	m := Default()
	m.ConnectedClients.Dec()
	m.Disconnections.Inc()
}

// HTTPRequestServed 记录普通HTTP响应
func HTTPRequestServed() {
	Default().HTTPRequests.Inc()
}

// FrameReceived 记录收到一个帧
func FrameReceived(opcode string, sizeBytes int) {
	m := Default()
	m.FramesIn.WithLabelValues(opcode).Inc()
	m.MessageSize.Observe(float64(sizeBytes))
}

// FrameSent 记录写出一个帧
func FrameSent() {
	Default().FramesOut.Inc()
}

// BroadcastPublished 记录一次广播
func BroadcastPublished() {
	Default().Broadcasts.Inc()
}

// MessageDropped 记录订阅队列丢弃的消息
func MessageDropped() {
	Default().DroppedMessages.Inc()
}

// RecordBusPublishError 记录总线发布失败
func RecordBusPublishError(bus string) {
	Default().BusPublishErrors.WithLabelValues(bus).Inc()
}

// RecordBusSubscribeError 记录总线订阅失败
func RecordBusSubscribeError(bus string) {
	Default().BusSubscribeErrors.WithLabelValues(bus).Inc()
}

// RecordBusReconnect 记录总线重连
func RecordBusReconnect(bus string) {
	Default().BusReconnects.WithLabelValues(bus).Inc()
}

// RecordBusLatency 记录跨节点延迟
func RecordBusLatency(seconds float64) {
	Default().BusLatency.Observe(seconds)
}

// RecordProtocolError 记录协议错误
func RecordProtocolError() {
	Default().ProtocolErrors.Inc()
}

// RecordError 记录错误
func RecordError() {
	Default().ErrorsTotal.Inc()
}

// RecordAuthSuccess 记录认证成功
func RecordAuthSuccess() {
	Default().AuthSuccess.Inc()
}

// RecordAuthFailure 记录认证失败
func RecordAuthFailure() {
	Default().AuthFailure.Inc()
}

// RecordCriticalError 记录严重错误
func RecordCriticalError(errorType string) {
	m := Default()
	m.CriticalErrorsTotal.Inc()

	// 记录在日志中，便于排查
	slog.Error("critical error encountered", "type", errorType)
}
