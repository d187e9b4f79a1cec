package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 指标注册在私有 Registry 上，不暴露 HTTP 端点；
// 运行结束后可通过 WriteMetrics 写出 textfile collector 格式快照。
var (
	registry = prometheus.NewRegistry()

	opTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "vdsync_op_total",
		Help: "Operations by component, stage and result",
	}, []string{"comp", "stage", "result"})

	errorTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "vdsync_error_total",
		Help: "Errors by component and classification code",
	}, []string{"comp", "code"})

	opDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vdsync_op_duration_ms",
		Help:    "Stage duration in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1ms 到 ~4min
	}, []string{"comp", "stage"})

	warningTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "vdsync_warning_total",
		Help: "Recoverable anomalies by kind",
	}, []string{"kind"})

	chunksMapped = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "vdsync_chunks_mapped_total",
		Help: "Physical chunks declared into the virtual layout",
	})

	framesContributed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "vdsync_frames_contributed_total",
		Help: "Source rows mapped to a canonical frame",
	})
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { errorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncWarning 按种类累加警告。
func IncWarning(kind string) { warningTotal.WithLabelValues(kind).Inc() }

// AddChunks 累加已登记的 chunk 映射数。
func AddChunks(n int) { chunksMapped.Add(float64(n)) }

// AddFrames 累加已映射的帧数。
func AddFrames(n int) { framesContributed.Add(float64(n)) }

// WriteMetrics 将当前指标以 textfile collector 格式原子写出到 path。
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}

// Gatherer 返回私有注册表（测试与嵌入方使用）。
func Gatherer() prometheus.Gatherer { return registry }
