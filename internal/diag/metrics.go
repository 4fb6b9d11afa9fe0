package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// 进程级指标，注册在私有 Registry 上（经 /metrics 暴露）：
// - studygen_op_total{comp,stage,result}
// - studygen_error_total{comp,code}
// - studygen_op_duration_ms{comp,stage}
// - studygen_outcome_total{mode,result}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studygen_op_total",
		Help: "Component operations by stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studygen_error_total",
		Help: "Component errors by classification code.",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studygen_op_duration_ms",
		Help:    "Component stage duration in milliseconds.",
		Buckets: []float64{1, 5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	}, []string{"comp", "stage"})

	outcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studygen_outcome_total",
		Help: "Per-topic generation outcomes by mode (result=ok|fallback).",
	}, []string{"mode", "result"})
)

func init() {
	registry.MustRegister(
		opTotal, errorTotal, opDuration, outcomeTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry 返回指标注册表（供 promhttp 导出）。
func Registry() *prometheus.Registry { return registry }

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// ObserveOutcome 按模式累加单主题生成结果（fallback=true 表示回退记录）。
func ObserveOutcome(mode string, fallback bool) {
	result := "ok"
	if fallback {
		result = "fallback"
	}
	outcomeTotal.WithLabelValues(mode, result).Inc()
}
