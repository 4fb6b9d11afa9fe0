package diag

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options 为日志器配置。
type Options struct {
	// Level: debug|info|warn|error；未知值按 info。
	Level string
	// Dir: 轮转日志目录；为空不落盘。
	Dir string
	// MaxBytes: 单文件轮转阈值；<=0 采用 10 MiB。
	MaxBytes int64
	// Stderr: 同时输出到 Writer（默认 os.Stderr）。Dir 为空时总是输出。
	Stderr bool
	Writer io.Writer
}

// Logger 为结构化事件日志器：zap JSON 编码，单行一事件。
// 事件字段：corr_id, comp, stage(start|finish|error), code, dur_ms, count, doc_id, topic, kv。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewCorrID 生成一次运行的关联 ID。
func NewCorrID() string { return uuid.NewString() }

// ParseLevel 解析级别名；未知值返回 info。
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger 通过配置初始化日志器。
func NewLogger(corrID string, o Options) *Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.RFC3339TimeEncoder
	enc.MessageKey = "msg"
	enc.CallerKey = ""
	enc.StacktraceKey = ""

	var (
		sinks []zapcore.WriteSyncer
		rf    *RotatingFile
	)
	if o.Dir != "" {
		rf = NewRotatingFile(o.Dir, o.MaxBytes)
		sinks = append(sinks, rf)
	}
	if o.Stderr || len(sinks) == 0 {
		w := o.Writer
		if w == nil {
			w = os.Stderr
		}
		sinks = append(sinks, zapcore.Lock(zapcore.AddSync(w)))
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.NewMultiWriteSyncer(sinks...), ParseLevel(o.Level))
	return &Logger{z: zap.New(core).With(zap.String("corr_id", corrID)), sink: rf}
}

// FromZap 包装已有 zap.Logger（测试可配合 zaptest/observer）。
func FromZap(z *zap.Logger, corrID string) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{z: z}
}

// NewNop 返回丢弃一切输出的日志器。
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

// Zap 暴露底层 zap.Logger。
func (l *Logger) Zap() *zap.Logger { return l.z }

// Sync 刷新缓冲。
func (l *Logger) Sync() error { return l.z.Sync() }

// Close 刷新并关闭落盘文件。
func (l *Logger) Close() error {
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func eventFields(comp, stage, code string, dur time.Duration, count int64, docID string, topic int, kv map[string]string) []zap.Field {
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", comp), zap.String("stage", stage))
	if code != "" {
		fs = append(fs, zap.String("code", code))
	}
	if dur > 0 {
		fs = append(fs, zap.Int64("dur_ms", dur.Milliseconds()))
	}
	if count != 0 {
		fs = append(fs, zap.Int64("count", count))
	}
	if docID != "" {
		fs = append(fs, zap.String("doc_id", docID))
	}
	if topic > 0 {
		fs = append(fs, zap.Int("topic", topic))
	}
	if len(kv) > 0 {
		fs = append(fs, zap.Any("kv", kv))
	}
	return fs
}

func since(t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(*t)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", 0, nil)
}

// StartWith 记录带 doc_id/topic 的 start。topic 为 1 起的主题序号，0 表示无。
func (l *Logger) StartWith(comp, msg, docID string, topic int) *Timer {
	return l.StartWithKV(comp, msg, docID, topic, nil)
}

// StartWithKV 记录带 doc_id/topic 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, docID string, topic int, kv map[string]string) *Timer {
	l.z.Info(msg, eventFields(comp, "start", "", 0, 0, docID, topic, kv)...)
	return &Timer{l: l, comp: comp, docID: docID, topic: topic, t0: time.Now()}
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, docID string, topic int, kv map[string]string) {
	if ce := l.z.Check(zapcore.DebugLevel, msg); ce != nil {
		ce.Write(eventFields(comp, "start", "", 0, 0, docID, topic, kv)...)
	}
}

// Error 记录 error 事件并累加错误指标。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", 0, nil)
}

// ErrorWith 支持 doc_id/topic。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, docID string, topic int) {
	l.ErrorWithKV(comp, code, msg, durSince, docID, topic, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、原始回复片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, docID string, topic int, kv map[string]string) {
	l.z.Error(msg, eventFields(comp, "error", code, since(durSince), 0, docID, topic, kv)...)
	IncOp(comp, "error", "error")
	if code != "" {
		IncError(comp, code)
	}
}

// Warn 记录可恢复的异常（不计入错误指标）。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.z.Warn(msg, eventFields(comp, "warn", "", 0, 0, "", 0, kv)...)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	d := time.Since(start)
	l.z.Info(msg, eventFields(comp, "finish", "", d, count, "", 0, nil)...)
	IncOp(comp, "finish", "success")
	ObserveDuration(comp, "finish", d.Milliseconds())
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	docID string
	topic int
	t0    time.Time
}

// Since 返回起点（供 Error 计算耗时）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// Finish 记录 finish 并累加成功指标；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	d := time.Since(t.t0)
	t.l.z.Info(msg, eventFields(t.comp, "finish", "", d, count, t.docID, t.topic, nil)...)
	IncOp(t.comp, "finish", "success")
	ObserveDuration(t.comp, "finish", d.Milliseconds())
}

type docKey struct{}

// WithDocID 在 ctx 中携带当前文档 ID，供下游组件记录 doc_id。
func WithDocID(ctx context.Context, docID string) context.Context {
	return context.WithValue(ctx, docKey{}, docID)
}

// DocIDFrom 取出 WithDocID 设置的文档 ID（无则为空串）。
func DocIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(docKey{}).(string)
	return s
}
