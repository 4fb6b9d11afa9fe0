package contract

import (
	"context"
	"errors"
)

// Raw: LLM 客户端返回的原始回复文本（万能容器）。
// 约束：原样返回，不做清洗/截断/归一化；清洗属于 Decoder。
type Raw struct {
	Text string
}

// LLMClient: 以 Prompt 为单位与大模型交互，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
// 非成功状态以 error 返回（HTTP 类失败建议实现 UpstreamError）。
type LLMClient interface {
	Invoke(ctx context.Context, p Prompt) (Raw, error)
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSeqInvalid      = errors.New("sequence invalid")
)

// ModelIdentifier: 可选接口，返回稳定的 "<client>/<model>" 标识（缓存键与日志）。
type ModelIdentifier interface {
	ModelID() string
}

// ModelIDOf 返回客户端的模型标识；未实现 ModelIdentifier 时返回 "unknown"。
func ModelIDOf(c LLMClient) string {
	if m, ok := c.(ModelIdentifier); ok {
		return m.ModelID()
	}
	return "unknown"
}
