package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷（按单条 user 消息发送）。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// PromptBuilder: 基于 Chunk 与 Mode 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 仅嵌入 Chunk 文本的有限前缀（实现决定上限）；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, c Chunk, mode Mode) (Prompt, error)
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int

// PromptText 将 Prompt 展平为文本（用于估算与缓存键）；未知类型返回空串。
func PromptText(p Prompt) string {
	switch v := p.(type) {
	case TextPrompt:
		return string(v)
	case ChatPrompt:
		n := 0
		for _, m := range v {
			n += len(m.Role) + len(m.Content) + 2
		}
		b := make([]byte, 0, n)
		for _, m := range v {
			b = append(b, m.Role...)
			b = append(b, ':', ' ')
			b = append(b, m.Content...)
			b = append(b, '\n')
		}
		return string(b)
	default:
		return ""
	}
}
