package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DocID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type DocID string

// Mode: 生成模式。一次运行内对所有 Chunk 统一生效。
type Mode string

const (
	ModeFlashcards Mode = "flashcards"
	ModeQuiz       Mode = "quiz"
	ModeSummary    Mode = "summary"
)

// Modes 返回全部合法模式（稳定顺序）。
func Modes() []Mode { return []Mode{ModeFlashcards, ModeQuiz, ModeSummary} }

// ParseMode 解析模式名（大小写/首尾空白不敏感）；未知值返回 ErrInvalidInput。
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeFlashcards, ModeQuiz, ModeSummary:
		return m, nil
	}
	return "", fmt.Errorf("mode %q: %w", s, ErrInvalidInput)
}

// Key: 输出中承载内容的固定键名（契约字段，不随提示词变化）。
func (m Mode) Key() string { return string(m) }

// EmptyContent: 回退记录中该模式对应的空容器。
// flashcards/quiz 为空数组，summary 为空串。
func (m Mode) EmptyContent() any {
	if m == ModeSummary {
		return ""
	}
	return []any{}
}

// Chunk: 主题块。Text 已去首尾空白且长度超过分段阈值；
// Index 为其在源文档中的位置序（0..n-1）。创建后只读。
type Chunk struct {
	Index int
	Text  string
}

// Record: 结构化记录（解析后的 JSON 对象，按模型声明的形状原样信任）。
type Record map[string]any

// Outcome: 单个 Chunk 的生成结果。
// Error 非空即为回退记录（内容为空容器 + 错误描述）。
type Outcome struct {
	Record Record
	Error  string
}

// Failed 报告是否为回退记录。
func (o Outcome) Failed() bool { return o.Error != "" }

// Fallback 构造回退记录：仅包含 mode 对应键的空容器与 error。
func Fallback(mode Mode, msg string) Outcome {
	if strings.TrimSpace(msg) == "" {
		msg = "generation failed"
	}
	return Outcome{Record: Record{mode.Key(): mode.EmptyContent()}, Error: msg}
}

// TopicResult: 带标题的单主题输出。
// JSON 形如 {"title": "Topic N", ...Record, "error"?}；Record 字段在 title 之后展开。
type TopicResult struct {
	Title string
	Outcome
}

// MarshalJSON 将 title 与 Outcome 字段平铺为一个对象。
// Record 按原样信任：记录自带的 title 键覆盖生成的标题，自带的 error 键原样输出；
// 回退记录的 Error 最后写入，优先于记录中的同名键。
func (t TopicResult) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(t.Record)+2)
	m["title"] = t.Title
	for k, v := range t.Record {
		m[k] = v
	}
	if t.Error != "" {
		m["error"] = t.Error
	}
	return marshalNoEscape(m)
}

// UnmarshalJSON 为 MarshalJSON 的逆过程（供宿主/测试读取结果）。
func (t *TopicResult) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*t = TopicResult{}
	if v, ok := m["title"].(string); ok {
		t.Title = v
	}
	delete(m, "title")
	if v, ok := m["error"].(string); ok {
		t.Error = v
		delete(m, "error")
	}
	t.Record = Record(m)
	return nil
}

// PipelineResult: 一次运行的最终输出，返回后只读。
type PipelineResult struct {
	Topics []TopicResult `json:"topics"`
}

// MarshalJSON 保证 topics 为数组（空结果输出 []，而非 null）。
func (r PipelineResult) MarshalJSON() ([]byte, error) {
	topics := r.Topics
	if topics == nil {
		topics = []TopicResult{}
	}
	return marshalNoEscape(struct {
		Topics []TopicResult `json:"topics"`
	}{topics})
}

// marshalNoEscape 同 json.Marshal，但保留 <、>、& 原样（学习材料中常见）。
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ChunkOutcome: 带位置序的中间结果，供装配器按 Index 归位。
type ChunkOutcome struct {
	Index int
	Outcome
}
