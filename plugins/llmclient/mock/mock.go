package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"studygen/pkg/contract"
)

// Options: 离线调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 占位内容前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 响应模式（用于集成测试与无网络联调）。
	//  - "echo_mode"（默认）：从提示词识别模式，返回该模式形状的严格 JSON；
	//  - "fixed"：始终返回 Reply；
	//  - "fenced"：echo_mode 的结果包在 ```json 围栏中并附尾随说明（考验清洗）；
	//  - "prose"：返回不含 JSON 的自然语言（考验回退）。
	ResponseMode string `json:"response_mode,omitempty"`
	Reply        string `json:"reply,omitempty"`
}

type Client struct {
	prefix string
	mode   string
	reply  string
	apiKey string
}

func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	if o.APIKey == "" {
		o.APIKey = "MOCK_DEBUG_KEY"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "echo_mode"
	case "echo_mode", "fenced", "prose":
	case "fixed":
		if o.Reply == "" {
			return nil, fmt.Errorf("mock: %w: fixed mode requires reply", contract.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("mock: %w: response_mode %q", contract.ErrInvalidInput, mode)
	}
	return &Client{prefix: o.Prefix, mode: mode, reply: o.Reply, apiKey: o.APIKey}, nil
}

// APIKey 返回限流分组用的伪凭据。
func (c *Client) APIKey() string { return c.apiKey }

// ModelID 返回 "mock/<response_mode>"。
func (c *Client) ModelID() string { return "mock/" + c.mode }

func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	switch c.mode {
	case "fixed":
		return contract.Raw{Text: c.reply}, nil
	case "prose":
		return contract.Raw{Text: c.prefix + ": I could not find enough material in this passage to produce the requested output."}, nil
	case "fenced":
		return contract.Raw{Text: "```json\n" + Reply(DetectMode(contract.PromptText(p)), c.prefix) + "\n```\nHope this helps!"}, nil
	default:
		return contract.Raw{Text: Reply(DetectMode(contract.PromptText(p)), c.prefix)}, nil
	}
}

// DetectMode 从提示词中识别输出键（{"flashcards" / {"quiz" / {"summary"）；无法识别时按 summary。
func DetectMode(prompt string) contract.Mode {
	best, at := contract.ModeSummary, -1
	for _, m := range contract.Modes() {
		if i := strings.Index(prompt, `{"`+m.Key()+`"`); i >= 0 && (at < 0 || i < at) {
			best, at = m, i
		}
	}
	return best
}

// Reply 返回给定模式形状的占位 JSON。
func Reply(m contract.Mode, prefix string) string {
	var v any
	switch m {
	case contract.ModeFlashcards:
		v = map[string]any{"flashcards": []map[string]string{
			{"question": prefix + " question 1", "answer": prefix + " answer 1"},
			{"question": prefix + " question 2", "answer": prefix + " answer 2"},
		}}
	case contract.ModeQuiz:
		v = map[string]any{"quiz": []map[string]any{{
			"question": prefix + " question",
			"options":  []string{"A", "B", "C", "D"},
			"answer":   "A",
		}}}
	default:
		v = map[string]string{"summary": prefix + " summary"}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

var _ contract.LLMClient = (*Client)(nil)
