package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"studygen/pkg/contract"
	"studygen/plugins/llmclient/mock"
)

// 脚本步骤。
const (
	StepRateLimited = "rate_limited" // 返回 ErrRateLimited（429 上游错误）
	StepUpstream    = "upstream_500" // 返回 500 上游错误
	StepInvalidJSON = "invalid_json" // 返回无法解析的文本
	StepOK          = "ok"           // 返回模式形状的合法 JSON
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// Script: 依次执行的步骤；耗尽后恒为 ok。默认 [rate_limited, invalid_json]。
	Script []string `json:"script"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LLM 实现：按脚本逐次返回失败，之后返回占位 JSON。
// 并发调用按到达顺序消费脚本。
type Client struct {
	prefix  string
	script  []string
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	if o.Script == nil {
		o.Script = []string{StepRateLimited, StepInvalidJSON}
	}
	for _, s := range o.Script {
		switch s {
		case StepRateLimited, StepUpstream, StepInvalidJSON, StepOK:
		default:
			return nil, fmt.Errorf("flaky: %w: unknown step %q", contract.ErrInvalidInput, s)
		}
	}
	return &Client{prefix: o.Prefix, script: o.Script, logPath: o.LogPath}, nil
}

// ModelID 返回 "flaky"。
func (c *Client) ModelID() string { return "flaky" }

// Calls 返回累计调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// upstreamError 模拟 HTTP 上游失败。
type upstreamError struct{ status int }

func (e upstreamError) Error() string           { return fmt.Sprintf("flaky upstream %d", e.status) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return http.StatusText(e.status) }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) Timeout() bool           { return false }
func (e upstreamError) Unwrap() error {
	if e.status == http.StatusTooManyRequests {
		return contract.ErrRateLimited
	}
	return nil
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	n := int(c.count.Add(1))
	step := StepOK
	if n <= len(c.script) {
		step = c.script[n-1]
	}
	c.log(step)
	switch step {
	case StepRateLimited:
		return contract.Raw{}, upstreamError{status: http.StatusTooManyRequests}
	case StepUpstream:
		return contract.Raw{}, upstreamError{status: http.StatusInternalServerError}
	case StepInvalidJSON:
		return contract.Raw{Text: "invalid"}, nil
	default:
		return contract.Raw{Text: mock.Reply(mock.DetectMode(contract.PromptText(p)), c.prefix)}, nil
	}
}

var _ contract.LLMClient = (*Client)(nil)
