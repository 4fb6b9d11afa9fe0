package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"studygen/pkg/contract"
)

// 默认目标为 OpenRouter 的 OpenAI 兼容接口。
const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "meta-llama/llama-3.1-8b-instruct"
	DefaultAPIKeyEnv   = "OPENROUTER_API_KEY"
	DefaultMaxTokens   = 1800
	DefaultTemperature = 0.4
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 从注入的环境读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // client 级超时（秒），默认 60
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens"`
	// JSONMode: 请求 response_format=json_object（仅部分模型支持）。
	JSONMode bool `json:"json_mode"`
	// Referer/Title: OpenRouter 归因头（HTTP-Referer / X-Title）。
	Referer      string            `json:"referer"`
	Title        string            `json:"title"`
	ExtraHeaders map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = DefaultAPIKeyEnv
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.Temperature == nil {
		t := DefaultTemperature
		o.Temperature = &t
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
}

// Client 基于 go-openai 的 Chat Completions 客户端。
type Client struct {
	api       *goopenai.Client
	model     string
	temp      float32
	maxTokens int
	jsonMode  bool
}

// New 从原样 JSON 选项构造客户端。凭据经 getenv 解析，不直接读取进程环境。
func New(raw json.RawMessage, getenv func(string) string) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && getenv != nil {
		key = getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key (%s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	headers := make(map[string]string, len(opts.ExtraHeaders)+2)
	if opts.Referer != "" {
		headers["HTTP-Referer"] = opts.Referer
	}
	if opts.Title != "" {
		headers["X-Title"] = opts.Title
	}
	for k, v := range opts.ExtraHeaders {
		if k != "" {
			headers[k] = v
		}
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	if len(headers) > 0 {
		hc.Transport = &headerTransport{base: http.DefaultTransport, headers: headers}
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	cfg.HTTPClient = hc
	return &Client{
		api:       goopenai.NewClientWithConfig(cfg),
		model:     opts.Model,
		temp:      float32(*opts.Temperature),
		maxTokens: opts.MaxTokens,
		jsonMode:  opts.JSONMode,
	}, nil
}

// ModelID 返回 "openai/<model>"，用于缓存键与日志。
func (c *Client) ModelID() string { return "openai/" + c.model }

// headerTransport 为每个请求追加固定请求头。
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}

// upstreamError 承载 HTTP 上游非成功状态；5xx/408 视为网络类，429 归为限流。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg)
}
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Unwrap: 429 → ErrRateLimited；其余 4xx（408 除外）→ ErrInvalidInput。
func (e upstreamError) Unwrap() error {
	switch {
	case e.status == http.StatusTooManyRequests:
		return contract.ErrRateLimited
	case e.status == http.StatusRequestTimeout:
		return nil
	case e.status/100 == 4:
		return contract.ErrInvalidInput
	}
	return nil
}

func messages(p contract.Prompt) ([]goopenai.ChatCompletionMessage, error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		return []goopenai.ChatCompletionMessage{{Role: goopenai.ChatMessageRoleUser, Content: string(v)}}, nil
	case contract.ChatPrompt:
		out := make([]goopenai.ChatCompletionMessage, 0, len(v))
		for _, m := range v {
			out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("openai: %w: empty chat prompt", contract.ErrInvalidInput)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("openai: %w: prompt type %T", contract.ErrInvalidInput, p)
	}
}

// Invoke: 单次调用，同步返回回复原文。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	msgs, err := messages(p)
	if err != nil {
		return contract.Raw{}, err
	}
	req := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   c.maxTokens,
		Temperature: c.temp,
	}
	if c.jsonMode {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return contract.Raw{}, fmt.Errorf("openai: empty choices: %w", contract.ErrResponseInvalid)
	}
	// 空内容仍是一次成功调用，交由解码阶段判定
	return contract.Raw{Text: resp.Choices[0].Message.Content}, nil
}

// mapError 将 go-openai 的错误映射为 upstreamError；传输层错误原样返回。
func mapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return upstreamError{status: apiErr.HTTPStatusCode, msg: strings.TrimSpace(apiErr.Message)}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		if len(msg) > 4<<10 {
			msg = msg[:4<<10]
		}
		return upstreamError{status: reqErr.HTTPStatusCode, msg: msg}
	}
	return err
}

var _ contract.LLMClient = (*Client)(nil)
var _ contract.UpstreamError = upstreamError{}
