package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"studygen/pkg/contract"
)

// Options: Google Gemini API 最小必需配置。
type Options struct {
	BaseURL   string `json:"base_url"`    // 为空使用 SDK 默认端点
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	// ResponseMIMEType: 如 application/json，要求模型直接输出 JSON。
	ResponseMIMEType string            `json:"response_mime_type,omitempty"`
	ExtraHeaders     map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client 基于 google.golang.org/genai 的 generateContent 客户端。
type Client struct {
	api   *genai.Client
	model string
	cfg   genai.GenerateContentConfig
}

// New 从原样 JSON 选项构造客户端。凭据经 getenv 解析。
func New(raw json.RawMessage, getenv func(string) string) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && getenv != nil {
		key = getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key (%s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	hopts := genai.HTTPOptions{BaseURL: opts.BaseURL}
	if len(opts.ExtraHeaders) > 0 {
		hopts.Headers = make(http.Header, len(opts.ExtraHeaders))
		for k, v := range opts.ExtraHeaders {
			hopts.Headers.Set(k, v)
		}
	}
	api, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
		HTTPOptions: hopts,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	c := &Client{api: api, model: opts.Model}
	if opts.Temperature != nil {
		t := float32(*opts.Temperature)
		c.cfg.Temperature = &t
	}
	if opts.MaxOutputTokens > 0 {
		c.cfg.MaxOutputTokens = int32(opts.MaxOutputTokens)
	}
	c.cfg.ResponseMIMEType = opts.ResponseMIMEType
	return c, nil
}

// ModelID 返回 "gemini/<model>"。
func (c *Client) ModelID() string { return "gemini/" + c.model }

// upstreamError 承载 Gemini API 非成功状态。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg)
}
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

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

// contents 将 Prompt 转为 genai 会话内容；system 消息并入 SystemInstruction。
func contents(p contract.Prompt) ([]*genai.Content, *genai.Content, error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		return genai.Text(string(v)), nil, nil
	case contract.ChatPrompt:
		var sys []string
		out := make([]*genai.Content, 0, len(v))
		for _, m := range v {
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case "system":
				sys = append(sys, m.Content)
			case "assistant", "model":
				out = append(out, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: m.Content}}})
			default:
				out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
			}
		}
		if len(out) == 0 {
			return nil, nil, fmt.Errorf("gemini: %w: no user content", contract.ErrInvalidInput)
		}
		var si *genai.Content
		if len(sys) > 0 {
			si = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(sys, "\n\n")}}}
		}
		return out, si, nil
	default:
		return nil, nil, fmt.Errorf("gemini: %w: prompt type %T", contract.ErrInvalidInput, p)
	}
}

// Invoke: 单次 generateContent 调用，返回首个候选的文本。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	cs, si, err := contents(p)
	if err != nil {
		return contract.Raw{}, err
	}
	cfg := c.cfg
	cfg.SystemInstruction = si
	resp, err := c.api.Models.GenerateContent(ctx, c.model, cs, &cfg)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code != 0 {
			return contract.Raw{}, upstreamError{status: apiErr.Code, msg: strings.TrimSpace(apiErr.Message)}
		}
		return contract.Raw{}, err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return contract.Raw{}, fmt.Errorf("gemini: no candidates: %w", contract.ErrResponseInvalid)
	}
	// 无文本的候选仍是成功回复，空串交由解码阶段判定
	var sb strings.Builder
	if content := resp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if part != nil && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
	}
	return contract.Raw{Text: sb.String()}, nil
}

var _ contract.LLMClient = (*Client)(nil)
