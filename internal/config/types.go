package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Mode: flashcards | quiz | summary。
	Mode        string   `yaml:"mode"`
	Inputs      []string `yaml:"inputs"`
	Concurrency int      `yaml:"concurrency"`
	// MaxRetries: LLM 调用首次之外的最大重试次数（>=0）。0 表示不重试。
	MaxRetries int     `yaml:"max_retries"`
	Logging    Logging `yaml:"logging"`
	Server     Server  `yaml:"server"`
	Cache      Cache   `yaml:"cache"`

	// 组件名选择（空则使用默认名）。
	Components Components `yaml:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `yaml:"llm"`
	Provider map[string]Provider `yaml:"provider"`

	// 各组件 Options 子树，转为原样 JSON 传入工厂。
	Options Options `yaml:"options"`
}

// Logging: 日志等级与落盘位置。
type Logging struct {
	Level string `yaml:"level"`
	// Dir: 轮转日志目录；空表示不落盘。
	Dir string `yaml:"dir"`
	// MaxBytes: 单个日志文件上限；0 使用默认。
	MaxBytes int64 `yaml:"max_bytes"`
	// Stderr: 同时输出到标准错误。
	Stderr bool `yaml:"stderr"`
}

// Server: 上传服务配置。
type Server struct {
	Addr           string   `yaml:"addr"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Cache: 结果缓存。Path 为空关闭缓存。
type Cache struct {
	Path string `yaml:"path"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `yaml:"reader"`
	Extractor     string `yaml:"extractor"`
	Segmenter     string `yaml:"segmenter"`
	PromptBuilder string `yaml:"prompt_builder"`
	Decoder       string `yaml:"decoder"`
	Assembler     string `yaml:"assembler"`
	Writer        string `yaml:"writer"`
}

// Options: 各组件的原样 Options。
type Options struct {
	Reader        Raw `yaml:"reader"`
	Extractor     Raw `yaml:"extractor"`
	Segmenter     Raw `yaml:"segmenter"`
	PromptBuilder Raw `yaml:"prompt_builder"`
	Decoder       Raw `yaml:"decoder"`
	Assembler     Raw `yaml:"assembler"`
	Writer        Raw `yaml:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额 + 熔断）。
type Provider struct {
	Client  string  `yaml:"client"`
	Options Raw     `yaml:"options"`
	Limits  Limits  `yaml:"limits"`
	Breaker Breaker `yaml:"breaker"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `yaml:"rpm"`
	TPM             int `yaml:"tpm"`
	MaxTokensPerReq int `yaml:"max_tokens_per_req"`
}

// Breaker: 熔断配置。Failures 为 0 关闭熔断。
type Breaker struct {
	Failures    int `yaml:"failures"`
	OpenSeconds int `yaml:"open_seconds"`
}

// Raw 是以 JSON 承载的组件 Options 子树。
// YAML 中按普通映射书写，解析时转为 JSON；工厂层做严格字段校验。
type Raw json.RawMessage

// UnmarshalYAML 将任意 YAML 子树转为 JSON。
func (r *Raw) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	if v == nil {
		*r = nil
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("line %d: options must be a mapping with string keys: %w", n.Line, err)
	}
	*r = b
	return nil
}

// MarshalYAML 将 JSON 子树还原为 YAML 映射（供 init-config 输出）。
func (r Raw) MarshalYAML() (any, error) {
	if len(r) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(r, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// JSON 返回原样 JSON（供 registry 工厂）。
func (r Raw) JSON() json.RawMessage { return json.RawMessage(r) }
