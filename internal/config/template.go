package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 默认输入为 STDIN（"-"），结果写到标准输出；
// - 组件名采用仓库内置实现；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Mode:        d.Mode,
		Inputs:      []string{"-"},
		Concurrency: 4,
		MaxRetries:  d.MaxRetries,
		Logging:     Logging{Level: "info", Dir: "logs"},
		Server:      Server{Addr: d.Server.Addr, MaxUploadBytes: d.Server.MaxUploadBytes, AllowedOrigins: []string{"*"}},
		Cache:       Cache{Path: ".studygen/cache.db"},
		Components:  d.Components,
		LLM:         "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: Raw(`{"prefix":"MOCK","api_key":"","response_mode":"echo_mode"}`),
				Limits:  Limits{RPM: 600, TPM: 200000, MaxTokensPerReq: 8192},
			},
			"openrouter": {
				Client: "openai",
				// OpenRouter 的 Chat Completions 兼容端点
				Options: Raw(`{
  "base_url": "https://openrouter.ai/api/v1",
  "model": "meta-llama/llama-3.1-8b-instruct",
  "api_key_env": "OPENROUTER_API_KEY",
  "timeout_seconds": 60,
  "temperature": 0.4,
  "max_tokens": 1800,
  "json_mode": false,
  "referer": "",
  "title": "studygen"
}`),
				Limits:  Limits{RPM: 20, TPM: 0, MaxTokensPerReq: 0},
				Breaker: Breaker{Failures: 5, OpenSeconds: 30},
			},
			"gemini": {
				Client: "gemini",
				Options: Raw(`{
  "model": "gemini-2.5-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "timeout_seconds": 60,
  "max_output_tokens": 2048,
  "response_mime_type": "application/json"
}`),
				Limits:  Limits{RPM: 15, TPM: 250000, MaxTokensPerReq: 0},
				Breaker: Breaker{Failures: 5, OpenSeconds: 30},
			},
		},
	}
	cfg.Options.Reader = Raw(`{
  "exclude_dir_names": [".git", "node_modules", "vendor"],
  "extensions": [".pdf", ".txt", ".md"]
}`)
	cfg.Options.Extractor = Raw(`{"pdf": {"max_pages": 0}, "text": {"max_bytes": 0}}`)
	cfg.Options.Segmenter = Raw(`{"pattern": "", "min_chars": 120}`)
	cfg.Options.PromptBuilder = Raw(`{"max_chars": 1500, "system": ""}`)
	cfg.Options.Decoder = Raw(`{"allow_empty": false}`)
	cfg.Options.Assembler = Raw(`{"title_format": "Topic %d"}`)
	return cfg
}

// Marshal 以 YAML 输出配置（两空格缩进）。
func Marshal(c Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteNew 将 b 写入 path；文件已存在返回 os.ErrExist（从不覆盖）。
func WriteNew(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// DotEnvTemplate 返回 .env 模板：包含支持的覆盖项与常见 Provider 密钥。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# studygen .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > studygen.yaml\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源\n")
	fmt.Fprintf(&b, "%sCONFIG_FILE=\n\n", EnvPrefix)

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"MODE", "INPUTS", "CONCURRENCY", "MAX_RETRIES", "LLM", "LOG_LEVEL", "LOG_DIR", "CACHE_PATH", "SERVER_ADDR", "SERVER_MAX_UPLOAD_BYTES"} {
		fmt.Fprintf(&b, "%s%s=\n", EnvPrefix, k)
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "EXTRACTOR", "SEGMENTER", "PROMPT_BUILDER", "DECODER", "ASSEMBLER", "WRITER"} {
		fmt.Fprintf(&b, "%sCOMPONENTS_%s=\n", EnvPrefix, k)
	}
	for _, name := range []string{"openrouter", "gemini"} {
		fmt.Fprintf(&b, "\n# Provider 覆盖（%s）\n", name)
		for _, k := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "BREAKER_FAILURES", "OPTIONS_JSON"} {
			fmt.Fprintf(&b, "%sPROVIDER__%s__%s=\n", EnvPrefix, name, k)
		}
	}
	b.WriteString("\n# 常见供应商 API Key（由 Provider 客户端经 api_key_env 读取）\n")
	b.WriteString("OPENROUTER_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	return b.String()
}

// InitDir 在 dir 下生成 studygen.yaml 与 .env 模板；已存在的文件跳过。
// 返回实际写入的文件列表。
func InitDir(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	b, err := Marshal(DefaultTemplateConfig())
	if err != nil {
		return nil, err
	}
	var wrote []string
	for _, f := range []struct {
		name string
		data []byte
	}{
		{DefaultFile, b},
		{".env", []byte(DotEnvTemplate())},
	} {
		p := filepath.Join(dir, f.name)
		if err := WriteNew(p, f.data); err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return wrote, err
		}
		wrote = append(wrote, p)
	}
	return wrote, nil
}
