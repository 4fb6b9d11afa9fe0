package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 为环境变量覆盖层的统一前缀。
const EnvPrefix = "STUDYGEN_"

// DefaultFile 为未显式指定时在工作目录查找的配置文件。
const DefaultFile = "studygen.yaml"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Mode:        "flashcards",
		Concurrency: 1,
		MaxRetries:  2,
		Logging:     Logging{Level: "info"},
		Server:      Server{Addr: ":8000", MaxUploadBytes: 16 << 20},
		Components: Components{
			Reader:        "fs",
			Extractor:     "auto",
			Segmenter:     "heading",
			PromptBuilder: "study",
			Decoder:       "lenient",
			Assembler:     "titled",
			Writer:        "stdout",
		},
	}
}

// LoadFile 从文件路径或原始字节解析 Config（YAML，兼容 JSON；严格拒绝未知字段）。
// 文件中未出现的 max_retries 以 -1 标记，Merge 时不覆盖。
func LoadFile(path string, raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// 空文件等价于无覆盖
			return cfg, nil
		}
		if path != "" {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
		return cfg, err
	}
	return cfg, nil
}

// DiscoverFile 决定配置文件路径：显式 > STUDYGEN_CONFIG_FILE > ./studygen.yaml（存在时）。
// 返回空串表示不加载文件。
func DiscoverFile(explicit string, getenv func(string) string) string {
	if explicit != "" {
		return explicit
	}
	if getenv != nil {
		if p := strings.TrimSpace(getenv(EnvPrefix + "CONFIG_FILE")); p != "" {
			return p
		}
	}
	if fi, err := os.Stat(DefaultFile); err == nil && !fi.IsDir() {
		return DefaultFile
	}
	return ""
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量/字符串/原样 Options 为“替换”；Provider 按字段合并。
func Merge(base, over Config) Config {
	out := base
	// 顶层
	if strings.TrimSpace(over.Mode) != "" {
		out.Mode = strings.TrimSpace(over.Mode)
	}
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	// 特殊：MaxRetries 的 0 具有语义（禁用重试），需要显式可覆盖。
	// 约定：over.MaxRetries >= 0 视为“存在”，-1 视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}

	// Logging
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if over.Logging.Dir != "" {
		out.Logging.Dir = over.Logging.Dir
	}
	if over.Logging.MaxBytes != 0 {
		out.Logging.MaxBytes = over.Logging.MaxBytes
	}
	if over.Logging.Stderr {
		out.Logging.Stderr = true
	}

	// Server / Cache
	if over.Server.Addr != "" {
		out.Server.Addr = over.Server.Addr
	}
	if over.Server.MaxUploadBytes != 0 {
		out.Server.MaxUploadBytes = over.Server.MaxUploadBytes
	}
	if len(over.Server.AllowedOrigins) > 0 {
		out.Server.AllowedOrigins = cloneStrings(over.Server.AllowedOrigins)
	}
	if over.Cache.Path != "" {
		out.Cache.Path = over.Cache.Path
	}

	// 组件名（空不覆盖）
	out.Components.Reader = pick(out.Components.Reader, over.Components.Reader)
	out.Components.Extractor = pick(out.Components.Extractor, over.Components.Extractor)
	out.Components.Segmenter = pick(out.Components.Segmenter, over.Components.Segmenter)
	out.Components.PromptBuilder = pick(out.Components.PromptBuilder, over.Components.PromptBuilder)
	out.Components.Decoder = pick(out.Components.Decoder, over.Components.Decoder)
	out.Components.Assembler = pick(out.Components.Assembler, over.Components.Assembler)
	out.Components.Writer = pick(out.Components.Writer, over.Components.Writer)

	// Provider（同名按字段合并，零值不覆盖）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = mergeProvider(merged[k], v)
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	out.Options.Reader = pickRaw(out.Options.Reader, over.Options.Reader)
	out.Options.Extractor = pickRaw(out.Options.Extractor, over.Options.Extractor)
	out.Options.Segmenter = pickRaw(out.Options.Segmenter, over.Options.Segmenter)
	out.Options.PromptBuilder = pickRaw(out.Options.PromptBuilder, over.Options.PromptBuilder)
	out.Options.Decoder = pickRaw(out.Options.Decoder, over.Options.Decoder)
	out.Options.Assembler = pickRaw(out.Options.Assembler, over.Options.Assembler)
	out.Options.Writer = pickRaw(out.Options.Writer, over.Options.Writer)

	// LLM 名称
	if strings.TrimSpace(over.LLM) != "" {
		out.LLM = strings.TrimSpace(over.LLM)
	}
	return out
}

func mergeProvider(base, over Provider) Provider {
	out := base
	out.Client = pick(out.Client, over.Client)
	out.Options = pickRaw(out.Options, over.Options)
	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		out.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		out.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	if over.Breaker.Failures != 0 {
		out.Breaker.Failures = over.Breaker.Failures
	}
	if over.Breaker.OpenSeconds != 0 {
		out.Breaker.OpenSeconds = over.Breaker.OpenSeconds
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 STUDYGEN_；集合之外的键忽略；数值解析失败返回错误。
// 支持：MODE, INPUTS, CONCURRENCY, MAX_RETRIES, LLM, LOG_LEVEL, LOG_DIR, LOG_STDERR,
// SERVER_ADDR, SERVER_MAX_UPLOAD_BYTES, SERVER_ALLOWED_ORIGINS, CACHE_PATH, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__OPTIONS_JSON /
// PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__BREAKER_{FAILURES,OPEN_SECONDS}
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// -1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key, val := kv[len(EnvPrefix):eq], kv[eq+1:]
		tv := strings.TrimSpace(val)
		var err error
		switch key {
		case "MODE":
			over.Mode = tv
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "CONCURRENCY":
			over.Concurrency, err = atoi(val)
		case "MAX_RETRIES":
			over.MaxRetries, err = atoi(val)
		case "LLM":
			over.LLM = tv
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "LOG_DIR":
			over.Logging.Dir = tv
		case "LOG_STDERR":
			over.Logging.Stderr, err = strconv.ParseBool(tv)
		case "SERVER_ADDR":
			over.Server.Addr = tv
		case "SERVER_MAX_UPLOAD_BYTES":
			over.Server.MaxUploadBytes, err = strconv.ParseInt(tv, 10, 64)
		case "SERVER_ALLOWED_ORIGINS":
			over.Server.AllowedOrigins = splitComma(val)
		case "CACHE_PATH":
			over.Cache.Path = tv
		case "COMPONENTS_READER":
			over.Components.Reader = tv
		case "COMPONENTS_EXTRACTOR":
			over.Components.Extractor = tv
		case "COMPONENTS_SEGMENTER":
			over.Components.Segmenter = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_DECODER":
			over.Components.Decoder = tv
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = tv
		case "COMPONENTS_WRITER":
			over.Components.Writer = tv
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if strings.HasPrefix(key, "PROVIDER__") {
				err = providerEnv(prov, key, tv)
			}
		}
		if err != nil {
			return Config{}, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func providerEnv(prov map[string]Provider, key, val string) error {
	parts := strings.Split(key, "__")
	if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" {
		return nil
	}
	name := strings.TrimSpace(parts[1])
	field := strings.Join(parts[2:], "__")
	// 空值视为未设置，避免清空配置文件中的定义
	if val == "" {
		return nil
	}
	p := prov[name]
	var err error
	switch field {
	case "CLIENT":
		p.Client = val
	case "OPTIONS_JSON":
		p.Options = Raw(val)
	case "LIMITS_RPM":
		p.Limits.RPM, err = atoi(val)
	case "LIMITS_TPM":
		p.Limits.TPM, err = atoi(val)
	case "LIMITS_MAX_TOKENS_PER_REQ":
		p.Limits.MaxTokensPerReq, err = atoi(val)
	case "BREAKER_FAILURES":
		p.Breaker.Failures, err = atoi(val)
	case "BREAKER_OPEN_SECONDS":
		p.Breaker.OpenSeconds, err = atoi(val)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	prov[name] = p
	return nil
}

// LoadDotEnv 读取 KEY=VALUE 格式的 .env 文件并注入进程环境。
// 文件不存在不是错误；跳过空行与 # 注释；支持可选前缀 "export "。
// 成对引号去除；双引号内处理 \n/\t/\r/\"/\\ 转义。不覆盖已存在的环境变量。
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 && (val[0] == '\'' || val[0] == '"') && val[len(val)-1] == val[0] {
			quoted := val[0]
			val = val[1 : len(val)-1]
			if quoted == '"' {
				val = dotEnvEscapes.Replace(val)
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return err
		}
	}
	return s.Err()
}

var dotEnvEscapes = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`)

func pick(cur, over string) string {
	if t := strings.TrimSpace(over); t != "" {
		return t
	}
	return cur
}

func pickRaw(cur, over Raw) Raw {
	if len(over) > 0 {
		return cloneRaw(over)
	}
	return cur
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in Raw) Raw {
	if len(in) == 0 {
		return nil
	}
	out := make(Raw, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
