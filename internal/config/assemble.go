package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"studygen/internal/cache"
	"studygen/internal/diag"
	"studygen/internal/guard"
	"studygen/internal/pipeline"
	"studygen/internal/prompt"
	"studygen/internal/rate"
	"studygen/pkg/contract"
	"studygen/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if _, err := contract.ParseMode(cfg.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.Server.MaxUploadBytes < 0 {
		return errors.New("config: server.max_upload_bytes must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid", cfg.Logging.Level)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 || prov.Limits.MaxTokensPerReq < 0 {
		return fmt.Errorf("config: provider %q limits must be >= 0", cfg.LLM)
	}
	if prov.Breaker.Failures < 0 || prov.Breaker.OpenSeconds < 0 {
		return fmt.Errorf("config: provider %q breaker must be >= 0", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered (have %v)", prov.Client, registry.Names(registry.LLMClient))
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	n := names(cfg)
	if registry.Reader[n.Reader] == nil {
		return fmt.Errorf("config: reader %q not registered", n.Reader)
	}
	if registry.Extractor[n.Extractor] == nil {
		return fmt.Errorf("config: extractor %q not registered", n.Extractor)
	}
	if registry.Segmenter[n.Segmenter] == nil {
		return fmt.Errorf("config: segmenter %q not registered", n.Segmenter)
	}
	if registry.PromptBuilder[n.PromptBuilder] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", n.PromptBuilder)
	}
	if registry.Decoder[n.Decoder] == nil {
		return fmt.Errorf("config: decoder %q not registered", n.Decoder)
	}
	if registry.Assembler[n.Assembler] == nil {
		return fmt.Errorf("config: assembler %q not registered", n.Assembler)
	}
	if registry.Writer[n.Writer] == nil {
		return fmt.Errorf("config: writer %q not registered (have %v)", n.Writer, registry.Names(registry.Writer))
	}
	return nil
}

// Assemble 构造 Components、Settings 与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传原样 JSON。
// getenv 为凭据来源；返回的 Components.Cache 非空时由调用方关闭。
func Assemble(cfg Config, getenv func(string) string, logger *diag.Logger) (pipeline.Components, pipeline.Settings, rate.Gate, rate.LimitKey, error) {
	fail := func(err error) (pipeline.Components, pipeline.Settings, rate.Gate, rate.LimitKey, error) {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	if err := Validate(cfg); err != nil {
		return fail(err)
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = diag.NewNop()
	}

	// 构造实例
	n := names(cfg)
	r, err := registry.Reader[n.Reader](cfg.Options.Reader.JSON())
	if err != nil {
		return fail(fmt.Errorf("reader %s: %w", n.Reader, err))
	}
	ext, err := registry.Extractor[n.Extractor](cfg.Options.Extractor.JSON())
	if err != nil {
		return fail(fmt.Errorf("extractor %s: %w", n.Extractor, err))
	}
	seg, err := registry.Segmenter[n.Segmenter](cfg.Options.Segmenter.JSON())
	if err != nil {
		return fail(fmt.Errorf("segmenter %s: %w", n.Segmenter, err))
	}
	pb, err := registry.PromptBuilder[n.PromptBuilder](cfg.Options.PromptBuilder.JSON())
	if err != nil {
		return fail(fmt.Errorf("prompt_builder %s: %w", n.PromptBuilder, err))
	}
	dec, err := registry.Decoder[n.Decoder](cfg.Options.Decoder.JSON())
	if err != nil {
		return fail(fmt.Errorf("decoder %s: %w", n.Decoder, err))
	}
	asm, err := registry.Assembler[n.Assembler](cfg.Options.Assembler.JSON())
	if err != nil {
		return fail(fmt.Errorf("assembler %s: %w", n.Assembler, err))
	}
	w, err := registry.Writer[n.Writer](cfg.Options.Writer.JSON())
	if err != nil {
		return fail(fmt.Errorf("writer %s: %w", n.Writer, err))
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options.JSON(), getenv)
	if err != nil {
		return fail(fmt.Errorf("provider %s: %w", cfg.LLM, err))
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	// 派生失败时退化为 provider 名称。
	key, derr := rate.DeriveKey(prov.Client, prov.Options.JSON(), getenv)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	guarded := guard.New(llm, guard.Options{
		Name:          cfg.LLM,
		Gate:          gate,
		GateKey:       key,
		Estimator:     prompt.MakeEstimator(prompt.DefaultBytesPerToken),
		ReserveOutput: reserveOutput(prov),
		MaxRetries:    cfg.MaxRetries,
		Breaker:       guard.Breaker{Failures: prov.Breaker.Failures, OpenSeconds: prov.Breaker.OpenSeconds},
		Logger:        logger,
	})

	var c *cache.Cache
	if p := strings.TrimSpace(cfg.Cache.Path); p != "" {
		if c, err = cache.Open(p); err != nil {
			return fail(err)
		}
	}

	comp := pipeline.Components{
		Reader:        r,
		Extractor:     ext,
		Segmenter:     seg,
		PromptBuilder: pb,
		LLM:           guarded,
		Decoder:       dec,
		Cache:         c,
		Assembler:     asm,
		Writer:        w,
	}
	set := pipeline.Settings{
		Inputs:      cloneStrings(cfg.Inputs),
		Concurrency: cfg.Concurrency,
		Logger:      logger,
	}
	return comp, set, gate, key, nil
}

// reserveOutput 从 provider options 中读取输出 token 上限，作为限流预留。
func reserveOutput(p Provider) int {
	var o struct {
		MaxTokens       int `json:"max_tokens"`
		MaxOutputTokens int `json:"max_output_tokens"`
	}
	_ = json.Unmarshal(p.Options.JSON(), &o)
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return o.MaxOutputTokens
}

// LoggerOptions 将日志配置映射为 diag.Options。
func LoggerOptions(cfg Config) diag.Options {
	return diag.Options{
		Level:    cfg.Logging.Level,
		Dir:      cfg.Logging.Dir,
		MaxBytes: cfg.Logging.MaxBytes,
		Stderr:   cfg.Logging.Stderr,
	}
}

// PreflightOutputDir 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// 目录存在时尝试创建并删除临时文件；不存在时检查父目录可写。其他 writer 跳过。
func PreflightOutputDir(cfg Config) error {
	if names(cfg).Writer != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	_ = json.Unmarshal(cfg.Options.Writer.JSON(), &wopts)
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		// 未指定时由装配阶段按实现报错
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	case err == nil:
		return fmt.Errorf("output_dir %s: not a directory", dir)
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("output_dir parent %s: not a directory", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmpd)
}

// Effective 返回脱敏后的有效配置摘要（debug 日志用）。
func Effective(cfg Config) map[string]string {
	n := names(cfg)
	kv := map[string]string{
		"mode":           cfg.Mode,
		"inputs_count":   fmt.Sprintf("%d", len(cfg.Inputs)),
		"concurrency":    fmt.Sprintf("%d", cfg.Concurrency),
		"max_retries":    fmt.Sprintf("%d", cfg.MaxRetries),
		"llm":            cfg.LLM,
		"reader":         n.Reader,
		"extractor":      n.Extractor,
		"segmenter":      n.Segmenter,
		"prompt_builder": n.PromptBuilder,
		"decoder":        n.Decoder,
		"assembler":      n.Assembler,
		"writer":         n.Writer,
		"cache":          cfg.Cache.Path,
	}
	// Provider 关键信息（不含密钥）
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options.JSON(), &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	return kv
}

func names(cfg Config) Components {
	d := Defaults().Components
	return Components{
		Reader:        effName(cfg.Components.Reader, d.Reader),
		Extractor:     effName(cfg.Components.Extractor, d.Extractor),
		Segmenter:     effName(cfg.Components.Segmenter, d.Segmenter),
		PromptBuilder: effName(cfg.Components.PromptBuilder, d.PromptBuilder),
		Decoder:       effName(cfg.Components.Decoder, d.Decoder),
		Assembler:     effName(cfg.Components.Assembler, d.Assembler),
		Writer:        effName(cfg.Components.Writer, d.Writer),
	}
}

func effName(got, def string) string {
	if strings.TrimSpace(got) == "" {
		return def
	}
	return strings.TrimSpace(got)
}
