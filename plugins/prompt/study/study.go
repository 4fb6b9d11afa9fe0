package study

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/template"

	"studygen/pkg/contract"
)

// DefaultMaxChars 嵌入提示词的 Chunk 文本前缀上限（字符数）。超出部分不参与该 Chunk 的生成。
const DefaultMaxChars = 1500

// Options 为学习材料 PromptBuilder 的配置。
// 每个模式的模板可通过 Templates（内联）或 TemplatePaths（文件）覆盖，内联优先。
type Options struct {
	MaxChars      int               `json:"max_chars"`
	Templates     map[string]string `json:"templates"`
	TemplatePaths map[string]string `json:"template_paths"`
	// System: 非空时输出 ChatPrompt（system + user），否则为单条 TextPrompt。
	System string `json:"system"`
}

// Builder 按模式渲染提示词。运行期不做 I/O；模板在构造期解析。
type Builder struct {
	max    int
	tpls   map[contract.Mode]*template.Template
	system string
}

type view struct {
	Text string
	Mode contract.Mode
}

// New 创建 Builder。未知模式键、模板解析失败返回错误。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.MaxChars < 0 {
		return nil, fmt.Errorf("prompt: max_chars=%d: %w", o.MaxChars, contract.ErrInvalidInput)
	}
	if o.MaxChars == 0 {
		o.MaxChars = DefaultMaxChars
	}
	for k := range o.Templates {
		if _, err := contract.ParseMode(k); err != nil {
			return nil, fmt.Errorf("prompt: templates: %w", err)
		}
	}
	for k := range o.TemplatePaths {
		if _, err := contract.ParseMode(k); err != nil {
			return nil, fmt.Errorf("prompt: template_paths: %w", err)
		}
	}

	b := &Builder{max: o.MaxChars, tpls: make(map[contract.Mode]*template.Template, 3), system: o.System}
	for _, m := range contract.Modes() {
		src := DefaultTemplate(m)
		if s, ok := o.Templates[string(m)]; ok && s != "" {
			src = s
		} else if p, ok := o.TemplatePaths[string(m)]; ok && p != "" {
			raw, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("%s template read: %w", m, err)
			}
			src = string(raw)
		}
		t, err := template.New(string(m)).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("%s template parse: %w", m, err)
		}
		b.tpls[m] = t
	}
	return b, nil
}

// Build 渲染模式提示词，仅嵌入 Chunk 文本的前 MaxChars 个字符。
func (b *Builder) Build(ctx context.Context, c contract.Chunk, mode contract.Mode) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := b.tpls[mode]
	if !ok {
		return nil, fmt.Errorf("prompt: mode %q: %w", mode, contract.ErrInvalidInput)
	}
	var buf bytes.Buffer
	buf.Grow(len(c.Text) + 1024)
	if err := t.Execute(&buf, view{Text: Truncate(c.Text, b.max), Mode: mode}); err != nil {
		return nil, fmt.Errorf("prompt render: %v: %w", err, contract.ErrInvalidInput)
	}
	if b.system != "" {
		return contract.ChatPrompt{
			{Role: "system", Content: b.system},
			{Role: "user", Content: buf.String()},
		}, nil
	}
	return contract.TextPrompt(buf.String()), nil
}

// Truncate 返回 s 的前 n 个字符（rune）。
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
