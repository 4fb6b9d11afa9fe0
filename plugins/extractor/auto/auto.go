package auto

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"studygen/pkg/contract"
	"studygen/plugins/extractor/pdf"
	"studygen/plugins/extractor/text"
)

// Options 为按扩展名分派的提取器配置。
type Options struct {
	PDF  pdf.Options  `json:"pdf"`
	Text text.Options `json:"text"`
	// Extra: 额外扩展名 → 提取器名（"pdf" | "text"），如 {".rst": "text"}。
	Extra map[string]string `json:"extra"`
}

// Extractor 按文件扩展名选择具体提取器。未知扩展名返回 ErrUnsupportedFormat。
type Extractor struct {
	byExt map[string]contract.Extractor
}

// New 创建分派提取器。
func New(opts *Options) (*Extractor, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	p, t := pdf.New(&o.PDF), text.New(&o.Text)
	byExt := map[string]contract.Extractor{
		".pdf":      p,
		".txt":      t,
		".text":     t,
		".md":       t,
		".markdown": t,
	}
	for ext, kind := range o.Extra {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		switch kind {
		case "pdf":
			byExt[ext] = p
		case "text":
			byExt[ext] = t
		default:
			return nil, fmt.Errorf("auto: extra %s=%q: %w", ext, kind, contract.ErrInvalidInput)
		}
	}
	return &Extractor{byExt: byExt}, nil
}

// Detect 返回 name 对应的提取器。
func (e *Extractor) Detect(name string) (contract.Extractor, error) {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(name, `\`, "/")))
	if x, ok := e.byExt[ext]; ok {
		return x, nil
	}
	return nil, fmt.Errorf("%q: %w", ext, contract.ErrUnsupportedFormat)
}

// Supported 报告 name 是否有对应提取器。
func (e *Extractor) Supported(name string) bool {
	_, err := e.Detect(name)
	return err == nil
}

// Extract 分派到具体提取器。
func (e *Extractor) Extract(ctx context.Context, name string, r io.ReadSeeker) (string, error) {
	x, err := e.Detect(name)
	if err != nil {
		return "", err
	}
	return x.Extract(ctx, name, r)
}
