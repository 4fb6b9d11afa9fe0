package heading

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"studygen/pkg/contract"
)

// DefaultPattern 匹配结构性标题行（Chapter/Section/数字加点），整行连同换行作为分隔符丢弃。
// 前导空白含 Unicode 空白（NBSP、全角空格等，PDF 提取中常见），RE2 的 \s 仅覆盖 ASCII。
const DefaultPattern = `(?:\n|^)[\s\x{0b}\x{1c}-\x{1f}\x{85}\p{Z}]*(?:Chapter|Section|[0-9]+\.)[^\n]*\n`

// DefaultMinChars 片段保留阈值：去首尾空白后字符数须严格大于该值。
const DefaultMinChars = 120

// Options 为标题分段器的可选配置。
type Options struct {
	// Pattern: 覆盖默认分隔正则（RE2 语法）。空表示默认。
	Pattern string `json:"pattern"`
	// MinChars: 覆盖默认阈值。0 表示默认；负值非法。
	MinChars int `json:"min_chars"`
}

// Segmenter 按标题行切分文本。
type Segmenter struct {
	re  *regexp.Regexp
	min int
}

// New 创建分段器；Pattern 非法或 MinChars 为负返回 ErrInvalidInput。
func New(opts *Options) (*Segmenter, error) {
	pat, min := DefaultPattern, DefaultMinChars
	if opts != nil {
		if opts.Pattern != "" {
			pat = opts.Pattern
		}
		if opts.MinChars < 0 {
			return nil, fmt.Errorf("heading: min_chars=%d: %w", opts.MinChars, contract.ErrInvalidInput)
		}
		if opts.MinChars > 0 {
			min = opts.MinChars
		}
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("heading: pattern: %v: %w", err, contract.ErrInvalidInput)
	}
	return &Segmenter{re: re, min: min}, nil
}

// Segment 切分为有序 Chunk；无标题时整段文本为唯一候选。空结果不是错误。
func (s *Segmenter) Segment(ctx context.Context, text string) ([]contract.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pieces := s.re.Split(text, -1)
	out := make([]contract.Chunk, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimFunc(p, isSpace)
		if utf8.RuneCountInString(p) <= s.min {
			continue
		}
		out = append(out, contract.Chunk{Index: len(out), Text: p})
	}
	return out, nil
}

// isSpace 与 DefaultPattern 的空白集合一致：unicode.IsSpace 外加信息分隔符 U+001C..U+001F。
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}
