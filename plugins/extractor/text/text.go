package text

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"studygen/pkg/contract"
)

// Options 为纯文本提取器的可选配置。
type Options struct {
	// MaxBytes: 读取上限。0 表示不限制；超出返回 ErrBudgetExceeded。
	MaxBytes int64 `json:"max_bytes"`
}

// Extractor 纯文本直通：去 BOM，CRLF/CR 统一为 LF，非法 UTF-8 替换为 U+FFFD。
type Extractor struct {
	maxBytes int64
}

// New 创建纯文本提取器。
func New(opts *Options) *Extractor {
	e := &Extractor{}
	if opts != nil && opts.MaxBytes > 0 {
		e.maxBytes = opts.MaxBytes
	}
	return e
}

// Extract 读取全部文本。
func (e *Extractor) Extract(ctx context.Context, name string, r io.ReadSeeker) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var src io.Reader = r
	if e.maxBytes > 0 {
		src = io.LimitReader(r, e.maxBytes+1)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if e.maxBytes > 0 && int64(len(b)) > e.maxBytes {
		return "", fmt.Errorf("read %s: %d bytes > max_bytes: %w", name, len(b), contract.ErrBudgetExceeded)
	}
	return Normalize(string(b)), nil
}

// Normalize 去 BOM、统一换行并修正非法编码。
func Normalize(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\ufffd")
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

var _ contract.Extractor = (*Extractor)(nil)
