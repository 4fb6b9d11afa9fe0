package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"studygen/pkg/contract"
)

// Options 为 PDF 提取器的可选配置。
type Options struct {
	// MaxPages: 仅提取前 N 页。0 表示不限制。
	MaxPages int `json:"max_pages"`
}

// Extractor 基于 pdfcpu 按页解析内容流提取文本。
// 行结构保留（标题识别依赖换行）；页间以 "\n" 连接；无文本的页贡献空串。
type Extractor struct {
	maxPages int
}

// New 创建 PDF 提取器。
func New(opts *Options) *Extractor {
	e := &Extractor{}
	if opts != nil && opts.MaxPages > 0 {
		e.maxPages = opts.MaxPages
	}
	return e
}

// Extract 读取并校验 PDF，逐页提取文本。整份文档无法解析时返回错误；单页失败降级为空串。
func (e *Extractor) Extract(ctx context.Context, name string, r io.ReadSeeker) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	conf := model.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(r, conf)
	if err != nil {
		return "", fmt.Errorf("pdfcpu read %s: %w", name, err)
	}
	n := pctx.PageCount
	if e.maxPages > 0 && n > e.maxPages {
		n = e.maxPages
	}
	pages := make([]string, 0, n)
	for pageNr := 1; pageNr <= n; pageNr++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		pages = append(pages, pageText(pctx, pageNr))
	}
	return strings.Join(pages, "\n"), nil
}

// pageText 提取单页文本；内容流缺失或不可读时返回空串。
func pageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return textFromStream(data)
}

// pdfStringRe 匹配括号字符串字面量：(text)
var pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// textFromStream 解析内容流中的文本操作符。
// Tj/TJ 追加文本；' 与 " 先换行；T* 与 ET 换行；Td/TD 纵向位移换行，横向位移补空格。
func textFromStream(data []byte) string {
	var sb strings.Builder
	writeStrings := func(line []byte) {
		for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
			sb.WriteString(decodeString(m[1]))
		}
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			writeStrings(line)
		case (bytes.HasSuffix(line, []byte("'")) || bytes.HasSuffix(line, []byte(`"`))) && bytes.Contains(line, []byte("(")):
			sb.WriteByte('\n')
			writeStrings(line)
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() == 0 {
				continue
			}
			if verticalMove(line) {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")), bytes.Equal(line, []byte("ET")):
			sb.WriteByte('\n')
		}
	}
	return cleanLines(sb.String())
}

// verticalMove 报告 "tx ty Td" 的 ty 是否非零。无法解析时按换行处理。
func verticalMove(line []byte) bool {
	f := strings.Fields(string(line))
	if len(f) < 3 {
		return true
	}
	ty, err := strconv.ParseFloat(f[len(f)-2], 64)
	if err != nil {
		return true
	}
	return ty != 0
}

// decodeString 处理字面量中的基本转义序列（含八进制）。
func decodeString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(c)
		default:
			if c < '0' || c > '7' {
				sb.WriteByte(c)
				continue
			}
			val := int(c - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		}
	}
	return sb.String()
}

// cleanLines 行内空白折叠为单个空格并去掉不可打印字符；保留行边界，去掉空行。
func cleanLines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		var sb strings.Builder
		prevSpace := false
		for _, r := range line {
			switch {
			case unicode.IsSpace(r):
				if !prevSpace && sb.Len() > 0 {
					sb.WriteByte(' ')
					prevSpace = true
				}
			case unicode.IsPrint(r):
				sb.WriteRune(r)
				prevSpace = false
			}
		}
		if s := strings.TrimSpace(sb.String()); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}

var _ contract.Extractor = (*Extractor)(nil)
