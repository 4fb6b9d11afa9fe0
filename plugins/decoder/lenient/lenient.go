package lenient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"studygen/pkg/contract"
)

// errEmptyObject: 回复解析为空对象 {}，无任何可用内容。
var errEmptyObject = errors.New("empty object")

// Sanitize 将模型原始回复修整为"看起来像" JSON 对象的候选串。永不失败。
//
// 依次执行：
//  1. 去掉开头的反引号/空格/换行/制表符（代码围栏残留）；
//  2. 不以 { 开头时截到第一个 {；找不到则在前面补一个 {；
//  3. { 多于 } 时在末尾补且仅补一个 }（单次修补，不做完整配平）；
//  4. 截掉最后一个 } 之后的内容（尾随说明文字）；
//  5. 含单引号且完全不含双引号时，单引号整体替换为双引号；
//  6. 去首尾空白。
//
// 多余的右括号、键值语法错误不在修补范围内。
func Sanitize(raw string) string {
	s := strings.TrimLeft(raw, "` \n\t")
	if !strings.HasPrefix(s, "{") {
		if i := strings.IndexByte(s, '{'); i >= 0 {
			s = s[i:]
		} else {
			s = "{" + s
		}
	}
	if strings.Count(s, "{") > strings.Count(s, "}") {
		s += "}"
	}
	if i := strings.LastIndexByte(s, '}'); i >= 0 && i < len(s)-1 {
		s = s[:i+1]
	}
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	return strings.TrimSpace(s)
}

// Parse 严格解析候选串为 JSON 对象。
// 数字保持原文（json.Number）；对象之后的多余内容视为失败。
// 失败返回 *contract.DecodeError（Raw 留空，由调用方补全）。
func Parse(candidate string) (contract.Record, error) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, &contract.DecodeError{Candidate: candidate, Err: err}
	}
	if m == nil {
		return nil, &contract.DecodeError{Candidate: candidate, Err: errors.New("not a JSON object")}
	}
	if err := dec.Decode(&json.RawMessage{}); err != io.EOF {
		if err == nil {
			err = fmt.Errorf("invalid character after top-level value at offset %d", dec.InputOffset())
		}
		return nil, &contract.DecodeError{Candidate: candidate, Err: err}
	}
	return contract.Record(m), nil
}

// Options 为宽松解码器的可选配置。
type Options struct {
	// AllowEmpty: 允许空对象 {} 作为成功结果。默认 false（视为格式错误）。
	AllowEmpty bool `json:"allow_empty"`
}

type decoder struct {
	allowEmpty bool
}

// New 创建解码器。
func New(opts *Options) contract.Decoder {
	d := &decoder{}
	if opts != nil {
		d.allowEmpty = opts.AllowEmpty
	}
	return d
}

// Decode = Sanitize + Parse。失败统一为 *contract.DecodeError，携带原始回复与候选串。
func (d *decoder) Decode(ctx context.Context, raw contract.Raw) (contract.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cand := Sanitize(raw.Text)
	rec, err := Parse(cand)
	if err != nil {
		var de *contract.DecodeError
		if errors.As(err, &de) {
			de.Raw = raw.Text
		}
		return nil, err
	}
	if len(rec) == 0 && !d.allowEmpty {
		return nil, &contract.DecodeError{Raw: raw.Text, Candidate: cand, Err: errEmptyObject}
	}
	return rec, nil
}

// Compact 将记录重新编码为紧凑 JSON（日志/缓存用）；json.Number 原样输出。
func Compact(rec contract.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
