package titled

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"studygen/pkg/contract"
)

// DefaultTitleFormat 主题标题格式，参数为 1 起的序号。
const DefaultTitleFormat = "Topic %d"

// Options: 标题格式（需恰含一个 %d）。
type Options struct {
	TitleFormat string `json:"title_format"`
}

type assembler struct {
	format string
}

// New 从原样 JSON Options 创建装配器。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("titled options: %w", err)
		}
	}
	if o.TitleFormat == "" {
		o.TitleFormat = DefaultTitleFormat
	}
	if strings.Count(o.TitleFormat, "%d") != 1 || strings.Count(o.TitleFormat, "%") != 1 {
		return nil, fmt.Errorf("titled: %w: title_format %q must contain exactly one %%d", contract.ErrInvalidInput, o.TitleFormat)
	}
	return &assembler{format: o.TitleFormat}, nil
}

// Assemble 校验输入恰为 Index 0..n-1 升序，并为每项加标题。
// 发现缺漏、重复或逆序即返回 ErrSeqInvalid。
func (a *assembler) Assemble(ctx context.Context, outs []contract.ChunkOutcome) (contract.PipelineResult, error) {
	if err := ctx.Err(); err != nil {
		return contract.PipelineResult{}, err
	}
	topics := make([]contract.TopicResult, len(outs))
	for i, o := range outs {
		if o.Index != i {
			return contract.PipelineResult{}, fmt.Errorf("assemble: position %d holds index %d: %w", i, o.Index, contract.ErrSeqInvalid)
		}
		topics[i] = contract.TopicResult{Title: fmt.Sprintf(a.format, i+1), Outcome: o.Outcome}
	}
	return contract.PipelineResult{Topics: topics}, nil
}

var _ contract.Assembler = (*assembler)(nil)
