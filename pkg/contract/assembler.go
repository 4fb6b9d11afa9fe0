package contract

import "context"

// Assembler: 将逐块结果装配为带标题的 PipelineResult。
// 约束：
//  1. 输入必须恰为 Index 0..n-1 且升序（不重、不漏）；
//  2. 输出条数与输入一致；
//  3. 序列违规返回 ErrSeqInvalid。
type Assembler interface {
	Assemble(ctx context.Context, outs []ChunkOutcome) (PipelineResult, error)
}
