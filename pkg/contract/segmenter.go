package contract

import "context"

// Segmenter: 将原始文档文本切分为有序 Chunk 序列，并分配 Index（0..n-1）。
// 约束：
// 1) 保持源顺序；
// 2) 空结果合法（非错误）；
// 3) 无内部并发、幂等。
type Segmenter interface {
	Segment(ctx context.Context, text string) ([]Chunk, error)
}
