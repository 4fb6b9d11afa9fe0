package contract

import (
	"context"
	"io"
)

// Extractor: 文档字节流 → 原始文档文本（按页顺序拼接）。
// 约束：
//  1. 无可提取文本的页视为空串，不报错；
//  2. 文档整体不可读时返回错误（运行中止边界在分段之前）；
//  3. name 仅用于格式判定与日志。
type Extractor interface {
	Extract(ctx context.Context, name string, r io.ReadSeeker) (string, error)
}
