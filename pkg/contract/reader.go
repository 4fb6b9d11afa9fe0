package contract

import (
	"context"
	"io"
)

// Reader: 输入源抽象（文件/目录/STDIN）。
// 约束：
// 1) 按文档维度回调，yield 返回后由 Reader 负责关闭底层资源；
// 2) DocID 稳定且去平台差异化；
// 3) 不做解码/业务解析，仅提供可回溯的字节流；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(id DocID, r io.ReadSeeker) error) error
}
