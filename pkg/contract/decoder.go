package contract

import (
	"context"
	"fmt"
)

// Decoder: 将 Raw 清洗并严格解析为 Record。
// 约束：
//  1. 不 panic；失败以 *DecodeError 返回；
//  2. 不做形状校验（键缺失由上层容忍）；
//  3. 无 I/O、无内部并发。
type Decoder interface {
	Decode(ctx context.Context, raw Raw) (Record, error)
}

// DecodeError: 解析失败分支。携带原始回复、实际送入解析器的候选文本与解析错误，
// 供运维日志使用；不进入返回给调用方的载荷。
type DecodeError struct {
	Raw       string
	Candidate string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %v", e.Err)
}

// Unwrap 同时暴露 ErrResponseInvalid 与底层解析错误。
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrResponseInvalid}
	}
	return []error{ErrResponseInvalid, e.Err}
}
