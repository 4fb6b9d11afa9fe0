package prompt

import "studygen/pkg/contract"

// DefaultBytesPerToken 为估算器的默认字节/token 比。
const DefaultBytesPerToken = 4

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = DefaultBytesPerToken
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// RequestTokens 估算一次调用的 token 占用：提示词估算值 + 预留输出。
// 用于限流闸门的 TPM 申请；reserveOutput<0 视为 0。
func RequestTokens(est contract.TokenEstimator, p contract.Prompt, reserveOutput int) int {
	if est == nil {
		est = MakeEstimator(0)
	}
	if reserveOutput < 0 {
		reserveOutput = 0
	}
	return est(contract.PromptText(p)) + reserveOutput
}
