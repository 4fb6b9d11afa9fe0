package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"studygen/pkg/contract"
)

func TestMakeEstimator(t *testing.T) {
	est := MakeEstimator(0)
	assert.Equal(t, 2, est("abcdef")) // 6 字节 -> 2 token
	assert.Equal(t, 0, est(""))
	assert.Equal(t, 3, MakeEstimator(1)("abc"))
	assert.Equal(t, 2, est("第一")) // 6 字节
}

func TestRequestTokens(t *testing.T) {
	est := MakeEstimator(4)
	assert.Equal(t, 2, RequestTokens(est, contract.TextPrompt("abcdefgh"), 0))
	assert.Equal(t, 102, RequestTokens(est, contract.TextPrompt("abcdefgh"), 100))
	assert.Equal(t, 2, RequestTokens(nil, contract.TextPrompt("abcdefgh"), -5))
	chat := contract.ChatPrompt{{Role: "user", Content: "hello"}} // "user: hello\n" = 12 字节
	assert.Equal(t, 3, RequestTokens(est, chat, 0))
	assert.Equal(t, 7, RequestTokens(est, 42, 7))
}
