package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"studygen/internal/diag"
	"studygen/internal/rate"
	"studygen/pkg/contract"
	"studygen/plugins/llmclient/flaky"
)

type statusErr struct{ status int }

func (e statusErr) Error() string           { return http.StatusText(e.status) }
func (e statusErr) UpstreamStatus() int     { return e.status }
func (e statusErr) UpstreamMessage() string { return http.StatusText(e.status) }
func (e statusErr) Timeout() bool           { return false }
func (e statusErr) Temporary() bool         { return e.status/100 == 5 }
func (e statusErr) Unwrap() error {
	if e.status/100 == 4 {
		return contract.ErrInvalidInput
	}
	return nil
}

type funcClient struct {
	calls atomic.Int32
	fn    func(n int) (contract.Raw, error)
}

func (f *funcClient) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	return f.fn(int(f.calls.Add(1)))
}

func (f *funcClient) ModelID() string { return "func/test" }

func failing(status int) *funcClient {
	return &funcClient{fn: func(int) (contract.Raw, error) { return contract.Raw{}, statusErr{status} }}
}

// 限流与 5xx 后重试成功
func TestRetryThenSuccess(t *testing.T) {
	raw, _ := json.Marshal(flaky.Options{Script: []string{flaky.StepRateLimited, flaky.StepUpstream}})
	inner, err := flaky.New(raw)
	require.NoError(t, err)
	c := New(inner, Options{MaxRetries: 2, Backoff: time.Millisecond})

	out, err := c.Invoke(context.Background(), contract.TextPrompt(`{"summary": "..."}`))
	require.NoError(t, err)
	assert.Contains(t, out.Text, `"summary"`)
	assert.Equal(t, 3, inner.Calls())
	assert.Equal(t, "flaky", c.ModelID())
}

// 重试耗尽返回最后一次错误
func TestRetryExhausted(t *testing.T) {
	inner := failing(http.StatusBadGateway)
	c := New(inner, Options{MaxRetries: 2, Backoff: time.Millisecond})
	_, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
	var ue contract.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusBadGateway, ue.UpstreamStatus())
	assert.EqualValues(t, 3, inner.calls.Load())
}

// 4xx（非 429）不重试
func TestNoRetryOnClientError(t *testing.T) {
	inner := failing(http.StatusUnauthorized)
	c := New(inner, Options{MaxRetries: 3, Backoff: time.Millisecond})
	_, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.EqualValues(t, 1, inner.calls.Load())
}

// 连续失败达到阈值后熔断，后续调用不再到达上游
func TestBreakerOpens(t *testing.T) {
	inner := failing(http.StatusInternalServerError)
	c := New(inner, Options{Breaker: Breaker{Failures: 2, OpenSeconds: 60}})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Invoke(ctx, contract.TextPrompt("x"))
		require.Error(t, err)
	}
	_, err := c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, diag.CodeBreaker, diag.Classify(err))
	assert.EqualValues(t, 2, inner.calls.Load())
}

// 4xx 不计入熔断失败
func TestBreakerIgnoresClientErrors(t *testing.T) {
	inner := failing(http.StatusBadRequest)
	c := New(inner, Options{Breaker: Breaker{Failures: 1}})
	for i := 0; i < 3; i++ {
		_, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
		require.ErrorIs(t, err, contract.ErrInvalidInput)
	}
	assert.EqualValues(t, 3, inner.calls.Load())
}

// 闸门等待被取消：不调用上游
func TestGateWaitCanceled(t *testing.T) {
	now := time.Unix(1000, 0)
	g := rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {RPM: 1}}, func() time.Time { return now })
	inner := &funcClient{fn: func(int) (contract.Raw, error) { return contract.Raw{Text: "{}"}, nil }}
	c := New(inner, Options{Gate: g, GateKey: "k"})

	_, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, inner.calls.Load())
}

// 单请求 token 超限：快速失败且不重试
func TestGateBudgetExceeded(t *testing.T) {
	g := rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {MaxTokensPerReq: 10}}, nil)
	inner := &funcClient{fn: func(int) (contract.Raw, error) { return contract.Raw{Text: "{}"}, nil }}
	c := New(inner, Options{Gate: g, GateKey: "k", ReserveOutput: 100, MaxRetries: 3})
	_, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrBudgetExceeded)
	assert.EqualValues(t, 0, inner.calls.Load())
}

func TestCanceledBeforeCall(t *testing.T) {
	inner := failing(http.StatusInternalServerError)
	c := New(inner, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, inner.calls.Load())
}

// 失败日志携带状态码与 provider
func TestFailureLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	inner := failing(http.StatusServiceUnavailable)
	c := New(inner, Options{Name: "primary", Logger: diag.FromZap(zap.New(core), "c")})
	_, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
	require.Error(t, err)

	errs := logs.FilterMessage("invoke failed").All()
	require.Len(t, errs, 1)
	kv, ok := errs[0].ContextMap()["kv"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "503", kv["http_status"])
	assert.Equal(t, "primary", kv["provider"])
	assert.Equal(t, "network", errs[0].ContextMap()["code"])
}

func TestShouldRetryInvoke(t *testing.T) {
	assert.False(t, shouldRetryInvoke(nil))
	assert.False(t, shouldRetryInvoke(context.Canceled))
	assert.False(t, shouldRetryInvoke(gobreaker.ErrOpenState))
	assert.True(t, shouldRetryInvoke(contract.ErrRateLimited))
	assert.True(t, shouldRetryInvoke(statusErr{500}))
	assert.False(t, shouldRetryInvoke(statusErr{404}))
	assert.False(t, shouldRetryInvoke(errors.New("x")))
}
