// Package guard 为 LLMClient 提供调用保护：限流闸门 → 熔断 → 有限重试。
// 编排层只调用一次 Invoke；超时/重试/限流策略全部收敛在此。
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"studygen/internal/diag"
	"studygen/internal/prompt"
	"studygen/internal/rate"
	"studygen/pkg/contract"
)

// DefaultBackoff 为两次尝试之间的固定退避。
const DefaultBackoff = 200 * time.Millisecond

// Breaker: 熔断配置。Failures<=0 关闭熔断。
type Breaker struct {
	Failures    int // 连续失败阈值
	OpenSeconds int // 打开状态持续时间，默认 30
}

// Options: 保护策略。
type Options struct {
	// Name 为熔断器与日志中的 provider 名称。
	Name string
	// Gate/GateKey: 可选限流；Gate 为空不限流。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// Estimator 与 ReserveOutput 共同决定每次申请的 token 数。
	Estimator     contract.TokenEstimator
	ReserveOutput int
	// MaxRetries: 首次之外的最大重试次数（>=0）。
	MaxRetries int
	Backoff    time.Duration
	Breaker    Breaker
	Logger     *diag.Logger
}

// Client 包装任意 LLMClient。并发安全（取决于被包装客户端）。
type Client struct {
	inner contract.LLMClient
	o     Options
	cb    *gobreaker.CircuitBreaker
}

// New 构造带保护的客户端。
func New(inner contract.LLMClient, o Options) *Client {
	if o.Name == "" {
		o.Name = contract.ModelIDOf(inner)
	}
	if o.Estimator == nil {
		o.Estimator = prompt.MakeEstimator(0)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Logger == nil {
		o.Logger = diag.NewNop()
	}
	c := &Client{inner: inner, o: o}
	if o.Breaker.Failures > 0 {
		open := time.Duration(o.Breaker.OpenSeconds) * time.Second
		if open <= 0 {
			open = 30 * time.Second
		}
		failures := uint32(o.Breaker.Failures)
		logger := o.Logger
		c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        o.Name,
			MaxRequests: 1,
			Timeout:     open,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			// 仅上游不可用类错误计入失败；取消与 4xx 不影响熔断状态
			IsSuccessful: func(err error) bool {
				return err == nil || !tripping(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("breaker", "state changed", map[string]string{
					"name": name, "from": from.String(), "to": to.String(),
				})
			},
		})
	}
	return c
}

// ModelID 透传被包装客户端的模型标识。
func (c *Client) ModelID() string { return contract.ModelIDOf(c.inner) }

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	tokens := prompt.RequestTokens(c.o.Estimator, p, c.o.ReserveOutput)
	attempts := c.o.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return contract.Raw{}, err
		}
		if c.o.Gate != nil {
			gt := c.o.Logger.Start("gate", "wait")
			if err := c.o.Gate.Wait(ctx, rate.Ask{Key: c.o.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				c.o.Logger.Error("gate", string(diag.Classify(err)), "wait failed", gt.Since())
				// 闸门错误不重试（通常为取消或超额）
				return contract.Raw{}, err
			}
			gt.Finish("wait", int64(tokens))
		}

		lt := c.o.Logger.StartWithKV("llm_client", "invoke", "", 0, map[string]string{
			"provider": c.o.Name,
			"tokens":   fmt.Sprintf("%d", tokens),
			"attempt":  fmt.Sprintf("%d", attempt+1),
		})
		raw, err := c.call(ctx, p)
		if err == nil {
			lt.Finish("invoke", int64(tokens))
			return raw, nil
		}
		lastErr = err
		c.logFailure(err, lt)
		if attempt+1 < attempts && shouldRetryInvoke(err) {
			if serr := sleepWithCtx(ctx, c.o.Backoff); serr != nil {
				return contract.Raw{}, serr
			}
			continue
		}
		break
	}
	return contract.Raw{}, lastErr
}

func (c *Client) call(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	if c.cb == nil {
		return c.inner.Invoke(ctx, p)
	}
	v, err := c.cb.Execute(func() (interface{}, error) {
		return c.inner.Invoke(ctx, p)
	})
	if err != nil {
		return contract.Raw{}, err
	}
	return v.(contract.Raw), nil
}

// logFailure 记录调用失败；上游 HTTP 错误附带状态码与截断消息。
func (c *Client) logFailure(err error, lt *diag.Timer) {
	code := string(diag.Classify(err))
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv := map[string]string{"provider": c.o.Name, "http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
		c.o.Logger.ErrorWithKV("llm_client", code, "invoke failed", lt.Since(), "", 0, kv)
		return
	}
	c.o.Logger.ErrorWithKV("llm_client", code, "invoke failed", lt.Since(), "", 0, map[string]string{
		"provider": c.o.Name, "error": err.Error(),
	})
}

// shouldRetryInvoke: 根据错误类型判断是否重试。
// 取消/超时与熔断打开不重试；限流与网络类（含上游 5xx）重试；其他不重试。
func shouldRetryInvoke(err error) bool {
	if err == nil {
		return false
	}
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// tripping 判断错误是否计入熔断失败。
func tripping(err error) bool {
	switch diag.Classify(err) {
	case diag.CodeCancel, diag.CodeInvariant:
		return false
	default:
		return true
	}
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ contract.LLMClient = (*Client)(nil)
