package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"studygen/pkg/contract"
)

// LimitKey: 限流分组键（client + sha256(api key)）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 取消；超过单请求上限或桶容量时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞尝试；不足时返回 false 且不消耗额度。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度为一个令牌桶：容量 = 每分钟额度，匀速补充。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req *xrate.Limiter // nil 表示该维度关闭
	tok *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = perMinute(lim.RPM)
	}
	if lim.TPM > 0 {
		e.tok = perMinute(lim.TPM)
	}
	return e
}

func perMinute(n int) *xrate.Limiter {
	return xrate.NewLimiter(xrate.Limit(float64(n)/60.0), n)
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (e *entry) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("rate: %w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: %w: tokens %d > max_tokens_per_req %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.MaxTokensPerReq)
	}
	if e.req != nil && a.Requests > e.req.Burst() {
		return fmt.Errorf("rate: %w: requests %d > rpm %d", contract.ErrBudgetExceeded, a.Requests, e.req.Burst())
	}
	if e.tok != nil && a.Tokens > e.tok.Burst() {
		return fmt.Errorf("rate: %w: tokens %d > tpm %d", contract.ErrBudgetExceeded, a.Tokens, e.tok.Burst())
	}
	return nil
}

// reserve 在 now 时刻同时预留两个维度，返回需等待的时长与撤销函数。
func (e *entry) reserve(now time.Time, a Ask) (time.Duration, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rs []*xrate.Reservation
	var d time.Duration
	if e.req != nil {
		r := e.req.ReserveN(now, a.Requests)
		rs = append(rs, r)
		if w := r.DelayFrom(now); w > d {
			d = w
		}
	}
	if e.tok != nil && a.Tokens > 0 {
		r := e.tok.ReserveN(now, a.Tokens)
		rs = append(rs, r)
		if w := r.DelayFrom(now); w > d {
			d = w
		}
	}
	return d, func() {
		for _, r := range rs {
			r.CancelAt(now)
		}
	}
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if e.check(a) != nil {
		return false
	}
	d, cancel := e.reserve(g.clk(), a)
	if d > 0 {
		cancel()
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := g.get(a.Key)
	if err := e.check(a); err != nil {
		return err
	}
	d, cancel := e.reserve(g.clk(), a)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot 返回当前可用额度（未启用的维度返回 -1）。
func (g *gate) Snapshot(key LimitKey) (int, int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	rpm, tpm := -1, -1
	if e.req != nil {
		rpm = int(e.req.TokensAt(now))
	}
	if e.tok != nil {
		tpm = int(e.tok.TokensAt(now))
	}
	return rpm, tpm
}

var _ Snapshoter = (*gate)(nil)
