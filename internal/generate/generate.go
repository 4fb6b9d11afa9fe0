// Package generate 为单个主题块产出结构化记录：构造提示词 → 调用上游 → 清洗解析。
// 任何失败都落为回退记录，Generate 从不返回错误。
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"studygen/internal/cache"
	"studygen/internal/diag"
	"studygen/pkg/contract"
)

// 回退记录中的错误描述。
const (
	MsgInvalidJSON = "output was not valid JSON"
	msgProvider    = "provider error: "
)

// Components 聚合单块生成所需的组件。Cache 可为空。
type Components struct {
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Cache         *cache.Cache
}

// Generator 并发安全（取决于组件实现）。
type Generator struct {
	comp    Components
	modelID string
	logger  *diag.Logger
}

// New 构造 Generator；logger 为空时不输出日志。
func New(comp Components, logger *diag.Logger) *Generator {
	if logger == nil {
		logger = diag.NewNop()
	}
	return &Generator{comp: comp, modelID: contract.ModelIDOf(comp.LLM), logger: logger}
}

// Generate 对一个 Chunk 生成结构化记录。
// 上游失败与解析失败均返回 Fallback(mode, ...)；成功时原样返回解析出的 Record。
func (g *Generator) Generate(ctx context.Context, c contract.Chunk, mode contract.Mode) (out contract.Outcome) {
	docID := diag.DocIDFrom(ctx)
	topic := c.Index + 1
	defer func() {
		if r := recover(); r != nil {
			g.logger.ErrorWithKV("generate", string(diag.CodeInvariant), "panic recovered", nil, docID, topic,
				map[string]string{"panic": fmt.Sprint(r)})
			out = contract.Fallback(mode, "internal error")
		}
		diag.ObserveOutcome(string(mode), out.Failed())
	}()

	tm := g.logger.StartWithKV("generate", "generate", docID, topic, map[string]string{
		"mode": string(mode), "model": g.modelID,
	})

	p, err := g.comp.PromptBuilder.Build(ctx, c, mode)
	if err != nil {
		g.logger.ErrorWith("prompt", string(diag.Classify(err)), "build failed", tm.Since(), docID, topic)
		return contract.Fallback(mode, "prompt error: "+err.Error())
	}

	key := ""
	if g.comp.Cache != nil {
		key = cache.Key(g.modelID, mode, p)
		rec, ok, err := g.comp.Cache.Get(ctx, key)
		if err != nil {
			g.logger.Warn("cache", "get failed", map[string]string{"error": err.Error()})
		} else if ok {
			tm.Finish("cache hit", 1)
			return contract.Outcome{Record: rec}
		}
	}

	raw, err := g.comp.LLM.Invoke(ctx, p)
	if err != nil {
		msg := providerMessage(err)
		g.logger.ErrorWithKV("generate", string(diag.Classify(err)), "provider failed", tm.Since(), docID, topic,
			map[string]string{"fallback": msg})
		return contract.Fallback(mode, msg)
	}

	rec, err := g.comp.Decoder.Decode(ctx, raw)
	if err != nil {
		kv := map[string]string{"raw": raw.Text, "parse_error": err.Error()}
		var de *contract.DecodeError
		if errors.As(err, &de) {
			kv["candidate"] = de.Candidate
			if de.Err != nil {
				kv["parse_error"] = de.Err.Error()
			}
		}
		g.logger.ErrorWithKV("decoder", string(diag.Classify(err)), "reply was not valid JSON", tm.Since(), docID, topic, kv)
		return contract.Fallback(mode, MsgInvalidJSON)
	}

	if key != "" {
		if err := g.comp.Cache.Put(ctx, key, g.modelID, mode, rec); err != nil {
			g.logger.Warn("cache", "put failed", map[string]string{"error": err.Error()})
		}
	}
	tm.Finish("generate", 1)
	return contract.Outcome{Record: rec}
}

// providerMessage 将上游失败编码为回退描述："provider error: <status> <message>"。
func providerMessage(err error) string {
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		m := strings.TrimSpace(ue.UpstreamMessage())
		if m == "" {
			return fmt.Sprintf("%s%d", msgProvider, ue.UpstreamStatus())
		}
		return fmt.Sprintf("%s%d %s", msgProvider, ue.UpstreamStatus(), m)
	}
	return msgProvider + err.Error()
}
