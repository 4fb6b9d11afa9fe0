package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"studygen/internal/cache"
	"studygen/internal/diag"
	"studygen/internal/generate"
	"studygen/pkg/contract"
)

// - 单点并发：仅此层管理并发；原子组件均为同步实现。
// - 逐块独立：任一块的失败只产生该块的回退记录，不影响其他块。
// - 按位归并：并发结果写入各自下标，完成顺序不影响输出顺序。
// - 中止边界：仅分段之前的失败（文档不可读）、取消与装配不变量违例返回错误。

// ErrUnreadable 标记分段之前的失败（格式不支持、文档损坏、读取失败）。
var ErrUnreadable = errors.New("document unreadable")

// Components 聚合运行所需的原子组件。
// Reader/Extractor/Writer 仅 Process/RunAll 需要；Cache 可为空。
type Components struct {
	Reader        contract.Reader
	Extractor     contract.Extractor
	Segmenter     contract.Segmenter
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Cache         *cache.Cache
	Assembler     contract.Assembler
	Writer        contract.Writer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	// Inputs: RunAll 的输入根（文件/目录/"-"）。
	Inputs []string
	// Concurrency: 1 为严格顺序；>1 为有界并发。
	Concurrency int
	Logger      *diag.Logger
}

// Run 对一段文档文本执行：分段 → 逐块生成 → 装配。
// 输出条数恒等于分段条数；第 i 项标题为 "Topic i+1"。
func Run(ctx context.Context, comp Components, set Settings, text string, mode contract.Mode) (contract.PipelineResult, error) {
	if err := sanity(comp, mode); err != nil {
		return contract.PipelineResult{}, fmt.Errorf("sanity: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return contract.PipelineResult{}, err
	}
	logger := set.Logger
	if logger == nil {
		logger = diag.NewNop()
	}
	docID := diag.DocIDFrom(ctx)
	t0 := time.Now()

	st := logger.StartWithKV("segmenter", "segment", docID, 0, map[string]string{"chars": fmt.Sprintf("%d", len(text))})
	chunks, err := comp.Segmenter.Segment(ctx, text)
	if err != nil {
		logger.ErrorWith("segmenter", string(diag.Classify(err)), "segment failed", st.Since(), docID, 0)
		return contract.PipelineResult{}, fmt.Errorf("segment: %w", err)
	}
	st.Finish("segment", int64(len(chunks)))

	term := diag.GetTerminal()
	term.DocStart(docID, len(chunks))

	gen := generate.New(generate.Components{
		PromptBuilder: comp.PromptBuilder,
		LLM:           comp.LLM,
		Decoder:       comp.Decoder,
		Cache:         comp.Cache,
	}, logger)

	outs := make([]contract.ChunkOutcome, len(chunks))
	var done, fallbacks atomic.Int32
	one := func(ctx context.Context, i int, c contract.Chunk) {
		o := gen.Generate(ctx, c, mode)
		outs[i] = contract.ChunkOutcome{Index: c.Index, Outcome: o}
		if o.Failed() {
			fallbacks.Add(1)
		}
		term.DocProgress(int(done.Add(1)), len(chunks), int(fallbacks.Load()))
	}

	if set.Concurrency <= 1 {
		for i, c := range chunks {
			if err := ctx.Err(); err != nil {
				term.DocFinish(false, int(fallbacks.Load()), time.Since(t0))
				return contract.PipelineResult{}, err
			}
			one(ctx, i, c)
		}
	} else {
		// 每块一个带下标的任务；SetLimit 提供背压
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(set.Concurrency)
		for i, c := range chunks {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				one(gctx, i, c)
				return nil
			})
		}
		_ = g.Wait()
	}
	if err := ctx.Err(); err != nil {
		term.DocFinish(false, int(fallbacks.Load()), time.Since(t0))
		return contract.PipelineResult{}, err
	}

	at := logger.StartWith("assembler", "assemble", docID, 0)
	res, err := comp.Assembler.Assemble(ctx, outs)
	if err != nil {
		logger.ErrorWith("assembler", string(diag.Classify(err)), "assemble failed", at.Since(), docID, 0)
		term.DocFinish(false, int(fallbacks.Load()), time.Since(t0))
		return contract.PipelineResult{}, fmt.Errorf("assemble: %w", err)
	}
	at.Finish("assemble", int64(len(res.Topics)))
	term.DocFinish(true, int(fallbacks.Load()), time.Since(t0))
	return res, nil
}

// Process 提取文档文本后执行 Run。提取失败（格式不支持/文档不可读）返回错误。
func Process(ctx context.Context, comp Components, set Settings, name string, r io.ReadSeeker, mode contract.Mode) (contract.PipelineResult, error) {
	if comp.Extractor == nil {
		return contract.PipelineResult{}, fmt.Errorf("sanity: %w: missing extractor", contract.ErrInvalidInput)
	}
	logger := set.Logger
	if logger == nil {
		logger = diag.NewNop()
	}
	if diag.DocIDFrom(ctx) == "" {
		ctx = diag.WithDocID(ctx, name)
	}
	et := logger.StartWith("extractor", "extract", name, 0)
	text, err := comp.Extractor.Extract(ctx, name, r)
	if err != nil {
		logger.ErrorWith("extractor", string(diag.Classify(err)), "extract failed", et.Since(), name, 0)
		return contract.PipelineResult{}, fmt.Errorf("extract %s: %w: %w", name, ErrUnreadable, err)
	}
	et.Finish("extract", int64(len(text)))
	return Run(ctx, comp, set, text, mode)
}

// RunAll 遍历 set.Inputs 的每个文档：Process 后以 JSON 写出（工件名为 <base>.json）。
// 单个文档失败不影响其余文档，结束时返回首个文档错误；写出失败与取消立即返回。
func RunAll(ctx context.Context, comp Components, set Settings, mode contract.Mode) error {
	if comp.Reader == nil || comp.Writer == nil {
		return fmt.Errorf("sanity: %w: missing reader or writer", contract.ErrInvalidInput)
	}
	logger := set.Logger
	if logger == nil {
		logger = diag.NewNop()
	}
	rt := logger.StartWithKV("pipeline", "run", "", 0, map[string]string{
		"mode": string(mode), "concurrency": fmt.Sprintf("%d", set.Concurrency),
	})
	var (
		firstErr    error
		failed, all int
	)
	err := comp.Reader.Iterate(ctx, set.Inputs, func(id contract.DocID, r io.ReadSeeker) error {
		all++
		dctx := diag.WithDocID(ctx, string(id))
		res, err := Process(dctx, comp, set, string(id), r, mode)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		b, err := MarshalResult(res)
		if err != nil {
			return err
		}
		wt := logger.StartWith("writer", "write", string(id), 0)
		if err := comp.Writer.Write(ctx, ArtifactID(id), bytes.NewReader(b)); err != nil {
			logger.ErrorWith("writer", string(diag.Classify(err)), "write failed", wt.Since(), string(id), 0)
			return fmt.Errorf("write %s: %w", id, err)
		}
		wt.Finish("write", int64(len(b)))
		return nil
	})
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "run failed", rt.Since())
		return err
	}
	if firstErr != nil {
		logger.Error("pipeline", string(diag.Classify(firstErr)), "documents failed", rt.Since())
		return fmt.Errorf("%d of %d documents failed: %w", failed, all, firstErr)
	}
	rt.Finish("run", int64(all))
	return nil
}

// ArtifactID 将文档 ID 映射为结果工件名：同目录下 <base>.json。
func ArtifactID(id contract.DocID) contract.ArtifactID {
	return contract.ArtifactID(path.Join(path.Dir(string(id)), contract.BaseName(id)+".json"))
}

// MarshalResult 以两空格缩进输出结果 JSON（不转义 HTML 字符）。
func MarshalResult(res contract.PipelineResult) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sanity(c Components, mode contract.Mode) error {
	if c.Segmenter == nil || c.PromptBuilder == nil || c.LLM == nil || c.Decoder == nil || c.Assembler == nil {
		return errors.New("pipeline: missing components")
	}
	if _, err := contract.ParseMode(string(mode)); err != nil {
		return err
	}
	return nil
}
