package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "studygen/internal/config"
	"studygen/pkg/contract"
)

// syncBuffer 供并发写入的日志与终端提示共用。
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

var twoTopics = "1. Intro\n" + strings.Repeat("A", 150) + "\n2. Body\n" + strings.Repeat("B", 150)

const summaryConfig = `
mode: summary
concurrency: 2
llm: local
provider:
  local:
    client: mock
    options:
      response_mode: fixed
      reply: '{"summary": "x"}'
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func runCLI(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()
	var out, errb syncBuffer
	code := execute(ctx, args, &out, &errb)
	return code, out.String(), errb.String()
}

func TestRunStdout(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "c.yaml", summaryConfig)
	doc := writeFile(t, dir, "notes.txt", twoTopics)

	code, out, errOut := runCLI(t, context.Background(), "run", "--config", cfg, doc)
	require.Equal(t, exitOK, code, errOut)
	assert.JSONEq(t, `{"topics":[{"title":"Topic 1","summary":"x"},{"title":"Topic 2","summary":"x"}]}`, out)
	assert.Contains(t, errOut, "[ok] 全部完成")
}

func TestRunOutDir(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "c.yaml", summaryConfig)
	in := filepath.Join(dir, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	writeFile(t, in, "a.txt", twoTopics)
	writeFile(t, in, "b.md", twoTopics)
	out := filepath.Join(dir, "out")

	code, _, errOut := runCLI(t, context.Background(), "run", "--config", cfg, "--status=false", "--mode", "quiz", "-o", out, in)
	require.Equal(t, exitOK, code, errOut)
	for _, name := range []string{"a.json", "b.json"} {
		b, err := os.ReadFile(filepath.Join(out, name))
		require.NoError(t, err)
		var res contract.PipelineResult
		require.NoError(t, json.Unmarshal(b, &res))
		require.Len(t, res.Topics, 2)
		// 固定回复不含 quiz 键：按原样信任
		assert.Equal(t, "x", res.Topics[0].Record["summary"])
	}
}

// TestRunDocumentFailure 不支持的格式为运行期失败（退出码 1），其余文档照常写出。
func TestRunDocumentFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "c.yaml", summaryConfig)
	good := writeFile(t, dir, "good.txt", twoTopics)
	bad := writeFile(t, dir, "slides.pptx", "PK")
	out := filepath.Join(dir, "out")

	code, _, errOut := runCLI(t, context.Background(), "run", "--config", cfg, "--out", out, good, bad)
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, errOut, "运行失败")
	assert.Contains(t, errOut, "unsupported format")
	_, err := os.Stat(filepath.Join(out, "good.json"))
	assert.NoError(t, err)
}

func TestRunConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "c.yaml", summaryConfig)
	doc := writeFile(t, dir, "notes.txt", twoTopics)
	unknown := writeFile(t, dir, "u.yaml", "mode: quiz\ncolour: red\n")
	noLLM := writeFile(t, dir, "n.yaml", "mode: quiz\n")

	cases := map[string][]string{
		"未知字段":   {"run", "--config", unknown, doc},
		"缺少 llm": {"run", "--config", noLLM, doc},
		"非法模式":   {"run", "--config", cfg, "--mode", "essay", doc},
		"未知旗标":   {"run", "--config", cfg, "--colour", doc},
		"未知 llm": {"run", "--config", cfg, "--llm", "nope", doc},
		"文件不存在":  {"run", "--config", filepath.Join(dir, "missing.yaml"), doc},
		"stdin混用": {"run", "--config", cfg, "-", doc},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, errOut := runCLI(t, context.Background(), args...)
			assert.Equal(t, exitConfig, code, errOut)
		})
	}
}

func TestInitConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	code, out, errOut := runCLI(t, context.Background(), "init-config", dir)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, cfgpkg.DefaultFile)
	assert.FileExists(t, filepath.Join(dir, cfgpkg.DefaultFile))
	assert.FileExists(t, filepath.Join(dir, ".env"))

	code, out, _ = runCLI(t, context.Background(), "init-config", dir)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "nothing to do")

	// 生成的模板可直接驱动一次离线运行
	t.Setenv("STUDYGEN_LOG_DIR", filepath.Join(dir, "logs"))
	doc := writeFile(t, dir, "notes.txt", twoTopics)
	code, stdout, errOut := runCLI(t, context.Background(), "run", "--config", filepath.Join(dir, cfgpkg.DefaultFile), "--cache", filepath.Join(dir, "c.db"), doc)
	require.Equal(t, exitOK, code, errOut)
	var res contract.PipelineResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	require.Len(t, res.Topics, 2)
	assert.Contains(t, res.Topics[0].Record, "flashcards")
}

func TestServeShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "c.yaml", summaryConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	code, _, errOut := runCLI(t, ctx, "serve", "--config", cfg, "--addr", "127.0.0.1:0")
	assert.Equal(t, exitOK, code, errOut)
}

func TestWithOutputDir(t *testing.T) {
	cfg := cfgpkg.Defaults()
	cfg.Components.Writer = "fs"
	cfg.Options.Writer = cfgpkg.Raw(`{"atomic":false,"output_dir":"old"}`)
	got, err := withOutputDir(cfg, "new")
	require.NoError(t, err)
	assert.Equal(t, "fs", got.Components.Writer)
	assert.JSONEq(t, `{"atomic":false,"output_dir":"new"}`, string(got.Options.Writer))

	// 非 fs writer 的 options 不沿用
	cfg.Components.Writer = "stdout"
	got, err = withOutputDir(cfg, "d")
	require.NoError(t, err)
	assert.JSONEq(t, `{"output_dir":"d"}`, string(got.Options.Writer))
}
