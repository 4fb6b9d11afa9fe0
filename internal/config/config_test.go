package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studygen/internal/guard"
	"studygen/pkg/contract"
)

const basicYAML = `
mode: quiz
concurrency: 3
llm: local
logging:
  level: debug
cache:
  path: ":memory:"
provider:
  local:
    client: mock
    options:
      response_mode: fixed
      reply: '{"quiz": []}'
    limits:
      rpm: 60
      tpm: 10000
    breaker:
      failures: 3
options:
  segmenter:
    min_chars: 50
  assembler:
    title_format: "Part %d"
`

// 解析完整 YAML 配置
func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile("", []byte(basicYAML))
	require.NoError(t, err)
	assert.Equal(t, "quiz", cfg.Mode)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, -1, cfg.MaxRetries, "未出现的 max_retries 标记为未覆盖")
	assert.Equal(t, "mock", cfg.Provider["local"].Client)
	assert.JSONEq(t, `{"response_mode":"fixed","reply":"{\"quiz\": []}"}`, string(cfg.Provider["local"].Options))
	assert.JSONEq(t, `{"min_chars":50}`, string(cfg.Options.Segmenter))

	merged := Merge(Defaults(), cfg)
	require.NoError(t, Validate(merged))
	assert.Equal(t, 2, merged.MaxRetries)
	assert.Equal(t, "heading", merged.Components.Segmenter)
}

// JSON 文件走同一解码器
func TestLoadFileJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"mode":"summary","llm":"m","max_retries":0,"provider":{"m":{"client":"mock"}}}`), 0o644))
	cfg, err := LoadFile(p, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 0, Merge(Defaults(), cfg).MaxRetries)
}

// 含非法字段
func TestLoadFileUnknown(t *testing.T) {
	_, err := LoadFile("", []byte("unknown: 1\n"))
	assert.Error(t, err)
	_, err = LoadFile("", []byte("provider:\n  x:\n    clinet: mock\n"))
	assert.Error(t, err)
	_, err = LoadFile("", nil)
	assert.Error(t, err)
}

// ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"STUDYGEN_INPUTS=a,b",
		"STUDYGEN_CONCURRENCY=3",
		"STUDYGEN_MAX_RETRIES=0",
		"STUDYGEN_LLM=mock",
		"STUDYGEN_MODE=summary",
		"STUDYGEN_COMPONENTS_WRITER=fs",
		"STUDYGEN_PROVIDER__mock__CLIENT=mock",
		"STUDYGEN_PROVIDER__mock__LIMITS_RPM=30",
		"STUDYGEN_PROVIDER__mock__OPTIONS_JSON={\"prefix\":\"E\"}",
		"STUDYGEN_PROVIDER__other__CLIENT=",
		"OTHER_VAR=1",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	want := Config{
		Mode:        "summary",
		Inputs:      []string{"a", "b"},
		Concurrency: 3,
		MaxRetries:  0,
		LLM:         "mock",
		Components:  Components{Writer: "fs"},
		Provider: map[string]Provider{
			"mock": {Client: "mock", Options: Raw(`{"prefix":"E"}`), Limits: Limits{RPM: 30}},
		},
	}
	if diff := cmp.Diff(want, over); diff != "" {
		t.Fatalf("覆盖结果不正确 (-want +got):\n%s", diff)
	}

	_, err = EnvOverlay([]string{"STUDYGEN_CONCURRENCY=many"})
	assert.Error(t, err)
}

// Provider 同名按字段合并：ENV 只改限额时保留文件中的 client/options。
func TestMergeProvider(t *testing.T) {
	base := Config{MaxRetries: -1, Provider: map[string]Provider{
		"p": {Client: "openai", Options: Raw(`{"model":"x"}`), Limits: Limits{RPM: 10, TPM: 100}},
	}}
	over := Config{MaxRetries: -1, Provider: map[string]Provider{"p": {Limits: Limits{RPM: 5}}}}
	got := Merge(base, over).Provider["p"]
	assert.Equal(t, "openai", got.Client)
	assert.JSONEq(t, `{"model":"x"}`, string(got.Options))
	assert.Equal(t, Limits{RPM: 5, TPM: 100}, got.Limits)
	// base 不被修改
	assert.Equal(t, 10, base.Provider["p"].Limits.RPM)
}

func TestValidate(t *testing.T) {
	ok := Merge(Defaults(), Config{MaxRetries: -1, LLM: "m", Provider: map[string]Provider{"m": {Client: "mock"}}})
	require.NoError(t, Validate(ok))

	cases := map[string]func(c *Config){
		"mode":        func(c *Config) { c.Mode = "essay" },
		"dash mixed":  func(c *Config) { c.Inputs = []string{"-", "a"} },
		"empty input": func(c *Config) { c.Inputs = []string{" "} },
		"concurrency": func(c *Config) { c.Concurrency = 0 },
		"retries":     func(c *Config) { c.MaxRetries = -1 },
		"no llm":      func(c *Config) { c.LLM = "" },
		"no provider": func(c *Config) { c.LLM = "zzz" },
		"client":      func(c *Config) { c.Provider = map[string]Provider{"m": {Client: "nope"}} },
		"limits":      func(c *Config) { c.Provider = map[string]Provider{"m": {Client: "mock", Limits: Limits{RPM: -1}}} },
		"writer":      func(c *Config) { c.Components.Writer = "s3" },
		"level":       func(c *Config) { c.Logging.Level = "loud" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			c := ok
			c.Provider = map[string]Provider{"m": {Client: "mock"}}
			mut(&c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestAssemble(t *testing.T) {
	cfg, err := LoadFile("", []byte(basicYAML))
	require.NoError(t, err)
	cfg = Merge(Defaults(), cfg)

	comp, set, gate, key, err := Assemble(cfg, func(string) string { return "" }, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = comp.Cache.Close() })

	assert.Equal(t, 3, set.Concurrency)
	require.NotNil(t, comp.Cache)
	require.NotNil(t, gate)
	assert.Contains(t, string(key), "mock:")
	_, isGuard := comp.LLM.(*guard.Client)
	assert.True(t, isGuard)
	assert.Equal(t, "mock/fixed", contract.ModelIDOf(comp.LLM))
}

func TestAssembleMissingKey(t *testing.T) {
	cfg := Merge(Defaults(), Config{MaxRetries: -1, LLM: "or", Provider: map[string]Provider{"or": {Client: "openai"}}})
	_, _, _, _, err := Assemble(cfg, func(string) string { return "" }, nil)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))

	env := map[string]string{"OPENROUTER_API_KEY": "sk-test"}
	comp, _, _, key, err := Assemble(cfg, func(k string) string { return env[k] }, nil)
	require.NoError(t, err)
	assert.Nil(t, comp.Cache)
	assert.Contains(t, string(key), "openai:")
}

func TestAssembleBadOptions(t *testing.T) {
	cfg := Merge(Defaults(), Config{MaxRetries: -1, LLM: "m", Provider: map[string]Provider{"m": {Client: "mock"}}})
	cfg.Options.Segmenter = Raw(`{"min_char": 10}`)
	_, _, _, _, err := Assemble(cfg, nil, nil)
	assert.ErrorContains(t, err, "segmenter heading")
}

// 模板可被原样加载、校验并装配。
func TestTemplateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wrote, err := InitDir(dir)
	require.NoError(t, err)
	assert.Len(t, wrote, 2)

	// 二次生成不覆盖
	wrote, err = InitDir(dir)
	require.NoError(t, err)
	assert.Empty(t, wrote)

	cfg, err := LoadFile(filepath.Join(dir, DefaultFile), nil)
	require.NoError(t, err)
	cfg = Merge(Defaults(), cfg)
	cfg.Cache.Path = ""
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "mock", cfg.LLM)
	var or struct {
		MaxTokens int `json:"max_tokens"`
	}
	require.NoError(t, json.Unmarshal(cfg.Provider["openrouter"].Options, &or))
	assert.Equal(t, 1800, or.MaxTokens)
	assert.Equal(t, 1800, reserveOutput(cfg.Provider["openrouter"]))

	_, _, _, _, err = Assemble(cfg, func(string) string { return "" }, nil)
	require.NoError(t, err)

	env, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "STUDYGEN_PROVIDER__openrouter__LIMITS_RPM=")
}

func TestLoadDotEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("# c\nexport SG_T_A=\"x\\ny\"\nSG_T_B='raw\\n'\nSG_T_C=keep\nbad line\n"), 0o644))
	t.Setenv("SG_T_C", "preset")
	require.NoError(t, os.Unsetenv("SG_T_A"))
	require.NoError(t, os.Unsetenv("SG_T_B"))
	t.Cleanup(func() { _ = os.Unsetenv("SG_T_A"); _ = os.Unsetenv("SG_T_B") })

	require.NoError(t, LoadDotEnv(p))
	assert.Equal(t, "x\ny", os.Getenv("SG_T_A"))
	assert.Equal(t, `raw\n`, os.Getenv("SG_T_B"))
	assert.Equal(t, "preset", os.Getenv("SG_T_C"))
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing")))
}

func TestPreflightOutputDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Components.Writer = "fs"
	cfg.Options.Writer = Raw(`{"output_dir":"` + filepath.ToSlash(filepath.Join(dir, "new")) + `"}`)
	assert.NoError(t, PreflightOutputDir(cfg))

	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	cfg.Options.Writer = Raw(`{"output_dir":"` + filepath.ToSlash(f) + `"}`)
	assert.Error(t, PreflightOutputDir(cfg))

	cfg.Components.Writer = "stdout"
	assert.NoError(t, PreflightOutputDir(cfg))
}

func TestSplitCommaAtoi(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitComma("a, b , ,c"))
	v, err := atoi(" 10 ")
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}
