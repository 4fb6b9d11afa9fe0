package registry

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"

	"studygen/pkg/contract"
	"studygen/plugins/assembler/titled"
	"studygen/plugins/decoder/lenient"
	"studygen/plugins/extractor/auto"
	"studygen/plugins/llmclient/flaky"
	gmi "studygen/plugins/llmclient/gemini"
	"studygen/plugins/llmclient/mock"
	oai "studygen/plugins/llmclient/openai"
	"studygen/plugins/prompt/study"
	rfs "studygen/plugins/reader/filesystem"
	"studygen/plugins/segmenter/heading"
	wfs "studygen/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewExtractor 工厂签名：接收原样 JSON Options。
type NewExtractor func(raw json.RawMessage) (contract.Extractor, error)

// NewSegmenter 工厂签名：接收原样 JSON Options。
type NewSegmenter func(raw json.RawMessage) (contract.Segmenter, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：原样 JSON Options + 环境变量查询（凭据不直接读进程环境）。
type NewLLMClient func(raw json.RawMessage, getenv func(string) string) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Extractor 工厂注册表。
var Extractor = map[string]NewExtractor{
	// auto: 按扩展名分派 PDF/纯文本
	"auto": func(raw json.RawMessage) (contract.Extractor, error) {
		var opts auto.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return auto.New(&opts)
	},
}

// Segmenter 工厂注册表。
var Segmenter = map[string]NewSegmenter{
	// heading: 按 Chapter/Section/编号标题行切分
	"heading": func(raw json.RawMessage) (contract.Segmenter, error) {
		var opts heading.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return heading.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// study: 按模式渲染 flashcards/quiz/summary 提示词
	"study": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts study.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return study.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage, getenv func(string) string) (contract.LLMClient, error) {
		return oai.New(raw, getenv)
	},
	"gemini": func(raw json.RawMessage, getenv func(string) string) (contract.LLMClient, error) {
		return gmi.New(raw, getenv)
	},
	"mock":  func(raw json.RawMessage, _ func(string) string) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky": func(raw json.RawMessage, _ func(string) string) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// lenient: 清洗（围栏/前后缀/单引号/尾逗号）后解析为 JSON 对象
	"lenient": func(raw json.RawMessage) (contract.Decoder, error) {
		var opts lenient.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return lenient.New(&opts), nil
	},
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// titled: 按位置加 "Topic N" 标题
	"titled": func(raw json.RawMessage) (contract.Assembler, error) {
		var opts titled.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return titled.New(raw)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
	// stdout: 结果依次写到标准输出
	"stdout": func(raw json.RawMessage) (contract.Writer, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.NewStream(os.Stdout), nil
	},
}

// Names 返回注册表的键（升序），用于错误提示与 init-config。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
