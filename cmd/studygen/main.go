package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "studygen/internal/config"
	"studygen/internal/diag"
	"studygen/internal/pipeline"
	"studygen/internal/server"
	"studygen/pkg/contract"
	wfs "studygen/plugins/writer/filesystem"
)

// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

func main() {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = cfgpkg.LoadDotEnv(".env")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError 携带退出码的命令错误。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(format string, a ...any) error {
	return &exitError{code: exitConfig, err: fmt.Errorf(format, a...)}
}

func runtimeError(err error) error { return &exitError{code: exitRuntime, err: err} }

// globalFlags 为所有子命令共享的覆盖项；零值/负值表示未设置。
type globalFlags struct {
	config      string
	llm         string
	mode        string
	concurrency int
	maxRetries  int
	logLevel    string
	cache       string
	status      bool
}

type app struct {
	stdout, stderr io.Writer
	getenv         func(string) string
	environ        func() []string
	g              globalFlags
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, getenv: os.Getenv, environ: os.Environ}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "studygen: %v\n", err)
		}
		return ee.code
	}
	// 旗标/参数解析错误
	fmt.Fprintf(stderr, "studygen: %v\n", err)
	return exitConfig
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "studygen",
		Short: "Turn documents into flashcards, quizzes and summaries",
		Long: `studygen splits a document into topics at its structural headings and asks an
LLM provider for study material per topic. A topic whose reply cannot be used
still appears in the output, carrying an empty container and an error message.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.g.config, "config", "", "配置文件路径（YAML/JSON）；缺省读取 STUDYGEN_CONFIG_FILE 或 ./studygen.yaml")
	pf.StringVar(&a.g.llm, "llm", "", "provider 名称（覆盖配置）")
	pf.StringVar(&a.g.mode, "mode", "", "生成模式：flashcards | quiz | summary（覆盖配置）")
	pf.IntVar(&a.g.concurrency, "concurrency", 0, "每个文档的并发度（覆盖配置）")
	// max-retries 允许显式设置为 0；默认 -1 表示“未覆盖”。
	pf.IntVar(&a.g.maxRetries, "max-retries", -1, "LLM 调用最大重试次数（覆盖配置；0 表示不重试）")
	pf.StringVar(&a.g.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	pf.StringVar(&a.g.cache, "cache", "", "结果缓存 SQLite 路径（覆盖配置）")
	pf.BoolVar(&a.g.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	root.AddCommand(a.runCmd(), a.serveCmd(), a.initConfigCmd())
	return root
}

func (a *app) runCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "run [files|dirs|-]",
		Short: "Generate study material for documents and write <name>.json per document",
		Long: `Reads each document (PDF or plain text), generates material for every topic and
writes {"topics": [...]} per document. Without --out results go to stdout.
"-" reads a single document from STDIN and cannot be mixed with other roots.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "输出目录（文件系统 Writer）；缺省写到标准输出")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /upload (multipart: file, type)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "监听地址（覆盖 server.addr）")
	return cmd
}

func (a *app) initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write studygen.yaml and .env templates (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			wrote, err := cfgpkg.InitDir(dir)
			if err != nil {
				return configError("生成默认配置失败: %w", err)
			}
			for _, p := range wrote {
				fmt.Fprintf(a.stdout, "wrote %s\n", p)
			}
			if len(wrote) == 0 {
				fmt.Fprintf(a.stdout, "nothing to do: templates already exist in %s\n", dir)
			}
			return nil
		},
	}
}

// loadConfig 依优先级合并：Defaults < 文件 < ENV < CLI。
func (a *app) loadConfig(roots []string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()
	if path := cfgpkg.DiscoverFile(a.g.config, a.getenv); path != "" {
		base, err := cfgpkg.LoadFile(path, nil)
		if err != nil {
			return cfg, configError("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	overEnv, err := cfgpkg.EnvOverlay(a.environ())
	if err != nil {
		return cfg, configError("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// 标记 MaxRetries 未设置（避免默认 0 被误判为要覆盖）
	overCLI := cfgpkg.Config{
		Mode:        a.g.mode,
		Inputs:      roots,
		Concurrency: a.g.concurrency,
		MaxRetries:  a.g.maxRetries,
		LLM:         a.g.llm,
		Logging:     cfgpkg.Logging{Level: a.g.logLevel},
		Cache:       cfgpkg.Cache{Path: a.g.cache},
	}
	cfg = cfgpkg.Merge(cfg, overCLI)
	if err := cfgpkg.Validate(cfg); err != nil {
		return cfg, configError("配置校验失败: %w", err)
	}
	return cfg, nil
}

// withOutputDir 切换到文件系统 Writer，并在已有 writer options 上设置 output_dir。
func withOutputDir(cfg cfgpkg.Config, dir string) (cfgpkg.Config, error) {
	opts := map[string]any{}
	if cfg.Components.Writer == "fs" && len(cfg.Options.Writer) > 0 {
		if err := json.Unmarshal(cfg.Options.Writer, &opts); err != nil {
			return cfg, err
		}
	}
	opts["output_dir"] = dir
	b, err := json.Marshal(opts)
	if err != nil {
		return cfg, err
	}
	cfg.Components.Writer = "fs"
	cfg.Options.Writer = cfgpkg.Raw(b)
	return cfg, nil
}

func (a *app) newLogger(cfg cfgpkg.Config, corrID string) *diag.Logger {
	o := cfgpkg.LoggerOptions(cfg)
	o.Writer = a.stderr
	return diag.NewLogger(corrID, o)
}

func (a *app) run(ctx context.Context, roots []string, out string) error {
	start := time.Now()
	corrID := diag.NewCorrID()
	cfg, err := a.loadConfig(roots)
	if err != nil {
		return err
	}
	if out != "" {
		if cfg, err = withOutputDir(cfg, out); err != nil {
			return configError("--out: %w", err)
		}
	}
	// 预检：若使用文件系统 Writer，检查输出目录的可写性
	if err := cfgpkg.PreflightOutputDir(cfg); err != nil {
		return configError("输出目录不可写或无法创建: %w", err)
	}
	mode, _ := contract.ParseMode(cfg.Mode)

	logger := a.newLogger(cfg, corrID)
	defer func() { _ = logger.Close() }()

	comp, set, _, _, err := cfgpkg.Assemble(cfg, a.getenv, logger)
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return configError("装配失败: %w", err)
	}
	if comp.Cache != nil {
		defer func() { _ = comp.Cache.Close() }()
	}
	// stdout Writer 跟随命令的输出流
	if strings.TrimSpace(cfg.Components.Writer) == "stdout" {
		comp.Writer = wfs.NewStream(a.stdout)
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(a.stderr, a.g.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, string(mode), cfg.LLM)
	logger.DebugStart("config", "effective", "", 0, cfgpkg.Effective(cfg))

	if err := pipeline.RunAll(ctx, comp, set, mode); err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		term.RunFinish(false, time.Since(start))
		return runtimeError(fmt.Errorf("运行失败: %w", err))
	}
	term.RunFinish(true, time.Since(start))
	return nil
}

func (a *app) serve(ctx context.Context, addr string) error {
	cfg, err := a.loadConfig(nil)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	mode, _ := contract.ParseMode(cfg.Mode)
	logger := a.newLogger(cfg, diag.NewCorrID())
	defer func() { _ = logger.Close() }()

	comp, set, _, _, err := cfgpkg.Assemble(cfg, a.getenv, logger)
	if err != nil {
		return configError("装配失败: %w", err)
	}
	if comp.Cache != nil {
		defer func() { _ = comp.Cache.Close() }()
	}
	srv := server.New(comp, set, server.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		DefaultMode:    mode,
		Logger:         logger,
	})
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return runtimeError(fmt.Errorf("serve: %w", err))
	}
	return nil
}
