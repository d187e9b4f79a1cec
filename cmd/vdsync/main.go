package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "vdsync/internal/config"
	"vdsync/internal/diag"
	"vdsync/internal/inspect"
	"vdsync/internal/pipeline"
	"vdsync/pkg/contract"
	"vdsync/pkg/registry"
)

var pipelineRun = pipeline.Run

// 退出码
const (
	exitOK        = 0
	exitRuntime   = 1
	exitIntegrity = 2
	exitConfig    = 3
)

// exitError 携带子命令选定的退出码；消息已输出时 msg 为空。
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func fail(code int, format string, a ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, a...)}
}

// CLI：
//
//	vdsync <run> [-p] [-o DIR] ...   生成运行的虚拟数据集工件
//	vdsync inspect <artifact>        打印工件描述
//	vdsync diff <a> <b>              比较两个工件（不同则退出码 1）
//	vdsync init-config [dir]         生成 config.json 与 .env 模板（不覆盖）
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fprintf(stderr, "%s\n", ee.msg)
		}
		return ee.code
	}
	// cobra 自身的参数/旗标错误
	fprintf(stderr, "参数错误: %v\n", err)
	return exitConfig
}

type runFlags struct {
	proc        bool
	outFolder   string
	config      string
	inputRoot   string
	concurrency int
	logLevel    string
	metricsFile string
	status      bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var fl runFlags
	root := &cobra.Command{
		Use:           "vdsync <run>",
		Short:         "为一次探测器运行生成按 train/cell 对齐的虚拟数据集",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args, fl, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	f := root.Flags()
	f.BoolVarP(&fl.proc, "proc", "p", false, "使用处理后（proc）数据树，缺省为 raw")
	f.StringVarP(&fl.outFolder, "out-folder", "o", "", "输出目录（覆盖配置）")
	f.StringVar(&fl.config, "config", "", "配置文件路径（JSON 或 YAML）；缺省读取 ./config.json（若存在）")
	f.StringVar(&fl.inputRoot, "input-root", "", "实验数据根目录（覆盖配置）")
	f.IntVar(&fl.concurrency, "concurrency", 0, "模块并发度（覆盖配置）")
	f.StringVar(&fl.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	f.StringVar(&fl.metricsFile, "metrics-file", "", "运行结束写出指标快照的路径（覆盖配置）")
	f.BoolVar(&fl.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	root.AddCommand(newInspectCmd(stdout), newDiffCmd(stdout), newInitCmd(stdout, stderr))
	return root
}

func runSync(cmd *cobra.Command, args []string, fl runFlags, stdout, stderr io.Writer) error {
	start := time.Now()
	corrID := diag.NewCorrID()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	if err := cfgpkg.LoadDotEnv(".env"); err != nil {
		fprintf(stderr, "提示：.env 加载失败（已跳过）：%v\n", err)
	}

	cfg, err := loadConfig(cmd, args, fl)
	if err != nil {
		return fail(exitConfig, "%v", err)
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		_ = dumpConfig(stderr, cfg)
		return fail(exitConfig, "配置校验失败: %v", err)
	}

	logger := diag.NewLoggerAt(corrID, cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()

	if err := preflightCheckOutputDir(cfg.OutputDir); err != nil {
		logger.Error("config", string(diag.Classify(err)), "output dir not writable", &start)
		return fail(exitConfig, "输出目录不可写或无法创建: %v", err)
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		return fail(exitConfig, "装配失败: %v", err)
	}
	if c, ok := comp.Engine.(io.Closer); ok {
		defer c.Close()
	}
	logger.DebugStart("config", "effective", "", map[string]string{
		"run":         fmt.Sprintf("%d", cfg.Run),
		"mode":        cfg.Mode,
		"input_dir":   set.InputDir,
		"output_dir":  cfg.OutputDir,
		"output_name": set.OutputName,
		"concurrency": fmt.Sprintf("%d", cfg.Concurrency),
		"engine":      cfg.Components.Engine,
		"discoverer":  cfg.Components.Discoverer,
		"stager":      cfg.Components.Stager,
	})

	// 终端信息提示（非日志）
	diag.SetTerminal(diag.NewTerminal(stderr, fl.status))
	defer diag.SetTerminal(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := pipelineRun(ctx, comp, set, logger)
	if cfg.Metrics.File != "" {
		if err := diag.WriteMetrics(cfg.Metrics.File); err != nil {
			fprintf(stderr, "提示：指标写出失败：%v\n", err)
		}
	}
	if runErr != nil {
		var ie *contract.IntegrityError
		if errors.As(runErr, &ie) {
			return fail(exitIntegrity, "映射完整性故障，已中止（未生成工件）: %s", describeIntegrity(ie))
		}
		if errors.Is(runErr, context.Canceled) {
			return fail(exitRuntime, "已取消")
		}
		return fail(exitRuntime, "运行失败: %v", runErr)
	}
	fprintf(stdout, "%s\n", res.Artifact)
	if len(res.Warnings) > 0 {
		fprintf(stderr, "完成，共 %d 条警告（详见日志）\n", len(res.Warnings))
	}
	return nil
}

// loadConfig 按 Defaults < 配置文件 < ENV < CLI 合成最终配置。
func loadConfig(cmd *cobra.Command, args []string, fl runFlags) (cfgpkg.Config, error) {
	path := fl.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.LoadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	overCLI := cfgpkg.Empty()
	if len(args) == 1 {
		n, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("运行号必须为正整数: %q", args[0])
		}
		overCLI.Run = n
	}
	flags := cmd.Flags()
	if flags.Changed("proc") {
		overCLI.Mode = "raw"
		if fl.proc {
			overCLI.Mode = "proc"
		}
	}
	if flags.Changed("out-folder") {
		overCLI.OutputDir = fl.outFolder
	}
	if flags.Changed("input-root") {
		overCLI.InputRoot = fl.inputRoot
	}
	if flags.Changed("concurrency") {
		overCLI.Concurrency = fl.concurrency
	}
	if flags.Changed("log-level") {
		overCLI.Logging.Level = fl.logLevel
	}
	if flags.Changed("metrics-file") {
		overCLI.Metrics.File = fl.metricsFile
	}
	return cfgpkg.Merge(cfg, overCLI), nil
}

func describeIntegrity(ie *contract.IntegrityError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "阶段 %s，模块 %d", ie.Stage, ie.Module)
	if ie.File != "" {
		fmt.Fprintf(&b, "，文件 %s", ie.File)
	}
	if ie.Chunk >= 0 {
		fmt.Fprintf(&b, "，chunk %d（行 %d ≠ 目标 %d）", ie.Chunk, ie.Rows, ie.Dests)
	} else {
		fmt.Fprintf(&b, "，行 %d → 位置 %d", ie.Row, ie.Position)
	}
	if ie.Detail != "" {
		fmt.Fprintf(&b, "：%s", ie.Detail)
	}
	return b.String()
}

// inspect / diff 只读打开工件，使用默认引擎。
func defaultEngine() (contract.Engine, func(), error) {
	name := cfgpkg.Defaults().Components.Engine
	eng, err := registry.Engine[name](nil)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if c, ok := eng.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return eng, closeFn, nil
}

func newInspectCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <artifact>",
		Short: "打印工件的数组与虚拟数据集描述",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, done, err := defaultEngine()
			if err != nil {
				return fail(exitRuntime, "%v", err)
			}
			defer done()
			out, err := inspect.Describe(cmd.Context(), eng, args[0])
			if err != nil {
				return fail(exitRuntime, "读取失败: %v", err)
			}
			_, _ = io.WriteString(stdout, out)
			return nil
		},
	}
}

func newDiffCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <a> <b>",
		Short: "比较两个工件的描述（忽略创建时间）",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, done, err := defaultEngine()
			if err != nil {
				return fail(exitRuntime, "%v", err)
			}
			defer done()
			d, err := inspect.Diff(cmd.Context(), eng, args[0], args[1])
			if err != nil {
				return fail(exitRuntime, "读取失败: %v", err)
			}
			if d != "" {
				_, _ = io.WriteString(stdout, d)
				return fail(exitRuntime, "")
			}
			return nil
		},
	}
}

func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "在目录生成默认 config.json 与 .env 模板（已存在则跳过，不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail(exitConfig, "生成默认配置失败: %v", err)
			}
			cfgPath := filepath.Join(dir, "config.json")
			if err := writeConfig(stdout, cfgPath, cfgpkg.DefaultTemplateConfig()); err != nil {
				return fail(exitConfig, "生成默认配置失败: %v", err)
			}
			if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
				fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			return nil
		},
	}
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = w.Write(append([]byte("有效配置:\n"), b...))
	_, _ = w.Write([]byte("\n"))
	return nil
}

// writeConfig 写出配置；path 为 "-" 时写 stdout。已存在的文件不覆盖。
func writeConfig(stdout io.Writer, path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = stdout.Write(append(b, '\n'))
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(cfgpkg.EnvTemplate())
	return err
}

// preflightCheckOutputDir 启动前检查输出目录可写性。
// 目录存在时尝试创建并删除临时文件；不存在时检查父目录可写。
func preflightCheckOutputDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	for {
		if _, err := os.Stat(parent); err == nil {
			break
		}
		next := filepath.Dir(parent)
		if next == parent {
			break
		}
		parent = next
	}
	tmp, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.Remove(tmp)
	return nil
}
