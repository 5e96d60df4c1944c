// Command maxagentd 是 MAX-AI 的服务进程与命令行入口。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lewis121025/MAX-AI/internal/api"
	"github.com/Lewis121025/MAX-AI/internal/config"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

// options 是所有子命令共享的全局参数。
type options struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "maxagentd:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "maxagentd",
		Short:         "MAX-AI 智能体编排服务",
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径（默认读取 $MAXAI_CONFIG 或 configs/maxai.yaml）")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "覆盖配置中的日志级别")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newCapabilitiesCmd(opts),
		newSessionsCmd(opts),
	)
	return root
}

// setup 加载配置并初始化日志。
func (o *options) setup() (*config.Config, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := initLogging(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

// open 加载配置并装配运行时，调用方负责 Close。
func (o *options) open(ctx context.Context) (*runtime, error) {
	cfg, err := o.setup()
	if err != nil {
		return nil, err
	}
	return newRuntime(ctx, cfg)
}

func closeRuntime(rt *runtime) {
	if err := rt.Close(); err != nil {
		rt.logger.Warn("释放资源失败", "error", err)
	}
	_ = logger.Sync()
}
