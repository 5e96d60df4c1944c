package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Lewis121025/MAX-AI/internal/api"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/task"
)

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr        string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP/WebSocket 服务与后台作业处理器",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			if addr != "" {
				rt.cfg.Server.Address = addr
			}
			return serve(ctx, rt, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "覆盖监听地址")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "在独立端口暴露 Prometheus 指标")
	return cmd
}

// serve 运行 API 服务、作业处理器与规则热加载，任何一个失败都会让其余组件退出。
func serve(ctx context.Context, rt *runtime, metricsAddr string) error {
	cfg := rt.cfg
	svc, queue, store, err := rt.newTaskService(ctx)
	if err != nil {
		return err
	}

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithRecoveryHandler(task.DegradeRecovery{Codes: []xerrors.Code{xerrors.CodeIterationsExhausted}}),
		task.WithJobRecorder(rt.metrics),
	}
	if rt.alerts != nil {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(rt.alerts))
	}
	processor := task.NewProcessor(task.AgentExecutor{Agent: rt.agent}, store, queue, queue, processorOpts...)

	serverOpts := []api.Option{
		api.WithRegistry(rt.registry),
		api.WithTaskService(svc),
		api.WithUploads(rt.workspace),
		api.WithConfigSummary(rt.summary()),
		api.WithMaxQueryLength(cfg.Server.MaxQueryLength),
	}
	if cfg.Server.EnableMetrics && metricsAddr == "" {
		serverOpts = append(serverOpts, api.WithMetrics(rt.metrics))
	}
	server := api.NewServer(cfg.Server.Address, rt.agent, rt.sessions, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return quiet(processor.Start(gctx))
	})
	g.Go(func() error {
		return quiet(server.Start(gctx))
	})
	if metricsAddr != "" {
		g.Go(func() error {
			return quiet(rt.metrics.StartServer(gctx, metricsAddr))
		})
	}
	if cfg.Planner.RulesFile != "" {
		g.Go(func() error {
			if err := rt.planner.WatchRules(gctx, cfg.Planner.RulesFile); err != nil {
				// 热加载失败不影响服务本身。
				rt.logger.Warn("规则文件监听失败", "path", cfg.Planner.RulesFile, "error", err)
			}
			return nil
		})
	}

	resumed, err := svc.Resume(ctx)
	if err != nil {
		rt.logger.Warn("恢复待执行作业失败", "error", err)
	} else if resumed > 0 {
		rt.logger.Info("已恢复待执行作业", "count", resumed)
	}

	return g.Wait()
}

// quiet 把正常关闭产生的取消错误视为成功。
func quiet(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
