package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Lewis121025/MAX-AI/internal/agent"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newAskCmd(opts *options) *cobra.Command {
	var (
		sessionID string
		uploads   []string
		verbose   bool
		raw       bool
		noColor   bool
	)
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "在本地进程中执行一次查询并输出事件流",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			out := cmd.OutOrStdout()
			if f, ok := out.(*os.File); !ok || noColor || !term.IsTerminal(int(f.Fd())) {
				color.NoColor = true
			}
			for _, name := range uploads {
				if _, err := rt.workspace.Resolve(name); err != nil {
					return err
				}
			}

			log := rt.agent.Start(ctx, agent.Request{
				Query:     strings.Join(args, " "),
				SessionID: sessionID,
				Uploads:   uploads,
			})
			sub, err := log.Subscribe()
			if err != nil {
				return err
			}
			r := newRenderer(out, verbose)
			var failed *stream.Event
			// 中断后 Agent 仍会发出取消事件，读到终止事件为止。
			err = sub.Drain(context.WithoutCancel(ctx), func(ev stream.Event) error {
				if ev.Node == stream.NodeError {
					failed = &ev
				}
				if raw {
					line, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(line))
					return err
				}
				r.render(ev)
				return nil
			})
			if err != nil {
				return err
			}
			if failed != nil {
				return askError(failed.Data)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "继续已有会话")
	cmd.Flags().StringSliceVarP(&uploads, "upload", "u", nil, "工作区内的文件，可重复指定")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出步骤详情")
	cmd.Flags().BoolVar(&raw, "json", false, "逐行输出原始事件 JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "禁用颜色")
	return cmd
}

// askError 把 error 事件转换为命令的退出错误。
func askError(data map[string]any) error {
	msg, _ := data["message"].(string)
	if details, ok := data["details"].(map[string]any); ok {
		if code := fmt.Sprint(details["code"]); code != "" && code != "<nil>" {
			return xerrors.New(xerrors.Code(code), msg)
		}
	}
	return errors.New(msg)
}
