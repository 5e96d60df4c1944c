package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

func newSessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "管理已保存的会话",
	}

	// withSessions 只打开会话存储。
	withSessions := func(ctx context.Context, fn func(*session.Coordinator) error) error {
		cfg, err := opts.setup()
		if err != nil {
			return err
		}
		rt := &runtime{cfg: cfg, logger: logger.Named("maxagentd")}
		defer closeRuntime(rt)
		store, err := rt.openSessionStore(ctx)
		if err != nil {
			return err
		}
		return fn(session.NewCoordinator(store))
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "按创建时间倒序列出会话",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessions(cmd.Context(), func(c *session.Coordinator) error {
				summaries, err := c.List(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(summaries)
				}
				writeSessions(cmd.OutOrStdout(), summaries)
				return nil
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "输出会话的完整历史",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd.Context(), func(c *session.Coordinator) error {
				history, err := c.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, msg := range history {
					fmt.Fprintf(out, "[%s] %s\n%s\n\n", msg.CreatedAt.Local().Format("15:04:05"), msg.Role, msg.Content)
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "删除会话及其历史",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd.Context(), func(c *session.Coordinator) error {
				if err := c.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "会话 %s 已删除\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
