package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

func newCapabilitiesCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "列出已注册的能力及其参数",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.setup()
			if err != nil {
				return err
			}
			// 只需要注册表，不打开会话存储。
			rt := &runtime{cfg: cfg, logger: logger.Named("maxagentd")}
			defer closeRuntime(rt)
			if err := rt.buildRegistry(cmd.Context()); err != nil {
				return err
			}
			descs := rt.registry.Descriptors()
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(descs)
			}
			writeCapabilities(cmd.OutOrStdout(), descs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")
	return cmd
}

func writeCapabilities(w io.Writer, descs []capability.Descriptor) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"能力", "说明", "参数", "超时"})
	table.SetAutoWrapText(false)
	for _, d := range descs {
		params := make([]string, 0, len(d.Params))
		for _, p := range d.Params {
			name := fmt.Sprintf("%s:%s", p.Name, p.Type)
			if p.Required {
				name += "*"
			}
			params = append(params, name)
		}
		timeout := (time.Duration(d.TimeoutMS) * time.Millisecond).String()
		table.Append([]string{d.Name, d.Description, strings.Join(params, " "), timeout})
	}
	table.Render()
}

func writeSessions(w io.Writer, list []session.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"会话", "创建时间", "标题"})
	table.SetAutoWrapText(false)
	for _, s := range list {
		table.Append([]string{s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.Title})
	}
	table.Render()
}
