package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lockbox/internal/ipc"
)

func newAutoLockCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:       "autolock <on|off>",
		Short:     "Enable or disable periodic relocking",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch strings.ToLower(strings.TrimSpace(args[0])) {
			case "on", "enable", "true":
				enabled = true
			case "off", "disable", "false":
			default:
				return fmt.Errorf("invalid autolock mode %q (want on or off)", args[0])
			}
			if interval < 0 {
				return fmt.Errorf("invalid interval %s", interval)
			}
			return ctx.withClient(cmd, func(c context.Context, client *ipc.Client) error {
				resp, err := client.SetAutoLock(c, enabled, interval)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Autolock %s (every %s)\n", onOff(resp.AutoLock.Enabled), resp.AutoLock.Interval)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Relock check interval (keeps the current one when unset)")
	return cmd
}
