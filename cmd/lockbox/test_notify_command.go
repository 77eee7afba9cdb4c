package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lockbox/internal/ipc"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	var strict bool

	cmd := &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the daemon",
		Long: "Asks the running daemon to publish a test event to the configured ntfy topic.\n" +
			"Without a topic the daemon reports that nothing was sent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *ipc.Client) error {
				resp, err := client.TestNotification(c)
				if err != nil {
					return fmt.Errorf("test notification: %w", err)
				}
				if resp == nil {
					return errors.New("missing notification response")
				}
				if jsonOut {
					if err := writeJSON(cmd, resp); err != nil {
						return err
					}
				} else {
					kind, message := statusOK, resp.Message
					if !resp.Sent {
						kind = statusWarn
					}
					if message == "" {
						message = "not sent"
						if resp.Sent {
							message = "sent"
						}
					}
					fmt.Fprintln(cmd.OutOrStdout(), renderStatusLine("Notification", kind, message, shouldColorize(cmd.OutOrStdout())))
				}
				if strict && !resp.Sent {
					return errors.New("notification was not sent")
				}
				return nil
			})
		},
	}
	addJSONFlag(cmd, &jsonOut)
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when nothing was sent")
	return cmd
}
